// Package helper provides fixtures and observability spies shared by the package tests.
package helper
