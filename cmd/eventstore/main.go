// Command eventstore runs workloads and scenarios against the in-memory event store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/AntonStoeckl/streams-eventstore-go/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
