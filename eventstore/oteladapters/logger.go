package oteladapters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// SlogBridgeLogger implements eventstore.ContextualLogger on a *slog.Logger.
// Built with NewSlogBridgeLogger, records go to an OpenTelemetry LoggerProvider and carry the trace and span IDs
// of the context they are logged with.
type SlogBridgeLogger struct {
	logger *slog.Logger
}

var _ eventstore.ContextualLogger = (*SlogBridgeLogger)(nil)

// NewSlogBridgeLogger creates a logger that emits through the otelslog bridge.
// Without a provider option the global LoggerProvider is used.
func NewSlogBridgeLogger(name string, options ...otelslog.Option) *SlogBridgeLogger {
	return &SlogBridgeLogger{logger: otelslog.NewLogger(name, options...)}
}

// NewSlogBridgeLoggerWithHandler uses handler as is, without OpenTelemetry correlation.
func NewSlogBridgeLoggerWithHandler(handler slog.Handler) *SlogBridgeLogger {
	return &SlogBridgeLogger{logger: slog.New(handler)}
}

func (l *SlogBridgeLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *SlogBridgeLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *SlogBridgeLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *SlogBridgeLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// OTelLogger implements eventstore.ContextualLogger directly on the OpenTelemetry logs API.
type OTelLogger struct {
	logger log.Logger
}

var _ eventstore.ContextualLogger = (*OTelLogger)(nil)

func NewOTelLogger(logger log.Logger) *OTelLogger {
	return &OTelLogger{logger: logger}
}

func (l *OTelLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityDebug, msg, args)
}

func (l *OTelLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityInfo, msg, args)
}

func (l *OTelLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityWarn, msg, args)
}

func (l *OTelLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityError, msg, args)
}

func (l *OTelLogger) emit(ctx context.Context, severity log.Severity, msg string, args []any) {
	record := log.Record{}
	record.SetTimestamp(time.Now())
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetBody(log.StringValue(msg))
	record.AddAttributes(keyValuesOf(args)...)

	l.logger.Emit(ctx, record)
}

// keyValuesOf converts slog style arguments: alternating keys and values, or slog.Attr.
// A trailing key without value is dropped.
func keyValuesOf(args []any) []log.KeyValue {
	keyValues := make([]log.KeyValue, 0, len(args)/2)

	for i := 0; i < len(args); i++ {
		if attr, ok := args[i].(slog.Attr); ok {
			keyValues = append(keyValues, log.KeyValue{Key: attr.Key, Value: valueOf(attr.Value.Any())})
			continue
		}

		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			continue
		}

		keyValues = append(keyValues, log.KeyValue{Key: key, Value: valueOf(args[i+1])})
		i++
	}

	return keyValues
}

func valueOf(v any) log.Value {
	switch value := v.(type) {
	case string:
		return log.StringValue(value)
	case int:
		return log.IntValue(value)
	case int64:
		return log.Int64Value(value)
	case float64:
		return log.Float64Value(value)
	case bool:
		return log.BoolValue(value)
	case time.Duration:
		return log.Int64Value(value.Milliseconds())
	case error:
		return log.StringValue(value.Error())
	case fmt.Stringer:
		return log.StringValue(value.String())
	default:
		return log.StringValue(slog.AnyValue(v).String())
	}
}
