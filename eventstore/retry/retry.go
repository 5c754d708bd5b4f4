// Package retry re-runs a read-decide-append function when the append loses an optimistic concurrency race.
//
// The EventStore never retries on its own. A VersionConflict means the caller's decision was based on stale state,
// so only the caller can rebuild it and try again:
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		events, err := es.ReadStream(ctx, streamID, eventstore.Forward, eventstore.FromStart(), 1000)
//		if err != nil {
//			return err
//		}
//		state := fold(events)
//		_, err = es.Append(ctx, streamID, eventstore.Exact(state.version), decide(state)...)
//		return err
//	})
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultJitterFactor = 0.3

	metricRetryDelay     = "eventstore_retry_delay_seconds"
	metricRetries        = "eventstore_retries_total"
	metricRetryExhausted = "eventstore_retry_exhausted_total"

	labelOperation      = "operation"
	labelAttemptNumber  = "attempt_number"
	labelErrorType      = "error_type"
	labelFinalErrorType = "final_error_type"

	errorTypeNone            = "none"
	errorTypeConflict        = "concurrency_conflict"
	errorTypeContextCanceled = "context_canceled"
	errorTypeContextDeadline = "context_deadline_exceeded"
	errorTypeOther           = "other"
)

var (
	// ErrNilMetricsCollector is returned when a nil metrics collector is provided to WithMetrics.
	ErrNilMetricsCollector = errors.New("metrics collector must not be nil")

	// ErrEmptyOperation is returned when an empty operation name is provided to WithMetrics.
	ErrEmptyOperation = errors.New("operation must not be empty")

	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidMaxDelay     = errors.New("max delay must be positive")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

// Func is one read-decide-append attempt.
type Func func(ctx context.Context) error

// Outcome describes how Do went, also when it failed.
type Outcome struct {
	Attempts      int
	TotalDelay    time.Duration
	LastErrorType string
}

type config struct {
	maxAttempts      int
	baseDelay        time.Duration
	maxDelay         time.Duration
	jitterFactor     float64
	metricsCollector eventstore.MetricsCollector
	operation        string
}

// Do runs fn until it succeeds, fails with something other than a version conflict, or maxAttempts is reached.
//
// Default schedule: 0, 10, 20, 40, 80, 160 ms plus up to 30% jitter.
// Context errors are never retried, timeouts under load should surface rather than pile up.
func Do(ctx context.Context, fn Func, options ...Option) (Outcome, error) {
	cfg := &config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		jitterFactor: defaultJitterFactor,
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return Outcome{}, err
		}
	}

	var outcome Outcome
	var lastErr error

	for attempt := range cfg.maxAttempts {
		if attempt > 0 {
			delay := backoff(cfg, attempt)
			cfg.recordDelay(ctx, attempt, delay)

			select {
			case <-time.After(delay):
				outcome.TotalDelay += delay
			case <-ctx.Done():
				outcome.LastErrorType = errorTypeOf(ctx.Err())
				return outcome, ctx.Err()
			}
		}

		outcome.Attempts++

		lastErr = fn(ctx)
		outcome.LastErrorType = errorTypeOf(lastErr)

		if lastErr == nil || !IsRetryable(lastErr) {
			return outcome, lastErr
		}

		if attempt < cfg.maxAttempts-1 {
			cfg.recordRetry(ctx, attempt+1, lastErr)
		}
	}

	cfg.recordExhausted(ctx, lastErr)

	return outcome, lastErr
}

// IsRetryable reports whether err is a version conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, eventstore.ErrVersionConflict)
}

// backoff is baseDelay * 2^(attempt-1), capped at maxDelay, plus jitter.
func backoff(cfg *config, attempt int) time.Duration {
	delay := min(cfg.baseDelay, cfg.maxDelay)
	for i := 1; i < attempt && delay > 0 && delay < cfg.maxDelay; i++ {
		if delay > cfg.maxDelay/2 {
			delay = cfg.maxDelay
			break
		}
		delay *= 2
	}

	jitter := time.Duration(rand.Float64() * float64(delay) * cfg.jitterFactor) //nolint:gosec
	if delay+jitter < delay {
		return delay
	}

	return delay + jitter
}

func errorTypeOf(err error) string {
	switch {
	case err == nil:
		return errorTypeNone
	case errors.Is(err, eventstore.ErrVersionConflict):
		return errorTypeConflict
	case errors.Is(err, context.Canceled):
		return errorTypeContextCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return errorTypeContextDeadline
	default:
		return errorTypeOther
	}
}

func (cfg *config) recordDelay(ctx context.Context, attempt int, delay time.Duration) {
	if cfg.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		labelOperation:     cfg.operation,
		labelAttemptNumber: strconv.Itoa(attempt),
	}

	if contextual, ok := cfg.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metricRetryDelay, delay, labels)
		return
	}

	cfg.metricsCollector.RecordDuration(metricRetryDelay, delay, labels)
}

func (cfg *config) recordRetry(ctx context.Context, attemptNumber int, err error) {
	if cfg.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		labelOperation:     cfg.operation,
		labelAttemptNumber: strconv.Itoa(attemptNumber),
		labelErrorType:     errorTypeOf(err),
	}

	if contextual, ok := cfg.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metricRetries, labels)
		return
	}

	cfg.metricsCollector.IncrementCounter(metricRetries, labels)
}

func (cfg *config) recordExhausted(ctx context.Context, err error) {
	if cfg.metricsCollector == nil {
		return
	}

	labels := map[string]string{
		labelOperation:      cfg.operation,
		labelFinalErrorType: errorTypeOf(err),
	}

	if contextual, ok := cfg.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metricRetryExhausted, labels)
		return
	}

	cfg.metricsCollector.IncrementCounter(metricRetryExhausted, labels)
}

// Option configures Do using the functional options pattern.
type Option func(*config) error

// WithMaxAttempts sets the maximum number of attempts, the first one included.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		cfg.maxAttempts = attempts

		return nil
	}
}

// WithBaseDelay sets the delay before the first retry. It doubles for every further retry.
func WithBaseDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}

		cfg.baseDelay = delay

		return nil
	}
}

// WithMaxDelay caps the backoff delay before jitter. The default is 5s.
func WithMaxDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay <= 0 {
			return ErrInvalidMaxDelay
		}

		cfg.maxDelay = delay

		return nil
	}
}

// WithJitterFactor sets the random extra delay as a fraction of each backoff delay, from 0.0 to 1.0.
func WithJitterFactor(factor float64) Option {
	return func(cfg *config) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}

		cfg.jitterFactor = factor

		return nil
	}
}

// WithMetrics records retry delays, retries and exhaustion labeled with operation.
func WithMetrics(collector eventstore.MetricsCollector, operation string) Option {
	return func(cfg *config) error {
		if collector == nil {
			return ErrNilMetricsCollector
		}

		if operation == "" {
			return ErrEmptyOperation
		}

		cfg.metricsCollector = collector
		cfg.operation = operation

		return nil
	}
}
