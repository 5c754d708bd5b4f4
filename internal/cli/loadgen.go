package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/celfilter"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/codec"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/retry"
)

const (
	loadEventType    = "LoadGenerated"
	loadEntityType   = "load"
	retryOperation   = "loadgen_append"
	loadRetryBackoff = time.Millisecond
)

var (
	ErrVerificationFailed = errors.New("loadgen verification failed")
	ErrDeliveryTimedOut   = errors.New("subscription did not deliver every event in time")
)

// LoadGenerated is the payload of every loadgen event.
type LoadGenerated struct {
	Writer int `json:"writer"`
	Batch  int `json:"batch"`
	Index  int `json:"index"`
}

// LoadReport summarizes one loadgen run.
type LoadReport struct {
	Writers       int              `json:"writers"`
	Streams       int              `json:"streams"`
	Appends       int64            `json:"appends"`
	Events        int64            `json:"events"`
	Delivered     int64            `json:"delivered"`
	Filter        string           `json:"filter,omitempty"`
	Matched       int64            `json:"matched"`
	HeadPosition  int64            `json:"head_position"`
	Duration      time.Duration    `json:"duration_ns"`
	EventsPerSec  float64          `json:"events_per_second"`
	CounterTotals map[string]int64 `json:"counters,omitempty"`
}

// LoadGenerator appends a fixed workload from concurrent writers and verifies the store's ordering guarantees
// through global subscriptions that run alongside the writers.
type LoadGenerator struct {
	es       *memengine.EventStore
	cfg      LoadgenConfig
	registry *codec.Registry
	metrics  eventstore.MetricsCollector
	streams  []eventstore.StreamID

	appends atomic.Int64
	events  atomic.Int64
}

// NewLoadGenerator prepares a run of cfg against es. metrics may be nil.
func NewLoadGenerator(es *memengine.EventStore, cfg LoadgenConfig, metrics eventstore.MetricsCollector) (*LoadGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := codec.NewRegistry()
	if err := codec.Register[LoadGenerated](registry, loadEventType); err != nil {
		return nil, err
	}

	streams := make([]eventstore.StreamID, cfg.Streams)
	for i := range streams {
		entityID, err := eventstore.NewEntityID()
		if err != nil {
			return nil, err
		}

		streams[i] = eventstore.DeriveStreamID(loadEntityType, entityID)
	}

	return &LoadGenerator{
		es:       es,
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		streams:  streams,
	}, nil
}

// Run appends the workload and blocks until the verifying subscriptions have seen every event.
func (lg *LoadGenerator) Run(ctx context.Context) (LoadReport, error) {
	ctx, cancel := context.WithTimeout(ctx, lg.cfg.Timeout)
	defer cancel()

	total := lg.cfg.TotalEvents()

	verifier, err := newOrderVerifier(ctx, lg.es, total, nil)
	if err != nil {
		return LoadReport{}, err
	}
	defer verifier.close()

	var matcher *celfilter.Matcher
	var filtered *orderVerifier
	if lg.cfg.Filter != "" {
		matcher = celfilter.MustCompile(lg.cfg.Filter)

		filtered, err = newOrderVerifier(ctx, lg.es, total, matcher)
		if err != nil {
			return LoadReport{}, err
		}
		defer filtered.close()
	}

	start := time.Now()

	g, groupCtx := errgroup.WithContext(ctx)
	for writer := range lg.cfg.Writers {
		g.Go(func() error {
			return lg.write(groupCtx, writer)
		})
	}

	if err := g.Wait(); err != nil {
		return LoadReport{}, err
	}

	duration := time.Since(start)
	head := lg.es.HeadPosition()

	progress, err := verifier.await(ctx, func(p verifierProgress) bool { return p.lastGlobal == head })
	if err != nil {
		return LoadReport{}, err
	}

	report := LoadReport{
		Writers:      lg.cfg.Writers,
		Streams:      lg.cfg.Streams,
		Appends:      lg.appends.Load(),
		Events:       lg.events.Load(),
		Delivered:    progress.delivered,
		Filter:       lg.cfg.Filter,
		HeadPosition: head,
		Duration:     duration,
		EventsPerSec: float64(lg.events.Load()) / duration.Seconds(),
	}

	if err := lg.verify(report, progress); err != nil {
		return report, err
	}

	if filtered != nil {
		expected, err := lg.countMatches(ctx, matcher)
		if err != nil {
			return report, err
		}

		filteredProgress, err := filtered.await(ctx, func(p verifierProgress) bool { return p.delivered == expected })
		if err != nil {
			return report, err
		}

		report.Matched = filteredProgress.delivered
	}

	return report, nil
}

// write appends BatchesPerWriter batches, rotating over the shared streams so that writers contend.
func (lg *LoadGenerator) write(ctx context.Context, writer int) error {
	options := []retry.Option{
		retry.WithMaxAttempts(lg.cfg.MaxAttempts),
		retry.WithBaseDelay(loadRetryBackoff),
	}
	if lg.metrics != nil {
		options = append(options, retry.WithMetrics(lg.metrics, retryOperation))
	}

	for batch := range lg.cfg.BatchesPerWriter {
		streamID := lg.streams[(writer+batch)%len(lg.streams)]

		events, err := lg.buildBatch(writer, batch)
		if err != nil {
			return err
		}

		_, err = retry.Do(ctx, func(ctx context.Context) error {
			expected := eventstore.AtVersion(lg.es.CurrentVersion(streamID))
			_, appendErr := lg.es.Append(ctx, streamID, expected, events...)

			return appendErr
		}, options...)
		if err != nil {
			return fmt.Errorf("writer %d batch %d: %w", writer, batch, err)
		}

		lg.appends.Add(1)
		lg.events.Add(int64(len(events)))
	}

	return nil
}

func (lg *LoadGenerator) buildBatch(writer, batch int) ([]eventstore.EventData, error) {
	correlationID := uuid.New()
	events := make([]eventstore.EventData, 0, lg.cfg.BatchSize)

	for index := range lg.cfg.BatchSize {
		metadata := codec.BuildEventMetadata(uuid.New(), correlationID, correlationID)

		data, err := lg.registry.Encode(loadEventType, LoadGenerated{Writer: writer, Batch: batch, Index: index}, metadata)
		if err != nil {
			return nil, err
		}

		events = append(events, data)
	}

	return events, nil
}

// verify compares what the writers did with what the store and the subscription report.
func (lg *LoadGenerator) verify(report LoadReport, progress verifierProgress) error {
	total := int64(lg.cfg.TotalEvents())

	if report.Events != total || report.Delivered != total || report.HeadPosition != total-1 {
		return fmt.Errorf(
			"%w: appended %d, delivered %d, head %d, want %d events",
			ErrVerificationFailed, report.Events, report.Delivered, report.HeadPosition, total,
		)
	}

	var stored int64
	for _, streamID := range lg.streams {
		version := lg.es.CurrentVersion(streamID)

		delivered, seen := progress.streamVersions[streamID.String()]
		if !seen {
			delivered = eventstore.EmptyStreamVersion
		}

		if delivered != version {
			return fmt.Errorf("%w: %s delivered up to %d, stored up to %d", ErrVerificationFailed, streamID, delivered, version)
		}

		stored += version + 1
	}

	if stored != total {
		return fmt.Errorf("%w: streams hold %d events, want %d", ErrVerificationFailed, stored, total)
	}

	return nil
}

func (lg *LoadGenerator) countMatches(ctx context.Context, matcher eventstore.EventMatcher) (int64, error) {
	events, err := lg.es.ReadAll(ctx, eventstore.Forward, eventstore.FromStart(), math.MaxInt)
	if err != nil {
		return 0, err
	}

	var matches int64
	for _, event := range events {
		if matcher.Matches(event) {
			matches++
		}
	}

	return matches, nil
}
