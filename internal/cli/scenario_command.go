package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
)

const defaultScenarioTimeout = 30 * time.Second

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

type scenarioOptions struct {
	list    bool
	timeout time.Duration
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(root *RootOptions) *cobra.Command {
	opts := &scenarioOptions{}

	cmd := &cobra.Command{
		Use:   "scenario [name...]",
		Short: "Run the documented scenarios",
		Long:  "Runs each named scenario, or all of them, against a fresh event store and reports which passed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				return listScenarios(cmd.OutOrStdout())
			}

			return runScenarioCommand(cmd.Context(), root.Config, args, opts.timeout, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVar(&opts.list, "list", false, "list the scenarios and exit")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultScenarioTimeout, "limit per scenario")

	return cmd
}

func listScenarios(out io.Writer) error {
	for _, scenario := range Scenarios() {
		if _, err := fmt.Fprintf(out, "%-18s %s\n", scenario.Name, scenario.Description); err != nil {
			return err
		}
	}

	return nil
}

func runScenarioCommand(
	ctx context.Context,
	cfg Config,
	names []string,
	timeout time.Duration,
	out, errOut io.Writer,
) (err error) {

	scenarios, err := selectScenarios(names)
	if err != nil {
		return err
	}

	t, err := setupTelemetry(ctx, cfg, errOut)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := t.shutdown(); err == nil {
			err = shutdownErr
		}
	}()

	results := runScenarios(ctx, scenarios, timeout, func() (*memengine.EventStore, error) {
		return memengine.NewEventStore(t.eventStoreOptions(cfg)...)
	}, t.metrics)

	if err := writeScenarioResults(out, cfg.Output, results); err != nil {
		return err
	}

	for _, result := range results {
		if !result.Passed {
			return ErrScenariosFailed
		}
	}

	return nil
}

// runScenarios runs scenarios one after the other, each against a store from newStore.
// A failing scenario does not stop the others.
func runScenarios(
	ctx context.Context,
	scenarios []Scenario,
	timeout time.Duration,
	newStore func() (*memengine.EventStore, error),
	metrics eventstore.MetricsCollector,
) []ScenarioResult {

	results := make([]ScenarioResult, 0, len(scenarios))

	for _, scenario := range scenarios {
		start := time.Now()
		err := runScenario(ctx, scenario, timeout, newStore, metrics)

		result := ScenarioResult{Name: scenario.Name, Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			result.Error = errors.Join(ErrScenarioFailed, err).Error()
		}

		results = append(results, result)
	}

	return results
}

func runScenario(
	ctx context.Context,
	scenario Scenario,
	timeout time.Duration,
	newStore func() (*memengine.EventStore, error),
	metrics eventstore.MetricsCollector,
) error {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	es, err := newStore()
	if err != nil {
		return err
	}
	defer func() { _ = es.Close() }()

	env, err := newScenarioEnv(es, metrics)
	if err != nil {
		return err
	}

	return scenario.run(ctx, env)
}

func writeScenarioResults(out io.Writer, format string, results []ScenarioResult) error {
	if format == "json" {
		encoded, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, string(encoded))

		return err
	}

	for _, result := range results {
		line := fmt.Sprintf("PASS %-18s %s", result.Name, result.Duration.Round(time.Microsecond))
		if !result.Passed {
			line = fmt.Sprintf("FAIL %-18s %s", result.Name, result.Error)
		}

		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}

	return nil
}
