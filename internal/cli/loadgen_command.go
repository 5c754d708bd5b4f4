package cli

import (
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
)

type loadgenOptions struct {
	profile   string
	overrides LoadgenConfig
}

// NewLoadgenCommand creates the loadgen command.
// Settings are resolved in order: environment, --profile file, explicitly set flags.
func NewLoadgenCommand(root *RootOptions) *cobra.Command {
	opts := &loadgenOptions{}
	defaults, _ := ParseLoadgenConfig("")

	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Append a workload from concurrent writers and verify ordering",
		Long: "Appends batches from concurrent writers to shared streams, retrying version conflicts, while a global " +
			"subscription checks that every event arrives exactly once in gap-free commit order.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ParseLoadgenConfig(opts.profile)
			if err != nil {
				return err
			}
			opts.applyChangedFlags(cmd.Flags(), &cfg)

			return runLoadgen(cmd.Context(), root.Config, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.profile, "profile", "", "YAML workload profile")
	flags.IntVar(&opts.overrides.Writers, "writers", defaults.Writers, "concurrent writers")
	flags.IntVar(&opts.overrides.Streams, "streams", defaults.Streams, "streams shared by the writers")
	flags.IntVar(&opts.overrides.BatchesPerWriter, "batches", defaults.BatchesPerWriter, "appends per writer")
	flags.IntVar(&opts.overrides.BatchSize, "batch-size", defaults.BatchSize, "events per append")
	flags.IntVar(&opts.overrides.MaxAttempts, "max-attempts", defaults.MaxAttempts, "attempts per append when versions conflict")
	flags.StringVar(&opts.overrides.Filter, "filter", defaults.Filter, "CEL expression for an additional filtered subscription")
	flags.DurationVar(&opts.overrides.Timeout, "timeout", defaults.Timeout, "limit for the whole run")

	return cmd
}

func (o *loadgenOptions) applyChangedFlags(flags *pflag.FlagSet, cfg *LoadgenConfig) {
	flags.Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "writers":
			cfg.Writers = o.overrides.Writers
		case "streams":
			cfg.Streams = o.overrides.Streams
		case "batches":
			cfg.BatchesPerWriter = o.overrides.BatchesPerWriter
		case "batch-size":
			cfg.BatchSize = o.overrides.BatchSize
		case "max-attempts":
			cfg.MaxAttempts = o.overrides.MaxAttempts
		case "filter":
			cfg.Filter = o.overrides.Filter
		case "timeout":
			cfg.Timeout = o.overrides.Timeout
		}
	})
}

func runLoadgen(ctx context.Context, cfg Config, loadCfg LoadgenConfig, out, errOut io.Writer) (err error) {
	t, err := setupTelemetry(ctx, cfg, errOut)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := t.shutdown(); err == nil {
			err = shutdownErr
		}
	}()

	es, err := memengine.NewEventStore(t.eventStoreOptions(cfg)...)
	if err != nil {
		return err
	}
	defer func() { _ = es.Close() }()

	generator, err := NewLoadGenerator(es, loadCfg, t.metrics)
	if err != nil {
		return err
	}

	report, runErr := generator.Run(ctx)

	totals, err := t.counterTotals(ctx)
	if err != nil {
		return err
	}
	report.CounterTotals = totals

	if err := writeLoadReport(out, cfg.Output, report); err != nil {
		return err
	}

	return runErr
}

func writeLoadReport(out io.Writer, format string, report LoadReport) error {
	if format == "json" {
		encoded, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, string(encoded))

		return err
	}

	lines := []string{
		fmt.Sprintf("writers:        %d", report.Writers),
		fmt.Sprintf("streams:        %d", report.Streams),
		fmt.Sprintf("appends:        %d", report.Appends),
		fmt.Sprintf("events:         %d", report.Events),
		fmt.Sprintf("delivered:      %d", report.Delivered),
		fmt.Sprintf("head position:  %d", report.HeadPosition),
		fmt.Sprintf("duration:       %s", report.Duration),
		fmt.Sprintf("events/second:  %.0f", report.EventsPerSec),
	}

	if report.Filter != "" {
		lines = append(lines, fmt.Sprintf("filter:         %s (%d matched)", report.Filter, report.Matched))
	}

	for _, name := range sortedNames(report.CounterTotals) {
		lines = append(lines, fmt.Sprintf("%s: %d", name, report.CounterTotals[name]))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}

	return nil
}
