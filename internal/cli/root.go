// Package cli implements the eventstore command line tool.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds the flags shared by all commands. Unset flags keep the values parsed from the environment.
type RootOptions struct {
	Config Config
}

// NewRootCommand creates the root command of the eventstore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	defaults, envErr := ParseConfig()

	cmd := &cobra.Command{
		Use:          "eventstore",
		Short:        "In-memory event store workbench",
		Long:         "Runs workloads and documented scenarios against the in-memory event store.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}

			return opts.Config.Validate()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Config.LogLevel, "log-level", defaults.LogLevel, "log level (debug|info|warn|error)")
	flags.StringVar(&opts.Config.LogFormat, "log-format", defaults.LogFormat, "log format (text|json)")
	flags.StringVar(&opts.Config.Output, "output", defaults.Output, "report format (text|json)")
	flags.StringVar(&opts.Config.OTLPEndpoint, "otlp-endpoint", defaults.OTLPEndpoint, "OTLP/HTTP trace endpoint URL, tracing is off when empty")
	flags.IntVar(&opts.Config.SubscriptionBufferSize, "subscription-buffer", defaults.SubscriptionBufferSize, "default subscription buffer size")
	flags.IntVar(&opts.Config.CatchUpPageSize, "catchup-page-size", defaults.CatchUpPageSize, "events read per catch-up step")

	cmd.AddCommand(NewLoadgenCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}
