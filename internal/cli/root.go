package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	LogFormat string // "json" | "text", overrides log.format of the config
	Config    string
}

// ValidFormats defines the allowed output and log formats.
var ValidFormats = []string{"text", "json"}

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "circles.yaml"

// NewRootCommand creates the root command of the circles CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "circles",
		Short: "Federated circles node",
		Long: `Run and administer a node of a circles federation.

A circle is a group of members whose master node replicates every
membership change to the other nodes that hold members of it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.LogFormat != "" && !isValidFormat(opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logs")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text), default from config")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", DefaultConfigPath, "node configuration file (.yaml or .cue)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWrappersCommand(opts))
	cmd.AddCommand(NewCircleCommand(opts))
	cmd.AddCommand(NewEventCommand(opts))
	cmd.AddCommand(NewUserCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
