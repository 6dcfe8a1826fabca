package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewEventCommand creates the event command group.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Inspect events applied on this node",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <token>",
		Short: "Show the local result and remote outcomes of an event",
		Long: `Show an event by its correlation token: the local result, the results
of remote nodes that answered, the nodes still waited for and the nodes
given up.

Example:
  circles event show 01929e1c-5b3a-7c1e-9f00-2a4b6c8d0e1f`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, rootOpts, func(ctx context.Context, n *node, out *OutputFormatter) error {
				report, err := n.disp.Inspect(ctx, args[0])
				if err != nil {
					return wrapOperationError("event show failed", err)
				}
				return out.Success(reportView(report))
			})
		},
	})
	return cmd
}
