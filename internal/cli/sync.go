package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <circle-id>",
		Short: "Force a global sync of a circle",
		Long: `Replace the member list of a circle on every relevant node with the
master's. Run it on any node that knows the circle; other nodes forward
the request to the master.

Use it to repair a node that rejected events with DESYNC.

Example:
  circles sync --config ./alpha.yaml 6f1c2a`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, rootOpts, func(ctx context.Context, n *node, out *OutputFormatter) error {
				return forceSync(ctx, n, out, args[0])
			})
		},
	}
}

func forceSync(ctx context.Context, n *node, out *OutputFormatter, circleID string) error {
	report, err := n.disp.ForceSync(ctx, circleID)
	if err != nil {
		return wrapOperationError("sync failed", err)
	}
	out.VerboseLog("sync %s queued as %s", circleID, report.Token)
	n.settle(ctx)
	if !report.Forwarded {
		if report, err = n.disp.Inspect(ctx, report.Token); err != nil {
			return wrapOperationError("sync failed", err)
		}
	}
	return out.Success(reportView(report))
}
