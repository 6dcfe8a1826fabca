package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/store"
)

// NewCircleCommand creates the circle command group.
func NewCircleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circle",
		Short: "Inspect circles known to this node",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List circles",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, rootOpts, func(ctx context.Context, n *node, out *OutputFormatter) error {
				circles, err := n.store.ListCircles(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list circles", err)
				}
				return out.Success(circleList(circles))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <circle-id>",
		Short: "Show a circle and its direct members",
		Long: `Show the local replica of a circle: metadata, direct members and the
number of outcome wrappers that are not delivered yet.

Example:
  circles circle show --format json 6f1c2a`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, rootOpts, func(ctx context.Context, n *node, out *OutputFormatter) error {
				view, err := showCircle(ctx, n.store, args[0])
				if err != nil {
					return wrapOperationError("circle show failed", err)
				}
				return out.Success(view)
			})
		},
	})
	return cmd
}

func showCircle(ctx context.Context, st *store.Store, id string) (circleView, error) {
	c, err := st.GetCircle(ctx, id)
	if err != nil {
		return circleView{}, err
	}
	members, err := st.ListMembers(ctx, id)
	if err != nil {
		return circleView{}, err
	}
	waiting, err := st.ListWrappers(ctx, store.WrapperFilter{
		CircleID: id,
		Statuses: []event.WrapperStatus{event.StatusInit, event.StatusFailed},
	})
	if err != nil {
		return circleView{}, err
	}
	return circleView{Circle: c, Members: members, Waiting: len(waiting)}, nil
}
