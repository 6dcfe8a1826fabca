package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/store"
)

// WrappersOptions holds flags for the wrappers list command.
type WrappersOptions struct {
	*RootOptions
	Token    string
	Circle   string
	Statuses []string
}

// NewWrappersCommand creates the wrappers command group.
func NewWrappersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wrappers",
		Short: "Inspect and repair outcome wrappers",
		Long: `An outcome wrapper tracks the delivery of one event to one remote node.

Wrappers move from INIT to DONE, or to FAILED and back on retry. After
the retry limit they are OVER and the node is left out of the result.`,
	}
	cmd.AddCommand(newWrappersListCommand(&WrappersOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newWrapperActionCommand(rootOpts, "retry", "Attempt a wrapper again with a fresh retry count"))
	cmd.AddCommand(newWrapperActionCommand(rootOpts, "discard", "Give a wrapper up"))
	return cmd
}

func newWrappersListCommand(opts *WrappersOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outcome wrappers",
		Long: `List outcome wrappers, oldest first.

Examples:
  circles wrappers list --status failed --status over
  circles wrappers list --token 01929e1c-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			return runAdmin(cmd, opts.RootOptions, func(ctx context.Context, n *node, out *OutputFormatter) error {
				list, err := n.disp.ListWrappers(ctx, filter)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list wrappers", err)
				}
				return out.Success(wrapperList(list))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "only wrappers of this event token")
	cmd.Flags().StringVar(&opts.Circle, "circle", "", "only wrappers of this circle")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only wrappers in these statuses (init|failed|done|over)")

	return cmd
}

func (o *WrappersOptions) filter() (store.WrapperFilter, error) {
	f := store.WrapperFilter{Token: o.Token, CircleID: o.Circle}
	for _, s := range o.Statuses {
		st, err := event.ParseWrapperStatus(strings.ToUpper(strings.TrimSpace(s)))
		if err != nil {
			return store.WrapperFilter{}, WrapExitError(ExitCommandError, "invalid --status", err)
		}
		f.Statuses = append(f.Statuses, st)
	}
	return f, nil
}

func newWrapperActionCommand(rootOpts *RootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:           action + " <token> <node>",
		Short:         short,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, rootOpts, func(ctx context.Context, n *node, out *OutputFormatter) error {
				token, target := args[0], args[1]
				var w event.Wrapper
				var err error
				switch action {
				case "retry":
					w, err = n.disp.RetryWrapper(ctx, token, target)
				case "discard":
					w, err = n.disp.DiscardWrapper(ctx, token, target)
				}
				if err != nil {
					return wrapOperationError(fmt.Sprintf("%s failed", action), err)
				}
				n.settle(ctx)
				if w, err = n.store.GetWrapper(ctx, token, target); err != nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", action), err)
				}
				return out.Success(wrapperView(w))
			})
		},
	}
}
