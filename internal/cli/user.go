package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local entities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <single-id>",
		Short: "Remove an entity from every circle",
		Long: `Emit a user.deleted event for every circle the entity belongs to.

Personal circles of the entity are destroyed. Circles it owns are handed
to the highest ranked remaining member, or destroyed when none is left.

Example:
  circles user delete 5b0e3f`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, rootOpts, func(ctx context.Context, n *node, out *OutputFormatter) error {
				reports, err := n.disp.DeleteUser(ctx, args[0])
				n.settle(ctx)
				if outErr := out.Success(reportList(reports)); outErr != nil {
					return outErr
				}
				if err != nil {
					return wrapOperationError("user delete failed", err)
				}
				return nil
			})
		},
	})
	return cmd
}
