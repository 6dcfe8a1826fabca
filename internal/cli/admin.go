package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// runAdmin opens the node in admin mode, runs fn and delivers whatever fn
// queued before closing the node.
func runAdmin(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, n *node, out *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := openNode(ctx, opts, cmd.ErrOrStderr(), modeAdmin)
	if err != nil {
		return err
	}
	defer n.Close()

	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	return fn(ctx, n, out)
}
