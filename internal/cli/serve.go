package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/circles/internal/transport"
)

// ShutdownTimeout bounds the graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Ready, when set, receives the bound address once the node accepts
	// requests (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	return newServeCommand(opts)
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		Long: `Run the node: accept federation requests from remote nodes, deliver
outcome wrappers and run the retry job.

Prometheus metrics are exposed on /metrics of the same listener.

Example:
  circles serve --config ./alpha.yaml
  circles serve --config ./alpha.cue --listen 127.0.0.1:8480 --log-format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address, default node.listen of the config")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, opts.RootOptions, cmd.ErrOrStderr(), modeServe)
	if err != nil {
		return err
	}
	defer n.Close()

	listen := opts.Listen
	if listen == "" {
		listen = n.cfg.Node.Listen
	}
	if listen == "" {
		return NewExitError(ExitCommandError, "no listen address: set node.listen or --listen")
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	mux := http.NewServeMux()
	transport.NewServer(n.nodes, n.disp, transport.WithServerLogger(n.logger)).Mount(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(n.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Pick up wrappers left over by the previous run.
	if due, err := n.deliv.RunDue(ctx); err != nil {
		n.logger.Error("retry job failed", "error", err)
	} else if due > 0 {
		n.logger.Info("resuming deliveries", "wrappers", due)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.deliv.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	addr := ln.Addr().String()
	n.logger.Info("node started", "addr", addr, "remotes", len(n.nodes.List()))
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s listening on %s\n", n.nodes.LocalID(), addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "node error", err)
	}
	n.logger.Info("node stopped gracefully")
	return nil
}
