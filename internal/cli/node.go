package cli

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/circles/internal/config"
	"github.com/roach88/circles/internal/delivery"
	"github.com/roach88/circles/internal/dispatch"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/transport"
)

// node is a circles node opened from a configuration file.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	nodes    *remote.Registry
	metrics  *prometheus.Registry
	client   *transport.Client
	deliv    *delivery.Deliverer
	disp     *dispatch.Dispatcher
	handlers *handler.Registry
}

// nodeMode selects how a command uses the node.
type nodeMode int

const (
	// modeAdmin runs one operation: deliveries happen in the calling
	// goroutine and NewEvent never waits for remote outcomes.
	modeAdmin nodeMode = iota
	// modeServe runs the delivery workers and waits for sync outcomes.
	modeServe
)

// openNode loads the configuration of opts and wires every component.
// Logs go to logOut.
func openNode(ctx context.Context, opts *RootOptions, logOut io.Writer, mode nodeMode) (*node, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(logOut, opts, cfg)

	nodes, err := cfg.Registry()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid remotes", err)
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := prometheus.NewRegistry()
	if mode == modeServe {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	n := &node{cfg: cfg, logger: logger, store: st, nodes: nodes, metrics: reg}
	n.client = transport.NewClient(nodes.LocalID(), transport.WithClientLogger(logger))
	n.handlers = handler.NewRegistry(handler.Deps{
		Store:    st,
		Nodes:    nodes,
		Notifier: handler.LogNotifier{Logger: logger.With("component", "notifier")},
		Logger:   logger,
	})

	workers := 1
	syncTimeout := time.Duration(0)
	if mode == modeServe {
		workers = cfg.Delivery.Workers
		syncTimeout = cfg.Dispatch.SyncTimeout.Std()
	}
	n.deliv = delivery.New(st, nodes, n.client,
		delivery.WithPolicy(cfg.Policy()),
		delivery.WithLogger(logger),
		delivery.WithRecorder(delivery.NewRecorder(reg)),
		delivery.WithWorkers(workers),
	)
	n.disp, err = dispatch.New(ctx, st, nodes, n.handlers, n.client, n.deliv,
		dispatch.WithLogger(logger),
		dispatch.WithRecorder(dispatch.NewRecorder(reg)),
		dispatch.WithSyncTimeout(syncTimeout),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start dispatcher", err)
	}
	return n, nil
}

// settle delivers what an admin operation queued and waits for background
// work. Wrappers that fail stay FAILED for the retry job of the served
// node.
func (n *node) settle(ctx context.Context) {
	n.deliv.Flush(ctx)
	n.disp.Wait()
}

func (n *node) Close() {
	n.disp.Wait()
	if err := n.store.Close(); err != nil {
		n.logger.Error("error closing database", "error", err)
	}
}

// newLogger builds the slog logger: --verbose forces debug level and
// --log-format overrides the configured format.
func newLogger(w io.Writer, opts *RootOptions, cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h).With("local_node", cfg.Node.ID)
}
