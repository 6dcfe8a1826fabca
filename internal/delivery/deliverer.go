package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/transport"
	"github.com/roach88/circles/internal/wire"
)

// Store is the wrapper storage used by the Deliverer.
type Store interface {
	GetWrapper(ctx context.Context, token, node string) (event.Wrapper, error)
	UpdateWrapper(ctx context.Context, w event.Wrapper) (bool, error)
	DueWrappers(ctx context.Context, now time.Time, limit int) ([]event.Wrapper, error)
	StalePending(ctx context.Context, cutoff time.Time) ([]event.Wrapper, error)
}

// SettledFunc is called after a wrapper reached DONE or OVER.
type SettledFunc func(ctx context.Context, w event.Wrapper)

// Deliverer sends outcome wrappers to their target nodes.
//
// Thread-safety: Deliverer is safe for concurrent use. Attempts on the same
// wrapper are serialized.
type Deliverer struct {
	store   Store
	nodes   *remote.Registry
	sender  transport.Sender
	clock   clockwork.Clock
	policy  Policy
	backoff Backoff
	logger  *slog.Logger
	metrics *Recorder
	workers int
	settled SettledFunc

	queue     *queue
	closed    chan struct{}
	closeOnce sync.Once

	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithPolicy sets the retry policy. Default is DefaultPolicy().
func WithPolicy(p Policy) Option {
	return func(d *Deliverer) {
		d.policy = p
	}
}

// WithClock sets the clock. Default is the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(d *Deliverer) {
		d.clock = c
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) {
		d.logger = logger
	}
}

// WithRecorder sets the metrics recorder. Default records nothing.
func WithRecorder(r *Recorder) Option {
	return func(d *Deliverer) {
		d.metrics = r
	}
}

// WithWorkers sets the number of delivery workers started by Run.
func WithWorkers(n int) Option {
	return func(d *Deliverer) {
		d.workers = n
	}
}

// OnSettled registers the callback run when a wrapper becomes terminal.
func OnSettled(fn SettledFunc) Option {
	return func(d *Deliverer) {
		d.settled = fn
	}
}

// New creates a Deliverer.
func New(st Store, nodes *remote.Registry, sender transport.Sender, opts ...Option) *Deliverer {
	d := &Deliverer{
		store:   st,
		nodes:   nodes,
		sender:  sender,
		clock:   clockwork.NewRealClock(),
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		workers: 4,
		queue:   newQueue(),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	if d.policy.BatchSize < 1 {
		d.policy.BatchSize = DefaultPolicy().BatchSize
	}
	d.backoff = NewBackoff(d.policy)
	return d
}

// SetOnSettled replaces the settled callback. It must be called before the
// first delivery.
func (d *Deliverer) SetOnSettled(fn SettledFunc) {
	d.settled = fn
}

// Enqueue schedules w for delivery. Returns false when w is already
// waiting or the deliverer was closed.
func (d *Deliverer) Enqueue(w event.Wrapper) bool {
	return d.queue.Enqueue(w)
}

// Pending returns the number of queued wrappers.
func (d *Deliverer) Pending() int {
	return d.queue.Len()
}

// Run starts the workers and the retry job. It returns when ctx is done or
// Close was called and the queue is drained.
func (d *Deliverer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			return d.work(ctx)
		})
	}
	g.Go(func() error {
		return d.retryLoop(ctx)
	})
	return g.Wait()
}

// Close stops accepting wrappers and lets Run return once the queue is
// drained.
func (d *Deliverer) Close() {
	d.closeOnce.Do(func() {
		d.queue.Close()
		close(d.closed)
	})
}

func (d *Deliverer) work(ctx context.Context) error {
	for {
		if w, ok := d.queue.TryDequeue(); ok {
			d.deliver(ctx, w)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-d.queue.Wait():
			if !open {
				// Drain what is left, then stop.
				for {
					w, ok := d.queue.TryDequeue()
					if !ok {
						return nil
					}
					d.deliver(ctx, w)
				}
			}
		}
	}
}

func (d *Deliverer) retryLoop(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.policy.JobInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.closed:
			return nil
		case <-ticker.Chan():
			if _, err := d.RunDue(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("retry job failed", "error", err)
			}
		}
	}
}

// Flush delivers every queued wrapper in the calling goroutine.
func (d *Deliverer) Flush(ctx context.Context) {
	for {
		w, ok := d.queue.TryDequeue()
		if !ok {
			return
		}
		d.deliver(ctx, w)
	}
}

// RunDue is one pass of the retry job. Async deliveries that waited longer
// than the pending timeout are released, wrappers at the retry limit are
// given up and every other due wrapper is queued. Returns how many wrappers
// were queued or given up.
func (d *Deliverer) RunDue(ctx context.Context) (int, error) {
	now := d.clock.Now()

	stale, err := d.store.StalePending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("stale pending: %w", err)
	}
	for _, w := range stale {
		// Waiting for a result is not a failure; resend without counting.
		w.Pending = false
		w.RetryAfter = now
		if _, err := d.store.UpdateWrapper(ctx, w); err != nil {
			return 0, fmt.Errorf("release pending: %w", err)
		}
		d.logger.Debug("async result overdue", "token", w.Token, "node", w.Node)
	}

	due, err := d.store.DueWrappers(ctx, now, d.policy.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("due wrappers: %w", err)
	}
	n := 0
	for _, w := range due {
		if w.Retry >= d.policy.MaxRetries {
			if err := d.giveUp(ctx, w); err != nil {
				return n, err
			}
			n++
			continue
		}
		if d.Enqueue(w) {
			n++
		}
	}
	return n, nil
}

// Retry resets a wrapper to be attempted immediately, regardless of its
// retry count. Terminal wrappers cannot be retried.
func (d *Deliverer) Retry(ctx context.Context, token, node string) (event.Wrapper, error) {
	unlock := d.lock(token, node)
	defer unlock()

	w, err := d.store.GetWrapper(ctx, token, node)
	if err != nil {
		return event.Wrapper{}, err
	}
	if w.Status.Terminal() {
		return w, fmt.Errorf("wrapper %s/%s is %s", token, node, w.Status)
	}
	w.Retry = 0
	w.Pending = false
	w.RetryAfter = d.clock.Now()
	if _, err := d.store.UpdateWrapper(ctx, w); err != nil {
		return event.Wrapper{}, err
	}
	d.Enqueue(w)
	return w, nil
}

// Discard gives a wrapper up without further attempts.
func (d *Deliverer) Discard(ctx context.Context, token, node string) (event.Wrapper, error) {
	unlock := d.lock(token, node)
	w, err := d.store.GetWrapper(ctx, token, node)
	if err != nil {
		unlock()
		return event.Wrapper{}, err
	}
	if w.Status.Terminal() {
		unlock()
		return w, nil
	}
	w.Status = event.StatusOver
	w.Pending = false
	w.LastError = "discarded"
	updated, err := d.store.UpdateWrapper(ctx, w)
	unlock()
	if err != nil {
		return event.Wrapper{}, err
	}
	if updated {
		d.metrics.over()
		d.notifySettled(ctx, w)
	}
	return w, nil
}

// Complete records the result report of an async delivery. ok is false
// when the wrapper was already terminal.
func (d *Deliverer) Complete(ctx context.Context, token, node string, result wire.Bag) (event.Wrapper, bool, error) {
	unlock := d.lock(token, node)
	w, err := d.store.GetWrapper(ctx, token, node)
	if err != nil {
		unlock()
		return event.Wrapper{}, false, err
	}
	if w.Status.Terminal() {
		unlock()
		return w, false, nil
	}
	w.Result = result
	w.Status = event.StatusDone
	w.Pending = false
	w.LastError = ""
	updated, err := d.store.UpdateWrapper(ctx, w)
	unlock()
	if err != nil {
		return event.Wrapper{}, false, err
	}
	if !updated {
		return w, false, nil
	}
	d.metrics.asyncResult()
	d.notifySettled(ctx, w)
	return w, true, nil
}

// Attempt delivers one wrapper now and returns its new state.
func (d *Deliverer) Attempt(ctx context.Context, token, node string) (event.Wrapper, error) {
	w, settled, err := d.attempt(ctx, token, node)
	if err != nil {
		return w, err
	}
	if settled {
		d.notifySettled(ctx, w)
	}
	return w, nil
}

func (d *Deliverer) deliver(ctx context.Context, queued event.Wrapper) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.Attempt(ctx, queued.Token, queued.Node); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("delivery failed",
			"token", queued.Token,
			"node", queued.Node,
			"error", err,
		)
	}
}

// attempt sends the wrapper once. Transport errors are recorded on the
// wrapper; the returned error is a storage failure.
func (d *Deliverer) attempt(ctx context.Context, token, node string) (event.Wrapper, bool, error) {
	unlock := d.lock(token, node)
	defer unlock()

	w, err := d.store.GetWrapper(ctx, token, node)
	if errors.Is(err, store.ErrNotFound) {
		return event.Wrapper{}, false, nil
	}
	if err != nil {
		return event.Wrapper{}, false, err
	}
	if w.Status.Terminal() || w.Pending {
		return w, false, nil
	}

	target, ok := d.nodes.Get(w.Node)
	var reply transport.Reply
	if !ok {
		err = &transport.Error{Node: w.Node, Code: transport.CodeUnknownNode, Message: "node is not registered"}
	} else {
		reply, err = d.sender.Send(ctx, target, w.Event)
	}
	now := d.clock.Now()

	switch {
	case err != nil:
		w.Retry++
		w.Status = event.StatusFailed
		w.LastError = err.Error()
		w.RetryAfter = d.backoff.RetryAt(now, w.Retry)
		if w.Retry >= d.policy.MaxRetries {
			// The next pass of the retry job gives it up.
			w.RetryAfter = now
		}
		d.metrics.attempt(OutcomeFailed)
		d.logger.Info("delivery attempt failed",
			"token", w.Token,
			"node", w.Node,
			"kind", w.Event.Kind,
			"retry", w.Retry,
			"error", err,
		)
	case reply.Accepted:
		w.Pending = true
		w.RetryAfter = now.Add(d.policy.PendingTimeout)
		d.metrics.attempt(OutcomeAccepted)
	default:
		w.Result = reply.Result
		w.Status = event.StatusDone
		w.LastError = ""
		d.metrics.attempt(OutcomeDone)
	}

	updated, uerr := d.store.UpdateWrapper(ctx, w)
	if uerr != nil {
		return w, false, uerr
	}
	return w, updated && w.Status.Terminal(), nil
}

func (d *Deliverer) giveUp(ctx context.Context, w event.Wrapper) error {
	unlock := d.lock(w.Token, w.Node)
	current, err := d.store.GetWrapper(ctx, w.Token, w.Node)
	if err != nil {
		unlock()
		return err
	}
	if current.Status.Terminal() || current.Retry < d.policy.MaxRetries {
		unlock()
		return nil
	}
	current.Status = event.StatusOver
	current.Pending = false
	updated, err := d.store.UpdateWrapper(ctx, current)
	unlock()
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	d.metrics.over()
	d.logger.Warn("delivery given up",
		"token", current.Token,
		"node", current.Node,
		"kind", current.Event.Kind,
		"retry", current.Retry,
		"last_error", current.LastError,
	)
	d.notifySettled(ctx, current)
	return nil
}

func (d *Deliverer) notifySettled(ctx context.Context, w event.Wrapper) {
	if d.settled != nil {
		d.settled(ctx, w)
	}
}

// lock serializes work on one wrapper. Wrappers share a fixed set of
// striped locks.
func (d *Deliverer) lock(token, node string) func() {
	h := fnv.New32a()
	h.Write([]byte(wrapperKey(token, node)))
	l := &d.locks[h.Sum32()%lockStripes]
	l.Lock()
	return l.Unlock
}
