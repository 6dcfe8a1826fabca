package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/circles/internal/delivery"
	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/transport"
	"github.com/roach88/circles/internal/wire"
)

// DefaultSyncTimeout bounds how long a synchronous NewEvent waits for the
// remote outcomes.
const DefaultSyncTimeout = 10 * time.Second

// Store is the storage the dispatcher needs. *store.Store implements it.
type Store interface {
	GetCircle(ctx context.Context, id string) (model.Circle, error)
	GetMember(ctx context.Context, circleID, singleID string) (model.Member, error)
	ListMembers(ctx context.Context, circleID string) ([]model.Member, error)
	CirclesOf(ctx context.Context, singleID string) ([]string, error)

	AppendEvent(ctx context.Context, seq int64, ev event.FederatedEvent, result wire.Bag) (store.LoggedEvent, bool, error)
	GetEvent(ctx context.Context, token string) (store.LoggedEvent, error)
	MaxSeq(ctx context.Context) (int64, error)
	ClaimFinalization(ctx context.Context, token string, at time.Time) (bool, error)

	CreateWrapper(ctx context.Context, w event.Wrapper) error
	ListWrappers(ctx context.Context, f store.WrapperFilter) ([]event.Wrapper, error)
}

// Report is what NewEvent tells its caller about an event.
type Report struct {
	Token string               `json:"token"`
	Event event.FederatedEvent `json:"event"`

	// Result is the local outcome, or the master's when Forwarded.
	Result    wire.Bag `json:"result,omitempty"`
	Forwarded bool     `json:"forwarded,omitempty"`

	// Outcomes holds the remote results settled when NewEvent returned.
	Outcomes []event.Outcome `json:"outcomes,omitempty"`
	Waiting  []string        `json:"waiting,omitempty"`
	GaveUp   []string        `json:"gave_up,omitempty"`
}

// Dispatcher runs the pipeline of every event on one node.
//
// Thread-safety: Dispatcher is safe for concurrent use. Events of the same
// circle are serialized by a per-circle lock.
type Dispatcher struct {
	store    Store
	nodes    *remote.Registry
	handlers *handler.Registry
	sender   transport.Sender
	delivery *delivery.Deliverer
	seq      *Sequence
	tokens   TokenGenerator
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *Recorder

	syncTimeout time.Duration

	circlesMu sync.Mutex
	circles   map[string]*sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan struct{}

	background sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTokens sets the correlation token generator.
func WithTokens(g TokenGenerator) Option {
	return func(d *Dispatcher) {
		d.tokens = g
	}
}

// WithClock sets the clock used for timestamps and the sync timeout.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRecorder enables metrics.
func WithRecorder(r *Recorder) Option {
	return func(d *Dispatcher) {
		d.metrics = r
	}
}

// WithSyncTimeout sets how long synchronous events wait for remote
// outcomes. Zero returns as soon as the wrappers are queued.
func WithSyncTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.syncTimeout = timeout
	}
}

// New creates a Dispatcher and registers it as the settled callback of
// deliverer. The sequence resumes after the last logged event.
func New(
	ctx context.Context,
	st Store,
	nodes *remote.Registry,
	handlers *handler.Registry,
	sender transport.Sender,
	deliverer *delivery.Deliverer,
	opts ...Option,
) (*Dispatcher, error) {
	last, err := st.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume sequence: %w", err)
	}
	d := &Dispatcher{
		store:       st,
		nodes:       nodes,
		handlers:    handlers,
		sender:      sender,
		delivery:    deliverer,
		seq:         NewSequenceAt(last),
		tokens:      UUIDv7Generator{},
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		syncTimeout: DefaultSyncTimeout,
		circles:     make(map[string]*sync.Mutex),
		waiters:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	deliverer.SetOnSettled(d.settled)
	return d, nil
}

// LocalID returns the id of this node.
func (d *Dispatcher) LocalID() string {
	return d.nodes.LocalID()
}

// Wait blocks until the async inbound events accepted so far are processed
// and their results reported.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

// NewEvent runs a mutation initiated on this node.
//
// Validation and desync errors are returned as *event.Error and nothing is
// sent. Delivery failures never surface here; they only show in the
// wrappers. A synchronous event waits up to the sync timeout for the remote
// outcomes; an async one returns once the wrappers are queued.
func (d *Dispatcher) NewEvent(ctx context.Context, ev event.FederatedEvent) (Report, error) {
	if ev.Token == "" {
		ev.Token = d.tokens.Generate()
	}
	ev.Source = d.nodes.LocalID()
	if err := ev.Validate(); err != nil {
		return Report{}, err
	}

	master, err := d.masterOf(ctx, ev.Circle)
	if err != nil {
		return Report{}, err
	}
	if master != d.nodes.LocalID() {
		return d.forward(ctx, master, ev)
	}
	return d.publish(ctx, ev, handler.VerifyOptions{LocalCheck: true, MustBeChecked: true}, !ev.Async)
}

// masterOf returns the master node of circle: the local row's instance,
// else the embedded one, else this node.
func (d *Dispatcher) masterOf(ctx context.Context, circle model.Circle) (string, error) {
	local, err := d.store.GetCircle(ctx, circle.ID)
	switch {
	case err == nil:
		circle = local
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	if circle.Instance == "" {
		return d.nodes.LocalID(), nil
	}
	return circle.Instance, nil
}

// forward verifies ev on the origin and hands it to the master. The origin
// applies it when the master's broadcast comes back.
func (d *Dispatcher) forward(ctx context.Context, master string, ev event.FederatedEvent) (Report, error) {
	h, err := d.handlers.Get(ev.Kind)
	if err != nil {
		return Report{}, err
	}
	verified, err := h.Verify(ctx, ev, handler.VerifyOptions{LocalCheck: true, MustBeChecked: true})
	if err != nil {
		d.rejected(ev, err)
		return Report{}, err
	}
	verified.Source = d.nodes.LocalID()
	if circle, err := d.store.GetCircle(ctx, ev.Circle.ID); err == nil {
		// The master compares the circle with its own row.
		verified.Circle = circle
	}

	node, ok := d.nodes.Get(master)
	if !ok {
		return Report{}, fmt.Errorf("master %s of circle %s is not a known node", master, ev.Circle.ID)
	}
	reply, err := d.sender.Forward(ctx, node, verified)
	if err != nil {
		return Report{}, fmt.Errorf("forward to master %s: %w", master, err)
	}
	if rej := (event.Outcome{Node: master, Result: reply.Result}).Rejected(); rej != nil {
		return Report{}, rej.WithCircle(ev.Circle.ID)
	}

	d.logger.Debug("event forwarded",
		"kind", ev.Kind,
		"circle_id", ev.Circle.ID,
		"token", ev.Token,
		"node", master,
	)
	return Report{
		Token:     verified.Token,
		Event:     verified,
		Result:    reply.Result,
		Forwarded: true,
	}, nil
}

// publish runs the master pipeline: verify, manage, log, broadcast. When
// wait is set it blocks until the token is finalized or the sync timeout
// elapsed.
func (d *Dispatcher) publish(ctx context.Context, ev event.FederatedEvent, opts handler.VerifyOptions, wait bool) (Report, error) {
	h, err := d.handlers.Get(ev.Kind)
	if err != nil {
		return Report{}, err
	}

	unlock := d.lockCircle(ev.Circle.ID)
	logged, err := d.store.GetEvent(ctx, ev.Token)
	if err == nil {
		// A forward the master already applied.
		unlock()
		return d.report(ctx, logged, false)
	}
	if !errors.Is(err, store.ErrNotFound) {
		unlock()
		return Report{}, err
	}

	verified, err := h.Verify(ctx, ev, opts)
	if err != nil {
		unlock()
		d.rejected(ev, err)
		return Report{}, err
	}

	// Followers compare against the state before this event.
	before, circleFound, err := d.snapshot(ctx, verified.Circle.ID)
	if err != nil {
		unlock()
		return Report{}, err
	}
	if circleFound {
		verified.Circle = before.circle
	}

	result, err := h.Manage(ctx, verified)
	if err != nil {
		unlock()
		d.rejected(verified, err)
		return Report{}, err
	}
	verified.Source = d.nodes.LocalID()
	logged, _, err = d.store.AppendEvent(ctx, d.seq.Next(), verified, result)
	if err != nil {
		unlock()
		return Report{}, err
	}
	d.metrics.apply(string(verified.Kind), RoleMaster)

	after, _, err := d.snapshot(ctx, verified.Circle.ID)
	if err != nil {
		unlock()
		return Report{}, err
	}
	relevantBefore := d.nodes.RelevantNodes(verified.Circle, before.members)
	relevant := union(relevantBefore, d.nodes.RelevantNodes(verified.Circle, after.members))
	targets, skipped := d.nodes.Targets(relevant)
	if len(skipped) > 0 {
		d.logger.Debug("untrusted nodes skipped", "token", verified.Token, "nodes", skipped)
	}
	joined := newcomers(relevantBefore, targets)

	var done <-chan struct{}
	if wait && d.syncTimeout > 0 {
		done = d.watch(verified.Token)
	}
	wrappers, err := d.broadcast(ctx, verified, targets, joined)
	unlock()
	if err != nil {
		return Report{}, err
	}

	d.logger.Info("event applied",
		"kind", verified.Kind,
		"circle_id", verified.Circle.ID,
		"token", verified.Token,
		"targets", len(wrappers),
	)

	for _, w := range wrappers {
		d.delivery.Enqueue(w)
	}
	if len(wrappers) == 0 {
		if err := d.finalize(ctx, verified.Token); err != nil {
			return Report{}, err
		}
	}
	if len(joined) > 0 && circleFound && verified.Kind != event.KindGlobalSync {
		d.bootstrap(ctx, verified.Circle.ID, joined)
	}

	if done != nil {
		d.await(ctx, done)
	}
	return d.report(ctx, logged, false)
}

// broadcast stores one wrapper per target with the copy of ev its trust
// allows. Nodes in joined get the circle check bypassed since they may not
// know the circle yet.
func (d *Dispatcher) broadcast(ctx context.Context, ev event.FederatedEvent, targets []string, joined []string) ([]event.Wrapper, error) {
	fresh := make(map[string]bool, len(joined))
	for _, id := range joined {
		fresh[id] = true
	}

	now := d.clock.Now()
	var out []event.Wrapper
	for _, node := range targets {
		copied, ok := remote.Redact(ev, d.nodes.TrustOf(node))
		if !ok {
			continue
		}
		// The master already checked the initiator; followers may not hold
		// its row.
		copied = copied.WithBypass(event.BypassInitiatorMembership)
		if fresh[node] {
			copied = copied.WithBypass(event.BypassCircleCheck)
		}
		w := event.Wrapper{
			Token:      ev.Token,
			Node:       node,
			Event:      copied,
			Severity:   copied.Severity,
			Status:     event.StatusInit,
			CreatedAt:  now,
			RetryAfter: now,
		}
		if err := d.store.CreateWrapper(ctx, w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// bootstrap sends the full member list of a circle after nodes became
// relevant to it, so their replica starts complete.
func (d *Dispatcher) bootstrap(ctx context.Context, circleID string, nodes []string) {
	circle, err := d.store.GetCircle(ctx, circleID)
	if err != nil {
		// Destroyed by the event itself.
		return
	}
	ev := event.New(event.KindGlobalSync, circle).WithBypass(event.BypassInitiatorCheck)
	ev.Async = true
	ev.Token = d.tokens.Generate()
	ev.Source = d.nodes.LocalID()
	if _, err := d.publish(ctx, ev, handler.VerifyOptions{LocalCheck: true, MustBeChecked: true}, false); err != nil {
		d.logger.Warn("bootstrap sync failed",
			"circle_id", circleID,
			"nodes", nodes,
			"error", err,
		)
	}
}

type circleSnapshot struct {
	circle  model.Circle
	members []model.Member
}

func (d *Dispatcher) snapshot(ctx context.Context, circleID string) (circleSnapshot, bool, error) {
	circle, err := d.store.GetCircle(ctx, circleID)
	if errors.Is(err, store.ErrNotFound) {
		return circleSnapshot{}, false, nil
	}
	if err != nil {
		return circleSnapshot{}, false, err
	}
	members, err := d.store.ListMembers(ctx, circleID)
	if err != nil {
		return circleSnapshot{}, false, err
	}
	return circleSnapshot{circle: circle, members: members}, true, nil
}

// report assembles the caller's view of a logged event from its wrappers.
func (d *Dispatcher) report(ctx context.Context, logged store.LoggedEvent, forwarded bool) (Report, error) {
	wrappers, err := d.store.ListWrappers(ctx, store.WrapperFilter{Token: logged.Event.Token})
	if err != nil {
		return Report{}, err
	}
	r := Report{
		Token:     logged.Event.Token,
		Event:     logged.Event,
		Result:    logged.Result,
		Forwarded: forwarded,
	}
	for _, w := range wrappers {
		switch w.Status {
		case event.StatusDone:
			r.Outcomes = append(r.Outcomes, event.Outcome{Node: w.Node, Result: w.Result})
		case event.StatusOver:
			r.GaveUp = append(r.GaveUp, w.Node)
		default:
			r.Waiting = append(r.Waiting, w.Node)
		}
	}
	return r, nil
}

func (d *Dispatcher) lockCircle(id string) func() {
	d.circlesMu.Lock()
	mu, ok := d.circles[id]
	if !ok {
		mu = &sync.Mutex{}
		d.circles[id] = mu
	}
	d.circlesMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (d *Dispatcher) rejected(ev event.FederatedEvent, err error) {
	code, ok := event.CodeOf(err)
	if !ok {
		return
	}
	d.metrics.reject(string(ev.Kind), string(code))
	if code == event.ErrCodeDesync {
		d.logger.Warn("desync detected, a global sync of the circle is needed",
			"kind", ev.Kind,
			"circle_id", ev.Circle.ID,
			"token", ev.Token,
			"source", ev.Source,
			"error", err,
		)
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// newcomers returns the targets that were not relevant before the event.
func newcomers(before, targets []string) []string {
	known := make(map[string]bool, len(before))
	for _, id := range before {
		known[id] = true
	}
	var out []string
	for _, id := range targets {
		if !known[id] {
			out = append(out, id)
		}
	}
	return out
}
