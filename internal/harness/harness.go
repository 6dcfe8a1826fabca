package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/circles/internal/delivery"
	"github.com/roach88/circles/internal/dispatch"
	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/testutil"
	"github.com/roach88/circles/internal/transport"
)

// maxSettleRounds bounds one settle step.
const maxSettleRounds = 50

// node is one federation participant of a running scenario.
type node struct {
	id       string
	store    *store.Store
	disp     *dispatch.Dispatcher
	deliv    *delivery.Deliverer
	notifier *testutil.Notifier
}

// cluster wires the nodes of a scenario onto one loopback network.
type cluster struct {
	clock *clockwork.FakeClock
	net   *transport.Network
	nodes map[string]*node
	order []string
}

// Run executes a scenario and returns the result.
//
// Every node gets an in-memory store, deterministic id, secret and token
// generators, and a fake clock shared by the whole cluster, so the same
// scenario always produces the same trace and state.
//
// The returned error is for infrastructure failures (store, transport
// wiring, settle exhaustion). Expectation and assertion failures are
// reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	c, err := newCluster(ctx, scenario.Nodes)
	if err != nil {
		return nil, err
	}
	defer c.close()

	result := NewResult()
	step := 0

	for i, s := range scenario.Setup {
		step++
		if err := c.exec(ctx, step, s, result); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	if len(scenario.Setup) > 0 {
		if err := c.settle(ctx); err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	// Setup must succeed as a whole.
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("setup: %s", result.Errors[0])
	}

	for i, s := range scenario.Flow {
		step++
		before := len(result.Errors)
		if err := c.exec(ctx, step, s, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		for j := before; j < len(result.Errors); j++ {
			result.Errors[j] = fmt.Sprintf("flow[%d]: %s", i, result.Errors[j])
		}
	}

	for _, id := range c.order {
		state, err := c.nodes[id].snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		result.State[id] = state
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

func newCluster(ctx context.Context, specs []NodeSpec) (*cluster, error) {
	c := &cluster{
		clock: testutil.NewFakeClock(),
		net:   transport.NewNetwork(),
		nodes: make(map[string]*node, len(specs)),
	}
	for _, spec := range specs {
		c.order = append(c.order, spec.ID)
	}
	for _, spec := range specs {
		n, err := c.newNode(ctx, spec)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("node %s: %w", spec.ID, err)
		}
		c.nodes[spec.ID] = n
	}
	return c, nil
}

func (c *cluster) newNode(ctx context.Context, spec NodeSpec) (*node, error) {
	var remotes []remote.Node
	for _, other := range c.order {
		if other == spec.ID {
			continue
		}
		trust := remote.TrustTrusted
		if name, ok := spec.Trust[other]; ok {
			parsed, err := remote.ParseTrust(name)
			if err != nil {
				return nil, err
			}
			trust = parsed
		}
		remotes = append(remotes, remote.Node{ID: other, Trust: trust})
	}
	nodes := remote.NewRegistry(remote.Node{ID: spec.ID}, remotes...)

	s, err := store.Open(":memory:")
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.DiscardHandler)

	n := &node{id: spec.ID, store: s, notifier: &testutil.Notifier{}}
	handlers := handler.NewRegistry(handler.Deps{
		Store:    s,
		Nodes:    nodes,
		Notifier: n.notifier,
		Mounts:   &testutil.Mounts{},
		IDs:      testutil.NewSequenceGenerator(spec.ID + "-m"),
		Secrets:  testutil.NewSequenceGenerator(spec.ID + "-s"),
		Clock:    c.clock,
		Logger:   logger,
	})
	endpoint := c.net.Endpoint(spec.ID)
	n.deliv = delivery.New(s, nodes, endpoint,
		delivery.WithClock(c.clock),
		delivery.WithLogger(logger),
	)
	n.disp, err = dispatch.New(ctx, s, nodes, handlers, endpoint, n.deliv,
		dispatch.WithClock(c.clock),
		dispatch.WithLogger(logger),
		dispatch.WithTokens(testutil.NewSequenceGenerator(spec.ID+"-tok")),
		dispatch.WithSyncTimeout(0),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	c.net.Attach(spec.ID, n.disp)
	return n, nil
}

func (c *cluster) close() {
	for _, n := range c.nodes {
		n.disp.Wait()
		n.store.Close()
	}
}

// settle runs delivery rounds on every node until nothing is due.
func (c *cluster) settle(ctx context.Context) error {
	for round := 0; round < maxSettleRounds; round++ {
		progress := 0
		for _, id := range c.order {
			n := c.nodes[id]
			due, err := n.deliv.RunDue(ctx)
			if err != nil {
				return fmt.Errorf("deliver on %s: %w", id, err)
			}
			progress += due + n.deliv.Pending()
			n.deliv.Flush(ctx)
			n.disp.Wait()
		}
		if progress == 0 {
			return nil
		}
	}
	return fmt.Errorf("cluster did not settle after %d rounds", maxSettleRounds)
}

// exec runs one step. Answers that do not match the step's expect clause
// are added to result.
func (c *cluster) exec(ctx context.Context, step int, s Step, result *Result) error {
	switch {
	case s.Settle:
		return c.settle(ctx)
	case len(s.Down) > 0:
		for _, id := range s.Down {
			c.net.SetDown(id, true)
		}
		return nil
	case len(s.Up) > 0:
		for _, id := range s.Up {
			c.net.SetDown(id, false)
		}
		return nil
	case len(s.FailNext) > 0:
		for id, count := range s.FailNext {
			c.net.FailNext(id, count)
		}
		return nil
	case s.Advance != "":
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return err
		}
		c.clock.Advance(d)
		return nil
	}

	n, ok := c.nodes[s.On]
	if !ok {
		return fmt.Errorf("unknown node %q", s.On)
	}

	var traced []TraceEvent
	var opErr error
	switch {
	case s.Event != nil:
		ev, err := buildEvent(s.Event)
		if err != nil {
			// Bad params are answered like any other invalid event.
			traced = append(traced, traceOf(step, n.id, s.Event.Kind, s.Event.Circle.ID, dispatch.Report{}, err))
			opErr = err
			break
		}
		report, err := n.disp.NewEvent(ctx, ev)
		traced = append(traced, traceOf(step, n.id, string(ev.Kind), ev.Circle.ID, report, err))
		opErr = err
	case s.Sync != "":
		report, err := n.disp.ForceSync(ctx, s.Sync)
		traced = append(traced, traceOf(step, n.id, string(event.KindGlobalSync), s.Sync, report, err))
		opErr = err
	case s.DeleteUser != "":
		reports, err := n.disp.DeleteUser(ctx, s.DeleteUser)
		for _, report := range reports {
			traced = append(traced, traceOf(step, n.id, string(event.KindUserDeleted), report.Event.Circle.ID, report, nil))
		}
		if err != nil {
			traced = append(traced, traceOf(step, n.id, string(event.KindUserDeleted), "", dispatch.Report{}, err))
		}
		opErr = err
	}

	if opErr != nil {
		if _, ok := errorCode(opErr); !ok {
			return opErr
		}
	}
	for _, ev := range traced {
		result.AddTrace(ev)
	}
	if s.Expect != nil {
		checkExpect(*s.Expect, traced, result)
	} else {
		for _, ev := range traced {
			if ev.Error != "" {
				result.AddError(fmt.Sprintf("unexpected error %s on %s", ev.Error, ev.Node))
			}
		}
	}
	return nil
}

// buildEvent turns an event step into an envelope. Params go through the
// kind's JSON decoder like they do on the wire.
func buildEvent(spec *EventSpec) (event.FederatedEvent, error) {
	kind := event.Kind(spec.Kind)
	ev := event.New(kind, spec.Circle)
	if spec.Member != nil {
		m := *spec.Member
		ev.Member = &m
	}
	if spec.Initiator != nil {
		m := *spec.Initiator
		ev.Initiator = &m
	}
	if spec.Params != nil {
		raw, err := json.Marshal(spec.Params)
		if err != nil {
			return event.FederatedEvent{}, fmt.Errorf("encode params: %w", err)
		}
		params, err := event.DecodeParams(kind, raw)
		if err != nil {
			return event.FederatedEvent{}, fmt.Errorf("decode params: %w", err)
		}
		ev.Params = params
	}
	ev.Async = spec.Async
	return ev, nil
}

func traceOf(step int, nodeID, kind, circleID string, report dispatch.Report, err error) TraceEvent {
	ev := TraceEvent{
		Step:   step,
		Node:   nodeID,
		Kind:   kind,
		Circle: circleID,
	}
	if err != nil {
		code, _ := errorCode(err)
		ev.Error = code
		return ev
	}
	ev.Outcome, _ = report.Result.StringOr(event.ResultOutcome, "")
	ev.Forwarded = report.Forwarded
	ev.Waiting = report.Waiting
	return ev
}

// errorCode returns the domain or transport code carried by err. Errors
// without one are infrastructure failures.
func errorCode(err error) (string, bool) {
	if code, ok := event.CodeOf(err); ok {
		return string(code), true
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

func checkExpect(expect ExpectClause, traced []TraceEvent, result *Result) {
	if len(traced) == 0 {
		if expect.Error != "" || expect.Outcome != "" || expect.Forwarded {
			result.AddError("expected an answer but no operation ran")
		}
		return
	}
	// The last entry carries the error of a multi-circle operation.
	got := traced[len(traced)-1]
	if got.Error != expect.Error {
		result.AddError(fmt.Sprintf("expected error %q, got %q", expect.Error, got.Error))
		return
	}
	if expect.Outcome != "" && got.Outcome != expect.Outcome {
		result.AddError(fmt.Sprintf("expected outcome %q, got %q", expect.Outcome, got.Outcome))
	}
	if expect.Forwarded != got.Forwarded {
		result.AddError(fmt.Sprintf("expected forwarded=%t, got %t", expect.Forwarded, got.Forwarded))
	}
}
