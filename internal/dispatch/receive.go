package dispatch

import (
	"context"
	"errors"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/transport"
	"github.com/roach88/circles/internal/wire"
)

var _ transport.Receiver = (*Dispatcher)(nil)

// Receive applies an event broadcast by the master of its circle.
//
// A token applied before returns the stored result. Async events are
// acknowledged at once; their result is reported back to the sender with
// DeliverResult. Rejections travel as result bags, not errors.
func (d *Dispatcher) Receive(ctx context.Context, ev event.FederatedEvent) (transport.Reply, error) {
	logged, err := d.store.GetEvent(ctx, ev.Token)
	if err == nil {
		return transport.Reply{Result: logged.Result}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return transport.Reply{}, err
	}

	if ev.Async {
		bg := context.WithoutCancel(ctx)
		d.background.Add(1)
		go func() {
			defer d.background.Done()
			d.applyAndReport(bg, ev)
		}()
		return transport.Reply{Accepted: true}, nil
	}

	result, err := d.apply(ctx, ev)
	if err != nil {
		return transport.Reply{}, err
	}
	return transport.Reply{Result: result}, nil
}

func (d *Dispatcher) applyAndReport(ctx context.Context, ev event.FederatedEvent) {
	result, err := d.apply(ctx, ev)
	if err != nil {
		// No report; the sender resends once its pending timeout passes.
		d.logger.Error("async event failed",
			"kind", ev.Kind,
			"circle_id", ev.Circle.ID,
			"token", ev.Token,
			"error", err,
		)
		return
	}
	source, ok := d.nodes.Get(ev.Source)
	if !ok {
		d.logger.Warn("async result has no known recipient", "token", ev.Token, "node", ev.Source)
		return
	}
	report := transport.ResultReport{Token: ev.Token, Node: d.nodes.LocalID(), Result: result}
	if err := d.sender.DeliverResult(ctx, source, report); err != nil {
		d.logger.Warn("result report failed",
			"token", ev.Token,
			"node", ev.Source,
			"error", err,
		)
	}
}

// apply verifies and manages ev as a follower. Validation and desync errors
// become the result; other errors are returned.
func (d *Dispatcher) apply(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	unlock := d.lockCircle(ev.Circle.ID)
	defer unlock()

	logged, err := d.store.GetEvent(ctx, ev.Token)
	if err == nil {
		return logged.Result, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := d.checkSender(ctx, ev); err != nil {
		return d.rejection(ev, err)
	}
	h, err := d.handlers.Get(ev.Kind)
	if err != nil {
		return d.rejection(ev, err)
	}
	verified, err := h.Verify(ctx, ev, handler.VerifyOptions{})
	if err != nil {
		return d.rejection(ev, err)
	}
	result, err := h.Manage(ctx, verified)
	if err != nil {
		return d.rejection(verified, err)
	}
	if _, _, err := d.store.AppendEvent(ctx, d.seq.Next(), verified, result); err != nil {
		return nil, err
	}
	d.metrics.apply(string(verified.Kind), RoleFollower)
	d.logger.Debug("event received",
		"kind", verified.Kind,
		"circle_id", verified.Circle.ID,
		"token", verified.Token,
		"source", verified.Source,
	)
	return result, nil
}

// checkSender accepts broadcasts from the master of the circle only. A
// circle unknown here is accepted from the master it names, when the event
// creates it or may bypass the circle check.
func (d *Dispatcher) checkSender(ctx context.Context, ev event.FederatedEvent) error {
	local, err := d.store.GetCircle(ctx, ev.Circle.ID)
	switch {
	case err == nil:
		if ev.Source != local.Instance {
			return event.Errorf(event.ErrCodeNotMaster, "%s is not the master of the circle, %s is", ev.Source, local.Instance).
				WithCircle(ev.Circle.ID)
		}
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	if ev.Circle.Instance == "" || ev.Source != ev.Circle.Instance {
		return event.Errorf(event.ErrCodeNotMaster, "%s is not the master of the circle", ev.Source).WithCircle(ev.Circle.ID)
	}
	switch {
	case ev.Kind == event.KindCircleCreate, ev.Kind == event.KindCircleDestroy:
	case ev.CanBypass(event.BypassCircleCheck):
	default:
		return event.Errorf(event.ErrCodeCircleNotFound, "circle does not exist").WithCircle(ev.Circle.ID)
	}
	return nil
}

func (d *Dispatcher) rejection(ev event.FederatedEvent, err error) (wire.Bag, error) {
	if _, ok := event.CodeOf(err); !ok {
		return nil, err
	}
	d.rejected(ev, err)
	d.logger.Info("event rejected",
		"kind", ev.Kind,
		"circle_id", ev.Circle.ID,
		"token", ev.Token,
		"error", err,
	)
	return event.RejectionResult(err), nil
}

// ReceiveForward runs an event forwarded by the node it was initiated on.
// Only the master of the circle accepts forwards.
func (d *Dispatcher) ReceiveForward(ctx context.Context, ev event.FederatedEvent) (transport.Reply, error) {
	master, err := d.masterOf(ctx, ev.Circle)
	if err != nil {
		return transport.Reply{}, err
	}
	if master != d.nodes.LocalID() {
		err := event.Errorf(event.ErrCodeNotMaster, "master of the circle is %s", master).WithCircle(ev.Circle.ID)
		return transport.Reply{Result: event.RejectionResult(err)}, nil
	}
	if !ev.Kind.System() && (ev.CanBypass(event.BypassInitiatorCheck) || ev.CanBypass(event.BypassInitiatorMembership)) {
		err := event.Errorf(event.ErrCodeInvalidEvent, "%s needs an initiator that is a member", ev.Kind).WithCircle(ev.Circle.ID)
		d.rejected(ev, err)
		return transport.Reply{Result: event.RejectionResult(err)}, nil
	}

	report, err := d.publish(ctx, ev, handler.VerifyOptions{MustBeChecked: true}, !ev.Async)
	if err != nil {
		if _, ok := event.CodeOf(err); ok {
			return transport.Reply{Result: event.RejectionResult(err)}, nil
		}
		return transport.Reply{}, err
	}
	return transport.Reply{Result: report.Result}, nil
}

// ReceiveResult completes the async delivery the report answers.
func (d *Dispatcher) ReceiveResult(ctx context.Context, report transport.ResultReport) error {
	_, ok, err := d.delivery.Complete(ctx, report.Token, report.Node, report.Result)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("result for unknown wrapper", "token", report.Token, "node", report.Node)
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Debug("late result ignored", "token", report.Token, "node", report.Node)
	}
	return nil
}
