package dispatch

import (
	"context"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/store"
)

// settled is called by the deliverer whenever a wrapper reaches DONE or
// OVER.
func (d *Dispatcher) settled(ctx context.Context, w event.Wrapper) {
	if err := d.finalize(ctx, w.Token); err != nil {
		d.logger.Error("finalize failed",
			"token", w.Token,
			"node", w.Node,
			"error", err,
		)
	}
}

// finalize runs the handler's Result once every wrapper of token is
// terminal. Nodes that were given up are absent from the outcomes. The
// finalization claim makes it run at most once per token, even across
// restarts.
func (d *Dispatcher) finalize(ctx context.Context, token string) error {
	wrappers, err := d.store.ListWrappers(ctx, store.WrapperFilter{Token: token})
	if err != nil {
		return err
	}
	for _, w := range wrappers {
		if !w.Status.Terminal() {
			return nil
		}
	}
	defer d.release(token)

	logged, err := d.store.GetEvent(ctx, token)
	if err != nil {
		return err
	}
	claimed, err := d.store.ClaimFinalization(ctx, token, d.clock.Now())
	if err != nil || !claimed {
		return err
	}

	outcomes := []event.Outcome{{Node: d.nodes.LocalID(), Result: logged.Result}}
	var gaveUp []string
	for _, w := range wrappers {
		if w.Status == event.StatusDone {
			outcomes = append(outcomes, event.Outcome{Node: w.Node, Result: w.Result})
		} else {
			gaveUp = append(gaveUp, w.Node)
		}
	}
	if len(gaveUp) > 0 {
		d.logger.Warn("finalizing without some nodes",
			"kind", logged.Event.Kind,
			"circle_id", logged.Event.Circle.ID,
			"token", token,
			"nodes", gaveUp,
		)
	}

	h, err := d.handlers.Get(logged.Event.Kind)
	if err != nil {
		return err
	}
	d.metrics.finalize()
	return h.Result(ctx, logged.Event, outcomes)
}

// watch returns a channel closed when token is finalized.
func (d *Dispatcher) watch(token string) <-chan struct{} {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	ch, ok := d.waiters[token]
	if !ok {
		ch = make(chan struct{})
		d.waiters[token] = ch
	}
	return ch
}

func (d *Dispatcher) release(token string) {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	if ch, ok := d.waiters[token]; ok {
		close(ch)
		delete(d.waiters, token)
	}
}

// await blocks until done is closed, the sync timeout elapsed or ctx is
// cancelled. Deliveries keep going in the background either way.
func (d *Dispatcher) await(ctx context.Context, done <-chan struct{}) {
	timer := d.clock.NewTimer(d.syncTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.Chan():
	case <-ctx.Done():
	}
}
