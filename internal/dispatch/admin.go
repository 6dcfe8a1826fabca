package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/store"
)

// ListWrappers returns the outcome wrappers matching f.
func (d *Dispatcher) ListWrappers(ctx context.Context, f store.WrapperFilter) ([]event.Wrapper, error) {
	return d.store.ListWrappers(ctx, f)
}

// RetryWrapper attempts a stuck wrapper again, with a fresh retry count.
func (d *Dispatcher) RetryWrapper(ctx context.Context, token, node string) (event.Wrapper, error) {
	return d.delivery.Retry(ctx, token, node)
}

// DiscardWrapper gives a wrapper up. The result step may run afterwards,
// without that node.
func (d *Dispatcher) DiscardWrapper(ctx context.Context, token, node string) (event.Wrapper, error) {
	return d.delivery.Discard(ctx, token, node)
}

// ForceSync replaces the member list of the circle on every relevant node
// with the master's. On another node the request is forwarded to the
// master.
func (d *Dispatcher) ForceSync(ctx context.Context, circleID string) (Report, error) {
	circle, err := d.store.GetCircle(ctx, circleID)
	if errors.Is(err, store.ErrNotFound) {
		return Report{}, event.Errorf(event.ErrCodeCircleNotFound, "circle does not exist").WithCircle(circleID)
	}
	if err != nil {
		return Report{}, err
	}
	ev := event.New(event.KindGlobalSync, circle).WithBypass(event.BypassInitiatorCheck)
	ev.Severity = event.SeverityHigh
	return d.NewEvent(ctx, ev)
}

// DeleteUser emits one user.deleted event per circle the entity belongs to.
// Circles that fail are reported together; the others still proceed.
func (d *Dispatcher) DeleteUser(ctx context.Context, singleID string) ([]Report, error) {
	circles, err := d.store.CirclesOf(ctx, singleID)
	if err != nil {
		return nil, err
	}

	var reports []Report
	var errs []error
	for _, id := range circles {
		circle, err := d.store.GetCircle(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("circle %s: %w", id, err))
			continue
		}
		member, err := d.store.GetMember(ctx, id, singleID)
		if err != nil {
			errs = append(errs, fmt.Errorf("circle %s: %w", id, err))
			continue
		}
		ev := event.New(event.KindUserDeleted, circle).WithBypass(event.BypassInitiatorCheck)
		ev.Member = &member
		ev.Severity = event.SeverityHigh
		report, err := d.NewEvent(ctx, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("circle %s: %w", id, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// Inspect returns the report of an event logged on this node.
func (d *Dispatcher) Inspect(ctx context.Context, token string) (Report, error) {
	logged, err := d.store.GetEvent(ctx, token)
	if err != nil {
		return Report{}, err
	}
	return d.report(ctx, logged, false)
}
