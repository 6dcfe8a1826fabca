package handler

import (
	"context"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

// Outcomes of member.leave and member.remove, by status of the member.
const (
	OutcomeDeclined  = "declined"  // invited member left
	OutcomeCancelled = "cancelled" // requester left, or invitation withdrawn
	OutcomeLeft      = "left"
	OutcomeDismissed = "dismissed" // request rejected
	OutcomeRemoved   = "removed"
)

// LeaveOutcome names what a member leaving means for its status.
func LeaveOutcome(status model.Status) string {
	switch status {
	case model.StatusInvited:
		return OutcomeDeclined
	case model.StatusRequesting:
		return OutcomeCancelled
	}
	return OutcomeLeft
}

// RemoveOutcome names what removing a member means for its status.
func RemoveOutcome(status model.Status) string {
	switch status {
	case model.StatusInvited:
		return OutcomeCancelled
	case model.StatusRequesting:
		return OutcomeDismissed
	}
	return OutcomeRemoved
}

// memberLeave removes a member on its own behalf.
type memberLeave struct{ base }

func (h *memberLeave) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	circle, found, err := h.loadCircle(ctx, ev)
	if err != nil {
		return ev, err
	}
	if err := h.checkCircle(ev, circle, found, opts); err != nil {
		return ev, err
	}
	member, exists, err := h.target(ctx, &ev, circle, opts)
	if err != nil {
		return ev, err
	}
	if exists && member.Level == model.LevelOwner {
		return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "the owner cannot leave").
			WithCircle(circle.ID).WithMember(member.SingleID)
	}
	if opts.LocalCheck {
		setOutcome(&ev, LeaveOutcome(member.Status))
	}
	return ev, nil
}

func (h *memberLeave) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	return deleteMember(ctx, h.base, ev, LeaveOutcome)
}

func (h *memberLeave) Result(ctx context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return activity(ctx, h.base, ev)
}

// memberRemove removes a member on behalf of a moderator.
type memberRemove struct{ base }

func (h *memberRemove) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	circle, found, err := h.loadCircle(ctx, ev)
	if err != nil {
		return ev, err
	}
	if err := h.checkCircle(ev, circle, found, opts); err != nil {
		return ev, err
	}
	initiator, err := h.initiator(ctx, &ev, circle, opts)
	if err != nil {
		return ev, err
	}
	member, exists, err := h.target(ctx, &ev, circle, opts)
	if err != nil {
		return ev, err
	}
	if exists {
		if err := keepOwner(circle.ID, member); err != nil {
			return ev, err
		}
	}
	if exists && opts.MustBeChecked {
		if err := requireLevel(circle.ID, initiator, model.LevelModerator); err != nil {
			return ev, err
		}
		if err := requireHigher(circle.ID, initiator, member); err != nil {
			return ev, err
		}
	}
	if opts.LocalCheck {
		setOutcome(&ev, RemoveOutcome(member.Status))
	}
	return ev, nil
}

func (h *memberRemove) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	return deleteMember(ctx, h.base, ev, RemoveOutcome)
}

func (h *memberRemove) Result(ctx context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return activity(ctx, h.base, ev)
}

// setOutcome records the outcome decided on the origin so every node
// reports the same one, whatever its local row says.
func setOutcome(ev *event.FederatedEvent, name string) {
	ev.Internal = ev.Internal.Clone()
	if ev.Internal == nil {
		ev.Internal = wire.Bag{}
	}
	ev.Internal[event.ResultOutcome] = wire.String(name)
}

func decidedOutcome(ev event.FederatedEvent, fallback func(model.Status) string) string {
	if name, err := ev.Internal.StringOr(event.ResultOutcome, ""); err == nil && name != "" {
		return name
	}
	if ev.Member == nil {
		return fallback("")
	}
	return fallback(ev.Member.Status)
}

func deleteMember(ctx context.Context, b base, ev event.FederatedEvent, fallback func(model.Status) string) (wire.Bag, error) {
	if ev.Member == nil {
		return nil, event.Errorf(event.ErrCodeInvalidEvent, "%s requires a member", ev.Kind).WithCircle(ev.Circle.ID)
	}
	if _, err := b.deps.Store.DeleteMember(ctx, ev.Circle.ID, ev.Member.Normalize().SingleID); err != nil {
		return nil, err
	}
	return outcome(decidedOutcome(ev, fallback)), nil
}

func activity(ctx context.Context, b base, ev event.FederatedEvent) error {
	a := Activity{Kind: ev.Kind, CircleID: ev.Circle.ID, Outcome: decidedOutcome(ev, LeaveOutcome)}
	if ev.Kind == event.KindMemberRemove {
		a.Outcome = decidedOutcome(ev, RemoveOutcome)
	}
	if ev.Member != nil {
		a.SingleID = ev.Member.SingleID
	}
	return b.deps.Notifier.Activity(ctx, a)
}
