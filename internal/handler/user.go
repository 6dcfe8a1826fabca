package handler

import (
	"context"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

// Internal keys set by user.deleted on the master.
const (
	InternalAction    = "action"
	InternalSuccessor = "successor"
)

// What happens to one circle when a user is deleted.
const (
	ActionRemove   = "remove"   // the user was not the owner
	ActionDestroy  = "destroy"  // personal circle, or nobody to take over
	ActionTransfer = "transfer" // ownership passes to the successor
)

// userDeleted removes a deleted user from one circle. The dispatcher emits
// one event per circle the user belongs to.
type userDeleted struct{ base }

func (h *userDeleted) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
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
	if !opts.MustBeChecked {
		if _, err := ev.Internal.String(InternalAction); err != nil {
			return ev, event.Errorf(event.ErrCodeInvalidEvent, "user.deleted carries no decision: %v", err).WithCircle(circle.ID)
		}
		return ev, nil
	}
	if !exists {
		return ev, memberNotFound(circle.ID, member.SingleID)
	}

	action, successor, err := h.decide(ctx, circle, member)
	if err != nil {
		return ev, err
	}
	ev.Internal = ev.Internal.Clone()
	if ev.Internal == nil {
		ev.Internal = wire.Bag{}
	}
	ev.Internal[InternalAction] = wire.String(action)
	if successor != "" {
		ev.Internal[InternalSuccessor] = wire.String(successor)
	}
	if opts.LocalCheck {
		ev.Circle = circle
	}
	return ev, nil
}

// decide picks the fate of circle. A personal or single circle is
// destroyed; otherwise ownership goes to the first match of admin,
// moderator, member.
func (h *userDeleted) decide(ctx context.Context, circle model.Circle, member model.Member) (string, string, error) {
	if member.Level != model.LevelOwner {
		return ActionRemove, "", nil
	}
	if circle.IsPersonal() {
		return ActionDestroy, "", nil
	}
	members, err := h.deps.Store.ListMembers(ctx, circle.ID)
	if err != nil {
		return "", "", err
	}
	next, ok := model.Successor(members, member.SingleID)
	if !ok {
		return ActionDestroy, "", nil
	}
	return ActionTransfer, next.SingleID, nil
}

func (h *userDeleted) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	action, err := ev.Internal.String(InternalAction)
	if err != nil {
		return nil, event.Errorf(event.ErrCodeInvalidEvent, "user.deleted carries no decision: %v", err).WithCircle(ev.Circle.ID)
	}
	singleID := ev.MemberSingleID()
	result := outcome(action)

	switch action {
	case ActionDestroy:
		if err := h.destroyCircle(ctx, ev.Circle.ID); err != nil {
			return nil, err
		}
	case ActionTransfer:
		successor, err := ev.Internal.String(InternalSuccessor)
		if err != nil {
			return nil, event.Errorf(event.ErrCodeInvalidEvent, "transfer without successor: %v", err).WithCircle(ev.Circle.ID)
		}
		switched, err := h.deps.Store.TransferOwnership(ctx, ev.Circle.ID, singleID, successor)
		if err != nil {
			return nil, err
		}
		if !switched {
			h.deps.Logger.Warn("successor unknown here, waiting for a global sync",
				"circle_id", ev.Circle.ID,
				"successor", successor,
			)
		}
		result[InternalSuccessor] = wire.String(successor)
	case ActionRemove:
		if _, err := h.deps.Store.DeleteMember(ctx, ev.Circle.ID, singleID); err != nil {
			return nil, err
		}
	default:
		return nil, event.Errorf(event.ErrCodeInvalidEvent, "unknown user.deleted action %q", action).WithCircle(ev.Circle.ID)
	}
	return result, nil
}

func (h *userDeleted) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}
