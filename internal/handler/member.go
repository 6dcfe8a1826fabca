package handler

import (
	"context"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

// memberAdd adds an entity to a circle on behalf of a moderator.
type memberAdd struct{ base }

func (h *memberAdd) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	if ev.Member == nil {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "member.add requires a member").WithCircle(ev.Circle.ID)
	}
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

	candidate := ev.Member.Normalize()
	if !opts.MustBeChecked {
		ev.Member = &candidate
		return ev, nil
	}

	if err := requireLevel(circle.ID, initiator, model.LevelModerator); err != nil {
		return ev, err
	}
	if !candidate.UserType.Valid() || candidate.UserID == "" {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "member.add requires a user id and a valid type").WithCircle(circle.ID)
	}
	if candidate.UserType == model.EntityCircle && candidate.SingleID == circle.ID {
		return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "a circle cannot contain itself").WithCircle(circle.ID)
	}

	existing, exists, err := h.lookupMember(ctx, circle.ID, candidate.SingleID)
	if err != nil {
		return ev, err
	}
	switch {
	case exists && existing.Status == model.StatusBlocked:
		return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "member is blocked").WithCircle(circle.ID).WithMember(existing.SingleID)
	case exists && existing.Status != model.StatusRequesting:
		return ev, event.Errorf(event.ErrCodeMemberAlreadyExists, "member already exists").WithCircle(circle.ID).WithMember(existing.SingleID)
	case !exists:
		if err := h.checkRoom(ctx, circle); err != nil {
			return ev, err
		}
	}

	if opts.LocalCheck {
		candidate.CircleID = circle.ID
		if exists {
			// Accepting a pending request keeps the row identity.
			candidate.ID = existing.ID
			candidate.Joined = existing.Joined
		}
		if candidate.ID == "" {
			candidate.ID = h.deps.IDs.Generate()
		}
		if candidate.Joined == 0 {
			candidate.Joined = h.deps.Clock.Now().Unix()
		}
		candidate.Level, candidate.Status = model.LevelMember, model.StatusMember
		if !exists && circle.Config.Has(model.ConfigInvite) && candidate.UserType == model.EntityUser {
			candidate.Level, candidate.Status = model.LevelNone, model.StatusInvited
		}
		if initiator != nil {
			candidate.InvitedBy = initiator.SingleID
		}
	}
	ev.Member = &candidate
	return ev, nil
}

func (h *memberAdd) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	if err := h.deps.Store.EnsureCircle(ctx, ev.Circle); err != nil {
		return nil, err
	}
	if err := h.deps.Store.UpsertMember(ctx, *ev.Member); err != nil {
		return nil, err
	}
	if ev.Member.Status == model.StatusInvited {
		return outcome("invited"), nil
	}
	return outcome("added"), nil
}

// Result sends the single invitation mail of an external member.
func (h *memberAdd) Result(ctx context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	if ev.Member == nil || !ev.Member.UserType.External() {
		return nil
	}
	return h.deps.Notifier.Invite(ctx, ev.Circle, *ev.Member)
}

// memberJoin lets an entity join an open circle, request to join a
// request-only circle, or accept an invitation.
type memberJoin struct{ base }

func (h *memberJoin) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	if ev.Member == nil {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "member.join requires a member").WithCircle(ev.Circle.ID)
	}
	circle, found, err := h.loadCircle(ctx, ev)
	if err != nil {
		return ev, err
	}
	if err := h.checkCircle(ev, circle, found, opts); err != nil {
		return ev, err
	}

	candidate := ev.Member.Normalize()
	if !opts.MustBeChecked {
		ev.Member = &candidate
		return ev, nil
	}

	existing, exists, err := h.lookupMember(ctx, circle.ID, candidate.SingleID)
	if err != nil {
		return ev, err
	}
	if exists {
		switch existing.Status {
		case model.StatusBlocked:
			return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "member is blocked").WithCircle(circle.ID).WithMember(existing.SingleID)
		case model.StatusInvited:
			accepted := existing
			accepted.Level, accepted.Status = model.LevelMember, model.StatusMember
			ev.Member = &accepted
			return ev, nil
		default:
			return ev, event.Errorf(event.ErrCodeMemberAlreadyExists, "member already %s", existing.Status).
				WithCircle(circle.ID).WithMember(existing.SingleID)
		}
	}

	switch {
	case circle.Config.Has(model.ConfigOpen):
		candidate.Level, candidate.Status = model.LevelMember, model.StatusMember
	case circle.Config.Has(model.ConfigRequest):
		candidate.Level, candidate.Status = model.LevelNone, model.StatusRequesting
	default:
		return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "circle is not open to joins").WithCircle(circle.ID)
	}
	if candidate.Status == model.StatusMember {
		if err := h.checkRoom(ctx, circle); err != nil {
			return ev, err
		}
	}
	candidate.CircleID = circle.ID
	if candidate.ID == "" {
		candidate.ID = h.deps.IDs.Generate()
	}
	if candidate.Joined == 0 {
		candidate.Joined = h.deps.Clock.Now().Unix()
	}
	ev.Member = &candidate
	return ev, nil
}

func (h *memberJoin) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	if err := h.deps.Store.EnsureCircle(ctx, ev.Circle); err != nil {
		return nil, err
	}
	if err := h.deps.Store.UpsertMember(ctx, *ev.Member); err != nil {
		return nil, err
	}
	if ev.Member.Status == model.StatusRequesting {
		return outcome("requested"), nil
	}
	return outcome("joined"), nil
}

// Result tells the moderators about a pending request.
func (h *memberJoin) Result(ctx context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	if ev.Member == nil || ev.Member.Status != model.StatusRequesting {
		return nil
	}
	members, err := h.deps.Store.ListMembers(ctx, ev.Circle.ID)
	if err != nil {
		return err
	}
	var moderators []model.Member
	for _, m := range members {
		if m.Active() && m.Level >= model.LevelModerator {
			moderators = append(moderators, m)
		}
	}
	return h.deps.Notifier.RequestPending(ctx, ev.Circle, *ev.Member, moderators)
}

// memberLevel changes the level of a member. Promoting a member to owner
// hands over ownership.
type memberLevel struct{ base }

func (h *memberLevel) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	params, err := event.ParamsAs[*event.MemberLevelParams](ev)
	if err != nil {
		return ev, err
	}
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

	if ev.Member == nil {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "member.level requires a member").WithCircle(circle.ID)
	}
	// A redelivered event finds the level already applied.
	if local, ok, err := h.lookupMember(ctx, circle.ID, ev.Member.Normalize().SingleID); err != nil {
		return ev, err
	} else if ok && local.Level == params.Level && !opts.LocalCheck {
		return ev, nil
	}

	member, exists, err := h.target(ctx, &ev, circle, opts)
	if err != nil {
		return ev, err
	}
	if !exists {
		return ev, desyncMissing(circle.ID, member.SingleID)
	}
	if params.Level != model.LevelOwner {
		if err := keepOwner(circle.ID, member); err != nil {
			return ev, err
		}
	}
	if !opts.MustBeChecked {
		return ev, nil
	}

	if !member.Active() {
		return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "member is %s and has no level to change", member.Status).
			WithCircle(circle.ID).WithMember(member.SingleID)
	}
	if member.Level == params.Level {
		return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "member is already %s", member.Level).
			WithCircle(circle.ID).WithMember(member.SingleID)
	}
	if initiator == nil {
		return ev, nil
	}
	if params.Level == model.LevelOwner {
		return ev, requireLevel(circle.ID, initiator, model.LevelOwner)
	}
	if err := requireLevel(circle.ID, initiator, model.LevelModerator); err != nil {
		return ev, err
	}
	if err := requireHigher(circle.ID, initiator, member); err != nil {
		return ev, err
	}
	if initiator.Level < params.Level {
		return ev, event.Errorf(event.ErrCodeLevelTooLow, "cannot grant %s as %s", params.Level, initiator.Level).
			WithCircle(circle.ID).WithMember(member.SingleID)
	}
	return ev, nil
}

func (h *memberLevel) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	params, err := event.ParamsAs[*event.MemberLevelParams](ev)
	if err != nil {
		return nil, err
	}
	singleID := ev.Member.Normalize().SingleID
	if params.Level == model.LevelOwner {
		err = h.deps.Store.SwitchOwner(ctx, ev.Circle.ID, singleID)
	} else {
		err = h.deps.Store.SetMemberLevel(ctx, ev.Circle.ID, singleID, params.Level)
	}
	if err != nil {
		return nil, err
	}
	result := outcome("level")
	result["level"] = wire.String(params.Level.String())
	return result, nil
}

func (h *memberLevel) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}

func desyncMissing(circleID, singleID string) error {
	return event.Errorf(event.ErrCodeDesync, "member is unknown on this node").WithCircle(circleID).WithMember(singleID)
}
