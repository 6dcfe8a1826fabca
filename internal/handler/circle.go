package handler

import (
	"context"
	"strconv"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

// circleCreate creates a circle together with its owner.
type circleCreate struct{ base }

func (h *circleCreate) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	if ev.Member == nil {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "circle.create requires an owner").WithCircle(ev.Circle.ID)
	}

	local, found, err := h.lookupCircle(ctx, ev.Circle.ID)
	if err != nil {
		return ev, err
	}
	if found {
		if opts.LocalCheck {
			return ev, event.Errorf(event.ErrCodeCircleAlreadyExists, "circle already exists").WithCircle(ev.Circle.ID)
		}
		// Redelivery of a create that was already applied here.
		if err := h.deps.Desync.CheckCircle(ev.Circle, local); err != nil {
			return ev, err
		}
	}

	if opts.LocalCheck {
		if ev.Circle.Instance == "" {
			ev.Circle.Instance = h.localNode()
		}
		if ev.Circle.Creation == 0 {
			ev.Circle.Creation = h.deps.Clock.Now().Unix()
		}
		owner := ev.Member.Normalize()
		owner.CircleID = ev.Circle.ID
		owner.Level = model.LevelOwner
		owner.Status = model.StatusMember
		if owner.ID == "" {
			owner.ID = h.deps.IDs.Generate()
		}
		if owner.Joined == 0 {
			owner.Joined = ev.Circle.Creation
		}
		ev.Member = &owner
		ev.Circle.Owner = owner.SingleID
	}

	if ev.Member.Level != model.LevelOwner || ev.Member.CircleID != ev.Circle.ID {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "circle.create owner must be an owner of the circle").
			WithCircle(ev.Circle.ID).WithMember(ev.Member.SingleID)
	}
	return ev, nil
}

func (h *circleCreate) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	if err := h.deps.Store.UpsertCircle(ctx, ev.Circle); err != nil {
		return nil, err
	}
	if err := h.deps.Store.UpsertMember(ctx, *ev.Member); err != nil {
		return nil, err
	}
	return outcome("created"), nil
}

func (h *circleCreate) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}

// circleUpdate changes circle metadata.
type circleUpdate struct{ base }

func (h *circleUpdate) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	params, err := event.ParamsAs[*event.CircleUpdateParams](ev)
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

	if opts.MustBeChecked {
		if err := requireLevel(circle.ID, initiator, model.LevelAdmin); err != nil {
			return ev, err
		}
		if params.Config != nil && (*params.Config^circle.Config)&model.ConfigImmutable != 0 {
			return ev, event.Errorf(event.ErrCodeLevelNotAllowed, "config bits %s cannot be changed",
				((*params.Config ^ circle.Config) & model.ConfigImmutable).String()).WithCircle(circle.ID)
		}
		if v, ok := params.Settings[model.SettingMembersLimit]; ok && v != "" {
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				return ev, event.Errorf(event.ErrCodeInvalidEvent, "members_limit must be a non-negative integer, got %q", v).
					WithCircle(circle.ID)
			}
		}
	}
	if opts.LocalCheck {
		ev.Circle = circle
	}
	return ev, nil
}

func (h *circleUpdate) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	params, err := event.ParamsAs[*event.CircleUpdateParams](ev)
	if err != nil {
		return nil, err
	}
	circle, found, err := h.lookupCircle(ctx, ev.Circle.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		circle = ev.Circle.Clone()
	}
	if err := h.deps.Store.UpsertCircle(ctx, applyUpdate(circle, params)); err != nil {
		return nil, err
	}
	return outcome("updated"), nil
}

func (h *circleUpdate) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}

// applyUpdate returns c with params applied. A setting with an empty value
// is removed.
func applyUpdate(c model.Circle, p *event.CircleUpdateParams) model.Circle {
	c = c.Clone()
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Config != nil {
		c.Config = *p.Config
	}
	for k, v := range p.Settings {
		if v == "" {
			delete(c.Settings, k)
			continue
		}
		if c.Settings == nil {
			c.Settings = make(map[string]string)
		}
		c.Settings[k] = v
	}
	return c
}

// circleDestroy deletes a circle everywhere.
type circleDestroy struct{ base }

func (h *circleDestroy) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	circle, found, err := h.lookupCircle(ctx, ev.Circle.ID)
	if err != nil {
		return ev, err
	}
	if !found {
		if opts.MustBeChecked && !ev.CanBypass(event.BypassCircleCheck) {
			return ev, circleNotFound(ev.Circle.ID)
		}
		// Already gone here.
		return ev, nil
	}
	if err := h.checkCircle(ev, circle, found, opts); err != nil {
		return ev, err
	}
	initiator, err := h.initiator(ctx, &ev, circle, opts)
	if err != nil {
		return ev, err
	}
	if opts.MustBeChecked {
		if err := requireLevel(circle.ID, initiator, model.LevelOwner); err != nil {
			return ev, err
		}
	}
	if opts.LocalCheck {
		ev.Circle = circle
	}
	return ev, nil
}

func (h *circleDestroy) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	if err := h.destroyCircle(ctx, ev.Circle.ID); err != nil {
		return nil, err
	}
	return outcome("destroyed"), nil
}

func (h *circleDestroy) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}

// circleStatus pushes the master's circle metadata to other nodes.
type circleStatus struct{ base }

func (h *circleStatus) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	if !opts.LocalCheck {
		return ev, nil
	}
	circle, found, err := h.loadCircle(ctx, ev)
	if err != nil {
		return ev, err
	}
	if found {
		ev.Circle = circle
	}
	return ev, nil
}

func (h *circleStatus) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	if err := h.deps.Store.UpsertCircle(ctx, ev.Circle); err != nil {
		return nil, err
	}
	return outcome("refreshed"), nil
}

func (h *circleStatus) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}
