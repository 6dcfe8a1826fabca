package handler

import (
	"context"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

// globalSync replaces the member list of a circle on every node with the
// master's snapshot.
type globalSync struct{ base }

func (h *globalSync) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	local := h.localNode()

	circle, found, err := h.lookupCircle(ctx, ev.Circle.ID)
	if err != nil {
		return ev, err
	}
	if found && circle.Instance == local {
		// The master takes its own snapshot, whoever asked.
		members, err := h.deps.Store.ListMembers(ctx, circle.ID)
		if err != nil {
			return ev, err
		}
		ev.Circle = circle
		ev.Members = members
		return ev, nil
	}
	if opts.LocalCheck {
		if !found {
			return ev, circleNotFound(ev.Circle.ID)
		}
		// Forwarded to the master, which fills the snapshot.
		ev.Circle = circle
		ev.Members = nil
		return ev, nil
	}

	master := ev.Circle.Instance
	if found {
		master = circle.Instance
	}
	if ev.Source != master {
		return ev, event.Errorf(event.ErrCodeNotMaster, "snapshot from %s, master is %s", ev.Source, master).WithCircle(ev.Circle.ID)
	}
	if len(ev.Members) == 0 {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "global.sync carries no member snapshot").WithCircle(ev.Circle.ID)
	}
	for _, m := range ev.Members {
		if m.CircleID != ev.Circle.ID {
			return ev, event.Errorf(event.ErrCodeInvalidEvent, "snapshot member belongs to circle %s", m.CircleID).
				WithCircle(ev.Circle.ID).WithMember(m.SingleID)
		}
	}
	if _, ok := model.FindOwner(ev.Members); !ok && !ev.Circle.Config.Has(model.ConfigNoOwner) {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "global.sync snapshot has no owner").WithCircle(ev.Circle.ID)
	}
	return ev, nil
}

func (h *globalSync) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	members := make([]model.Member, len(ev.Members))
	copy(members, ev.Members)
	model.SortMembers(members)
	stats, err := h.deps.Store.ReplaceMembers(ctx, ev.Circle, members)
	if err != nil {
		return nil, err
	}
	result := outcome("synced")
	result["created"] = wire.Int(stats.Created)
	result["updated"] = wire.Int(stats.Updated)
	result["deleted"] = wire.Int(stats.Deleted)
	return result, nil
}

func (h *globalSync) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	var changed int64
	for _, o := range outcomes {
		for _, key := range []string{"created", "updated", "deleted"} {
			if n, err := o.Result.Int(key); err == nil {
				changed += n
			}
		}
	}
	h.logResult(ev, outcomes)
	h.deps.Logger.Info("circle synced", "circle_id", ev.Circle.ID, "changed_rows", changed)
	return nil
}
