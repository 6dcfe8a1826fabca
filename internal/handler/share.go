package handler

import (
	"context"
	"errors"
	"sort"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/wire"
)

// Keys used by file.share.
const (
	InternalShareToken  = "share_token"
	InternalShareOrigin = "share_origin"
	ResultRecipients    = "recipients"
)

// fileShare shares an item with a circle.
type fileShare struct{ base }

func (h *fileShare) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	if _, err := event.ParamsAs[*event.FileShareParams](ev); err != nil {
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
	if opts.MustBeChecked && initiator != nil && !initiator.Active() {
		return ev, event.Errorf(event.ErrCodeLevelTooLow, "only members can share with a circle").
			WithCircle(circle.ID).WithMember(initiator.SingleID)
	}

	if !ev.Internal.Has(InternalShareToken) {
		if !opts.LocalCheck {
			return ev, event.Errorf(event.ErrCodeInvalidEvent, "file.share carries no share token").WithCircle(circle.ID)
		}
		token, err := h.deps.Secrets.Secret()
		if err != nil {
			return ev, err
		}
		ev.Internal = ev.Internal.Clone()
		if ev.Internal == nil {
			ev.Internal = wire.Bag{}
		}
		ev.Internal[InternalShareToken] = wire.String(token)
		ev.Internal[InternalShareOrigin] = wire.String(h.localNode())
	}
	return ev, nil
}

func (h *fileShare) share(ev event.FederatedEvent) (model.Share, error) {
	params, err := event.ParamsAs[*event.FileShareParams](ev)
	if err != nil {
		return model.Share{}, err
	}
	token, err := ev.Internal.String(InternalShareToken)
	if err != nil {
		return model.Share{}, event.Errorf(event.ErrCodeInvalidEvent, "file.share: %v", err)
	}
	origin, err := ev.Internal.StringOr(InternalShareOrigin, ev.Circle.Instance)
	if err != nil {
		return model.Share{}, event.Errorf(event.ErrCodeInvalidEvent, "file.share: %v", err)
	}
	return model.Share{
		ShareID:     params.ShareID,
		CircleID:    ev.Circle.ID,
		ItemType:    params.ItemType,
		ItemSource:  params.ItemSource,
		Name:        params.Name,
		Permissions: params.Permissions,
		Owner:       params.Owner,
		Origin:      origin,
		Token:       token,
	}, nil
}

// Manage stores the share, mounts it when the item lives on another node
// and reports the external recipients this node is responsible for.
func (h *fileShare) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	sh, err := h.share(ev)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Store.EnsureCircle(ctx, ev.Circle); err != nil {
		return nil, err
	}
	local := h.localNode()
	if sh.Origin != local {
		if err := h.deps.Mounts.Mount(ctx, sh); err != nil {
			return nil, err
		}
		sh.Mounted = true
	}
	if err := h.deps.Store.UpsertShare(ctx, sh); err != nil {
		return nil, err
	}

	members, err := h.deps.Store.ListMembers(ctx, ev.Circle.ID)
	if err != nil {
		return nil, err
	}
	var recipients []string
	for _, m := range members {
		if !m.UserType.External() || !m.Active() {
			continue
		}
		node := m.Instance
		if node == "" {
			node = ev.Circle.Instance
		}
		if node == local {
			recipients = append(recipients, m.SingleID)
		}
	}
	sort.Strings(recipients)

	result := outcome("shared")
	result[ResultRecipients] = wire.Strings(recipients...)
	return result, nil
}

// Result mails a link and a one-time password to every external recipient
// reported by any node. A recipient is mailed once per share, ever.
func (h *fileShare) Result(ctx context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	sh, err := h.share(ev)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var recipients []string
	for _, o := range outcomes {
		if o.Rejected() != nil {
			continue
		}
		ids, err := o.Result.Strings(ResultRecipients)
		if err != nil {
			if errors.Is(err, wire.ErrMissingKey) {
				continue
			}
			h.deps.Logger.Warn("malformed share outcome", "node", o.Node, "token", ev.Token, "error", err)
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				recipients = append(recipients, id)
			}
		}
	}
	sort.Strings(recipients)

	for _, id := range recipients {
		m, err := h.deps.Store.GetMember(ctx, ev.Circle.ID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		password, err := h.deps.Secrets.Secret()
		if err != nil {
			return err
		}
		fresh, err := h.deps.Store.RecordNotification(ctx, sh.ShareID, id,
			wire.Digest(wire.DomainShare, []byte(password)), h.deps.Clock.Now())
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		if err := h.deps.Notifier.ShareLink(ctx, sh, m, password); err != nil {
			return err
		}
	}
	return nil
}

// fileUnshare removes a share and its mount points.
type fileUnshare struct{ base }

func (h *fileUnshare) Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error) {
	ev = ev.Clone()
	params, err := event.ParamsAs[*event.FileUnshareParams](ev)
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
	if !opts.MustBeChecked {
		return ev, nil
	}

	sh, err := h.deps.Store.GetShare(ctx, params.ShareID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sh.CircleID != circle.ID) {
		return ev, event.Errorf(event.ErrCodeInvalidEvent, "share %s is not shared with this circle", params.ShareID).WithCircle(circle.ID)
	}
	if err != nil {
		return ev, err
	}
	if initiator != nil && initiator.UserID != sh.Owner {
		if err := requireLevel(circle.ID, initiator, model.LevelModerator); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (h *fileUnshare) Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error) {
	params, err := event.ParamsAs[*event.FileUnshareParams](ev)
	if err != nil {
		return nil, err
	}
	sh, err := h.deps.Store.GetShare(ctx, params.ShareID)
	if errors.Is(err, store.ErrNotFound) {
		return outcome("unshared"), nil
	}
	if err != nil {
		return nil, err
	}
	if sh.Mounted {
		if err := h.deps.Mounts.Unmount(ctx, sh); err != nil {
			return nil, err
		}
	}
	if _, err := h.deps.Store.DeleteShare(ctx, sh.ShareID); err != nil {
		return nil, err
	}
	return outcome("unshared"), nil
}

func (h *fileUnshare) Result(_ context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error {
	h.logResult(ev, outcomes)
	return nil
}
