package handler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
)

// Activity is an entry for the activity stream of a circle.
type Activity struct {
	Kind     event.Kind `json:"kind"`
	CircleID string     `json:"circle_id"`
	SingleID string     `json:"single_id,omitempty"`
	Outcome  string     `json:"outcome"`
}

// Notifier renders and sends mails and activity entries. Handlers call it
// only from Result, so each notification is sent once per event.
type Notifier interface {
	Invite(ctx context.Context, circle model.Circle, member model.Member) error
	RequestPending(ctx context.Context, circle model.Circle, member model.Member, moderators []model.Member) error
	ShareLink(ctx context.Context, share model.Share, recipient model.Member, password string) error
	Activity(ctx context.Context, a Activity) error
}

// Mounts materializes federated mount points for shares held elsewhere.
type Mounts interface {
	Mount(ctx context.Context, share model.Share) error
	Unmount(ctx context.Context, share model.Share) error
}

// SecretGenerator generates share tokens and one-time passwords.
type SecretGenerator interface {
	Secret() (string, error)
}

const secretAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NanoidSecrets generates random secrets of Size characters (default 24).
type NanoidSecrets struct {
	Size int
}

func (n NanoidSecrets) Secret() (string, error) {
	size := n.Size
	if size <= 0 {
		size = 24
	}
	return gonanoid.Generate(secretAlphabet, size)
}

// RandomIDs generates random UUIDs as member ids.
type RandomIDs struct{}

func (RandomIDs) Generate() string {
	return uuid.NewString()
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Invite(context.Context, model.Circle, model.Member) error { return nil }

func (NopNotifier) RequestPending(context.Context, model.Circle, model.Member, []model.Member) error {
	return nil
}

func (NopNotifier) ShareLink(context.Context, model.Share, model.Member, string) error { return nil }

func (NopNotifier) Activity(context.Context, Activity) error { return nil }

// LogNotifier writes every notification to a logger instead of a mail
// gateway. Passwords are never logged.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Invite(ctx context.Context, circle model.Circle, member model.Member) error {
	n.Logger.InfoContext(ctx, "invitation", "circle_id", circle.ID, "single_id", member.SingleID, "user_id", member.UserID)
	return nil
}

func (n LogNotifier) RequestPending(ctx context.Context, circle model.Circle, member model.Member, moderators []model.Member) error {
	n.Logger.InfoContext(ctx, "membership request", "circle_id", circle.ID, "single_id", member.SingleID, "moderators", len(moderators))
	return nil
}

func (n LogNotifier) ShareLink(ctx context.Context, share model.Share, recipient model.Member, _ string) error {
	n.Logger.InfoContext(ctx, "share link", "share_id", share.ShareID, "circle_id", share.CircleID, "recipient", recipient.UserID)
	return nil
}

func (n LogNotifier) Activity(ctx context.Context, a Activity) error {
	n.Logger.InfoContext(ctx, "activity", "kind", a.Kind, "circle_id", a.CircleID, "single_id", a.SingleID, "outcome", a.Outcome)
	return nil
}

// NopMounts accepts every mount request without doing anything.
type NopMounts struct{}

func (NopMounts) Mount(context.Context, model.Share) error   { return nil }
func (NopMounts) Unmount(context.Context, model.Share) error { return nil }
