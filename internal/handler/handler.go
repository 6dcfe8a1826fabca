package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/circles/internal/desync"
	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/wire"
)

// VerifyOptions selects which checks Verify performs.
type VerifyOptions struct {
	// LocalCheck is set on the node where the mutation was initiated. Verify
	// then refreshes the embedded snapshots from local rows instead of
	// comparing them.
	LocalCheck bool

	// MustBeChecked enforces the business rules: existence, level state
	// machine, limits. It is set on the origin and on the master. Other
	// nodes follow the master and only run desync checks.
	MustBeChecked bool
}

// Handler processes one event kind.
type Handler interface {
	// Verify validates ev and returns an enriched copy. It must not write.
	Verify(ctx context.Context, ev event.FederatedEvent, opts VerifyOptions) (event.FederatedEvent, error)

	// Manage applies a verified event and returns the local outcome.
	Manage(ctx context.Context, ev event.FederatedEvent) (wire.Bag, error)

	// Result aggregates the outcomes of every node that applied ev.
	// Nodes that never answered are absent from outcomes.
	Result(ctx context.Context, ev event.FederatedEvent, outcomes []event.Outcome) error
}

// Store is the storage the handlers need. *store.Store implements it.
type Store interface {
	GetCircle(ctx context.Context, id string) (model.Circle, error)
	UpsertCircle(ctx context.Context, c model.Circle) error
	EnsureCircle(ctx context.Context, c model.Circle) error
	DeleteCircle(ctx context.Context, id string) error

	GetMember(ctx context.Context, circleID, singleID string) (model.Member, error)
	ListMembers(ctx context.Context, circleID string) ([]model.Member, error)
	UpsertMember(ctx context.Context, m model.Member) error
	DeleteMember(ctx context.Context, circleID, singleID string) (bool, error)
	SetMemberLevel(ctx context.Context, circleID, singleID string, level model.Level) error
	SwitchOwner(ctx context.Context, circleID, newOwner string) error
	TransferOwnership(ctx context.Context, circleID, leaving, successor string) (bool, error)
	ReplaceMembers(ctx context.Context, circle model.Circle, members []model.Member) (store.SyncStats, error)

	GetShare(ctx context.Context, shareID string) (model.Share, error)
	ListShares(ctx context.Context, circleID string) ([]model.Share, error)
	UpsertShare(ctx context.Context, sh model.Share) error
	DeleteShare(ctx context.Context, shareID string) (bool, error)
	RecordNotification(ctx context.Context, shareID, recipient, passwordHash string, at time.Time) (bool, error)
}

// IDGenerator generates member ids.
type IDGenerator interface {
	Generate() string
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Store    Store
	Nodes    *remote.Registry
	Desync   *desync.Detector
	Notifier Notifier
	Mounts   Mounts
	IDs      IDGenerator
	Secrets  SecretGenerator
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Desync == nil {
		d.Desync = desync.NewDetector()
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Mounts == nil {
		d.Mounts = NopMounts{}
	}
	if d.IDs == nil {
		d.IDs = RandomIDs{}
	}
	if d.Secrets == nil {
		d.Secrets = NanoidSecrets{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Registry maps every event kind to its handler. It is built once at
// startup and read concurrently afterwards.
type Registry struct {
	handlers map[event.Kind]Handler
}

// NewRegistry builds the handler of every kind on top of deps.
func NewRegistry(deps Deps) *Registry {
	b := base{deps: deps.withDefaults()}
	return &Registry{handlers: map[event.Kind]Handler{
		event.KindCircleCreate:  &circleCreate{b},
		event.KindCircleUpdate:  &circleUpdate{b},
		event.KindCircleDestroy: &circleDestroy{b},
		event.KindCircleStatus:  &circleStatus{b},
		event.KindMemberAdd:     &memberAdd{b},
		event.KindMemberJoin:    &memberJoin{b},
		event.KindMemberLevel:   &memberLevel{b},
		event.KindMemberLeave:   &memberLeave{b},
		event.KindMemberRemove:  &memberRemove{b},
		event.KindUserDeleted:   &userDeleted{b},
		event.KindGlobalSync:    &globalSync{b},
		event.KindFileShare:     &fileShare{b},
		event.KindFileUnshare:   &fileUnshare{b},
	}}
}

// Get returns the handler of kind.
func (r *Registry) Get(kind event.Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, event.Errorf(event.ErrCodeUnknownKind, "no handler for %q", kind)
	}
	return h, nil
}

// base holds the lookups and checks shared by the handlers.
type base struct {
	deps Deps
}

func (b base) localNode() string {
	return b.deps.Nodes.LocalID()
}

// loadCircle returns the local circle. found is false when the circle is
// unknown and the event may bypass the circle check; the embedded snapshot
// is returned then.
func (b base) loadCircle(ctx context.Context, ev event.FederatedEvent) (model.Circle, bool, error) {
	c, err := b.deps.Store.GetCircle(ctx, ev.Circle.ID)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Circle{}, false, err
	}
	if ev.CanBypass(event.BypassCircleCheck) {
		return ev.Circle, false, nil
	}
	return model.Circle{}, false, circleNotFound(ev.Circle.ID)
}

// lookupMember returns the local member or ok=false.
func (b base) lookupMember(ctx context.Context, circleID, singleID string) (model.Member, bool, error) {
	m, err := b.deps.Store.GetMember(ctx, circleID, singleID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Member{}, false, nil
	}
	if err != nil {
		return model.Member{}, false, err
	}
	return m, true, nil
}

// initiator resolves the member that requested the mutation. A nil result
// with a nil error is a system initiated event, allowed everything.
//
// On the origin the embedded initiator is replaced by the local row. On
// other nodes the embedded initiator must match the local row.
func (b base) initiator(ctx context.Context, ev *event.FederatedEvent, circle model.Circle, opts VerifyOptions) (*model.Member, error) {
	if ev.Initiator == nil {
		if ev.CanBypass(event.BypassInitiatorCheck) {
			return nil, nil
		}
		return nil, event.Errorf(event.ErrCodeInitiatorNotFound, "%s requires an initiator", ev.Kind).WithCircle(circle.ID)
	}

	embedded := ev.Initiator.Normalize()
	local, ok, err := b.lookupMember(ctx, circle.ID, embedded.SingleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if ev.CanBypass(event.BypassInitiatorMembership) {
			return &embedded, nil
		}
		return nil, event.Errorf(event.ErrCodeInitiatorNotFound, "initiator is not a member").
			WithCircle(circle.ID).WithMember(embedded.SingleID)
	}

	if opts.LocalCheck {
		ev.Initiator = &local
		return &local, nil
	}
	if !ev.CanBypass(event.BypassLocalMemberCheck) {
		if err := b.deps.Desync.CheckMember(circle, embedded, local); err != nil {
			return nil, err
		}
	}
	return &local, nil
}

// target resolves the member an event acts on. On the origin the embedded
// member is replaced by the local row; elsewhere both must match.
func (b base) target(ctx context.Context, ev *event.FederatedEvent, circle model.Circle, opts VerifyOptions) (model.Member, bool, error) {
	if ev.Member == nil {
		return model.Member{}, false, event.Errorf(event.ErrCodeInvalidEvent, "%s requires a member", ev.Kind).WithCircle(circle.ID)
	}
	embedded := ev.Member.Normalize()
	local, ok, err := b.lookupMember(ctx, circle.ID, embedded.SingleID)
	if err != nil {
		return model.Member{}, false, err
	}
	if !ok {
		if opts.MustBeChecked {
			return model.Member{}, false, memberNotFound(circle.ID, embedded.SingleID)
		}
		return embedded, false, nil
	}
	if opts.LocalCheck {
		ev.Member = &local
		return local, true, nil
	}
	if !ev.CanBypass(event.BypassLocalMemberCheck) {
		if err := b.deps.Desync.CheckMember(circle, embedded, local); err != nil {
			return model.Member{}, false, err
		}
	}
	return local, true, nil
}

// checkCircle compares the embedded circle with the local one on nodes
// other than the origin.
func (b base) checkCircle(ev event.FederatedEvent, local model.Circle, found bool, opts VerifyOptions) error {
	if opts.LocalCheck || !found || ev.CanBypass(event.BypassCircleCheck) {
		return nil
	}
	return b.deps.Desync.CheckCircle(ev.Circle, local)
}

// checkRoom rejects a new active or invited member when the circle is full.
func (b base) checkRoom(ctx context.Context, circle model.Circle) error {
	limit := circle.MembersLimit()
	if limit <= 0 {
		return nil
	}
	members, err := b.deps.Store.ListMembers(ctx, circle.ID)
	if err != nil {
		return err
	}
	if model.CountActive(members) >= limit {
		return event.Errorf(event.ErrCodeCircleFull, "circle reached its limit of %d members", limit).WithCircle(circle.ID)
	}
	return nil
}

func (b base) logResult(ev event.FederatedEvent, outcomes []event.Outcome) {
	rejected := 0
	for _, o := range outcomes {
		if o.Rejected() != nil {
			rejected++
		}
	}
	b.deps.Logger.Info("event finalized",
		"kind", ev.Kind,
		"circle_id", ev.Circle.ID,
		"token", ev.Token,
		"nodes", len(outcomes),
		"rejected", rejected,
	)
}

func outcome(name string) wire.Bag {
	return wire.Bag{event.ResultOutcome: wire.String(name)}
}

func requireLevel(circleID string, who *model.Member, min model.Level) error {
	if who == nil || who.Level >= min {
		return nil
	}
	return event.Errorf(event.ErrCodeLevelTooLow, "requires level %s, initiator is %s", min, who.Level).
		WithCircle(circleID).WithMember(who.SingleID)
}

// requireHigher enforces that the initiator outranks the member it acts on.
func requireHigher(circleID string, who *model.Member, target model.Member) error {
	if who == nil || who.Level > target.Level {
		return nil
	}
	return event.Errorf(event.ErrCodeLevelTooLow, "initiator level %s is not higher than member level %s", who.Level, target.Level).
		WithCircle(circleID).WithMember(target.SingleID)
}

// destroyCircle unmounts the shares of a circle, then deletes it with
// everything it holds.
func (b base) destroyCircle(ctx context.Context, circleID string) error {
	shares, err := b.deps.Store.ListShares(ctx, circleID)
	if err != nil {
		return err
	}
	for _, sh := range shares {
		if !sh.Mounted {
			continue
		}
		if err := b.deps.Mounts.Unmount(ctx, sh); err != nil {
			return fmt.Errorf("unmount share %s: %w", sh.ShareID, err)
		}
	}
	return b.deps.Store.DeleteCircle(ctx, circleID)
}

// keepOwner rejects any change that would take the owner level away from
// target. Ownership only moves by promoting another member to owner, and
// no initiator or bypass flag changes that.
func keepOwner(circleID string, target model.Member) error {
	if target.Level != model.LevelOwner {
		return nil
	}
	return event.Errorf(event.ErrCodeLevelNotAllowed, "the owner keeps its level until ownership is handed over").
		WithCircle(circleID).WithMember(target.SingleID)
}

func circleNotFound(id string) error {
	return event.Errorf(event.ErrCodeCircleNotFound, "circle does not exist").WithCircle(id)
}

func memberNotFound(circleID, singleID string) error {
	return event.Errorf(event.ErrCodeMemberNotFound, "member does not exist").WithCircle(circleID).WithMember(singleID)
}

// lookupCircle returns the local circle or found=false.
func (b base) lookupCircle(ctx context.Context, id string) (model.Circle, bool, error) {
	c, err := b.deps.Store.GetCircle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Circle{}, false, nil
	}
	if err != nil {
		return model.Circle{}, false, err
	}
	return c, true, nil
}
