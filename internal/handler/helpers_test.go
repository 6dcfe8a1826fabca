package handler_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/testutil"
	"github.com/roach88/circles/internal/wire"
)

var (
	origin   = handler.VerifyOptions{LocalCheck: true, MustBeChecked: true}
	atMaster = handler.VerifyOptions{MustBeChecked: true}
	follower = handler.VerifyOptions{}
)

type env struct {
	store    *store.Store
	reg      *handler.Registry
	notifier *testutil.Notifier
	mounts   *testutil.Mounts
}

// newEnv creates the handlers of node local, federated with n1, n2 and n3.
func newEnv(t *testing.T, local string) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "circles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var remotes []remote.Node
	for _, id := range []string{"n1", "n2", "n3"} {
		if id != local {
			remotes = append(remotes, remote.Node{ID: id, Trust: remote.TrustTrusted})
		}
	}
	e := &env{store: s, notifier: &testutil.Notifier{}, mounts: &testutil.Mounts{}}
	e.reg = handler.NewRegistry(handler.Deps{
		Store:    s,
		Nodes:    remote.NewRegistry(remote.Node{ID: local}, remotes...),
		Notifier: e.notifier,
		Mounts:   e.mounts,
		IDs:      testutil.NewSequenceGenerator("m"),
		Secrets:  testutil.NewSequenceGenerator("s"),
		Clock:    testutil.NewFakeClock(),
	})
	return e
}

func (e *env) seed(t *testing.T, c model.Circle, members ...model.Member) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertCircle(ctx, c))
	for _, m := range members {
		require.NoError(t, e.store.UpsertMember(ctx, m))
	}
}

func (e *env) handler(t *testing.T, kind event.Kind) handler.Handler {
	t.Helper()
	h, err := e.reg.Get(kind)
	require.NoError(t, err)
	return h
}

// apply runs Verify then Manage.
func (e *env) apply(t *testing.T, ev event.FederatedEvent, opts handler.VerifyOptions) (event.FederatedEvent, wire.Bag, error) {
	t.Helper()
	h := e.handler(t, ev.Kind)
	verified, err := h.Verify(context.Background(), ev, opts)
	if err != nil {
		return verified, nil, err
	}
	result, err := h.Manage(context.Background(), verified)
	return verified, result, err
}

func (e *env) member(t *testing.T, circleID, singleID string) model.Member {
	t.Helper()
	m, err := e.store.GetMember(context.Background(), circleID, singleID)
	require.NoError(t, err)
	return m
}

func circle(id string, config model.Config) model.Circle {
	return model.Circle{ID: id, Name: id, Config: config, Instance: "n1"}
}

func member(circleID, singleID string, level model.Level) model.Member {
	return model.Member{
		ID:       circleID + "/" + singleID,
		CircleID: circleID,
		SingleID: singleID,
		UserID:   singleID,
		UserType: model.EntityUser,
		Instance: "n1",
		Level:    level,
		Status:   model.StatusMember,
	}
}

func pending(circleID, singleID string, status model.Status) model.Member {
	m := member(circleID, singleID, model.LevelNone)
	m.Status = status
	return m
}

func ptr(m model.Member) *model.Member {
	return &m
}

func requireCode(t *testing.T, err error, code event.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	got, ok := event.CodeOf(err)
	require.True(t, ok, "not an event error: %v", err)
	require.Equal(t, code, got, "error: %v", err)
}

func outcomeOf(t *testing.T, b wire.Bag) string {
	t.Helper()
	s, err := b.String(event.ResultOutcome)
	require.NoError(t, err)
	return s
}
