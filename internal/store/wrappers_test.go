package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/wire"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestCreateWrapper_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	w := createTestWrapper("tok-1", "n2", t0)
	require.NoError(t, s.CreateWrapper(ctx, w))

	got, err := s.GetWrapper(ctx, "tok-1", "n2")
	require.NoError(t, err)
	assert.Equal(t, w, got)
}

func TestCreateWrapper_DoesNotReset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	w := createTestWrapper("tok-1", "n2", t0)
	require.NoError(t, s.CreateWrapper(ctx, w))

	w.Status = event.StatusFailed
	w.Retry = 2
	_, err := s.UpdateWrapper(ctx, w)
	require.NoError(t, err)

	require.NoError(t, s.CreateWrapper(ctx, createTestWrapper("tok-1", "n2", t0)))
	got, err := s.GetWrapper(ctx, "tok-1", "n2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Retry)
	assert.Equal(t, event.StatusFailed, got.Status)
}

func TestUpdateWrapper_TerminalIsFrozen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, terminal := range []event.WrapperStatus{event.StatusDone, event.StatusOver} {
		token := "tok-" + terminal.String()
		w := createTestWrapper(token, "n2", t0)
		require.NoError(t, s.CreateWrapper(ctx, w))

		w.Status = terminal
		w.Result = wire.Bag{event.ResultOutcome: wire.String("ok")}
		updated, err := s.UpdateWrapper(ctx, w)
		require.NoError(t, err)
		require.True(t, updated)

		w.Status = event.StatusFailed
		w.Result = nil
		updated, err = s.UpdateWrapper(ctx, w)
		require.NoError(t, err)
		assert.False(t, updated)

		got, err := s.GetWrapper(ctx, token, "n2")
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
		assert.Equal(t, wire.Bag{event.ResultOutcome: wire.String("ok")}, got.Result)
	}
}

func TestDueWrappers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	due := createTestWrapper("tok-1", "n2", t0)
	later := createTestWrapper("tok-1", "n3", t0)
	later.RetryAfter = t0.Add(time.Hour)
	pending := createTestWrapper("tok-2", "n2", t0)
	pending.Pending = true
	done := createTestWrapper("tok-3", "n2", t0)
	done.Status = event.StatusDone

	for _, w := range []event.Wrapper{due, later, pending, done} {
		require.NoError(t, s.CreateWrapper(ctx, w))
	}

	got, err := s.DueWrappers(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n2", got[0].Node)
	assert.Equal(t, "tok-1", got[0].Token)

	got, err = s.DueWrappers(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	stale, err := s.StalePending(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "tok-2", stale[0].Token)
}

func TestListWrappers_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := createTestWrapper("tok-1", "n2", t0)
	b := createTestWrapper("tok-1", "n3", t0.Add(time.Second))
	b.Status = event.StatusOver
	c := createTestWrapper("tok-2", "n2", t0.Add(2*time.Second))
	for _, w := range []event.Wrapper{c, b, a} {
		require.NoError(t, s.CreateWrapper(ctx, w))
	}

	all, err := s.ListWrappers(ctx, WrapperFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"n2", "n3", "n2"}, []string{all[0].Node, all[1].Node, all[2].Node})

	byToken, err := s.ListWrappers(ctx, WrapperFilter{Token: "tok-1"})
	require.NoError(t, err)
	assert.Len(t, byToken, 2)

	over, err := s.ListWrappers(ctx, WrapperFilter{Statuses: []event.WrapperStatus{event.StatusOver}})
	require.NoError(t, err)
	require.Len(t, over, 1)
	assert.Equal(t, "n3", over[0].Node)

	byCircle, err := s.ListWrappers(ctx, WrapperFilter{CircleID: "other"})
	require.NoError(t, err)
	assert.Empty(t, byCircle)
}

func TestGetWrapper_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetWrapper(context.Background(), "tok", "n9")
	require.ErrorIs(t, err, ErrNotFound)
}
