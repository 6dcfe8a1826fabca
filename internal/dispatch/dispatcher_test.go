package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/dispatch"
	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/wire"
)

func TestMemberLevel_ReplicatesToFollower(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()

	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()
	assert.Equal(t, model.LevelMember, n2.member(t, "c1", "mel").Level)

	report, err := n1.disp.NewEvent(ctx, levelEvent("c1", "olivia", "mel", model.LevelAdmin))
	require.NoError(t, err)

	// Applied on the master at once, queued for n2.
	assert.Equal(t, model.LevelAdmin, n1.member(t, "c1", "mel").Level)
	assert.Equal(t, []string{"n2"}, report.Waiting)
	assert.Equal(t, event.StatusInit, n1.wrapper(t, report.Token, "n2").Status)
	assert.Equal(t, model.LevelMember, n2.member(t, "c1", "mel").Level)
	assert.False(t, n1.finalized(t, report.Token))

	c.settle()

	assert.Equal(t, model.LevelAdmin, n2.member(t, "c1", "mel").Level)
	assert.Equal(t, event.StatusDone, n1.wrapper(t, report.Token, "n2").Status)
	assert.True(t, n1.finalized(t, report.Token), "result runs on the master")
	assert.False(t, n2.finalized(t, report.Token), "result never runs on a follower")

	got, err := n1.disp.Inspect(ctx, report.Token)
	require.NoError(t, err)
	require.Len(t, got.Outcomes, 1)
	assert.Equal(t, "n2", got.Outcomes[0].Node)
	assert.Nil(t, got.Outcomes[0].Rejected())
}

func TestNewEvent_ValidationErrorSendsNothing(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1 := c.node("n1")
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mod", "n1"))
	_, err := n1.disp.NewEvent(context.Background(), levelEvent("c1", "olivia", "mod", model.LevelModerator))
	require.NoError(t, err)
	c.add(n1, "c1", user("mel", "n2"))
	c.add(n1, "c1", user("adam", "n1"))
	_, err = n1.disp.NewEvent(context.Background(), levelEvent("c1", "olivia", "adam", model.LevelAdmin))
	require.NoError(t, err)
	c.settle()
	before := c.net.Deliveries("n2")

	// A moderator cannot change an admin.
	_, err = n1.disp.NewEvent(context.Background(), levelEvent("c1", "mod", "adam", model.LevelMember))
	code, ok := event.CodeOf(err)
	require.True(t, ok, "error: %v", err)
	assert.Equal(t, event.ErrCodeLevelTooLow, code)
	assert.Equal(t, model.LevelAdmin, n1.member(t, "c1", "adam").Level)

	// The same moderator may act on a member.
	_, err = n1.disp.NewEvent(context.Background(), levelEvent("c1", "mod", "mel", model.LevelModerator))
	require.NoError(t, err)

	c.settle()
	assert.Equal(t, before+1, c.net.Deliveries("n2"))
}

func TestNewEvent_GivesUpAfterMaxRetries(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1 := c.node("n1")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	before := c.net.Deliveries("n2")
	c.net.SetDown("n2", true)
	report, err := n1.disp.NewEvent(ctx, levelEvent("c1", "olivia", "mel", model.LevelAdmin))
	require.NoError(t, err)

	var history []event.WrapperStatus
	var retries []int
	for i := 0; i < 5; i++ {
		if i > 0 {
			assert.False(t, n1.finalized(t, report.Token))
			c.clock.Advance(2 * time.Hour)
		}
		c.settle()
		w := n1.wrapper(t, report.Token, "n2")
		history = append(history, w.Status)
		retries = append(retries, w.Retry)
	}

	// The fifth failure is given up by the next pass of the retry job.
	assert.Equal(t, []event.WrapperStatus{
		event.StatusFailed, event.StatusFailed, event.StatusFailed, event.StatusFailed, event.StatusOver,
	}, history)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, retries)
	assert.Equal(t, before+5, c.net.Deliveries("n2"))
	assert.True(t, n1.finalized(t, report.Token), "result runs without the node")

	got, err := n1.disp.Inspect(ctx, report.Token)
	require.NoError(t, err)
	assert.Empty(t, got.Outcomes)
	assert.Equal(t, []string{"n2"}, got.GaveUp)
}

func TestForward_OriginAppliesMasterBroadcast(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	ev := event.New(event.KindMemberLeave, model.Circle{ID: "c1"})
	ev.Member = ref("mel")
	report, err := n2.disp.NewEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, report.Forwarded)
	assert.Equal(t, wire.String("left"), report.Result[event.ResultOutcome])

	// The master applied it; the origin waits for the broadcast.
	_, err = n1.store.GetMember(ctx, "c1", "mel")
	assert.ErrorIs(t, err, store.ErrNotFound)
	n2.member(t, "c1", "mel")

	c.settle()
	_, err = n2.store.GetMember(ctx, "c1", "mel")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, n1.finalized(t, report.Token))
	assert.Contains(t, n1.notifier.Sent(), "activity member.leave c1 mel left")
}

func TestForward_RejectedByOriginIsNotSent(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()
	before := c.net.Deliveries("n1")

	ev := event.New(event.KindMemberRemove, model.Circle{ID: "c1"})
	ev.Initiator = ref("mel")
	ev.Member = ref("olivia")
	_, err := n2.disp.NewEvent(context.Background(), ev)
	code, ok := event.CodeOf(err)
	require.True(t, ok, "error: %v", err)
	assert.Equal(t, event.ErrCodeLevelNotAllowed, code)
	assert.Equal(t, before, c.net.Deliveries("n1"))
}

func TestReceiveForward_OnlyMaster(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	ev := levelEvent("c1", "olivia", "mel", model.LevelAdmin)
	ev.Token = "fwd-1"
	ev.Source = "n1"
	reply, err := n2.disp.ReceiveForward(context.Background(), ev)
	require.NoError(t, err)
	rej := event.Outcome{Node: "n2", Result: reply.Result}.Rejected()
	require.NotNil(t, rej)
	assert.Equal(t, event.ErrCodeNotMaster, rej.Code)
}

func TestReceiveForward_MemberEventsNeedAnInitiator(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1 := c.node("n1")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	for _, kind := range []event.Kind{event.KindMemberLevel, event.KindMemberRemove} {
		circle, err := n1.store.GetCircle(ctx, "c1")
		require.NoError(t, err)
		ev := event.New(kind, circle).WithBypass(event.BypassInitiatorCheck)
		ev.Member = ref("olivia")
		if kind == event.KindMemberLevel {
			ev.Params = &event.MemberLevelParams{Level: model.LevelMember}
		}
		ev.Token = "fwd-" + string(kind)
		ev.Source = "n2"

		reply, err := n1.disp.ReceiveForward(ctx, ev)
		require.NoError(t, err)
		rej := event.Outcome{Node: "n1", Result: reply.Result}.Rejected()
		require.NotNil(t, rej, kind)
		assert.Equal(t, event.ErrCodeInvalidEvent, rej.Code, kind)
	}
	assert.Equal(t, model.LevelOwner, n1.member(t, "c1", "olivia").Level)
}

func TestReceive_OnlyFromMaster(t *testing.T) {
	c := newCluster(t, "n1", "n2", "n3")
	n1, n2, n3 := c.node("n1"), c.node("n2"), c.node("n3")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()
	circle, err := n2.store.GetCircle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "n1", circle.Instance)

	level := levelEvent("c1", "olivia", "mel", model.LevelAdmin).WithBypass(event.BypassInitiatorMembership)
	level.Circle = circle
	level.Token = "n3-level"
	level.Source = n3.id

	takeover := circle
	takeover.Instance = n3.id
	status := event.New(event.KindCircleStatus, takeover).WithBypass(event.BypassInitiatorCheck)
	status.Token = "n3-status"
	status.Source = n3.id

	unknown := event.New(event.KindCircleStatus, model.Circle{ID: "c9", Name: "c9", Instance: "n1"}).
		WithBypass(event.BypassCircleCheck)
	unknown.Token = "n3-unknown"
	unknown.Source = n3.id

	for _, ev := range []event.FederatedEvent{level, status, unknown} {
		reply, err := n2.disp.Receive(ctx, ev)
		require.NoError(t, err)
		rej := event.Outcome{Node: "n2", Result: reply.Result}.Rejected()
		require.NotNil(t, rej, ev.Token)
		assert.Equal(t, event.ErrCodeNotMaster, rej.Code, ev.Token)
	}

	assert.Equal(t, model.LevelMember, n2.member(t, "c1", "mel").Level)
	after, err := n2.store.GetCircle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "n1", after.Instance)
	_, err = n2.store.GetCircle(ctx, "c9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceiveForward_RedeliveryIsIdempotent(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	ev := event.New(event.KindMemberLeave, model.Circle{ID: "c1"})
	circle, err := n2.store.GetCircle(ctx, "c1")
	require.NoError(t, err)
	ev.Circle = circle
	mel := n2.member(t, "c1", "mel")
	ev.Member = &mel
	ev.Token = "fwd-1"
	ev.Source = "n2"

	first, err := n1.disp.ReceiveForward(ctx, ev)
	require.NoError(t, err)
	events, err := n1.store.ListEvents(ctx, "c1")
	require.NoError(t, err)

	second, err := n1.disp.ReceiveForward(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, first.Result, second.Result)

	again, err := n1.store.ListEvents(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, again, len(events))
}

func TestReceive_DeduplicatesByToken(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	report, err := n1.disp.NewEvent(ctx, levelEvent("c1", "olivia", "mel", model.LevelModerator))
	require.NoError(t, err)
	c.settle()

	w := n1.wrapper(t, report.Token, "n2")
	events, err := n2.store.ListEvents(ctx, "c1")
	require.NoError(t, err)

	reply, err := n2.disp.Receive(ctx, w.Event)
	require.NoError(t, err)
	assert.Equal(t, w.Result, reply.Result)

	again, err := n2.store.ListEvents(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, events, again)
	assert.Equal(t, model.LevelModerator, n2.member(t, "c1", "mel").Level)
}

func TestReceive_DesyncIsReported(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	// n2 drifted: it believes mel is a moderator.
	drifted := n2.member(t, "c1", "mel")
	drifted.Level = model.LevelModerator
	require.NoError(t, n2.store.UpsertMember(ctx, drifted))

	report, err := n1.disp.NewEvent(ctx, levelEvent("c1", "olivia", "mel", model.LevelAdmin))
	require.NoError(t, err)
	c.settle()

	w := n1.wrapper(t, report.Token, "n2")
	assert.Equal(t, event.StatusDone, w.Status, "a rejection is an answer, not a delivery failure")
	rej := event.Outcome{Node: "n2", Result: w.Result}.Rejected()
	require.NotNil(t, rej)
	assert.Equal(t, event.ErrCodeDesync, rej.Code)
	assert.Equal(t, model.LevelModerator, n2.member(t, "c1", "mel").Level)

	// A global sync repairs the replica.
	_, err = n1.disp.ForceSync(ctx, "c1")
	require.NoError(t, err)
	c.settle()
	assert.Equal(t, model.LevelAdmin, n2.member(t, "c1", "mel").Level)
}

func TestAsyncEvent_ResultIsReportedBack(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	ev := levelEvent("c1", "olivia", "mel", model.LevelAdmin)
	ev.Async = true
	report, err := n1.disp.NewEvent(ctx, ev)
	require.NoError(t, err)

	n1.deliv.Flush(ctx)
	n2.disp.Wait()

	w := n1.wrapper(t, report.Token, "n2")
	assert.Equal(t, event.StatusDone, w.Status)
	assert.False(t, w.Pending)
	assert.Equal(t, model.LevelAdmin, n2.member(t, "c1", "mel").Level)
	assert.True(t, n1.finalized(t, report.Token))
}

func TestDeleteUser_DestroysPersonalAndTransfersOwnership(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1, n2 := c.node("n1"), c.node("n2")
	ctx := context.Background()

	c.createCircle(n1, "team", model.ConfigOpen)
	c.add(n1, "team", user("mel", "n2"))
	c.add(n1, "team", user("max", "n1"))
	c.add(n1, "team", user("adam", "n1"))
	for target, level := range map[string]model.Level{"adam": model.LevelAdmin, "max": model.LevelModerator} {
		_, err := n1.disp.NewEvent(ctx, levelEvent("team", "olivia", target, level))
		require.NoError(t, err)
	}
	c.createCircle(n1, "solo", model.ConfigPersonal)
	c.settle()

	reports, err := n1.disp.DeleteUser(ctx, "olivia")
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	_, err = n1.store.GetCircle(ctx, "solo")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, model.LevelOwner, n1.member(t, "team", "adam").Level)
	_, err = n1.store.GetMember(ctx, "team", "olivia")
	assert.ErrorIs(t, err, store.ErrNotFound)

	c.settle()
	assert.Equal(t, model.LevelOwner, n2.member(t, "team", "adam").Level)
	assert.Equal(t, model.LevelModerator, n2.member(t, "team", "max").Level)
	_, err = n2.store.GetMember(ctx, "team", "olivia")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmin_RetryAndDiscard(t *testing.T) {
	c := newCluster(t, "n1", "n2", "n3")
	n1 := c.node("n1")
	ctx := context.Background()
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.add(n1, "c1", user("nia", "n3"))
	c.settle()

	c.net.SetDown("n2", true)
	c.net.SetDown("n3", true)
	report, err := n1.disp.NewEvent(ctx, levelEvent("c1", "olivia", "mel", model.LevelAdmin))
	require.NoError(t, err)
	c.settle()

	failed, err := n1.disp.ListWrappers(ctx, store.WrapperFilter{Statuses: []event.WrapperStatus{event.StatusFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	c.net.SetDown("n2", false)
	_, err = n1.disp.RetryWrapper(ctx, report.Token, "n2")
	require.NoError(t, err)
	c.settle()
	assert.Equal(t, event.StatusDone, n1.wrapper(t, report.Token, "n2").Status)
	assert.False(t, n1.finalized(t, report.Token), "n3 is still pending")

	discarded, err := n1.disp.DiscardWrapper(ctx, report.Token, "n3")
	require.NoError(t, err)
	assert.Equal(t, event.StatusOver, discarded.Status)
	assert.True(t, n1.finalized(t, report.Token))

	_, err = n1.disp.RetryWrapper(ctx, report.Token, "n9")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestForceSync_UnknownCircle(t *testing.T) {
	c := newCluster(t, "n1")
	_, err := c.node("n1").disp.ForceSync(context.Background(), "nope")
	code, ok := event.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, event.ErrCodeCircleNotFound, code)
}

func TestSyncEvent_WaitsForOutcomes(t *testing.T) {
	c := newCluster(t, "n1", "n2")
	n1 := c.node("n1")
	c.createCircle(n1, "c1", model.ConfigOpen)
	c.add(n1, "c1", user("mel", "n2"))
	c.settle()

	waiting, err := dispatch.New(context.Background(), n1.store, n1.nodes, n1.handlers, c.net.Endpoint("n1"), n1.deliv,
		dispatch.WithClock(c.clock),
		dispatch.WithLogger(slog.New(slog.DiscardHandler)),
		dispatch.WithSyncTimeout(time.Minute),
	)
	require.NoError(t, err)
	c.net.Attach("n1", waiting)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, n := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.deliv.Run(ctx)
		}()
	}

	report, err := waiting.NewEvent(ctx, levelEvent("c1", "olivia", "mel", model.LevelAdmin))
	require.NoError(t, err)
	assert.Empty(t, report.Waiting)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "n2", report.Outcomes[0].Node)
	assert.True(t, n1.finalized(t, report.Token))
}

func TestSequence(t *testing.T) {
	s := dispatch.NewSequenceAt(41)
	assert.Equal(t, int64(42), s.Next())
	assert.Equal(t, int64(43), s.Next())
	assert.Equal(t, int64(43), s.Current())
}

func TestFixedGenerator(t *testing.T) {
	g := dispatch.NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })

	assert.Len(t, dispatch.UUIDv7Generator{}.Generate(), 36)
}
