package handler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/model"
)

func addEvent(c model.Circle, initiator model.Member, m model.Member) event.FederatedEvent {
	ev := event.New(event.KindMemberAdd, c)
	ev.Initiator = &initiator
	ev.Member = &m
	return ev
}

func mailMember(address string) model.Member {
	return model.Member{UserID: address, UserType: model.EntityMail, Instance: "n1"}
}

func TestMemberAdd(t *testing.T) {
	e := newEnv(t, "n1")
	ctx := context.Background()
	c := circle("c1", model.ConfigOpen)
	owner := member("c1", "olivia", model.LevelOwner)
	mod := member("c1", "mod", model.LevelModerator)
	e.seed(t, c, owner, mod)

	verified, result, err := e.apply(t, addEvent(c, mod, mailMember("bob@example.net")), origin)
	require.NoError(t, err)
	assert.Equal(t, "added", outcomeOf(t, result))

	bobID := model.EntitySingleID(model.EntityMail, "bob@example.net", "n1")
	assert.Equal(t, bobID, verified.Member.SingleID)
	assert.Equal(t, "m-0001", verified.Member.ID)
	assert.Equal(t, "mod", verified.Member.InvitedBy)

	bob := e.member(t, "c1", bobID)
	assert.Equal(t, model.LevelMember, bob.Level)
	assert.Equal(t, model.StatusMember, bob.Status)

	// Adding the same entity again is refused.
	_, _, err = e.apply(t, addEvent(c, mod, mailMember("bob@example.net")), origin)
	requireCode(t, err, event.ErrCodeMemberAlreadyExists)

	// The external member gets exactly one invitation, from Result.
	require.NoError(t, e.handler(t, event.KindMemberAdd).Result(ctx, verified, []event.Outcome{{Node: "n1", Result: result}}))
	assert.Equal(t, []string{"invite c1 bob@example.net"}, e.notifier.Sent())
}

func TestMemberAdd_RequiresModerator(t *testing.T) {
	e := newEnv(t, "n1")
	c := circle("c1", model.ConfigOpen)
	plain := member("c1", "mel", model.LevelMember)
	e.seed(t, c, member("c1", "olivia", model.LevelOwner), plain)

	_, _, err := e.apply(t, addEvent(c, plain, mailMember("bob@example.net")), origin)
	requireCode(t, err, event.ErrCodeLevelTooLow)
}

func TestMemberAdd_CircleFull(t *testing.T) {
	e := newEnv(t, "n1")
	c := circle("c1", model.ConfigOpen)
	c.Settings = map[string]string{model.SettingMembersLimit: "3"}
	owner := member("c1", "olivia", model.LevelOwner)
	e.seed(t, c, owner, pending("c1", "ivan", model.StatusInvited))

	_, _, err := e.apply(t, addEvent(c, owner, mailMember("bob@example.net")), origin)
	require.NoError(t, err)

	_, _, err = e.apply(t, addEvent(c, owner, mailMember("carol@example.net")), origin)
	requireCode(t, err, event.ErrCodeCircleFull)
}

func TestMemberAdd_InviteOnlyCircle(t *testing.T) {
	e := newEnv(t, "n1")
	c := circle("c1", model.ConfigInvite)
	owner := member("c1", "olivia", model.LevelOwner)
	e.seed(t, c, owner)

	verified, result, err := e.apply(t, addEvent(c, owner, model.Member{SingleID: "ursula", UserID: "ursula", UserType: model.EntityUser, Instance: "n1"}), origin)
	require.NoError(t, err)
	assert.Equal(t, "invited", outcomeOf(t, result))
	assert.Equal(t, model.LevelNone, verified.Member.Level)
	assert.Equal(t, model.StatusInvited, verified.Member.Status)
}

func TestMemberAdd_FollowerAppliesMasterDecision(t *testing.T) {
	master := newEnv(t, "n1")
	c := circle("c1", model.ConfigOpen)
	owner := member("c1", "olivia", model.LevelOwner)
	master.seed(t, c, owner)

	verified, _, err := master.apply(t, addEvent(c, owner, mailMember("bob@example.net")), origin)
	require.NoError(t, err)

	// The follower never saw the circle; the add creates its snapshot.
	n2 := newEnv(t, "n2")
	ev := verified.WithBypass(event.BypassCircleCheck).WithBypass(event.BypassInitiatorMembership)
	_, _, err = n2.apply(t, ev, follower)
	require.NoError(t, err)

	got, err := n2.store.ListMembers(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, verified.Member.SingleID, got[0].SingleID)
}

func joinEvent(c model.Circle, singleID string) event.FederatedEvent {
	ev := event.New(event.KindMemberJoin, c)
	ev.Member = &model.Member{SingleID: singleID, UserID: singleID, UserType: model.EntityUser, Instance: "n1"}
	return ev
}

func TestMemberJoin(t *testing.T) {
	owner := member("c1", "olivia", model.LevelOwner)
	mod := member("c1", "mod", model.LevelModerator)

	tests := []struct {
		name    string
		config  model.Config
		extra   []model.Member
		outcome string
		status  model.Status
		code    event.ErrorCode
	}{
		{name: "open", config: model.ConfigOpen, outcome: "joined", status: model.StatusMember},
		{name: "request", config: model.ConfigRequest, outcome: "requested", status: model.StatusRequesting},
		{name: "closed", config: model.ConfigVisible, code: event.ErrCodeLevelNotAllowed},
		{name: "accept invitation", config: model.ConfigInvite, extra: []model.Member{pending("c1", "jo", model.StatusInvited)},
			outcome: "joined", status: model.StatusMember},
		{name: "blocked", config: model.ConfigOpen, extra: []model.Member{pending("c1", "jo", model.StatusBlocked)},
			code: event.ErrCodeLevelNotAllowed},
		{name: "already member", config: model.ConfigOpen, extra: []model.Member{member("c1", "jo", model.LevelMember)},
			code: event.ErrCodeMemberAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, "n1")
			c := circle("c1", tt.config)
			e.seed(t, c, append([]model.Member{owner, mod}, tt.extra...)...)

			_, result, err := e.apply(t, joinEvent(c, "jo"), origin)
			if tt.code != "" {
				requireCode(t, err, tt.code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcomeOf(t, result))
			assert.Equal(t, tt.status, e.member(t, "c1", "jo").Status)
		})
	}
}

func TestMemberJoin_RequestNotifiesModerators(t *testing.T) {
	e := newEnv(t, "n1")
	c := circle("c1", model.ConfigRequest)
	e.seed(t, c, member("c1", "olivia", model.LevelOwner), member("c1", "mod", model.LevelModerator),
		member("c1", "mel", model.LevelMember))

	verified, result, err := e.apply(t, joinEvent(c, "jo"), origin)
	require.NoError(t, err)
	require.NoError(t, e.handler(t, event.KindMemberJoin).Result(context.Background(), verified,
		[]event.Outcome{{Node: "n1", Result: result}}))
	assert.Equal(t, []string{"request c1 jo to [mod olivia]"}, e.notifier.Sent())
}

func levelEvent(initiator, target model.Member, level model.Level) event.FederatedEvent {
	ev := event.New(event.KindMemberLevel, circle("c1", model.ConfigOpen))
	ev.Initiator = &initiator
	ev.Member = &target
	ev.Params = &event.MemberLevelParams{Level: level}
	return ev
}

func TestMemberLevel_Rules(t *testing.T) {
	owner := member("c1", "olivia", model.LevelOwner)
	admin := member("c1", "adam", model.LevelAdmin)
	mod := member("c1", "mod", model.LevelModerator)
	plain := member("c1", "mel", model.LevelMember)
	invited := pending("c1", "ivan", model.StatusInvited)

	tests := []struct {
		name      string
		initiator model.Member
		target    model.Member
		level     model.Level
		code      event.ErrorCode
	}{
		{"moderator promotes member", mod, plain, model.LevelModerator, ""},
		{"moderator cannot touch admin", mod, admin, model.LevelMember, event.ErrCodeLevelTooLow},
		{"moderator cannot grant admin", mod, plain, model.LevelAdmin, event.ErrCodeLevelTooLow},
		{"member cannot change levels", plain, mod, model.LevelMember, event.ErrCodeLevelTooLow},
		{"admin cannot act on owner", admin, owner, model.LevelMember, event.ErrCodeLevelNotAllowed},
		{"owner cannot demote itself", owner, owner, model.LevelAdmin, event.ErrCodeLevelNotAllowed},
		{"admin cannot transfer ownership", admin, plain, model.LevelOwner, event.ErrCodeLevelTooLow},
		{"pending member has no level", owner, invited, model.LevelMember, event.ErrCodeLevelNotAllowed},
		{"same level", owner, plain, model.LevelMember, event.ErrCodeLevelNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, "n1")
			e.seed(t, circle("c1", model.ConfigOpen), owner, admin, mod, plain, invited)

			_, _, err := e.apply(t, levelEvent(tt.initiator, tt.target, tt.level), origin)
			if tt.code != "" {
				requireCode(t, err, tt.code)
				assert.Equal(t, tt.target.Level, e.member(t, "c1", tt.target.SingleID).Level)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, e.member(t, "c1", tt.target.SingleID).Level)
		})
	}
}

func TestMemberLevel_OwnerKeepsLevelWithoutInitiator(t *testing.T) {
	tests := []struct {
		name string
		opts handler.VerifyOptions
	}{
		{"origin", origin},
		{"master", atMaster},
		{"follower", follower},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, "n1")
			owner := member("c1", "olivia", model.LevelOwner)
			e.seed(t, circle("c1", model.ConfigOpen), owner, member("c1", "mel", model.LevelMember))

			ev := event.New(event.KindMemberLevel, circle("c1", model.ConfigOpen)).WithBypass(event.BypassInitiatorCheck)
			ev.Member = ptr(owner)
			ev.Params = &event.MemberLevelParams{Level: model.LevelMember}
			_, _, err := e.apply(t, ev, tt.opts)
			requireCode(t, err, event.ErrCodeLevelNotAllowed)

			members, err := e.store.ListMembers(context.Background(), "c1")
			require.NoError(t, err)
			found, ok := model.FindOwner(members)
			require.True(t, ok)
			assert.Equal(t, "olivia", found.SingleID)
		})
	}
}

func TestMemberLevel_DesyncBlocksManage(t *testing.T) {
	e := newEnv(t, "n2")
	owner := member("c1", "olivia", model.LevelOwner)
	plain := member("c1", "mel", model.LevelMember)
	e.seed(t, circle("c1", model.ConfigOpen), owner, plain)

	// The sender believes mel is an admin.
	stale := plain
	stale.Level = model.LevelAdmin
	_, _, err := e.apply(t, levelEvent(owner, stale, model.LevelModerator), follower)
	requireCode(t, err, event.ErrCodeDesync)
	assert.False(t, event.IsValidation(err))
	assert.Equal(t, model.LevelMember, e.member(t, "c1", "mel").Level)
}

func TestMemberLevel_UnknownMemberOnFollowerIsDesync(t *testing.T) {
	e := newEnv(t, "n2")
	owner := member("c1", "olivia", model.LevelOwner)
	e.seed(t, circle("c1", model.ConfigOpen), owner)

	_, _, err := e.apply(t, levelEvent(owner, member("c1", "mel", model.LevelMember), model.LevelAdmin), follower)
	requireCode(t, err, event.ErrCodeDesync)
}

func TestMemberLevel_RedeliveryIsIdempotent(t *testing.T) {
	e := newEnv(t, "n2")
	owner := member("c1", "olivia", model.LevelOwner)
	plain := member("c1", "mel", model.LevelMember)
	e.seed(t, circle("c1", model.ConfigOpen), owner, plain)

	ev := levelEvent(owner, plain, model.LevelAdmin)
	_, _, err := e.apply(t, ev, follower)
	require.NoError(t, err)
	_, _, err = e.apply(t, ev, follower)
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, e.member(t, "c1", "mel").Level)
}

func TestMemberLevel_OwnerTransfer(t *testing.T) {
	e := newEnv(t, "n1")
	ctx := context.Background()
	owner := member("c1", "olivia", model.LevelOwner)
	plain := member("c1", "mel", model.LevelMember)
	e.seed(t, circle("c1", model.ConfigOpen), owner, plain)

	_, result, err := e.apply(t, levelEvent(owner, plain, model.LevelOwner), origin)
	require.NoError(t, err)
	assert.Equal(t, "level", outcomeOf(t, result))

	members, err := e.store.ListMembers(ctx, "c1")
	require.NoError(t, err)
	owners := 0
	for _, m := range members {
		if m.Level == model.LevelOwner {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
	assert.Equal(t, model.LevelOwner, e.member(t, "c1", "mel").Level)
	assert.Equal(t, model.LevelAdmin, e.member(t, "c1", "olivia").Level)
}
