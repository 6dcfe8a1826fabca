package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/model"
)

func seedCircle(t *testing.T, s *Store, id string, members ...model.Member) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertCircle(ctx, createTestCircle(id)))
	for _, m := range members {
		require.NoError(t, s.UpsertMember(ctx, m))
	}
}

func TestUpsertCircle_ReplacesMetadata(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestCircle("c1")
	c.Settings = map[string]string{model.SettingMembersLimit: "3"}
	require.NoError(t, s.UpsertCircle(ctx, c))

	c.Description = "updated"
	require.NoError(t, s.UpsertCircle(ctx, c))

	got, err := s.GetCircle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Equal(t, 3, got.MembersLimit())
}

func TestEnsureCircle_KeepsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := createTestCircle("c1")
	c.Description = "original"
	require.NoError(t, s.UpsertCircle(ctx, c))

	c.Description = "stale snapshot"
	require.NoError(t, s.EnsureCircle(ctx, c))

	got, err := s.GetCircle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Description)
}

func TestGetCircle_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetCircle(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetCircle_FillsOwner(t *testing.T) {
	s := createTestStore(t)
	seedCircle(t, s, "c1",
		createTestMember("c1", "olivia", model.LevelOwner),
		createTestMember("c1", "mallory", model.LevelMember),
	)
	got, err := s.GetCircle(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "olivia", got.Owner)
}

func TestUpsertMember_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	m := createTestMember("c1", "mallory", model.LevelMember)
	seedCircle(t, s, "c1", m)

	before, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, s.UpsertMember(ctx, m))
	after, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ms1, err := s.Memberships(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, s.UpsertMember(ctx, m))
	ms2, err := s.Memberships(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ms1, ms2)
}

func TestUpsertMember_DerivesSingleID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1")

	m := model.Member{
		ID: "m1", CircleID: "c1", UserID: "bob@example.net", UserType: model.EntityMail,
		Instance: "n1", Level: model.LevelMember, Status: model.StatusInvited,
	}
	require.NoError(t, s.UpsertMember(ctx, m))

	want := model.EntitySingleID(model.EntityMail, "bob@example.net", "n1")
	got, err := s.GetMember(ctx, "c1", want)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvited, got.Status)
}

func TestDeleteMember(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1", createTestMember("c1", "mallory", model.LevelMember))

	removed, err := s.DeleteMember(ctx, "c1", "mallory")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteMember(ctx, "c1", "mallory")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.GetMember(ctx, "c1", "mallory")
	require.ErrorIs(t, err, ErrNotFound)

	ms, err := s.Memberships(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestSetMemberLevel(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1", createTestMember("c1", "mallory", model.LevelMember))

	require.NoError(t, s.SetMemberLevel(ctx, "c1", "mallory", model.LevelAdmin))
	m, err := s.GetMember(ctx, "c1", "mallory")
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, m.Level)

	err = s.SetMemberLevel(ctx, "c1", "ghost", model.LevelAdmin)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSwitchOwner_ExactlyOneOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1",
		createTestMember("c1", "olivia", model.LevelOwner),
		createTestMember("c1", "mallory", model.LevelModerator),
	)

	require.NoError(t, s.SwitchOwner(ctx, "c1", "mallory"))

	members, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	owners := 0
	for _, m := range members {
		if m.Level == model.LevelOwner {
			owners++
			assert.Equal(t, "mallory", m.SingleID)
		}
		if m.SingleID == "olivia" {
			assert.Equal(t, model.LevelAdmin, m.Level)
		}
	}
	assert.Equal(t, 1, owners)

	// Switching to the current owner changes nothing.
	require.NoError(t, s.SwitchOwner(ctx, "c1", "mallory"))
	again, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, members, again)
}

func TestSwitchOwner_RollsBackOnMissingMember(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1", createTestMember("c1", "olivia", model.LevelOwner))

	err := s.SwitchOwner(ctx, "c1", "ghost")
	require.ErrorIs(t, err, ErrNotFound)

	m, err := s.GetMember(ctx, "c1", "olivia")
	require.NoError(t, err)
	assert.Equal(t, model.LevelOwner, m.Level, "demotion must be rolled back")
}

func TestTransferOwnership(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1",
		createTestMember("c1", "olivia", model.LevelOwner),
		createTestMember("c1", "adam", model.LevelAdmin),
	)

	switched, err := s.TransferOwnership(ctx, "c1", "olivia", "adam")
	require.NoError(t, err)
	assert.True(t, switched)

	members, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "adam", members[0].SingleID)
	assert.Equal(t, model.LevelOwner, members[0].Level)

	c, err := s.GetCircle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "adam", c.Owner)

	// Applying it again changes nothing.
	switched, err = s.TransferOwnership(ctx, "c1", "olivia", "adam")
	require.NoError(t, err)
	assert.True(t, switched)
	again, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, members, again)
}

func TestTransferOwnership_UnknownSuccessor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1",
		createTestMember("c1", "olivia", model.LevelOwner),
		createTestMember("c1", "mel", model.LevelMember),
	)

	switched, err := s.TransferOwnership(ctx, "c1", "olivia", "ghost")
	require.NoError(t, err)
	assert.False(t, switched)

	_, err = s.GetMember(ctx, "c1", "olivia")
	assert.ErrorIs(t, err, ErrNotFound)
	m, err := s.GetMember(ctx, "c1", "mel")
	require.NoError(t, err)
	assert.Equal(t, model.LevelMember, m.Level)
}

func TestReplaceMembers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedCircle(t, s, "c1",
		createTestMember("c1", "olivia", model.LevelOwner),
		createTestMember("c1", "mallory", model.LevelMember),
		createTestMember("c1", "trent", model.LevelMember),
	)

	promoted := createTestMember("c1", "mallory", model.LevelAdmin)
	snapshot := []model.Member{
		createTestMember("c1", "olivia", model.LevelOwner),
		promoted,
		createTestMember("c1", "walter", model.LevelMember),
	}
	stats, err := s.ReplaceMembers(ctx, createTestCircle("c1"), snapshot)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Created: 1, Updated: 1, Deleted: 1}, stats)

	members, err := s.ListMembers(ctx, "c1")
	require.NoError(t, err)
	ids := []string{}
	for _, m := range members {
		ids = append(ids, m.SingleID)
	}
	assert.Equal(t, []string{"mallory", "olivia", "walter"}, ids)

	// A second replace with the same snapshot changes nothing.
	stats, err = s.ReplaceMembers(ctx, createTestCircle("c1"), snapshot)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats)
}

func TestMemberships_NestedAndAncestors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seedCircle(t, s, "inner", createTestMember("inner", "bob", model.LevelOwner))
	sub := createTestMember("outer", "inner", model.LevelModerator)
	sub.UserType = model.EntityCircle
	seedCircle(t, s, "outer", createTestMember("outer", "alice", model.LevelOwner), sub)

	ms, err := s.MembershipsOf(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "inner", ms[0].CircleID)
	assert.Equal(t, model.LevelOwner, ms[0].Level)
	assert.Equal(t, "outer", ms[1].CircleID)
	assert.Equal(t, model.LevelModerator, ms[1].Level)

	// A change inside inner reaches outer.
	require.NoError(t, s.UpsertMember(ctx, createTestMember("inner", "carol", model.LevelMember)))
	outer, err := s.Memberships(ctx, "outer")
	require.NoError(t, err)
	ids := []string{}
	for _, m := range outer {
		ids = append(ids, m.SingleID)
	}
	assert.Equal(t, []string{"alice", "bob", "carol", "inner"}, ids)
}

func TestDeleteCircle_Cascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seedCircle(t, s, "inner", createTestMember("inner", "bob", model.LevelOwner))
	sub := createTestMember("outer", "inner", model.LevelMember)
	sub.UserType = model.EntityCircle
	seedCircle(t, s, "outer", createTestMember("outer", "alice", model.LevelOwner), sub)

	require.NoError(t, s.DeleteCircle(ctx, "inner"))

	_, err := s.GetCircle(ctx, "inner")
	require.ErrorIs(t, err, ErrNotFound)

	members, err := s.ListMembers(ctx, "outer")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].SingleID)

	ms, err := s.MembershipsOf(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ms)

	// Deleting again is fine.
	require.NoError(t, s.DeleteCircle(ctx, "inner"))
}

func TestCirclesOf(t *testing.T) {
	s := createTestStore(t)
	seedCircle(t, s, "c2", createTestMember("c2", "olivia", model.LevelMember))
	seedCircle(t, s, "c1", createTestMember("c1", "olivia", model.LevelOwner))

	ids, err := s.CirclesOf(context.Background(), "olivia")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
}
