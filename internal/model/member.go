package model

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// entityNamespace scopes the name-based UUIDs used as SingleIDs.
var entityNamespace = uuid.MustParse("6f0c8a52-3c1d-4b7e-9a55-2f6d1c0e8b41")

// EntitySingleID derives the SingleID of an entity. The same (type, user id,
// node) yields the same id on every node. A circle entity is identified by the
// circle's own id.
func EntitySingleID(t EntityType, userID, instance string) string {
	if t == EntityCircle {
		return userID
	}
	name := fmt.Sprintf("%d:%s@%s", int(t), userID, instance)
	return uuid.NewSHA1(entityNamespace, []byte(name)).String()
}

// Member associates one entity with one circle.
type Member struct {
	ID       string     `json:"id" yaml:"id"`
	CircleID string     `json:"circle_id" yaml:"circle_id"`
	SingleID string     `json:"single_id" yaml:"single_id"`
	UserID   string     `json:"user_id" yaml:"user_id"`
	UserType EntityType `json:"user_type" yaml:"user_type"`

	// Instance is the node the entity lives on. Always explicit, also for
	// entities local to the master.
	Instance string `json:"instance" yaml:"instance"`

	Level       Level  `json:"level" yaml:"level"`
	Status      Status `json:"status" yaml:"status"`
	InvitedBy   string `json:"invited_by,omitempty" yaml:"invited_by"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
	Joined      int64  `json:"joined,omitempty" yaml:"joined"`
}

// Normalize fills the SingleID from the entity fields when it is empty.
func (m Member) Normalize() Member {
	if m.SingleID == "" && m.UserID != "" {
		m.SingleID = EntitySingleID(m.UserType, m.UserID, m.Instance)
	}
	return m
}

// Active reports whether the member counts toward memberships and limits.
func (m Member) Active() bool {
	return m.Status == StatusMember && m.Level > LevelNone
}

// Pending reports whether the member is still an invitation or a request.
func (m Member) Pending() bool {
	return m.Status == StatusInvited || m.Status == StatusRequesting
}

// SortMembers orders members by SingleID so snapshots compare stably.
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].SingleID < members[j].SingleID
	})
}

// FindOwner returns the owner among members.
func FindOwner(members []Member) (Member, bool) {
	for _, m := range members {
		if m.Level == LevelOwner {
			return m, true
		}
	}
	return Member{}, false
}

// Successor picks the member that inherits ownership when owner goes away,
// using SuccessionOrder. Within a level the earliest joined member wins and
// SingleID breaks ties.
func Successor(members []Member, owner string) (Member, bool) {
	for _, level := range SuccessionOrder {
		var best *Member
		for i := range members {
			m := &members[i]
			if m.SingleID == owner || m.Level != level || m.Status != StatusMember {
				continue
			}
			if best == nil || m.Joined < best.Joined ||
				(m.Joined == best.Joined && m.SingleID < best.SingleID) {
				best = m
			}
		}
		if best != nil {
			return *best, true
		}
	}
	return Member{}, false
}

// CountActive returns the number of members that count toward the limit.
func CountActive(members []Member) int {
	n := 0
	for _, m := range members {
		if m.Status == StatusMember || m.Status == StatusInvited {
			n++
		}
	}
	return n
}
