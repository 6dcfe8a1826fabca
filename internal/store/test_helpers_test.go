package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCircle creates a circle mastered on n1.
func createTestCircle(id string) model.Circle {
	return model.Circle{ID: id, Name: id, Config: model.ConfigVisible, Instance: "n1"}
}

// createTestMember creates an active member with a fixed single id.
func createTestMember(circleID, singleID string, level model.Level) model.Member {
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

// createTestWrapper creates an INIT wrapper for a circle.destroy event.
func createTestWrapper(token, node string, created time.Time) event.Wrapper {
	ev := event.New(event.KindCircleDestroy, createTestCircle("c1"))
	ev.Source = "n1"
	ev.Token = token
	return event.Wrapper{
		Token:      token,
		Node:       node,
		Event:      ev,
		Severity:   event.SeverityLow,
		Status:     event.StatusInit,
		CreatedAt:  created,
		RetryAfter: created,
	}
}
