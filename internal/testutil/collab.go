package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/model"
)

// Notifier records every notification as a one-line string.
type Notifier struct {
	mu   sync.Mutex
	sent []string

	// Passwords maps "share/recipient" to the mailed password.
	Passwords map[string]string
}

var _ handler.Notifier = (*Notifier)(nil)

func (n *Notifier) record(line string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, line)
}

func (n *Notifier) Invite(_ context.Context, circle model.Circle, member model.Member) error {
	n.record(fmt.Sprintf("invite %s %s", circle.ID, member.UserID))
	return nil
}

func (n *Notifier) RequestPending(_ context.Context, circle model.Circle, member model.Member, moderators []model.Member) error {
	ids := make([]string, len(moderators))
	for i, m := range moderators {
		ids[i] = m.SingleID
	}
	sort.Strings(ids)
	n.record(fmt.Sprintf("request %s %s to %v", circle.ID, member.SingleID, ids))
	return nil
}

func (n *Notifier) ShareLink(_ context.Context, share model.Share, recipient model.Member, password string) error {
	n.mu.Lock()
	if n.Passwords == nil {
		n.Passwords = make(map[string]string)
	}
	n.Passwords[share.ShareID+"/"+recipient.SingleID] = password
	n.mu.Unlock()
	n.record(fmt.Sprintf("share %s %s", share.ShareID, recipient.UserID))
	return nil
}

func (n *Notifier) Activity(_ context.Context, a handler.Activity) error {
	n.record(fmt.Sprintf("activity %s %s %s %s", a.Kind, a.CircleID, a.SingleID, a.Outcome))
	return nil
}

// Sent returns a copy of the recorded notifications in order.
func (n *Notifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// Mounts records mount and unmount requests.
type Mounts struct {
	mu      sync.Mutex
	mounted map[string]bool
	calls   []string
}

var _ handler.Mounts = (*Mounts)(nil)

func (m *Mounts) Mount(_ context.Context, share model.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted == nil {
		m.mounted = make(map[string]bool)
	}
	m.mounted[share.ShareID] = true
	m.calls = append(m.calls, "mount "+share.ShareID)
	return nil
}

func (m *Mounts) Unmount(_ context.Context, share model.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mounted, share.ShareID)
	m.calls = append(m.calls, "unmount "+share.ShareID)
	return nil
}

// Mounted reports whether shareID is currently mounted.
func (m *Mounts) Mounted(shareID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted[shareID]
}

// Calls returns the recorded requests in order.
func (m *Mounts) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
