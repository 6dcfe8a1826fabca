package desync

import (
	"fmt"
	"strings"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
)

// Mismatch is one field where a snapshot and the local row disagree.
type Mismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"` // local value
	Actual   string `json:"actual"`   // embedded value
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: local %q, event %q", m.Field, m.Expected, m.Actual)
}

// Detector compares embedded snapshots with local rows.
type Detector struct{}

// NewDetector returns a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// CompareMember lists the fields where embedded differs from local:
// circle id, entity id, entity type, level, status and node. An empty member
// node stands for the master node of circle.
func (d *Detector) CompareMember(circle model.Circle, embedded, local model.Member) []Mismatch {
	embedded = embedded.Normalize()
	local = local.Normalize()

	var out []Mismatch
	add := func(field, want, got string) {
		if want != got {
			out = append(out, Mismatch{Field: field, Expected: want, Actual: got})
		}
	}
	add("circle_id", local.CircleID, embedded.CircleID)
	add("single_id", local.SingleID, embedded.SingleID)
	add("user_type", local.UserType.String(), embedded.UserType.String())
	add("level", local.Level.String(), embedded.Level.String())
	add("status", string(local.Status), string(embedded.Status))
	add("instance", nodeOf(circle, local), nodeOf(circle, embedded))
	return out
}

// CompareCircle lists the fields where an embedded circle snapshot differs
// from the local circle: id, config and master node.
func (d *Detector) CompareCircle(embedded, local model.Circle) []Mismatch {
	var out []Mismatch
	if local.ID != embedded.ID {
		out = append(out, Mismatch{Field: "circle_id", Expected: local.ID, Actual: embedded.ID})
	}
	if local.Config != embedded.Config {
		out = append(out, Mismatch{Field: "config", Expected: local.Config.String(), Actual: embedded.Config.String()})
	}
	if local.Instance != embedded.Instance {
		out = append(out, Mismatch{Field: "instance", Expected: local.Instance, Actual: embedded.Instance})
	}
	return out
}

// CheckMember returns a DESYNC error when embedded differs from local.
func (d *Detector) CheckMember(circle model.Circle, embedded, local model.Member) error {
	mismatches := d.CompareMember(circle, embedded, local)
	if len(mismatches) == 0 {
		return nil
	}
	return newError(mismatches).WithCircle(circle.ID).WithMember(local.SingleID)
}

// CheckCircle returns a DESYNC error when embedded differs from local.
func (d *Detector) CheckCircle(embedded, local model.Circle) error {
	mismatches := d.CompareCircle(embedded, local)
	if len(mismatches) == 0 {
		return nil
	}
	return newError(mismatches).WithCircle(local.ID)
}

func newError(mismatches []Mismatch) *event.Error {
	parts := make([]string, len(mismatches))
	for i, m := range mismatches {
		parts[i] = m.String()
	}
	err := event.Errorf(event.ErrCodeDesync, "state differs: %s", strings.Join(parts, "; "))
	for _, m := range mismatches {
		err.WithDetail(m.Field, m.Actual)
	}
	return err
}

func nodeOf(circle model.Circle, m model.Member) string {
	if m.Instance == "" {
		return circle.Instance
	}
	return m.Instance
}
