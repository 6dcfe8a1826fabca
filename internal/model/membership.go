package model

import (
	"fmt"
	"sort"
)

// Membership is one flattened (entity, circle) pair.
type Membership struct {
	SingleID string `json:"single_id"`
	CircleID string `json:"circle_id"`

	// Level is the effective level: the minimum along the path, the maximum
	// across paths.
	Level Level `json:"level"`

	// Inheritance is the circle the entity is a direct member of.
	Inheritance string `json:"inheritance"`

	// Depth is 0 for direct members.
	Depth int `json:"depth"`
}

// MemberSource returns the direct members of a circle.
type MemberSource func(circleID string) ([]Member, error)

// ParentSource returns the ids of circles that hold circleID as a member.
type ParentSource func(circleID string) ([]string, error)

// Flatten computes the memberships of circleID by walking nested circles.
// Only active members count. Cycles are cut at the first repeated circle.
func Flatten(circleID string, direct MemberSource) ([]Membership, error) {
	best := make(map[string]Membership)
	onPath := map[string]bool{circleID: true}

	var walk func(id string, limit Level, depth int) error
	walk = func(id string, limit Level, depth int) error {
		members, err := direct(id)
		if err != nil {
			return fmt.Errorf("members of %s: %w", id, err)
		}
		for _, m := range members {
			if !m.Active() {
				continue
			}
			eff := min(limit, m.Level)
			candidate := Membership{
				SingleID:    m.SingleID,
				CircleID:    circleID,
				Level:       eff,
				Inheritance: id,
				Depth:       depth,
			}
			if cur, ok := best[m.SingleID]; !ok || better(candidate, cur) {
				best[m.SingleID] = candidate
			}

			if m.UserType != EntityCircle || onPath[m.SingleID] {
				continue
			}
			onPath[m.SingleID] = true
			err := walk(m.SingleID, eff, depth+1)
			delete(onPath, m.SingleID)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(circleID, LevelOwner, 0); err != nil {
		return nil, err
	}

	out := make([]Membership, 0, len(best))
	for _, ms := range best {
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SingleID < out[j].SingleID })
	return out, nil
}

func better(a, b Membership) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Inheritance < b.Inheritance
}

// Ancestors returns every circle that contains circleID directly or through
// nesting, sorted. circleID itself is not included.
func Ancestors(circleID string, parents ParentSource) ([]string, error) {
	seen := map[string]bool{circleID: true}
	queue := []string{circleID}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ps, err := parents(id)
		if err != nil {
			return nil, fmt.Errorf("parents of %s: %w", id, err)
		}
		for _, p := range ps {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
