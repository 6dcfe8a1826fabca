package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeNumberOrName decodes a JSON number or a JSON string. Strings are
// handed to parse; numbers are returned.
func decodeNumberOrName(data []byte, parse func(string) error) (int, bool, error) {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, false, err
		}
		return 0, false, parse(s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Level is a membership level. Values are ordered.
type Level int

const (
	LevelNone      Level = 0
	LevelMember    Level = 1
	LevelModerator Level = 4
	LevelAdmin     Level = 8
	LevelOwner     Level = 9
)

// SuccessionOrder is the priority in which remaining members inherit
// ownership of a circle whose owner was deleted. First match wins.
var SuccessionOrder = []Level{LevelAdmin, LevelModerator, LevelMember}

var levelNames = map[Level]string{
	LevelNone:      "none",
	LevelMember:    "member",
	LevelModerator: "moderator",
	LevelAdmin:     "admin",
	LevelOwner:     "owner",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel parses a level name ("admin") or its numeric value ("8").
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s || fmt.Sprint(int(l)) == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level %q", s)
}

// UnmarshalText accepts names and numbers, so YAML fixtures can say "admin".
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalJSON accepts the numeric wire form and level names.
func (l *Level) UnmarshalJSON(data []byte) error {
	n, numeric, err := decodeNumberOrName(data, func(s string) error { return l.UnmarshalText([]byte(s)) })
	if err != nil {
		return err
	}
	if numeric {
		*l = Level(n)
	}
	return nil
}

// Status is the membership status of a member row.
type Status string

const (
	StatusInvited    Status = "invited"
	StatusRequesting Status = "requesting"
	StatusMember     Status = "member"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInvited, StatusRequesting, StatusMember, StatusBlocked:
		return true
	}
	return false
}

// EntityType is the kind of entity a member row points to.
type EntityType int

const (
	EntityUser    EntityType = 1
	EntityGroup   EntityType = 2
	EntityMail    EntityType = 4
	EntityContact EntityType = 8
	EntityCircle  EntityType = 16
	EntityApp     EntityType = 10000
)

var entityNames = map[EntityType]string{
	EntityUser:    "user",
	EntityGroup:   "group",
	EntityMail:    "mail",
	EntityContact: "contact",
	EntityCircle:  "circle",
	EntityApp:     "app",
}

func (t EntityType) String() string {
	if name, ok := entityNames[t]; ok {
		return name
	}
	return fmt.Sprintf("entity(%d)", int(t))
}

// Valid reports whether t is one of the defined entity types.
func (t EntityType) Valid() bool {
	_, ok := entityNames[t]
	return ok
}

// External reports whether the entity is reached by mail rather than by an
// account on some node.
func (t EntityType) External() bool {
	return t == EntityMail || t == EntityContact
}

// ParseEntityType parses an entity type name or its numeric value.
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range entityNames {
		if name == s || fmt.Sprint(int(t)) == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}

// UnmarshalText accepts names and numbers.
func (t *EntityType) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UnmarshalJSON accepts the numeric wire form and type names.
func (t *EntityType) UnmarshalJSON(data []byte) error {
	n, numeric, err := decodeNumberOrName(data, func(s string) error { return t.UnmarshalText([]byte(s)) })
	if err != nil {
		return err
	}
	if numeric {
		*t = EntityType(n)
	}
	return nil
}
