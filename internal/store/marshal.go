package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/wire"
)

// marshalSettings converts circle settings to canonical JSON TEXT.
func marshalSettings(settings map[string]string) (string, error) {
	if len(settings) == 0 {
		return "{}", nil
	}
	data, err := wire.CanonicalJSON(settings)
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	return string(data), nil
}

func unmarshalSettings(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var settings map[string]string
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, nil
}

// marshalBag converts a result bag to canonical JSON TEXT.
func marshalBag(b wire.Bag) (string, error) {
	data, err := wire.MarshalCanonical(b)
	if err != nil {
		return "", fmt.Errorf("marshal bag: %w", err)
	}
	return string(data), nil
}

// unmarshalBag parses a result bag. Empty objects become nil.
func unmarshalBag(data string) (wire.Bag, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var b wire.Bag
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("unmarshal bag: %w", err)
	}
	return b, nil
}

func marshalEnvelope(ev event.FederatedEvent) (string, error) {
	data, err := event.Export(ev)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(data), nil
}

func unmarshalEnvelope(data string) (event.FederatedEvent, error) {
	ev, err := event.Import([]byte(data))
	if err != nil {
		return event.FederatedEvent{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nanos stores zero times as 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
