package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

// Well-known keys of the Internal bag.
const (
	// InternalMaster is set by the master when it broadcasts the event.
	InternalMaster = "master"
)

// Well-known keys of result bags.
const (
	ResultErrorCode    = "error_code"
	ResultErrorMessage = "error_message"
	ResultOutcome      = "outcome"
)

// FederatedEvent is the envelope describing one mutation.
type FederatedEvent struct {
	Kind Kind `json:"kind"`

	// Source is the node that sent this copy of the event.
	Source string `json:"source"`

	// Circle is the circle snapshot as known by the sender.
	Circle model.Circle `json:"circle"`

	// Member is the affected member, when the event targets one.
	Member *model.Member `json:"member,omitempty"`

	// Members is a member list snapshot, filled by Verify on the master.
	Members []model.Member `json:"members,omitempty"`

	// Initiator is the member that requested the mutation, as known by the
	// sender. Nil for system initiated events.
	Initiator *model.Member `json:"initiator,omitempty"`

	Params   Params   `json:"params,omitempty"`
	Internal wire.Bag `json:"internal,omitempty"`
	Result   wire.Bag `json:"result,omitempty"`

	Severity Severity `json:"severity"`
	Bypass   Bypass   `json:"bypass,omitempty"`
	Async    bool     `json:"async,omitempty"`

	// Token correlates every copy of the event and its outcome wrappers.
	Token string `json:"token,omitempty"`
}

// New creates an event of kind for circle with LOW severity.
func New(kind Kind, circle model.Circle) FederatedEvent {
	return FederatedEvent{Kind: kind, Circle: circle, Severity: SeverityLow}
}

// WithBypass returns a copy with flag set.
func (e FederatedEvent) WithBypass(flag Bypass) FederatedEvent {
	e.Bypass = e.Bypass.With(flag)
	return e
}

// CanBypass reports whether flag is set.
func (e FederatedEvent) CanBypass(flag Bypass) bool {
	return e.Bypass.Has(flag)
}

// MemberSingleID returns the SingleID of the affected member, or "".
func (e FederatedEvent) MemberSingleID() string {
	if e.Member == nil {
		return ""
	}
	return e.Member.SingleID
}

// Clone returns a deep copy. Params are shared; they are never mutated.
func (e FederatedEvent) Clone() FederatedEvent {
	out := e
	out.Circle = e.Circle.Clone()
	if e.Member != nil {
		m := *e.Member
		out.Member = &m
	}
	if e.Initiator != nil {
		m := *e.Initiator
		out.Initiator = &m
	}
	if e.Members != nil {
		out.Members = append([]model.Member(nil), e.Members...)
	}
	out.Internal = e.Internal.Clone()
	out.Result = e.Result.Clone()
	return out
}

// Validate checks the structural rules every envelope must satisfy before
// a handler sees it.
func (e FederatedEvent) Validate() error {
	if !e.Kind.Valid() {
		return Errorf(ErrCodeUnknownKind, "unknown event kind %q", e.Kind)
	}
	if e.Circle.ID == "" {
		return Errorf(ErrCodeInvalidEvent, "%s: circle id is required", e.Kind)
	}
	if e.Severity != SeverityLow && e.Severity != SeverityHigh {
		return Errorf(ErrCodeInvalidEvent, "%s: invalid severity %d", e.Kind, e.Severity)
	}
	if err := mustKind(e.Params, e.Kind); err != nil {
		return err
	}
	return ValidateParams(e.Params)
}

// envelope is the JSON shape of a FederatedEvent with raw params.
type envelope struct {
	Kind      Kind            `json:"kind"`
	Source    string          `json:"source"`
	Circle    model.Circle    `json:"circle"`
	Member    *model.Member   `json:"member,omitempty"`
	Members   []model.Member  `json:"members,omitempty"`
	Initiator *model.Member   `json:"initiator,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Internal  wire.Bag        `json:"internal,omitempty"`
	Result    wire.Bag        `json:"result,omitempty"`
	Severity  Severity        `json:"severity"`
	Bypass    Bypass          `json:"bypass,omitempty"`
	Async     bool            `json:"async,omitempty"`
	Token     string          `json:"token,omitempty"`
}

// Export serializes the event as canonical JSON.
func Export(e FederatedEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	env := envelope{
		Kind:      e.Kind,
		Source:    e.Source,
		Circle:    e.Circle,
		Member:    e.Member,
		Members:   e.Members,
		Initiator: e.Initiator,
		Internal:  e.Internal,
		Result:    e.Result,
		Severity:  e.Severity,
		Bypass:    e.Bypass,
		Async:     e.Async,
		Token:     e.Token,
	}
	if e.Params != nil {
		raw, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("export params: %w", err)
		}
		env.Params = raw
	}
	data, err := wire.CanonicalJSON(env)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", e.Kind, err)
	}
	return data, nil
}

// Import rebuilds an event from its JSON form. Unknown fields, unknown
// kinds and invalid payloads are rejected.
func Import(data []byte) (FederatedEvent, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return FederatedEvent{}, Errorf(ErrCodeInvalidEvent, "decode envelope: %v", err)
	}

	params, err := DecodeParams(env.Kind, env.Params)
	if err != nil {
		return FederatedEvent{}, err
	}

	e := FederatedEvent{
		Kind:      env.Kind,
		Source:    env.Source,
		Circle:    env.Circle,
		Member:    env.Member,
		Members:   env.Members,
		Initiator: env.Initiator,
		Params:    params,
		Internal:  env.Internal,
		Result:    env.Result,
		Severity:  env.Severity,
		Bypass:    env.Bypass,
		Async:     env.Async,
		Token:     env.Token,
	}
	if err := e.Validate(); err != nil {
		return FederatedEvent{}, err
	}
	return e, nil
}

// MarshalJSON exports the event canonically.
func (e FederatedEvent) MarshalJSON() ([]byte, error) {
	return Export(e)
}

// UnmarshalJSON imports the event strictly.
func (e *FederatedEvent) UnmarshalJSON(data []byte) error {
	imported, err := Import(data)
	if err != nil {
		return err
	}
	*e = imported
	return nil
}
