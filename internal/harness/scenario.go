package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/remote"
)

// Scenario defines a multi-node conformance scenario. The nodes share one
// loopback network and one fake clock.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes are the federation participants. Every node knows every
	// other one.
	Nodes []NodeSpec `yaml:"nodes"`

	// Setup establishes initial state. Setup steps must succeed, and the
	// cluster is settled after them.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the main steps, optionally with expected answers.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// NodeSpec describes one node.
type NodeSpec struct {
	ID string `yaml:"id"`

	// Trust overrides how this node classifies peers. Peers not listed
	// are trusted.
	Trust map[string]string `yaml:"trust,omitempty"`
}

// Step is one scenario step. Exactly one action field is set.
type Step struct {
	// On is the node that runs event, sync and delete_user.
	On string `yaml:"on,omitempty"`

	Event      *EventSpec `yaml:"event,omitempty"`
	Sync       string     `yaml:"sync,omitempty"`        // circle id to force a global sync of
	DeleteUser string     `yaml:"delete_user,omitempty"` // single id to remove everywhere

	// Settle runs delivery rounds until nothing is due.
	Settle bool `yaml:"settle,omitempty"`

	// Fault injection on the loopback network.
	Down     []string       `yaml:"down,omitempty"`
	Up       []string       `yaml:"up,omitempty"`
	FailNext map[string]int `yaml:"fail_next,omitempty"`

	// Advance moves the shared clock, e.g. "2h".
	Advance string `yaml:"advance,omitempty"`

	// Expect validates the answer of event, sync and delete_user.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EventSpec is the envelope submitted by an event step.
type EventSpec struct {
	Kind      string         `yaml:"kind"`
	Circle    model.Circle   `yaml:"circle"`
	Member    *model.Member  `yaml:"member,omitempty"`
	Initiator *model.Member  `yaml:"initiator,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	Async     bool           `yaml:"async,omitempty"`
}

// ExpectClause specifies the expected answer of a step.
type ExpectClause struct {
	// Error is the expected error code. Empty means success.
	Error string `yaml:"error,omitempty"`

	// Outcome is the expected "outcome" of the local result.
	Outcome string `yaml:"outcome,omitempty"`

	Forwarded bool `yaml:"forwarded,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an operation of Kind on Circle appears in the trace
	// - "trace_order": operation kinds appear in order
	// - "trace_count": operations of Kind appear exactly Count times
	// - "final_state": exactly one row of Table on Node matches Where, and it matches Expect
	// - "state_count": exactly Count rows of Table on Node match Where
	Type string `yaml:"type"`

	Kind   string   `yaml:"kind,omitempty"`
	Kinds  []string `yaml:"kinds,omitempty"`
	Circle string   `yaml:"circle,omitempty"`
	Count  int      `yaml:"count,omitempty"`

	Node   string         `yaml:"node,omitempty"`
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStateCount    = "state_count"
)

// State tables.
const (
	TableCircles       = "circles"
	TableMembers       = "members"
	TableWrappers      = "wrappers"
	TableShares        = "shares"
	TableNotifications = "notifications"
)

var stateTables = map[string]bool{
	TableCircles:       true,
	TableMembers:       true,
	TableWrappers:      true,
	TableShares:        true,
	TableNotifications: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	nodes := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id is required", i)
		}
		if nodes[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate id %q", i, n.ID)
		}
		nodes[n.ID] = true
	}
	for i, n := range s.Nodes {
		for peer, trust := range n.Trust {
			if !nodes[peer] {
				return fmt.Errorf("nodes[%d]: trust of unknown node %q", i, peer)
			}
			if _, err := remote.ParseTrust(trust); err != nil {
				return fmt.Errorf("nodes[%d]: %w", i, err)
			}
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(step, nodes); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step, nodes); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, nodes); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, nodes map[string]bool) error {
	actions := 0
	for _, set := range []bool{
		step.Event != nil,
		step.Sync != "",
		step.DeleteUser != "",
		step.Settle,
		len(step.Down) > 0,
		len(step.Up) > 0,
		len(step.FailNext) > 0,
		step.Advance != "",
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}

	needsNode := step.Event != nil || step.Sync != "" || step.DeleteUser != ""
	if needsNode && !nodes[step.On] {
		return fmt.Errorf("on: unknown node %q", step.On)
	}
	if !needsNode && step.Expect != nil {
		return fmt.Errorf("expect is only allowed on event, sync and delete_user")
	}
	if step.Event != nil && !event.Kind(step.Event.Kind).Valid() {
		return fmt.Errorf("event: unknown kind %q", step.Event.Kind)
	}
	for _, ids := range [][]string{step.Down, step.Up} {
		for _, id := range ids {
			if !nodes[id] {
				return fmt.Errorf("unknown node %q", id)
			}
		}
	}
	for id, count := range step.FailNext {
		if !nodes[id] {
			return fmt.Errorf("fail_next: unknown node %q", id)
		}
		if count < 1 {
			return fmt.Errorf("fail_next: count must be positive for %q", id)
		}
	}
	if step.Advance != "" {
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, nodes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState, AssertStateCount:
		if !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
		}
		if !stateTables[a.Table] {
			return fmt.Errorf("assertions[%d]: unknown table %q", index, a.Table)
		}
		if a.Type == AssertFinalState && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		if a.Type == AssertStateCount && a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for state_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
