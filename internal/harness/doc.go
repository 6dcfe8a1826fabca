// Package harness runs multi-node federation scenarios as executable
// contract tests.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: promote_moderator
//	description: "A remote moderator is promoted through the master"
//	nodes:
//	  - id: n1
//	  - id: n2
//	    trust: { n1: passive }
//	setup:
//	  - on: n1
//	    event:
//	      kind: circle.create
//	      circle: { id: c1, name: c1, config: 16 }
//	      member: { single_id: olivia, user_id: olivia, user_type: user, instance: n1 }
//	flow:
//	  - on: n1
//	    event:
//	      kind: member.level
//	      circle: { id: c1 }
//	      initiator: { single_id: olivia }
//	      member: { single_id: mel }
//	      params: { level: moderator }
//	    expect: { outcome: updated }
//	  - settle: true
//	assertions:
//	  - type: final_state
//	    node: n2
//	    table: members
//	    where: { circle: c1, single_id: mel }
//	    expect: { level: moderator }
//
// Each step performs exactly one action: event, sync, delete_user, settle,
// down, up, fail_next or advance. Event, sync and delete_user run on the
// node named by on; a step without an expect clause must not fail.
//
// # Assertion Types
//
//   - trace_contains: an operation of a kind appears in the trace
//   - trace_order: kinds appear in the specified order
//   - trace_count: a kind appears exactly N times
//   - final_state: one row of a node's state table holds the expected values
//   - state_count: a node's state table has exactly N matching rows
//
// State tables are circles, members, wrappers, shares and notifications.
//
// # Deterministic Testing
//
// Nodes share one loopback network and one fake clock. Member ids, secrets
// and tokens come from sequence generators, and each node runs on an
// in-memory SQLite database. Nothing is delivered between steps unless a
// settle step runs, so the same scenario always produces the same trace
// and state for golden file comparison.
package harness
