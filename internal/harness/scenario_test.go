package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
)

const minimalScenario = `
name: minimal
description: "Create a circle"
nodes:
  - id: n1
  - id: n2
    trust: { n1: passive }
flow:
  - on: n1
    event:
      kind: circle.create
      circle: { id: c1, name: c1, config: 16 }
      member: { single_id: olivia, user_id: olivia, user_type: user, instance: n1 }
assertions:
  - type: trace_contains
    kind: circle.create
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Nodes, 2)
	assert.Equal(t, map[string]string{"n1": "passive"}, scenario.Nodes[1].Trust)
	require.Len(t, scenario.Flow, 1)

	ev := scenario.Flow[0].Event
	require.NotNil(t, ev)
	assert.Equal(t, "circle.create", ev.Kind)
	assert.Equal(t, model.ConfigOpen, ev.Circle.Config)
	assert.Equal(t, model.EntityUser, ev.Member.UserType)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: y\nnodez: []\n",
			wantErr: "field nodez not found",
		},
		{
			name:    "missing name",
			yaml:    "description: y\nnodes: [{id: n1}]\nflow: [{settle: true}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing nodes",
			yaml:    "name: x\ndescription: y\nflow: [{settle: true}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: "nodes list is required",
		},
		{
			name:    "duplicate node",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}, {id: n1}]\nflow: [{settle: true}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: `duplicate id "n1"`,
		},
		{
			name:    "bad trust",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1, trust: {n2: best}}, {id: n2}]\nflow: [{settle: true}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: "nodes[0]",
		},
		{
			name:    "two actions",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{settle: true, down: [n1]}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: "flow[0]: exactly one action is required, got 2",
		},
		{
			name:    "unknown on",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{on: n9, sync: c1}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: `on: unknown node "n9"`,
		},
		{
			name:    "unknown kind",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{on: n1, event: {kind: circle.explode, circle: {id: c1}}}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: `unknown kind "circle.explode"`,
		},
		{
			name:    "expect on settle",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{settle: true, expect: {outcome: added}}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: "expect is only allowed",
		},
		{
			name:    "bad advance",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{advance: soon}]\nassertions: [{type: trace_count, kind: circle.create}]\n",
			wantErr: "advance:",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{settle: true}]\nassertions: [{type: eventually}]\n",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "unknown table",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{settle: true}]\nassertions: [{type: state_count, node: n1, table: events}]\n",
			wantErr: `unknown table "events"`,
		},
		{
			name:    "final state without expect",
			yaml:    "name: x\ndescription: y\nnodes: [{id: n1}]\nflow: [{settle: true}]\nassertions: [{type: final_state, node: n1, table: circles}]\n",
			wantErr: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildEvent_DecodesParams(t *testing.T) {
	ev, err := buildEvent(&EventSpec{
		Kind:      "member.level",
		Circle:    model.Circle{ID: "c1"},
		Initiator: &model.Member{SingleID: "olivia"},
		Member:    &model.Member{SingleID: "mel"},
		Params:    map[string]any{"level": "moderator"},
	})
	require.NoError(t, err)

	assert.Equal(t, event.KindMemberLevel, ev.Kind)
	params, ok := ev.Params.(*event.MemberLevelParams)
	require.True(t, ok, "params: %T", ev.Params)
	assert.Equal(t, model.LevelModerator, params.Level)
	assert.Equal(t, "mel", ev.Member.SingleID)
}
