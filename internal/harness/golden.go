package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/circles/internal/wire"
)

// Snapshot captures the trace and final state of a scenario execution.
type Snapshot struct {
	ScenarioName string               `json:"scenario_name"`
	Trace        []TraceEvent         `json:"trace"`
	State        map[string]NodeState `json:"state"`
}

// MarshalSnapshot renders the snapshot of result as canonical JSON, the
// format golden files are stored in.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	return wire.CanonicalJSON(Snapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
