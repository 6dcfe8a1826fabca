package harness

import (
	"fmt"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			answer := ev.Outcome
			if ev.Error != "" {
				answer = "error " + ev.Error
			}
			fmt.Fprintf(&buf, "  [%d] %s %s on %s: %s\n", i+1, ev.Kind, ev.Circle, ev.Node, answer)
		}
	}

	return buf.String()
}

// traceMatches reports whether ev is an operation of kind, optionally on
// circle.
func traceMatches(ev TraceEvent, kind, circle string) bool {
	return ev.Kind == kind && (circle == "" || ev.Circle == circle)
}

// assertTraceContains checks if the trace contains an operation of the
// given kind, on the given circle when one is named.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, ev := range trace {
		if traceMatches(ev, assertion.Kind, assertion.Circle) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s on circle %q", assertion.Kind, assertion.Circle),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if kinds appear in the specified order.
// They don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		for _, kind := range assertion.Kinds {
			if traceMatches(ev, kind, assertion.Circle) && positions[kind] == 0 {
				positions[kind] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, kind := range assertion.Kinds {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all kinds present: %v", assertion.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", kind),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Kinds); i++ {
		prev := assertion.Kinds[i-1]
		curr := assertion.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("kinds in order: %v", assertion.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the kind appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if traceMatches(ev, assertion.Kind, assertion.Circle) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// matchingRows returns the rows of a node table that match where.
func matchingRows(state map[string]NodeState, assertion Assertion) []Row {
	var out []Row
	for _, row := range state[assertion.Node][assertion.Table] {
		if matchRow(row, assertion.Where) {
			out = append(out, row)
		}
	}
	return out
}

// assertFinalState checks that exactly one row matches where and that it
// holds the expected values (subset semantics).
func assertFinalState(state map[string]NodeState, assertion Assertion) error {
	rows := matchingRows(state, assertion)
	where := formatWhere(assertion.Where)

	if len(rows) != 1 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("one row in %s on %s where %s", assertion.Table, assertion.Node, where),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}

	row := rows[0]
	for _, key := range sortedKeys(assertion.Expect) {
		want := assertion.Expect[key]
		got, ok := row[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %s in %s", key, assertion.Table),
				Actual:   "column not found",
			}
		}
		if !valuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s=%v in %s on %s where %s", key, want, assertion.Table, assertion.Node, where),
				Actual:   fmt.Sprintf("%s=%v", key, got),
			}
		}
	}
	return nil
}

// assertStateCount checks the number of rows matching where.
func assertStateCount(state map[string]NodeState, assertion Assertion) error {
	rows := matchingRows(state, assertion)
	if len(rows) != assertion.Count {
		return &AssertionError{
			Type: AssertStateCount,
			Expected: fmt.Sprintf("%d rows in %s on %s where %s",
				assertion.Count, assertion.Table, assertion.Node, formatWhere(assertion.Where)),
			Actual: fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

// formatWhere renders a where map with sorted keys.
func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(all rows)"
	}
	keys := sortedKeys(where)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, where[k])
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EvaluateAssertions runs all assertions against a result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result.State, assertion)
		case AssertStateCount:
			err = assertStateCount(result.State, assertion)
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
