package harness

import (
	"context"
	"fmt"

	"github.com/roach88/circles/internal/store"
)

// snapshot reads the final state tables of n. Ids generated by the node
// are left out; rows are keyed by the names a scenario author wrote.
func (n *node) snapshot(ctx context.Context) (NodeState, error) {
	state := NodeState{
		TableCircles:       []Row{},
		TableMembers:       []Row{},
		TableWrappers:      []Row{},
		TableShares:        []Row{},
		TableNotifications: []Row{},
	}

	circles, err := n.store.ListCircles(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range circles {
		state[TableCircles] = append(state[TableCircles], Row{
			"id":       c.ID,
			"name":     c.Name,
			"instance": c.Instance,
			"owner":    c.Owner,
			"config":   int64(c.Config),
		})

		members, err := n.store.ListMembers(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			state[TableMembers] = append(state[TableMembers], Row{
				"circle":    c.ID,
				"single_id": m.SingleID,
				"instance":  m.Instance,
				"level":     m.Level.String(),
				"status":    string(m.Status),
			})
		}

		shares, err := n.store.ListShares(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, sh := range shares {
			state[TableShares] = append(state[TableShares], Row{
				"circle":  c.ID,
				"name":    sh.Name,
				"origin":  sh.Origin,
				"mounted": sh.Mounted,
			})
		}
	}

	wrappers, err := n.store.ListWrappers(ctx, store.WrapperFilter{})
	if err != nil {
		return nil, err
	}
	for _, w := range wrappers {
		state[TableWrappers] = append(state[TableWrappers], Row{
			"kind":   string(w.Event.Kind),
			"circle": w.Event.Circle.ID,
			"node":   w.Node,
			"status": w.Status.String(),
			"retry":  int64(w.Retry),
		})
	}

	for _, line := range n.notifier.Sent() {
		state[TableNotifications] = append(state[TableNotifications], Row{"line": line})
	}
	return state, nil
}

// matchRow reports whether every key of want equals the row's value.
// Values are compared by their printed form, so YAML integers match
// int64 columns and level names match.
func matchRow(row Row, want map[string]any) bool {
	for k, v := range want {
		got, ok := row[k]
		if !ok || !valuesEqual(v, got) {
			return false
		}
	}
	return true
}

func valuesEqual(expected, actual any) bool {
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}
