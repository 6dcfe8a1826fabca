package remote

import (
	"sort"
	"sync"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
)

// Node is one federation participant.
type Node struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Trust  Trust  `json:"trust"`
	Secret string `json:"-"`
}

// Registry holds the local node and the known remote nodes.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	local Node
	nodes map[string]Node
}

// NewRegistry creates a registry for local with the given remotes.
// The local node is always fully trusted.
func NewRegistry(local Node, remotes ...Node) *Registry {
	local.Trust = TrustGlobalScale
	r := &Registry{
		local: local,
		nodes: make(map[string]Node, len(remotes)),
	}
	for _, n := range remotes {
		r.nodes[n.ID] = n
	}
	return r
}

// LocalID returns the id of this node.
func (r *Registry) LocalID() string {
	return r.local.ID
}

// Local returns the local node record.
func (r *Registry) Local() Node {
	return r.local
}

// Get returns the node with id. The local node is found too.
func (r *Registry) Get(id string) (Node, bool) {
	if id == r.local.ID {
		return r.local, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// TrustOf returns the trust of id. Unknown nodes are untrusted.
func (r *Registry) TrustOf(id string) Trust {
	n, ok := r.Get(id)
	if !ok {
		return TrustUntrusted
	}
	return n.Trust
}

// List returns the remote nodes sorted by id.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RelevantNodes returns the distinct nodes of the direct members of a
// circle, sorted. Members without a node contribute the local node.
// The circle's master is always included.
func (r *Registry) RelevantNodes(circle model.Circle, members []model.Member) []string {
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" {
			id = r.local.ID
		}
		seen[id] = true
	}
	add(circle.Instance)
	for _, m := range members {
		add(m.Instance)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Targets filters nodes down to the ones an event may be sent to: the local
// node and exclude are dropped, unknown and untrusted nodes are returned in
// skipped.
func (r *Registry) Targets(nodes []string, exclude ...string) (targets, skipped []string) {
	drop := map[string]bool{r.local.ID: true}
	for _, id := range exclude {
		drop[id] = true
	}
	for _, id := range nodes {
		if drop[id] {
			continue
		}
		if r.TrustOf(id) == TrustUntrusted {
			skipped = append(skipped, id)
			continue
		}
		targets = append(targets, id)
	}
	return targets, skipped
}

// Redact returns the copy of ev that a node with trust may receive.
// ok is false when nothing may be sent.
func Redact(ev event.FederatedEvent, trust Trust) (event.FederatedEvent, bool) {
	switch {
	case trust <= TrustUntrusted:
		return event.FederatedEvent{}, false
	case trust >= TrustTrusted:
		return ev, true
	}

	out := ev.Clone()
	out.Circle.Settings = nil
	if trust == TrustPassive {
		out.Circle.Description = ""
		out.Members = nil
	}
	return out, true
}
