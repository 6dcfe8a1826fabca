package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/remote"
)

// Network connects in-process nodes. Envelopes are exported and imported
// on every hop, so they cross the same codec as over HTTP.
//
// Thread-safety: Network is safe for concurrent use.
type Network struct {
	mu     sync.Mutex
	nodes  map[string]Receiver
	fails  map[string]int
	down   map[string]bool
	counts map[string]int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:  make(map[string]Receiver),
		fails:  make(map[string]int),
		down:   make(map[string]bool),
		counts: make(map[string]int),
	}
}

// Attach registers the receiver of node id.
func (n *Network) Attach(id string, r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = r
}

// FailNext makes the next count deliveries to node fail.
func (n *Network) FailNext(node string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fails[node] += count
}

// SetDown makes every delivery to node fail until it is brought back up.
func (n *Network) SetDown(node string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[node] = down
}

// Deliveries returns how many requests reached node, failed ones included.
func (n *Network) Deliveries(node string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[node]
}

// Endpoint returns the Sender used by node local.
func (n *Network) Endpoint(local string) *Endpoint {
	return &Endpoint{net: n, local: local}
}

func (n *Network) route(node string) (Receiver, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[node]++
	if n.down[node] {
		return nil, &Error{Node: node, Code: CodeUnreachable, Message: "node is down"}
	}
	if n.fails[node] > 0 {
		n.fails[node]--
		return nil, &Error{Node: node, Status: http.StatusServiceUnavailable, Code: CodeInjected, Message: "injected failure"}
	}
	r, ok := n.nodes[node]
	if !ok {
		return nil, &Error{Node: node, Code: CodeUnreachable, Message: "no such node"}
	}
	return r, nil
}

// Endpoint is the view of the network from one node.
type Endpoint struct {
	net   *Network
	local string
}

var _ Sender = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, node remote.Node, ev event.FederatedEvent) (Reply, error) {
	recv, copied, err := e.hop(node, ev)
	if err != nil {
		return Reply{}, err
	}
	return e.reply(node, func() (Reply, error) { return recv.Receive(ctx, copied) })
}

func (e *Endpoint) Forward(ctx context.Context, node remote.Node, ev event.FederatedEvent) (Reply, error) {
	recv, copied, err := e.hop(node, ev)
	if err != nil {
		return Reply{}, err
	}
	return e.reply(node, func() (Reply, error) { return recv.ReceiveForward(ctx, copied) })
}

func (e *Endpoint) DeliverResult(ctx context.Context, node remote.Node, report ResultReport) error {
	recv, err := e.net.route(node.ID)
	if err != nil {
		return err
	}
	if report.Node != e.local {
		return &Error{Node: node.ID, Status: http.StatusBadRequest, Code: CodeBadRequest, Message: "result report does not match sender"}
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode result report: %w", err)
	}
	var copied ResultReport
	if err := json.Unmarshal(data, &copied); err != nil {
		return &Error{Node: node.ID, Status: http.StatusBadRequest, Code: CodeBadRequest, Err: err}
	}
	if err := recv.ReceiveResult(ctx, copied); err != nil {
		return &Error{Node: node.ID, Status: http.StatusInternalServerError, Code: CodeInternal, Err: err}
	}
	return nil
}

func (e *Endpoint) hop(node remote.Node, ev event.FederatedEvent) (Receiver, event.FederatedEvent, error) {
	recv, err := e.net.route(node.ID)
	if err != nil {
		return nil, event.FederatedEvent{}, err
	}
	data, err := event.Export(ev)
	if err != nil {
		return nil, event.FederatedEvent{}, fmt.Errorf("encode envelope: %w", err)
	}
	copied, err := event.Import(data)
	if err != nil {
		return nil, event.FederatedEvent{}, &Error{Node: node.ID, Status: http.StatusBadRequest, Code: CodeBadRequest, Err: err}
	}
	if copied.Source != e.local {
		return nil, event.FederatedEvent{}, &Error{Node: node.ID, Status: http.StatusBadRequest, Code: CodeBadRequest,
			Message: "envelope source does not match sender"}
	}
	return recv, copied, nil
}

func (e *Endpoint) reply(node remote.Node, receive func() (Reply, error)) (Reply, error) {
	reply, err := receive()
	if err != nil {
		return Reply{}, &Error{Node: node.ID, Status: http.StatusInternalServerError, Code: CodeInternal, Err: err}
	}
	// Results cross the wire too.
	data, err := json.Marshal(reply)
	if err != nil {
		return Reply{}, &Error{Node: node.ID, Code: CodeMalformed, Err: err}
	}
	var out Reply
	if err := json.Unmarshal(data, &out); err != nil {
		return Reply{}, &Error{Node: node.ID, Code: CodeMalformed, Err: err}
	}
	return out, nil
}
