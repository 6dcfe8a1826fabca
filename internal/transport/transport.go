package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/wire"
)

// Endpoint paths.
const (
	PathEvent   = "/federation/v1/event"
	PathForward = "/federation/v1/forward"
	PathResult  = "/federation/v1/result"
)

// Request headers.
const (
	HeaderNode      = "X-Circles-Node"
	HeaderSignature = "X-Circles-Signature"
)

// Reply is the answer of a node to an event.
//
// Accepted is set when the node took an async event for background
// processing; Result is empty then and arrives later as a ResultReport.
type Reply struct {
	Accepted bool     `json:"accepted,omitempty"`
	Result   wire.Bag `json:"result,omitempty"`
}

// ResultReport carries the outcome of an async event from the node that
// processed it back to the node that sent it.
type ResultReport struct {
	Token  string   `json:"token"`
	Node   string   `json:"node"`
	Result wire.Bag `json:"result,omitempty"`
}

// Sender delivers envelopes and results to other nodes.
type Sender interface {
	// Send delivers an event from the master to a relevant node.
	Send(ctx context.Context, node remote.Node, ev event.FederatedEvent) (Reply, error)

	// Forward hands an event initiated here to the master of its circle.
	Forward(ctx context.Context, node remote.Node, ev event.FederatedEvent) (Reply, error)

	// DeliverResult reports the outcome of an async event.
	DeliverResult(ctx context.Context, node remote.Node, report ResultReport) error
}

// Receiver processes inbound traffic. Rejections must be encoded in the
// reply result; a returned error means the node failed to process the
// request at all.
type Receiver interface {
	Receive(ctx context.Context, ev event.FederatedEvent) (Reply, error)
	ReceiveForward(ctx context.Context, ev event.FederatedEvent) (Reply, error)
	ReceiveResult(ctx context.Context, report ResultReport) error
}

// Transport error codes.
const (
	CodeUnreachable       = "UNREACHABLE"
	CodeNoAddress         = "NO_ADDRESS"
	CodeUnknownNode       = "UNKNOWN_NODE"
	CodeUntrusted         = "UNTRUSTED"
	CodeBadSignature      = "BAD_SIGNATURE"
	CodeSignatureRequired = "SIGNATURE_REQUIRED"
	CodeBadRequest        = "BAD_REQUEST"
	CodeMalformed         = "MALFORMED_RESPONSE"
	CodeInternal          = "INTERNAL"
	CodeInjected          = "INJECTED_FAILURE"
)

// Error is a failed delivery to Node. Status is the HTTP status, 0 when no
// response was received.
type Error struct {
	Node    string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: %s (status %d): %s", e.Node, e.Code, e.Status, msg)
	}
	return fmt.Sprintf("transport %s: %s: %s", e.Node, e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport returns true if err is a transport error.
// Uses errors.As to handle wrapped errors.
func IsTransport(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// errorBody is the JSON body of a non-2xx response.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
