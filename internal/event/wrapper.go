package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/circles/internal/wire"
)

// WrapperStatus is the delivery status of one outcome wrapper.
type WrapperStatus int

const (
	StatusInit   WrapperStatus = 0
	StatusFailed WrapperStatus = 1
	StatusDone   WrapperStatus = 8
	StatusOver   WrapperStatus = 9
)

func (s WrapperStatus) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusFailed:
		return "FAILED"
	case StatusDone:
		return "DONE"
	case StatusOver:
		return "OVER"
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Terminal reports whether the wrapper will not be delivered again.
func (s WrapperStatus) Terminal() bool {
	return s == StatusDone || s == StatusOver
}

// ParseWrapperStatus parses the names printed by String.
func ParseWrapperStatus(s string) (WrapperStatus, error) {
	for _, st := range []WrapperStatus{StatusInit, StatusFailed, StatusDone, StatusOver} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown wrapper status %q", s)
}

// Wrapper tracks the delivery of one event to one target node.
//
// Status moves INIT -> FAILED* -> DONE or OVER. A wrapper is never changed
// once OVER, and its Result is never changed once DONE.
type Wrapper struct {
	Token    string         `json:"token"`
	Node     string         `json:"node"`
	Event    FederatedEvent `json:"event"`
	Result   wire.Bag       `json:"result,omitempty"`
	Severity Severity       `json:"severity"`
	Retry    int            `json:"retry"`
	Status   WrapperStatus  `json:"status"`

	// LastError is the transport error of the last failed attempt.
	LastError string `json:"last_error,omitempty"`

	// Pending is set while an async delivery waits for its result callback.
	Pending bool `json:"pending,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	RetryAfter time.Time `json:"retry_after"`
}

// Due reports whether the retry job should attempt the wrapper at now.
func (w Wrapper) Due(now time.Time) bool {
	if w.Status.Terminal() || w.Pending {
		return false
	}
	return !now.Before(w.RetryAfter)
}

// Outcome is the result one node reported for an event.
type Outcome struct {
	Node   string   `json:"node"`
	Result wire.Bag `json:"result,omitempty"`
}

// Rejected returns the error the node answered with, if any.
func (o Outcome) Rejected() *Error {
	code, err := o.Result.StringOr(ResultErrorCode, "")
	if err != nil || code == "" {
		return nil
	}
	msg, _ := o.Result.StringOr(ResultErrorMessage, "")
	return &Error{Code: ErrorCode(code), Message: msg}
}

// RejectionResult encodes err as a result bag. Errors that are not *Error
// are reported as INVALID_EVENT.
func RejectionResult(err error) wire.Bag {
	code, msg := ErrCodeInvalidEvent, err.Error()
	var e *Error
	if errors.As(err, &e) {
		code, msg = e.Code, e.Message
	}
	return wire.Bag{
		ResultErrorCode:    wire.String(string(code)),
		ResultErrorMessage: wire.String(msg),
	}
}
