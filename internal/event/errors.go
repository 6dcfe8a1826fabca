package event

import (
	"errors"
	"fmt"
)

// Error is a validation or desync error raised while verifying an event.
//
// Errors are reported synchronously to the original caller and are never
// retried. They also cross the wire: a remote node that rejects an event
// answers with the code and message, and the origin rebuilds the Error.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// CircleID identifies the affected circle.
	CircleID string `json:"circle_id,omitempty"`

	// SingleID identifies the affected member, when there is one.
	SingleID string `json:"single_id,omitempty"`

	// Details contains additional context.
	Details map[string]string `json:"details,omitempty"`
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	ErrCodeCircleNotFound      ErrorCode = "CIRCLE_NOT_FOUND"
	ErrCodeCircleAlreadyExists ErrorCode = "CIRCLE_ALREADY_EXISTS"
	ErrCodeMemberNotFound      ErrorCode = "MEMBER_NOT_FOUND"
	ErrCodeMemberAlreadyExists ErrorCode = "MEMBER_ALREADY_EXISTS"
	ErrCodeLevelNotAllowed     ErrorCode = "LEVEL_NOT_ALLOWED"
	ErrCodeLevelTooLow         ErrorCode = "LEVEL_TOO_LOW"
	ErrCodeCircleFull          ErrorCode = "CIRCLE_FULL"
	ErrCodeInitiatorNotFound   ErrorCode = "INITIATOR_NOT_FOUND"
	ErrCodeInvalidEvent        ErrorCode = "INVALID_EVENT"

	// ErrCodeDesync indicates the embedded snapshot disagrees with local
	// state. Callers should trigger a global sync instead of retrying.
	ErrCodeDesync ErrorCode = "DESYNC"

	ErrCodeUnknownKind ErrorCode = "UNKNOWN_KIND"

	// ErrCodeNotMaster indicates an event that only the master may
	// broadcast arrived from another node.
	ErrCodeNotMaster ErrorCode = "NOT_MASTER"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.CircleID != "" && e.SingleID != "":
		return fmt.Sprintf("%s: %s (circle=%s, member=%s)", e.Code, e.Message, e.CircleID, e.SingleID)
	case e.CircleID != "":
		return fmt.Sprintf("%s: %s (circle=%s)", e.Code, e.Message, e.CircleID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCircle returns e annotated with a circle id.
func (e *Error) WithCircle(id string) *Error {
	e.CircleID = id
	return e
}

// WithMember returns e annotated with a member single id.
func (e *Error) WithMember(singleID string) *Error {
	e.SingleID = singleID
	return e
}

// WithDetail adds one detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsDesync returns true if err is a desync error.
// Uses errors.As to handle wrapped errors.
func IsDesync(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeDesync
}

// IsNotFound returns true for circle, member and initiator lookups that
// found nothing.
func IsNotFound(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case ErrCodeCircleNotFound, ErrCodeMemberNotFound, ErrCodeInitiatorNotFound:
		return true
	}
	return false
}

// IsValidation returns true for every Error except desync errors.
// Validation errors are final for the event that raised them.
func IsValidation(err error) bool {
	code, ok := CodeOf(err)
	return ok && code != ErrCodeDesync
}
