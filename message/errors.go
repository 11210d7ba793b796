package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error class. Codes travel on the wire so that a caller
// on the far side of a router sees the same class the bridge produced.
type Code string

const (
	CodeInvalidName       Code = "invalid_name"
	CodeDecode            Code = "decode_error"
	CodeTimeout           Code = "timeout"
	CodeDuplicateGoal     Code = "duplicate_goal"
	CodeUnknownGoal       Code = "unknown_goal"
	CodeInvalidGoalState  Code = "invalid_goal_state"
	CodeTransport         Code = "transport_error"
	CodeShuttingDown      Code = "shutting_down"
	CodeProtocol          Code = "protocol_error"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeInternal          Code = "internal"
)

// Error is a classified bridge error. Two Errors match under errors.Is when
// their codes are equal, so an error rebuilt from the wire still matches the
// sentinels below.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidName       = &Error{Code: CodeInvalidName}
	ErrDecode            = &Error{Code: CodeDecode}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrDuplicateGoal     = &Error{Code: CodeDuplicateGoal}
	ErrUnknownGoal       = &Error{Code: CodeUnknownGoal}
	ErrInvalidGoalState  = &Error{Code: CodeInvalidGoalState}
	ErrTransport         = &Error{Code: CodeTransport}
	ErrShuttingDown      = &Error{Code: CodeShuttingDown}
	ErrProtocol          = &Error{Code: CodeProtocol}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted}
)

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for unclassified errors. Context errors are classified as
// timeouts.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeInternal
}

// FromWire rebuilds an error from a code and the text produced by Error().
func FromWire(code Code, text string) error {
	msg := strings.TrimPrefix(text, string(code))
	msg = strings.TrimPrefix(msg, ": ")
	return &Error{Code: code, Message: msg}
}

// FromContext converts a context error into ErrTimeout. Other errors are
// returned unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
