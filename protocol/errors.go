package protocol

import (
	"errors"
	"fmt"
)

// Code is a stable wire error code.
type Code string

const (
	CodeUnauthenticated  Code = "Unauthenticated"
	CodeNoSuchSession    Code = "NoSuchSession"
	CodeNotAMember       Code = "NotAMember"
	CodeSessionNotActive Code = "SessionNotActive"
	CodeSequenceGap      Code = "SequenceGap"
	CodeBackpressure     Code = "Backpressure"
	CodeProtocolError    Code = "ProtocolError"
	CodeInternal         Code = "Internal"
)

// Error is the error object carried in a response frame. It doubles as the
// Go error type the relay returns from request handling, so the mapping from
// internal conditions to wire codes happens where the error is created.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code, so errors.Is(err, ErrNotAMember) works for any
// message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated, Message: "connection is not registered"}
	ErrNoSuchSession    = &Error{Code: CodeNoSuchSession, Message: "session does not exist"}
	ErrNotAMember       = &Error{Code: CodeNotAMember, Message: "party is not a member of the session"}
	ErrSessionNotActive = &Error{Code: CodeSessionNotActive, Message: "session is not active"}
	ErrSequenceGap      = &Error{Code: CodeSequenceGap, Message: "sequence number outside the reorder window"}
	ErrBackpressure     = &Error{Code: CodeBackpressure, Message: "send queue is full"}
	ErrProtocol         = &Error{Code: CodeProtocolError, Message: "malformed frame"}
	ErrInternal         = &Error{Code: CodeInternal, Message: "internal error"}
)

// AsError maps any error onto a wire error. Errors that are not *Error are
// reported as Internal without leaking their text.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return ErrInternal
}
