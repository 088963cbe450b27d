package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies client errors
type ErrorCode int

const (
	CodeConnectFailed ErrorCode = 100 + iota
	CodeAuthenticationFailed
	CodeVersionMismatch
	CodeNetwork
	CodeConnectionLost
	CodeRequestCancelled
	CodeRequestTimeout
	CodeValidationFailed
	CodeConnectionClosed
	CodeSessionClosed
	CodeConsumerClosed
	CodeProducerClosed
	CodeIllegalState
	CodeInvalidDestination
	CodeServer
)

// Error is a typed client error. Errors compare equal under errors.Is
// when their codes match.
type Error struct {
	Code   ErrorCode
	Reason string
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("smqp error %d: %s: %v", e.Code, e.Reason, e.Cause)
	}
	return fmt.Sprintf("smqp error %d: %s", e.Code, e.Reason)
}

// Unwrap returns the cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of e wrapping cause
func (e *Error) WithCause(cause error) *Error {
	return &Error{Code: e.Code, Reason: e.Reason, Cause: cause}
}

// WithReason returns a copy of e with a different reason
func (e *Error) WithReason(reason string) *Error {
	return &Error{Code: e.Code, Reason: reason, Cause: e.Cause}
}

// Predefined errors
var (
	ErrConnectFailed = &Error{
		Code:   CodeConnectFailed,
		Reason: "connect failed",
	}

	ErrAuthenticationFailed = &Error{
		Code:   CodeAuthenticationFailed,
		Reason: "authentication failed",
	}

	ErrVersionMismatch = &Error{
		Code:   CodeVersionMismatch,
		Reason: "protocol version mismatch",
	}

	ErrNetwork = &Error{
		Code:   CodeNetwork,
		Reason: "network failure",
	}

	ErrConnectionLost = &Error{
		Code:   CodeConnectionLost,
		Reason: "connection lost",
	}

	ErrRequestCancelled = &Error{
		Code:   CodeRequestCancelled,
		Reason: "request cancelled",
	}

	ErrRequestTimeout = &Error{
		Code:   CodeRequestTimeout,
		Reason: "request timed out",
	}

	ErrValidationFailed = &Error{
		Code:   CodeValidationFailed,
		Reason: "request validation failed",
	}

	ErrConnectionClosed = &Error{
		Code:   CodeConnectionClosed,
		Reason: "connection closed",
	}

	ErrSessionClosed = &Error{
		Code:   CodeSessionClosed,
		Reason: "session closed",
	}

	ErrConsumerClosed = &Error{
		Code:   CodeConsumerClosed,
		Reason: "consumer closed",
	}

	ErrProducerClosed = &Error{
		Code:   CodeProducerClosed,
		Reason: "producer closed",
	}

	ErrIllegalState = &Error{
		Code:   CodeIllegalState,
		Reason: "illegal state",
	}

	ErrInvalidDestination = &Error{
		Code:   CodeInvalidDestination,
		Reason: "invalid destination",
	}

	ErrServer = &Error{
		Code:   CodeServer,
		Reason: "broker exception",
	}
)
