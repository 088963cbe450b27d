package smqp

import (
	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// Error is a typed client error. Two errors match under errors.Is when
// their codes are equal, so callers can test against the Err values below.
type Error = protocol.Error

// ErrorCode classifies errors
type ErrorCode = protocol.ErrorCode

// Error codes
const (
	CodeConnectFailed        = protocol.CodeConnectFailed
	CodeAuthenticationFailed = protocol.CodeAuthenticationFailed
	CodeVersionMismatch      = protocol.CodeVersionMismatch
	CodeNetwork              = protocol.CodeNetwork
	CodeConnectionLost       = protocol.CodeConnectionLost
	CodeRequestCancelled     = protocol.CodeRequestCancelled
	CodeRequestTimeout       = protocol.CodeRequestTimeout
	CodeValidationFailed     = protocol.CodeValidationFailed
	CodeConnectionClosed     = protocol.CodeConnectionClosed
	CodeSessionClosed        = protocol.CodeSessionClosed
	CodeConsumerClosed       = protocol.CodeConsumerClosed
	CodeProducerClosed       = protocol.CodeProducerClosed
	CodeIllegalState         = protocol.CodeIllegalState
	CodeInvalidDestination   = protocol.CodeInvalidDestination
	CodeServer               = protocol.CodeServer
)

// Predefined errors
var (
	ErrConnectFailed        = protocol.ErrConnectFailed
	ErrAuthenticationFailed = protocol.ErrAuthenticationFailed
	ErrVersionMismatch      = protocol.ErrVersionMismatch
	ErrNetwork              = protocol.ErrNetwork
	ErrConnectionLost       = protocol.ErrConnectionLost
	ErrRequestCancelled     = protocol.ErrRequestCancelled
	ErrRequestTimeout       = protocol.ErrRequestTimeout
	ErrValidationFailed     = protocol.ErrValidationFailed
	ErrConnectionClosed     = protocol.ErrConnectionClosed
	ErrSessionClosed        = protocol.ErrSessionClosed
	ErrConsumerClosed       = protocol.ErrConsumerClosed
	ErrProducerClosed       = protocol.ErrProducerClosed
	ErrIllegalState         = protocol.ErrIllegalState
	ErrInvalidDestination   = protocol.ErrInvalidDestination
	ErrServer               = protocol.ErrServer
)

// ErrorHandler receives failures that have no caller to return to
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleSessionError(s *Session, err error)
	HandleDeliveryError(s *Session, consumer string, err error)
}

// DefaultErrorHandler logs errors
type DefaultErrorHandler struct {
	Logger zerolog.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.Logger.Error().Err(err).Str("client_id", conn.ClientID()).Msg("connection error")
}

// HandleSessionError logs session errors
func (deh *DefaultErrorHandler) HandleSessionError(s *Session, err error) {
	deh.Logger.Error().Err(err).Int32("session", s.myDispatchID).Msg("session error")
}

// HandleDeliveryError logs delivery errors
func (deh *DefaultErrorHandler) HandleDeliveryError(s *Session, consumer string, err error) {
	deh.Logger.Error().Err(err).Int32("session", s.myDispatchID).Str("consumer", consumer).Msg("delivery error")
}
