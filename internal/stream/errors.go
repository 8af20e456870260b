package stream

import (
	"errors"
	"fmt"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

// ErrClientClosed is returned by Run and Connect after Close.
var ErrClientClosed = errors.New("stream client closed")

// AuthError reports an authentication or tenant isolation failure. It is
// fatal: retrying with the same credential cannot succeed.
type AuthError struct {
	// Code is the close code, or 0 when the handshake itself was rejected.
	Code   int
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("stream auth rejected: http %d", e.Status)
	}
	if e.Reason != "" {
		return fmt.Sprintf("stream auth failed: %s (%d): %s", protocol.CloseText(e.Code), e.Code, e.Reason)
	}
	return fmt.Sprintf("stream auth failed: %s (%d)", protocol.CloseText(e.Code), e.Code)
}

// TransientError is a recoverable connection failure: unexpected close,
// liveness timeout or network error. Run retries these with backoff.
type TransientError struct {
	Code   int // close code when the server closed the socket
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	msg := "stream connection lost: " + e.Reason
	if e.Code != 0 {
		msg += fmt.Sprintf(" (close %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolViolationError describes server behaviour outside the wire
// contract. The client logs it and keeps going.
type ProtocolViolationError struct {
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Detail
}

// ServerError carries the message of an "ERROR: " text frame.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
