// Package protocol holds the wire constants shared by the stream client and
// the reference gateway: routes, text commands and close codes.
package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// Text frames exchanged alongside the binary event stream.
const (
	MsgAck  = "ACK"
	MsgPing = "ping"
	MsgPong = "pong"

	// ErrorPrefix starts every server-sent error text frame.
	ErrorPrefix = "ERROR: "
)

// Close codes consumed by the client.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseServerError    = 1011
	CloseUnauthorized   = 4001
	CloseForbidden      = 4003
	CloseTokenExpired   = 4011
	DefaultAckThreshold = 200
	// DefaultPauseThreshold is the unACKed frame count at which the gateway
	// stops publishing to a connection.
	DefaultPauseThreshold = 500
)

// Route patterns as registered by the gateway.
const (
	LiveRoute    = "/ws/jobs/{jobId}/stream"
	DelayedRoute = "/ws/delay/{streamId}"
)

// IsAuthClose reports whether code signals an authentication or tenant
// isolation failure. These are never retried.
func IsAuthClose(code int) bool {
	switch code {
	case CloseUnauthorized, CloseForbidden, CloseTokenExpired:
		return true
	}
	return false
}

// IsRetryableClose reports whether a close with code should trigger a
// reconnect. Anything other than a normal or auth close is retryable.
func IsRetryableClose(code int) bool {
	return code != CloseNormal && !IsAuthClose(code)
}

// CloseText returns a short description of a close code for logs.
func CloseText(code int) string {
	switch code {
	case CloseNormal:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case CloseServerError:
		return "server error"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseForbidden:
		return "forbidden"
	case CloseTokenExpired:
		return "token expired"
	default:
		return fmt.Sprintf("close %d", code)
	}
}

// ErrorFrame formats a server error text frame.
func ErrorFrame(msg string) string {
	return ErrorPrefix + msg
}

// ParseErrorFrame returns the message of a server error text frame.
func ParseErrorFrame(text string) (string, bool) {
	if !strings.HasPrefix(text, ErrorPrefix) {
		return "", false
	}
	return strings.TrimPrefix(text, ErrorPrefix), true
}

// LivePath builds the live stream path for jobID.
func LivePath(jobID string) string {
	return "/ws/jobs/" + url.PathEscape(jobID) + "/stream"
}

// DelayedPath builds the delayed stream path for streamID.
func DelayedPath(streamID string) string {
	return "/ws/delay/" + url.PathEscape(streamID)
}
