package ws

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("websocket: not connected")
	ErrConnectionClosed = errors.New("websocket: connection closed")
	ErrReceiveTimeout   = errors.New("websocket: receive timeout")
)

// HandshakeError reports a failed HTTP upgrade. Reason distinguishes the
// deviation (bad status, missing headers, accept-key mismatch, timeout).
type HandshakeError struct {
	Reason string
	cause  error
}

func (e *HandshakeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("websocket handshake: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("websocket handshake: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.cause }

// DialError reports a failure before the upgrade ever started: DNS
// resolution, TCP connect, or TLS negotiation.
type DialError struct {
	Stage string // "dns", "tcp", "tls"
	cause error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("websocket dial (%s): %v", e.Stage, e.cause)
}

func (e *DialError) Unwrap() error { return e.cause }

// ProtocolError reports a malformed frame from the peer.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "websocket protocol: " + e.Detail
}
