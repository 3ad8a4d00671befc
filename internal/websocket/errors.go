package websocket

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed means the connection or channel closed before the operation finished.
	ErrClosed = errors.New("websocket: channel closed")
	// ErrTimeout means the handshake did not finish within the handshake timeout.
	ErrTimeout = errors.New("websocket: handshake timed out")
	// ErrCancelled means the caller's context ended before the handshake finished.
	ErrCancelled = errors.New("websocket: handshake cancelled")
	// ErrUnsupported means the remote did not advertise SETTINGS_ENABLE_CONNECT_PROTOCOL.
	ErrUnsupported = errors.New("websocket: unsupported bootstrap")
	// ErrUnexpectedResult means the server answered 200 and closed the stream at once.
	ErrUnexpectedResult = errors.New("websocket: unexpected result")
	// ErrSubprotocolMismatch means the server did not echo the requested subprotocol.
	ErrSubprotocolMismatch = errors.New("websocket: subprotocol mismatch")
	// ErrBadRequest is a 400 answer, usually an unsupported version.
	ErrBadRequest = errors.New("websocket: bad request")
	// ErrNotFound is a 404 answer: no handler for the path and subprotocol.
	ErrNotFound = errors.New("websocket: not found")
	// ErrRejected is any other non-200 answer.
	ErrRejected = errors.New("websocket: rejected")
	// ErrReset means the peer reset the stream.
	ErrReset = errors.New("websocket: stream reset")
	// ErrExtension means the compression extension negotiation failed.
	ErrExtension = errors.New("websocket: extension negotiation failed")
)

// HandshakeError describes a failed handshake. It unwraps to one of the
// package sentinels.
type HandshakeError struct {
	Status      int
	Path        string
	Subprotocol string
	Reason      string
	Err         error
}

func (e *HandshakeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("websocket handshake failed with status %d: %s", e.Status, e.Reason)
	}
	return "websocket handshake failed: " + e.Reason
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
