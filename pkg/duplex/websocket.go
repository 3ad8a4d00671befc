package duplex

import "github.com/albertbausili/duplex/internal/websocket"

// WebSocket types, shared by Server and Client.
type (
	WebSocketConn        = websocket.Conn
	WebSocketHandler     = websocket.Handler
	WebSocketHandlerFunc = websocket.HandlerFunc
	HandshakeError       = websocket.HandshakeError
)

// Handshake failures, matched with errors.Is.
var (
	ErrWebSocketUnsupported = websocket.ErrUnsupported
	ErrHandshakeTimeout     = websocket.ErrTimeout
	ErrHandshakeCancelled   = websocket.ErrCancelled
	ErrSubprotocolMismatch  = websocket.ErrSubprotocolMismatch
	ErrWebSocketNotFound    = websocket.ErrNotFound
	ErrWebSocketRejected    = websocket.ErrRejected
	ErrWebSocketClosed      = websocket.ErrClosed
)
