package websocket

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// DefaultMaxMessageSize bounds one reassembled message.
const DefaultMaxMessageSize = 16 << 20

// Conn reads and writes WebSocket messages over a Channel. Reads must come
// from one goroutine; writes may come from several.
type Conn struct {
	ch     *Channel
	state  ws.State
	logger *zap.Logger

	maxMessageSize int64

	wmu       sync.Mutex
	closeOnce sync.Once
	closeSent bool
}

// NewConn wraps ch. client selects masking of outbound frames.
func NewConn(ch *Channel, client bool, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	state := ws.StateServerSide
	if client {
		state = ws.StateClientSide
	}
	if ch.compressed {
		state = state.Set(ws.StateExtended)
	}
	return &Conn{
		ch:             ch,
		state:          state,
		logger:         logger,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// Subprotocol returns the negotiated subprotocol.
func (c *Conn) Subprotocol() string { return c.ch.subprotocol }

// Compressed reports whether messages are deflated on the wire.
func (c *Conn) Compressed() bool { return c.ch.compressed }

// StreamID returns the HTTP/2 stream id, or zero over HTTP/1.1.
func (c *Conn) StreamID() uint32 { return c.ch.streamID }

// SetMaxMessageSize bounds reassembled inbound messages.
func (c *Conn) SetMaxMessageSize(n int64) { c.maxMessageSize = n }

// ReadMessage returns the next text or binary message. Pings are answered and
// pongs dropped. When the peer closes, the close is echoed and the returned
// error is a wsutil.ClosedError.
func (c *Conn) ReadMessage() (ws.OpCode, []byte, error) {
	var (
		op         ws.OpCode
		payload    []byte
		compressed bool
		state      = c.state
	)
	for {
		h, err := ws.ReadHeader(c.ch)
		if err != nil {
			return 0, nil, err
		}
		if err := ws.CheckHeader(h, state); err != nil {
			c.fail(ws.StatusProtocolError, err.Error())
			return 0, nil, err
		}
		if h.Length > c.maxMessageSize || int64(len(payload))+h.Length > c.maxMessageSize {
			c.fail(ws.StatusMessageTooBig, "message too big")
			return 0, nil, fmt.Errorf("websocket: message exceeds %d bytes", c.maxMessageSize)
		}

		body := make([]byte, h.Length)
		if _, err := io.ReadFull(c.ch, body); err != nil {
			return 0, nil, err
		}
		if h.Masked {
			ws.Cipher(body, h.Mask, 0)
		}

		if h.OpCode.IsControl() {
			if err := c.control(h.OpCode, body); err != nil {
				return 0, nil, err
			}
			continue
		}

		if h.OpCode != ws.OpContinuation {
			op = h.OpCode
			compressed = h.Rsv1()
		} else if h.Rsv1() {
			c.fail(ws.StatusProtocolError, "compression bit on continuation")
			return 0, nil, wsflate.ErrUnexpectedCompressionBit
		}
		payload = append(payload, body...)

		if !h.Fin {
			state = state.Set(ws.StateFragmented)
			continue
		}
		if compressed {
			if payload, err = wsflate.DefaultHelper.Decompress(payload); err != nil {
				c.fail(ws.StatusInvalidFramePayloadData, "inflate failed")
				return 0, nil, err
			}
		}
		return op, payload, nil
	}
}

func (c *Conn) control(op ws.OpCode, body []byte) error {
	switch op {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(body))
	case ws.OpPong:
		return nil
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(body)
		if len(body) == 0 {
			code = ws.StatusNoStatusRcvd
		}
		reply := ws.StatusNormalClosure
		if err := ws.CheckCloseFrameData(code, reason); err != nil && len(body) != 0 {
			reply = ws.StatusProtocolError
		}
		c.sendClose(reply, "")
		_ = c.ch.Close()
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// WriteMessage sends p as one message with op, compressing it when
// permessage-deflate was negotiated.
func (c *Conn) WriteMessage(op ws.OpCode, p []byte) error {
	if !op.IsData() {
		return c.writeFrame(ws.NewFrame(op, true, p))
	}
	f := ws.NewFrame(op, true, p)
	if c.ch.compressed {
		var err error
		if f, err = wsflate.CompressFrame(f); err != nil {
			return err
		}
	}
	return c.writeFrame(f)
}

// WriteText sends a text message.
func (c *Conn) WriteText(s string) error {
	return c.WriteMessage(ws.OpText, []byte(s))
}

// Ping sends a ping with payload p.
func (c *Conn) Ping(p []byte) error {
	return c.writeFrame(ws.NewPingFrame(p))
}

func (c *Conn) writeFrame(f ws.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeSent {
		return ErrClosed
	}
	if f.Header.OpCode == ws.OpClose {
		c.closeSent = true
	}
	return c.writeLocked(f)
}

func (c *Conn) writeLocked(f ws.Frame) error {
	if c.state.ClientSide() {
		// The payload may belong to the caller; mask a copy.
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		f.Payload = payload
		f = ws.MaskFrameInPlace(f)
	}
	b, err := ws.CompileFrame(f)
	if err != nil {
		return err
	}
	_, err = c.ch.Write(b)
	return err
}

// Close sends a close frame with code and reason, then releases the channel.
func (c *Conn) Close(code ws.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.sendClose(code, reason)
		err = c.ch.Close()
	})
	return err
}

func (c *Conn) sendClose(code ws.StatusCode, reason string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeSent {
		return
	}
	c.closeSent = true
	if err := c.writeLocked(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Debug("close frame not sent", zap.Error(err))
	}
}

func (c *Conn) fail(code ws.StatusCode, reason string) {
	c.logger.Debug("failing websocket", zap.Uint16("code", uint16(code)), zap.String("reason", reason))
	_ = c.Close(code, reason)
}
