// Package websocket bootstraps WebSockets over HTTP/2 extended CONNECT
// (RFC 8441) and HTTP/1.1 Upgrade, and frames messages over the resulting
// byte stream.
package websocket

import (
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/loop"
)

// Host is the HTTP/2 connection a WebSocket stream lives on. Loop may be
// called from any goroutine; every other method must run on the loop.
type Host interface {
	Loop() *loop.Loop
	IsOpen() bool
	// Secure reports whether the connection runs over TLS.
	Secure() bool
	Authority() string
	NextStreamID() (uint32, error)
	WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool, weight uint16) error
	WriteData(streamID uint32, data []byte, endStream bool) error
	WriteRSTStream(streamID uint32, code http2.ErrCode) error
	// Attach routes the stream's inbound frames to h.
	Attach(streamID uint32, h StreamHandler)
	// Detach stops routing after grace, so frames racing the close are absorbed.
	Detach(streamID uint32, grace time.Duration)
	// OnClose registers fn to run on the loop when the connection closes.
	OnClose(fn func(err error))
}

// StreamHandler receives the inbound frames of one attached stream, on the
// host loop.
type StreamHandler interface {
	OnHeaders(fields []hpack.HeaderField, endStream bool)
	OnData(data []byte, endStream bool)
	OnReset(code http2.ErrCode)
	// OnConnectionClosed is called when the connection goes away.
	OnConnectionClosed(err error)
}

// streamChannel builds the Channel of a promoted HTTP/2 stream. Writes and
// the close are marshaled onto the host loop.
func streamChannel(host Host, streamID uint32, grace time.Duration) *Channel {
	write := func(p []byte) error {
		buf := make([]byte, len(p))
		copy(buf, p)
		errc := make(chan error, 1)
		if !host.Loop().Execute(func() {
			if !host.IsOpen() {
				errc <- ErrClosed
				return
			}
			errc <- host.WriteData(streamID, buf, false)
		}) {
			return ErrClosed
		}
		return <-errc
	}
	closeFn := func() error {
		host.Loop().Execute(func() {
			if host.IsOpen() {
				_ = host.WriteData(streamID, nil, true)
			}
			host.Detach(streamID, grace)
		})
		return nil
	}
	return NewChannel(streamID, write, closeFn)
}

// channelStream feeds a promoted stream's frames into its Channel.
type channelStream struct {
	ch *Channel
}

func (s *channelStream) OnHeaders(_ []hpack.HeaderField, endStream bool) {
	if endStream {
		s.ch.CloseRead(nil)
	}
}

func (s *channelStream) OnData(data []byte, endStream bool) {
	if len(data) > 0 {
		s.ch.Push(data)
	}
	if endStream {
		s.ch.CloseRead(nil)
	}
}

func (s *channelStream) OnReset(http2.ErrCode) {
	s.ch.CloseRead(ErrReset)
}

func (s *channelStream) OnConnectionClosed(error) {
	s.ch.CloseRead(ErrClosed)
}
