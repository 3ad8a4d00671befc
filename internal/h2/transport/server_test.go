package transport

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/websocket"
)

// pipeOutbound feeds what the server writes to the test peer.
type pipeOutbound struct {
	in     *inbox
	mu     sync.Mutex
	closed bool
}

func (o *pipeOutbound) Write(bufs [][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrConnClosed
	}
	for _, b := range bufs {
		o.in.push(b)
	}
	return nil
}

func (o *pipeOutbound) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.in.close(nil)
	return nil
}

func (o *pipeOutbound) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// connWriter hands what the peer writes to the server.
type connWriter struct{ c *ServerConn }

func (w connWriter) Write(p []byte) (int, error) {
	w.c.HandleData(p)
	return len(p), nil
}

func newServerConn(t *testing.T, cfg ServerConfig) (*ServerConn, *peer, *pipeOutbound) {
	t.Helper()
	out := &pipeOutbound{in: newInbox()}
	cfg.Logger = zap.NewNop()
	c := NewServerConn(context.Background(), out, "pipe", cfg)
	p := newPeer(out.in, connWriter{c: c}, false)
	t.Cleanup(func() { c.Close(nil) })
	return c, p, out
}

// open sends the preface and SETTINGS and returns the server's SETTINGS.
func open(t *testing.T, c *ServerConn, p *peer, s ...http2.Setting) record {
	t.Helper()
	p.wmu.Lock()
	c.HandleData([]byte(http2.ClientPreface))
	p.wmu.Unlock()
	p.settings(t, s...)
	settings := p.expectFunc(t, func(r record) bool { return r.typ == http2.FrameSettings && !r.ack })
	p.expectFunc(t, func(r record) bool { return r.typ == http2.FrameSettings && r.ack })
	return settings
}

func echo(_ context.Context, req *message.Message, rw message.Responder) {
	resp := message.NewResponse(http.StatusOK, http.Header{"X-Method": {req.Method}}, append([]byte(req.Path), req.Body()...))
	_ = rw.Respond(resp)
}

func TestServerServesRequest(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	s := open(t, c, p)
	assert.Equal(t, uint32(DefaultMaxConcurrentStreams), s.settings[http2.SettingMaxConcurrentStreams])
	_, advertised := s.settings[frame.SettingEnableConnectProtocol]
	assert.False(t, advertised)

	p.headers(t, 1, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/hello"))

	h := p.expect(t, http2.FrameHeaders, 1)
	assert.Equal(t, "200", h.field(":status"))
	assert.Equal(t, "GET", h.field("x-method"))
	assert.False(t, h.end)
	d := p.expect(t, http2.FrameData, 1)
	assert.Equal(t, "/hello", string(d.data))
	assert.True(t, d.end)
}

func TestServerRequestBody(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	open(t, c, p)

	p.headers(t, 1, false, hf(":method", "POST"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/up"))
	p.data(t, 1, false, []byte("abc"))
	p.data(t, 1, true, []byte("def"))

	d := p.expect(t, http2.FrameData, 1)
	assert.Equal(t, "/upabcdef", string(d.data))

	// both DATA frames credited on the connection, only the first on the stream
	p.expectFunc(t, func(r record) bool { return r.typ == http2.FrameWindowUpdate && r.stream == 0 && r.inc == 3 })
	p.expectFunc(t, func(r record) bool { return r.typ == http2.FrameWindowUpdate && r.stream == 1 && r.inc == 3 })
	assert.False(t, p.seen(http2.FrameWindowUpdate, 1))
}

func TestServerResponseWaitsForFlowControl(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	open(t, c, p, http2.Setting{ID: http2.SettingInitialWindowSize, Val: 3})

	p.headers(t, 1, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/hello"))
	p.expect(t, http2.FrameHeaders, 1)
	d := p.expect(t, http2.FrameData, 1)
	assert.Equal(t, "/he", string(d.data))
	assert.False(t, d.end)

	p.windowUpdate(t, 1, 10)
	d = p.expect(t, http2.FrameData, 1)
	assert.Equal(t, "llo", string(d.data))
	assert.True(t, d.end)
}

func TestServerHandlerPanics(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(func(context.Context, *message.Message, message.Responder) {
		panic("boom")
	})})
	open(t, c, p)

	p.headers(t, 1, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/"))
	h := p.expect(t, http2.FrameHeaders, 1)
	assert.Equal(t, "500", h.field(":status"))
	assert.True(t, h.end)
}

func TestServerInvalidPreface(t *testing.T) {
	c, p, out := newServerConn(t, ServerConfig{})
	p.wmu.Lock()
	c.HandleData([]byte("GET / HTTP/1.1\r\n\r\n"))
	p.wmu.Unlock()

	ga := p.expect(t, http2.FrameGoAway, 0)
	assert.Equal(t, http2.ErrCodeProtocol, ga.code)
	require.Eventually(t, out.isClosed, 2*time.Second, time.Millisecond)
}

func TestServerPrefaceSplitAcrossReads(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	p.wmu.Lock()
	for _, b := range []byte(http2.ClientPreface) {
		c.HandleData([]byte{b})
	}
	p.wmu.Unlock()
	p.settings(t)
	p.expectFunc(t, func(r record) bool { return r.typ == http2.FrameSettings && r.ack })
}

func TestServerRejectsEvenStream(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	open(t, c, p)

	p.headers(t, 2, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/"))
	ga := p.expect(t, http2.FrameGoAway, 0)
	assert.Equal(t, http2.ErrCodeProtocol, ga.code)
}

func TestServerInvalidRequestHeaders(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	open(t, c, p)

	// no :path
	p.headers(t, 1, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"))
	rst := p.expect(t, http2.FrameRSTStream, 1)
	assert.Equal(t, http2.ErrCodeProtocol, rst.code)

	// the connection survives
	p.headers(t, 3, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/ok"))
	assert.Equal(t, "200", p.expect(t, http2.FrameHeaders, 3).field(":status"))
}

func TestServerRefusesStreamsOverLimit(t *testing.T) {
	release := make(chan struct{})
	c, p, _ := newServerConn(t, ServerConfig{
		Settings: Settings{MaxConcurrentStreams: 1},
		Handler: message.HandlerFunc(func(ctx context.Context, req *message.Message, rw message.Responder) {
			<-release
			echo(ctx, req, rw)
		}),
	})
	open(t, c, p)

	p.headers(t, 1, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/1"))
	p.headers(t, 3, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/3"))

	rst := p.expect(t, http2.FrameRSTStream, 3)
	assert.Equal(t, http2.ErrCodeRefusedStream, rst.code)

	close(release)
	assert.Equal(t, "200", p.expect(t, http2.FrameHeaders, 1).field(":status"))
}

func TestServerShutdownDrainsStreams(t *testing.T) {
	release := make(chan struct{})
	c, p, out := newServerConn(t, ServerConfig{
		Handler: message.HandlerFunc(func(ctx context.Context, req *message.Message, rw message.Responder) {
			<-release
			echo(ctx, req, rw)
		}),
	})
	open(t, c, p)
	p.headers(t, 1, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/slow"))
	require.Eventually(t, func() bool {
		n := make(chan int, 1)
		c.sess.loop.Execute(func() { n <- len(c.sess.streams) })
		return <-n == 1
	}, 2*time.Second, time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- c.Shutdown(context.Background()) }()

	ga := p.expect(t, http2.FrameGoAway, 0)
	assert.Equal(t, http2.ErrCodeNo, ga.code)
	assert.Equal(t, uint32(1), ga.last)

	// streams opened after GOAWAY are refused
	p.headers(t, 3, true, hf(":method", "GET"), hf(":scheme", "http"), hf(":authority", "a"), hf(":path", "/late"))
	assert.Equal(t, http2.ErrCodeRefusedStream, p.expect(t, http2.FrameRSTStream, 3).code)

	close(release)
	p.expect(t, http2.FrameHeaders, 1)
	require.NoError(t, <-errc)
	require.Eventually(t, out.isClosed, 2*time.Second, time.Millisecond)
}

func TestServerExtendedConnectNotEnabled(t *testing.T) {
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo)})
	open(t, c, p)

	p.headers(t, 1, false, hf(":method", "CONNECT"), hf(":protocol", "websocket"), hf(":scheme", "https"),
		hf(":authority", "a"), hf(":path", "/chat"), hf("sec-websocket-version", "13"))
	rst := p.expect(t, http2.FrameRSTStream, 1)
	assert.Equal(t, http2.ErrCodeProtocol, rst.code)
}

func TestServerWebSocketOverExtendedConnect(t *testing.T) {
	reg := websocket.NewRegistry()
	reg.Handle("/chat", websocket.HandlerFunc(func(_ context.Context, conn *websocket.Conn) {
		for {
			op, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(op, msg); err != nil {
				return
			}
		}
	}), "chat")
	acceptor := websocket.NewAcceptor(websocket.AcceptorConfig{Registry: reg, Logger: zap.NewNop()})
	c, p, _ := newServerConn(t, ServerConfig{Handler: message.HandlerFunc(echo), Acceptor: acceptor})

	s := open(t, c, p)
	assert.Equal(t, uint32(1), s.settings[frame.SettingEnableConnectProtocol])

	p.headers(t, 1, false, hf(":method", "CONNECT"), hf(":protocol", "websocket"), hf(":scheme", "https"),
		hf(":authority", "a"), hf(":path", "/chat"), hf("sec-websocket-version", "13"), hf("sec-websocket-protocol", "chat"))
	h := p.expect(t, http2.FrameHeaders, 1)
	assert.Equal(t, "200", h.field(":status"))
	assert.Equal(t, "chat", h.field("sec-websocket-protocol"))
	assert.False(t, h.end)

	p.data(t, 1, false, wsFrame(t, "ping", true))
	d := p.expect(t, http2.FrameData, 1)
	f := readWSFrame(t, d.data)
	assert.Equal(t, ws.OpText, f.Header.OpCode)
	assert.Equal(t, "ping", string(f.Payload))

	// ordinary requests keep working next to the socket
	p.headers(t, 3, true, hf(":method", "GET"), hf(":scheme", "https"), hf(":authority", "a"), hf(":path", "/x"))
	assert.Equal(t, "200", p.expect(t, http2.FrameHeaders, 3).field(":status"))
}

func TestServerWebSocketUnknownPath(t *testing.T) {
	reg := websocket.NewRegistry()
	reg.Handle("/chat", websocket.HandlerFunc(func(context.Context, *websocket.Conn) {}))
	acceptor := websocket.NewAcceptor(websocket.AcceptorConfig{Registry: reg, Logger: zap.NewNop()})
	c, p, _ := newServerConn(t, ServerConfig{Acceptor: acceptor})
	open(t, c, p)

	p.headers(t, 1, false, hf(":method", "CONNECT"), hf(":protocol", "websocket"), hf(":scheme", "https"),
		hf(":authority", "a"), hf(":path", "/nope"), hf("sec-websocket-version", "13"))
	h := p.expect(t, http2.FrameHeaders, 1)
	assert.Equal(t, "404", h.field(":status"))
	assert.True(t, h.end)

	// trailing DATA on the rejected stream is dropped, not a connection error
	p.data(t, 1, true, []byte("x"))
	p.headers(t, 3, true, hf(":method", "GET"), hf(":scheme", "https"), hf(":authority", "a"), hf(":path", "/"))
	assert.Equal(t, "404", p.expect(t, http2.FrameHeaders, 3).field(":status"))
	assert.False(t, p.seen(http2.FrameGoAway, 0))
}
