package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/h2/adapter"
	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
	"github.com/albertbausili/duplex/internal/websocket"
)

// Outbound is the write side of a server connection.
type Outbound interface {
	// Write queues bufs in order. It must not block on the peer.
	Write(bufs [][]byte) error
	Close() error
}

// ServerConfig configures a ServerConn.
type ServerConfig struct {
	Handler message.Handler
	// Acceptor answers extended CONNECT; with no handlers registered the
	// server does not advertise SETTINGS_ENABLE_CONNECT_PROTOCOL.
	Acceptor         *websocket.Acceptor
	Settings         Settings
	MaxContentLength int64
	Secure           bool
	Logger           *zap.Logger
}

// ServerConn serves one HTTP/2 connection. Bytes arrive through HandleData;
// complete requests are dispatched to the handler on their own goroutines.
//
// HandleData must be called from a single goroutine (the gnet event loop).
type ServerConn struct {
	sess   *session
	cfg    ServerConfig
	in     *inbox
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the HandleData goroutine
	preface []byte
	started bool
	failed  bool

	// owned by the loop
	draining bool
	idle     chan struct{}
	idleOnce sync.Once
}

// NewServerConn creates a connection writing frames through out.
func NewServerConn(ctx context.Context, out Outbound, remote string, cfg ServerConfig) *ServerConn {
	if cfg.Handler == nil {
		cfg.Handler = message.HandlerFunc(func(_ context.Context, _ *message.Message, rw message.Responder) {
			_ = rw.Respond(message.NewResponse(http.StatusNotFound, nil, nil))
		})
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &ServerConn{
		cfg:    cfg,
		in:     newInbox(),
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
	}
	c.sess = newSession(frameWriter{out: out}, out.Close, sessionConfig{
		role:             adapter.RoleServer,
		settings:         cfg.Settings,
		maxContentLength: cfg.MaxContentLength,
		secure:           cfg.Secure,
		remote:           remote,
		logger:           cfg.Logger,
	}, c)
	return c
}

// HandleData consumes bytes read from the connection. The first bytes must be
// the client connection preface.
func (c *ServerConn) HandleData(data []byte) {
	if c.started {
		c.in.push(data)
		return
	}
	if c.failed {
		return
	}
	c.preface = append(c.preface, data...)
	n := min(len(c.preface), len(http2.ClientPreface))
	if !bytes.Equal(c.preface[:n], []byte(http2.ClientPreface)[:n]) {
		c.failed = true
		c.preface = nil
		c.sess.loop.Execute(func() {
			c.sess.connError(http2.ErrCodeProtocol, "invalid connection preface")
		})
		return
	}
	if len(c.preface) < len(http2.ClientPreface) {
		return
	}

	c.started = true
	rest := c.preface[len(http2.ClientPreface):]
	c.preface = nil
	c.sess.loop.Execute(c.sendPreface)
	c.sess.start(c.in)
	if len(rest) > 0 {
		c.in.push(rest)
	}
}

func (c *ServerConn) sendPreface() {
	var extra []http2.Setting
	if c.cfg.Acceptor != nil && c.cfg.Acceptor.Enabled() {
		extra = append(extra, http2.Setting{ID: frame.SettingEnableConnectProtocol, Val: 1})
	}
	if err := c.sess.writeSettings(extra...); err != nil {
		c.sess.writeFailed(err)
	}
}

// Shutdown sends GOAWAY, waits for open streams to finish or ctx to end, then
// closes the connection.
func (c *ServerConn) Shutdown(ctx context.Context) error {
	if !c.sess.loop.Execute(func() {
		c.draining = true
		c.sess.goAway(http2.ErrCodeNo, []byte("server shutting down"))
		c.checkIdle()
	}) {
		return nil
	}
	var err error
	select {
	case <-c.idle:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.Close(nil)
	return err
}

// Close tears the connection down, failing every stream still open.
func (c *ServerConn) Close(cause error) {
	if cause == nil {
		cause = ErrConnClosed
	}
	c.sess.loop.Execute(func() { c.sess.terminate(closedErr(cause)) })
	c.in.close(cause)
}

// Done is closed once the connection is fully shut down.
func (c *ServerConn) Done() <-chan struct{} { return c.sess.loop.Done() }

func (c *ServerConn) checkIdle() {
	if c.draining && len(c.sess.streams) == 0 {
		c.idleOnce.Do(func() { close(c.idle) })
	}
}

func (c *ServerConn) nextStreamID() (uint32, error) {
	return 0, errors.New("h2: server does not open streams")
}

func (c *ServerConn) onNewStream(e *frame.HeadersEvent) bool {
	id := e.Stream
	if id%2 == 0 || id <= c.sess.lastPeer {
		c.sess.connError(http2.ErrCodeProtocol, fmt.Sprintf("invalid client stream id %d", id))
		return true
	}
	c.sess.lastPeer = id

	if c.sess.goAwaySent || uint32(len(c.sess.streams)) >= c.sess.local.MaxConcurrentStreams {
		c.sess.logger.Debug("refusing stream", zap.Uint32("stream_id", id), zap.Int("open", len(c.sess.streams)))
		_ = c.sess.WriteRSTStream(id, http2.ErrCodeRefusedStream)
		return true
	}
	st := c.sess.newStream(id)
	metrics.StreamsOpened.WithLabelValues(metrics.RoleServer).Inc()

	if !websocket.IsExtendedConnect(e.Fields) {
		return false
	}
	if c.cfg.Acceptor == nil || !c.cfg.Acceptor.Enabled() {
		c.sess.resetStream(id, http2.ErrCodeProtocol, errors.New("extended CONNECT is not enabled"))
		return true
	}
	if e.EndStream {
		st.remoteClosed = true
	}
	c.cfg.Acceptor.Accept(c.ctx, c.sess, id, e.Fields, e.EndStream)
	if cur, ok := c.sess.streams[id]; ok && cur.handler == nil {
		// rejected: whatever else the peer sends on it is dropped
		c.sess.removeStream(cur)
	}
	return true
}

func (c *ServerConn) messageReceived(m *message.Message) {
	rw := &responder{c: c, id: m.StreamID}
	go c.serve(m, rw)
}

func (c *ServerConn) serve(req *message.Message, rw *responder) {
	defer func() {
		if r := recover(); r != nil {
			c.sess.logger.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		if !rw.sent.Load() {
			_ = rw.Respond(message.NewResponse(http.StatusInternalServerError, nil, nil))
		}
	}()
	c.cfg.Handler.ServeMessage(c.ctx, req, rw)
}

func (c *ServerConn) streamFailed(streamID uint32, err error) {
	c.sess.logger.Debug("stream failed", zap.Uint32("stream_id", streamID), zap.Error(err))
}

func (c *ServerConn) onSettings(*frame.SettingsEvent) {}

func (c *ServerConn) onGoAway(*frame.GoAwayEvent) {}

func (c *ServerConn) streamClosed(uint32) { c.checkIdle() }

func (c *ServerConn) onClosed(err error) {
	c.cancel()
	c.idleOnce.Do(func() { close(c.idle) })
	c.in.close(err)
}

// responder writes the response of one stream.
type responder struct {
	c    *ServerConn
	id   uint32
	sent atomic.Bool
}

// Respond writes resp on the stream. It returns once the frames are handed to
// the connection; DATA waiting for flow-control credit is sent later.
func (r *responder) Respond(resp *message.Message) error {
	if !r.sent.CompareAndSwap(false, true) {
		return errors.New("h2: response already sent")
	}
	defer resp.Release()

	fields, err := message.ToHTTP2(resp)
	if err != nil {
		r.c.sess.loop.Execute(func() {
			r.c.sess.resetStream(r.id, http2.ErrCodeInternal, err)
		})
		return fmt.Errorf("h2: encode response: %w", err)
	}
	var trailers []hpack.HeaderField
	if len(resp.Trailer) > 0 {
		if trailers, err = message.TrailersToHTTP2(resp.Trailer); err != nil {
			return fmt.Errorf("h2: encode trailers: %w", err)
		}
	}
	body := resp.Body()

	errc := make(chan error, 1)
	if !r.c.sess.loop.Execute(func() {
		if !r.c.sess.open {
			errc <- ErrConnClosed
			return
		}
		if _, ok := r.c.sess.streams[r.id]; !ok {
			errc <- fmt.Errorf("%w: stream %d", ErrStreamClosed, r.id)
			return
		}
		errc <- r.c.sess.writeMessage(r.id, fields, body, trailers)
	}) {
		return ErrConnClosed
	}
	return <-errc
}

// frameWriter hands every frame the framer writes to the outbound as its own
// buffer. The framer reuses its write buffer, so each frame is copied.
type frameWriter struct {
	out Outbound
}

func (w frameWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := w.out.Write([][]byte{buf}); err != nil {
		return 0, err
	}
	return len(p), nil
}
