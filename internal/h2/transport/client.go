package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/flow"
	"github.com/albertbausili/duplex/internal/h2/adapter"
	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/promise"
	"github.com/albertbausili/duplex/internal/websocket"
)

// DefaultRequestTimeout bounds a RoundTrip when the config leaves it zero.
const DefaultRequestTimeout = 30 * time.Second

// ClientConfig configures a ClientConn.
type ClientConfig struct {
	// Authority is sent as :authority when a request has none. It defaults
	// to the remote address.
	Authority        string
	Settings         Settings
	MaxContentLength int64
	RequestTimeout   time.Duration
	// EnablePush accepts server push. Pushed responses go to PushHandler on
	// their own goroutine, or are discarded when it is nil.
	EnablePush  bool
	PushHandler func(*message.Message)
	WebSocket   websocket.ClientConfig
	Logger      *zap.Logger
}

// ClientConn multiplexes requests and WebSocket handshakes over one HTTP/2
// connection. Client streams start at 3 and advance by 2.
type ClientConn struct {
	sess *session
	conn net.Conn
	cfg  ClientConfig

	// owned by the loop
	seq         *flow.Flow[*promise.Promise[*message.Message]]
	ws          *websocket.ClientHandshaker
	peerConnect bool
	draining    bool
}

// NewClientConn writes the connection preface and our SETTINGS on conn and
// starts reading. The connection is ready for requests as soon as it returns;
// WebSocket handshakes wait for the peer's SETTINGS on their own.
func NewClientConn(conn net.Conn, cfg ClientConfig) (*ClientConn, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Authority == "" {
		cfg.Authority = conn.RemoteAddr().String()
	}
	if cfg.WebSocket.Logger == nil {
		cfg.WebSocket.Logger = cfg.Logger
	}
	_, secure := conn.(*tls.Conn)

	c := &ClientConn{
		conn: conn,
		cfg:  cfg,
		seq:  flow.New[*promise.Promise[*message.Message]](flow.HTTP2ClientBase, flow.HTTP2ClientStep),
	}
	c.sess = newSession(conn, conn.Close, sessionConfig{
		role:             adapter.RoleClient,
		settings:         cfg.Settings,
		maxContentLength: cfg.MaxContentLength,
		pushEnabled:      cfg.EnablePush,
		secure:           secure,
		authority:        cfg.Authority,
		remote:           conn.RemoteAddr().String(),
		logger:           cfg.Logger,
	}, c)

	push := uint32(0)
	if cfg.EnablePush {
		push = 1
	}
	errc := make(chan error, 1)
	c.sess.loop.Execute(func() {
		c.ws = websocket.NewClientHandshaker(c.sess, cfg.WebSocket)
		if err := c.sess.writer.WritePreface(); err != nil {
			errc <- err
			return
		}
		errc <- c.sess.writeSettings(http2.Setting{ID: http2.SettingEnablePush, Val: push})
	})
	if err := <-errc; err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("h2: write preface: %w", err)
	}
	c.sess.start(conn)
	return c, nil
}

type exchange struct {
	id uint32
	p  *promise.Promise[*message.Message]
}

// Send writes req and returns a promise of its response. Missing Scheme and
// Authority are filled in from the connection.
//
// Send must not be called from a promise callback; those run on the
// connection loop.
func (c *ClientConn) Send(req *message.Message) *promise.Promise[*message.Message] {
	ex, err := c.send(req)
	if err != nil {
		return promise.Failed[*message.Message](err)
	}
	return ex.p
}

func (c *ClientConn) send(req *message.Message) (exchange, error) {
	if req.Scheme == "" {
		req.Scheme = "http"
		if c.sess.secure {
			req.Scheme = "https"
		}
	}
	if req.Authority == "" && req.Header.Get("Host") == "" {
		req.Authority = c.cfg.Authority
	}
	fields, err := message.ToHTTP2(req)
	if err != nil {
		return exchange{}, fmt.Errorf("h2: encode request: %w", err)
	}
	var trailers []hpack.HeaderField
	if len(req.Trailer) > 0 {
		if trailers, err = message.TrailersToHTTP2(req.Trailer); err != nil {
			return exchange{}, fmt.Errorf("h2: encode trailers: %w", err)
		}
	}
	body := req.Body()

	p := promise.New[*message.Message]()
	result := make(chan exchange, 1)
	errc := make(chan error, 1)
	if !c.sess.loop.Execute(func() {
		if !c.sess.open {
			errc <- closedErr(c.sess.closeErr)
			return
		}
		id, err := c.nextStreamID()
		if err != nil {
			errc <- err
			return
		}
		c.seq.Put(id, p)
		if err := c.sess.writeMessage(id, fields, body, trailers); err != nil {
			c.seq.Remove(id)
			errc <- err
			return
		}
		result <- exchange{id: id, p: p}
	}) {
		return exchange{}, ErrConnClosed
	}
	select {
	case ex := <-result:
		return ex, nil
	case err := <-errc:
		return exchange{}, err
	}
}

// RoundTrip sends req and waits for its response. A request that times out
// is cancelled with RST_STREAM.
func (c *ClientConn) RoundTrip(ctx context.Context, req *message.Message, opts ...RoundTripOption) (*message.Message, error) {
	rt := roundTrip{timeout: c.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&rt)
	}
	ctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	ex, err := c.send(req)
	if err != nil {
		return nil, err
	}
	resp, err := ex.p.Await(ctx)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil && !ex.p.IsDone() {
		c.cancel(ex)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrResponseTimeout, rt.timeout)
	}
	return nil, err
}

func (c *ClientConn) cancel(ex exchange) {
	c.sess.loop.Execute(func() {
		if p, ok := c.seq.Remove(ex.id); ok {
			p.Fail(context.Canceled)
			if c.sess.open {
				_ = c.sess.WriteRSTStream(ex.id, http2.ErrCodeCancel)
			}
			c.maybeRetire()
		}
	})
}

// RoundTripOption customizes one request.
type RoundTripOption func(*roundTrip)

type roundTrip struct {
	timeout time.Duration
}

// WithTimeout overrides the configured request timeout.
func WithTimeout(d time.Duration) RoundTripOption {
	return func(rt *roundTrip) { rt.timeout = d }
}

// WebSocket opens a WebSocket over extended CONNECT. Handshakes issued before
// the peer's SETTINGS are held until it arrives.
func (c *ClientConn) WebSocket(ctx context.Context, path, subprotocol string, header http.Header, handler websocket.Handler, opts ...websocket.HandshakeOption) *promise.Promise[*websocket.Conn] {
	return c.ws.Handshake(ctx, path, subprotocol, header, handler, opts...)
}

// Close sends GOAWAY, fails everything outstanding and waits for the
// connection goroutines to exit.
func (c *ClientConn) Close() error {
	c.sess.loop.Execute(func() {
		c.sess.goAway(http2.ErrCodeNo, nil)
		c.sess.terminate(ErrConnClosed)
	})
	_ = c.conn.Close()
	c.sess.readers.Wait()
	<-c.sess.loop.Done()
	return nil
}

// Done is closed once the connection is fully shut down.
func (c *ClientConn) Done() <-chan struct{} { return c.sess.loop.Done() }

func (c *ClientConn) nextStreamID() (uint32, error) {
	if c.draining {
		return 0, fmt.Errorf("%w: connection is draining", ErrRefused)
	}
	id, err := c.seq.NextStreamID()
	if err != nil {
		c.retire()
		return 0, fmt.Errorf("%w: %w", ErrRefused, err)
	}
	if c.seq.Exhausted() {
		// This is the last id; nothing new is opened after it.
		c.sess.loop.Execute(c.retire)
	}
	return id, nil
}

// retire stops new streams once ids run out and closes when the last one ends.
func (c *ClientConn) retire() {
	if c.draining {
		return
	}
	c.draining = true
	c.sess.logger.Info("stream ids exhausted, retiring connection",
		zap.Uint32("last_stream_id", c.seq.LastStreamID()),
		zap.Int("in_flight", c.seq.Len()))
	c.sess.goAway(http2.ErrCodeNo, []byte("stream ids exhausted"))
	c.maybeRetire()
}

func (c *ClientConn) maybeRetire() {
	if c.draining && c.sess.open && c.seq.Len() == 0 && len(c.sess.streams) == 0 {
		c.sess.terminate(ErrConnClosed)
	}
}

func (c *ClientConn) messageReceived(m *message.Message) {
	if m.PromisedBy != 0 {
		if c.cfg.PushHandler == nil {
			m.Release()
			return
		}
		go c.cfg.PushHandler(m)
		return
	}
	if p, ok := c.seq.Remove(m.StreamID); ok {
		p.Complete(m)
	} else {
		m.Release()
	}
}

func (c *ClientConn) streamFailed(streamID uint32, err error) {
	p, ok := c.seq.Remove(streamID)
	if !ok {
		return
	}
	var se http2.StreamError
	if errors.As(err, &se) && se.Code == http2.ErrCodeRefusedStream {
		err = fmt.Errorf("%w: %w", ErrRefused, err)
	}
	p.Fail(err)
	c.maybeRetire()
}

func (c *ClientConn) onSettings(e *frame.SettingsEvent) {
	if c.seq.SettingsReceived() {
		return
	}
	c.seq.SetSettingsReceived()
	v, _ := e.Value(frame.SettingEnableConnectProtocol)
	c.peerConnect = v == 1
	c.ws.OnSettings(c.peerConnect)
}

func (c *ClientConn) onNewStream(e *frame.HeadersEvent) bool {
	c.sess.connError(http2.ErrCodeProtocol, fmt.Sprintf("headers on unopened stream %d", e.Stream))
	return true
}

func (c *ClientConn) onGoAway(e *frame.GoAwayEvent) {
	c.draining = true
	refused := fmt.Errorf("%w: goaway with last stream %d", ErrRefused, e.LastStreamID)
	if n := c.seq.FailAbove(e.LastStreamID, refused); n > 0 {
		c.sess.logger.Debug("requests refused by goaway", zap.Int("count", n))
	}
	c.sess.dropAbove(e.LastStreamID)
	if e.Code != http2.ErrCodeNo {
		c.sess.terminate(&adapter.ConnectionError{Code: e.Code, Reason: "goaway: " + string(e.DebugData)})
		return
	}
	c.maybeRetire()
}

func (c *ClientConn) streamClosed(uint32) { c.maybeRetire() }

func (c *ClientConn) onClosed(err error) {
	c.seq.FailAll(closedErr(err))
}
