package h1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/flow"
	"github.com/albertbausili/duplex/internal/loop"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
	"github.com/albertbausili/duplex/internal/promise"
)

// Client defaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxPipelined   = 128
)

// ErrResponseTimeout is returned when a response does not arrive in time.
var ErrResponseTimeout = errors.New("h1: response timeout")

// ClientConfig configures a ClientConn.
type ClientConfig struct {
	// RequestTimeout bounds each RoundTrip unless the call overrides it.
	RequestTimeout   time.Duration
	MaxContentLength int64
	// MaxPipelined bounds requests written but not yet answered.
	MaxPipelined int
	Logger       *zap.Logger
}

type exchange struct {
	id     uint32
	method string
}

// ClientConn pipelines requests over one connection. Responses are matched to
// requests in FIFO order.
type ClientConn struct {
	conn   net.Conn
	cfg    ClientConfig
	loop   *loop.Loop
	logger *zap.Logger

	// owned by the loop
	seq *flow.Flow[*promise.Promise[*message.Message]]

	wmu    sync.Mutex
	queue  chan exchange
	done   chan struct{}
	once   sync.Once
	err    error
	reader sync.WaitGroup
}

// NewClientConn starts serving conn.
func NewClientConn(conn net.Conn, cfg ClientConfig) *ClientConn {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.MaxPipelined <= 0 {
		cfg.MaxPipelined = DefaultMaxPipelined
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("h1").With(zap.String("remote", conn.RemoteAddr().String()))
	c := &ClientConn{
		conn:   conn,
		cfg:    cfg,
		loop:   loop.New(logger),
		logger: logger,
		seq:    flow.New[*promise.Promise[*message.Message]](flow.HTTP1Base, flow.HTTP1Step),
		queue:  make(chan exchange, cfg.MaxPipelined),
		done:   make(chan struct{}),
	}
	metrics.ConnectionsActive.WithLabelValues(metrics.ProtoHTTP1, metrics.RoleClient).Inc()
	c.reader.Add(1)
	go c.readLoop()
	return c
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

// Send writes req and returns a promise of its response.
func (c *ClientConn) Send(req *message.Message) *promise.Promise[*message.Message] {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return promise.Failed[*message.Message](c.closeErr())
	default:
	}

	p := promise.New[*message.Message]()
	idc := make(chan uint32, 1)
	errc := make(chan error, 1)
	if !c.loop.Execute(func() {
		select {
		case <-c.done:
			// FailAll may already have run.
			errc <- c.closeErr()
			return
		default:
		}
		id, err := c.seq.NextStreamID()
		if err != nil {
			errc <- err
			return
		}
		c.seq.Put(id, p)
		idc <- id
	}) {
		return promise.Failed[*message.Message](c.closeErr())
	}

	var id uint32
	select {
	case id = <-idc:
	case err := <-errc:
		return promise.Failed[*message.Message](err)
	}

	select {
	case c.queue <- exchange{id: id, method: req.Method}:
	case <-c.done:
		return promise.Failed[*message.Message](c.closeErr())
	}

	if _, err := c.conn.Write(AppendRequest(nil, req)); err != nil {
		c.fail(fmt.Errorf("write request: %w", err))
	}
	return p
}

// RoundTrip sends req and waits for its response.
func (c *ClientConn) RoundTrip(ctx context.Context, req *message.Message, opts ...RoundTripOption) (*message.Message, error) {
	rt := roundTrip{timeout: c.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&rt)
	}
	ctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	resp, err := c.Send(req).Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrResponseTimeout, rt.timeout)
	}
	return resp, err
}

func (c *ClientConn) readLoop() {
	defer c.reader.Done()
	br := bufio.NewReader(c.conn)
	for {
		var ex exchange
		select {
		case ex = <-c.queue:
		case <-c.done:
			return
		}

		resp, err := http.ReadResponse(br, &http.Request{Method: ex.method})
		if err != nil {
			c.fail(fmt.Errorf("read response: %w", err))
			return
		}
		msg, err := c.toMessage(resp)
		if err != nil {
			c.fail(err)
			return
		}
		c.loop.Execute(func() {
			if p, ok := c.seq.Remove(ex.id); ok {
				p.Complete(msg)
			} else {
				msg.Release()
			}
		})
		if resp.Close {
			c.fail(ErrConnClosed)
			return
		}
	}
}

func (c *ClientConn) toMessage(resp *http.Response) (*message.Message, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxContentLength+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxContentLength {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.cfg.MaxContentLength)
	}
	m := message.NewResponse(resp.StatusCode, resp.Header, body)
	m.Proto = message.ProtoHTTP1
	m.Trailer = resp.Trailer
	return m, nil
}

func (c *ClientConn) fail(cause error) {
	c.once.Do(func() {
		c.err = cause
		close(c.done)
		_ = c.conn.Close()
		c.logger.Debug("connection closed", zap.Error(cause))
		c.loop.Execute(func() {
			c.seq.FailAll(fmt.Errorf("%w: %v", ErrConnClosed, cause))
		})
		c.loop.Close()
		metrics.ConnectionsActive.WithLabelValues(metrics.ProtoHTTP1, metrics.RoleClient).Dec()
	})
}

func (c *ClientConn) closeErr() error {
	<-c.done
	return fmt.Errorf("%w: %v", ErrConnClosed, c.err)
}

// Close closes the connection and fails every outstanding request.
func (c *ClientConn) Close() error {
	c.fail(ErrConnClosed)
	c.reader.Wait()
	<-c.loop.Done()
	return nil
}

// AppendRequest encodes req onto buf.
func AppendRequest(buf []byte, req *message.Message) []byte {
	path := req.Path
	if path == "" {
		path = "/"
	}
	buf = append(buf, req.Method...)
	buf = append(buf, ' ')
	buf = append(buf, path...)
	buf = append(buf, " HTTP/1.1\r\nHost: "...)
	buf = append(buf, req.Authority...)
	buf = append(buf, crlf...)

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Content-Length", "Transfer-Encoding":
			continue
		}
		for _, v := range req.Header[name] {
			buf = append(buf, name...)
			buf = append(buf, headerSep...)
			buf = append(buf, v...)
			buf = append(buf, crlf...)
		}
	}
	body := req.Body()
	if len(body) > 0 || req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		buf = append(buf, headerContentLength...)
		buf = strconv.AppendInt(buf, int64(len(body)), 10)
		buf = append(buf, crlf...)
	}
	buf = append(buf, crlf...)
	return append(buf, body...)
}
