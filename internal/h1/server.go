package h1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/flow"
	"github.com/albertbausili/duplex/internal/loop"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
	"github.com/albertbausili/duplex/internal/promise"
	"github.com/albertbausili/duplex/internal/websocket"
)

// DefaultMaxContentLength bounds request bodies when the config leaves it zero.
const DefaultMaxContentLength = 10 << 20

// ErrConnClosed is returned for writes after the connection went away.
var ErrConnClosed = errors.New("h1: connection closed")

// ServerConfig configures a ServerConn.
type ServerConfig struct {
	Handler message.Handler
	// Acceptor answers WebSocket upgrades; nil refuses them.
	Acceptor         *websocket.Acceptor
	MaxContentLength int64
	Secure           bool
	Logger           *zap.Logger
}

// ServerConn serves one HTTP/1.1 connection. Requests are parsed in arrival
// order and numbered 1, 2, 3...; their handlers run concurrently and the
// responses are released in request order.
//
// HandleData must be called from a single goroutine (the gnet event loop).
// Everything else about the exchange state lives on the connection loop.
type ServerConn struct {
	cfg    ServerConfig
	out    Outbound
	loop   *loop.Loop
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the HandleData goroutine
	parser  *Parser
	req     Request
	buffer  bytes.Buffer
	stopped bool

	// owned by the loop
	seq      *flow.Flow[*promise.Promise[struct{}]]
	encoder  *Encoder[[]byte]
	buffered int

	upMu      sync.Mutex
	upgrading bool
	upPending []byte
	channel   *websocket.Channel
}

// NewServerConn creates a connection writing through out.
func NewServerConn(ctx context.Context, out Outbound, remote string, cfg ServerConfig) *ServerConn {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.Handler == nil {
		cfg.Handler = message.HandlerFunc(func(_ context.Context, _ *message.Message, rw message.Responder) {
			_ = rw.Respond(message.NewResponse(http.StatusNotFound, nil, nil))
		})
	}
	logger := cfg.Logger.Named("h1").With(zap.String("remote", remote))
	ctx, cancel := context.WithCancel(ctx)
	c := &ServerConn{
		cfg:    cfg,
		out:    out,
		loop:   loop.New(logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		parser: NewParser(),
		seq:    flow.New[*promise.Promise[struct{}]](1, flow.HTTP1Step),
	}
	c.encoder = NewEncoder(func(b []byte) error {
		return c.out.Write([][]byte{b})
	}, func() {
		c.logger.Debug("closing after last response")
		_ = c.out.Close()
	}, logger)
	metrics.ConnectionsActive.WithLabelValues(metrics.ProtoHTTP1, metrics.RoleServer).Inc()
	return c
}

// HandleData consumes bytes read from the connection.
func (c *ServerConn) HandleData(data []byte) {
	c.upMu.Lock()
	if c.upgrading {
		if c.channel != nil {
			c.channel.Push(data)
		} else {
			c.upPending = append(c.upPending, data...)
		}
		c.upMu.Unlock()
		return
	}
	c.upMu.Unlock()

	if c.stopped {
		return
	}
	c.buffer.Write(data)

	for c.buffer.Len() > 0 && !c.stopped {
		c.parser.Reset(c.buffer.Bytes())
		consumed, err := c.parser.ParseRequest(&c.req)
		if err != nil {
			c.logger.Debug("parse error", zap.Error(err))
			status := http.StatusBadRequest
			if errors.Is(err, ErrHeaderTooLarge) {
				status = http.StatusRequestHeaderFieldsTooLarge
			}
			c.reject(status)
			return
		}
		if consumed == 0 {
			return
		}

		req := &c.req
		if req.ContentLength > c.cfg.MaxContentLength {
			c.reject(http.StatusRequestEntityTooLarge)
			return
		}

		body, bodyBytes, ok, err := c.readBody(req, consumed)
		if err != nil {
			c.logger.Debug("body error", zap.Error(err))
			status := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.reject(status)
			return
		}
		if !ok {
			return
		}
		c.buffer.Next(consumed + bodyBytes)

		scheme := "http"
		if c.cfg.Secure {
			scheme = "https"
		}
		msg := req.ToMessage(scheme, body)
		keepAlive := req.KeepAlive

		if req.Upgrade && websocket.IsUpgrade(msg) && c.cfg.Acceptor != nil {
			c.stopped = true
			c.upMu.Lock()
			c.upgrading = true
			c.upPending = append(c.upPending, c.buffer.Bytes()...)
			c.upMu.Unlock()
			c.buffer.Reset()
			c.loop.Execute(func() { c.upgrade(msg) })
			return
		}

		if !keepAlive {
			c.stopped = true
		}
		c.loop.Execute(func() { c.dispatch(msg, keepAlive) })
	}
}

var errBodyTooLarge = errors.New("h1: request body too large")

// readBody extracts the body following a head of headerBytes. ok is false
// when more data is needed.
func (c *ServerConn) readBody(req *Request, headerBytes int) (body []byte, n int, ok bool, err error) {
	buf := c.buffer.Bytes()[headerBytes:]
	switch {
	case req.Chunked:
		var out bytes.Buffer
		c.parser.Reset(buf)
		for {
			chunk, consumed, err := c.parser.ParseChunkedBody()
			if err != nil {
				return nil, 0, false, err
			}
			if consumed == 0 {
				return nil, 0, false, nil
			}
			n += consumed
			if chunk == nil {
				return out.Bytes(), n, true, nil
			}
			if int64(out.Len()+len(chunk)) > c.cfg.MaxContentLength {
				return nil, 0, false, errBodyTooLarge
			}
			out.Write(chunk)
		}
	case req.ContentLength > 0:
		if int64(len(buf)) < req.ContentLength {
			return nil, 0, false, nil
		}
		body = make([]byte, req.ContentLength)
		copy(body, buf)
		return body, int(req.ContentLength), true, nil
	default:
		return nil, 0, true, nil
	}
}

// reject answers a request that could not be parsed and closes.
func (c *ServerConn) reject(status int) {
	c.stopped = true
	c.buffer.Reset()
	c.loop.Execute(func() {
		id, _ := c.seq.NextStreamID()
		c.encoder.Reset(uint64(id) + 1)
		resp := message.NewResponse(status, nil, []byte(http.StatusText(status)))
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		c.write(uint64(id), AppendResponse(nil, resp, false))
	})
}

// dispatch numbers a request and starts its handler.
func (c *ServerConn) dispatch(req *message.Message, keepAlive bool) {
	id, err := c.seq.NextStreamID()
	if err != nil {
		c.logger.Warn("sequence ids exhausted", zap.Error(err))
		_ = c.out.Close()
		return
	}
	done := promise.New[struct{}]()
	c.seq.Put(id, done)
	if !keepAlive {
		c.encoder.Reset(uint64(id) + 1)
	}

	rw := &responder{c: c, id: id, keepAlive: keepAlive, done: done}
	go c.serve(req, rw)
}

func (c *ServerConn) serve(req *message.Message, rw *responder) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		if !rw.responded() {
			_ = rw.Respond(message.NewResponse(http.StatusInternalServerError, nil, nil))
		}
	}()
	c.cfg.Handler.ServeMessage(c.ctx, req, rw)
}

// upgrade answers a WebSocket upgrade and, once the 101 is on the wire,
// hands the rest of the connection to the WebSocket handler.
func (c *ServerConn) upgrade(req *message.Message) {
	id, err := c.seq.NextStreamID()
	if err != nil {
		_ = c.out.Close()
		return
	}
	resp, up := c.cfg.Acceptor.Upgrade(req)
	req.Release()
	if up == nil {
		c.encoder.Reset(uint64(id) + 1)
		c.write(uint64(id), AppendResponse(nil, resp, false))
		return
	}

	ch := websocket.NewChannel(0, func(p []byte) error {
		buf := make([]byte, len(p))
		copy(buf, p)
		return c.out.Write([][]byte{buf})
	}, c.out.Close)

	// No HTTP response may follow the 101. The channel owns the close.
	c.encoder.onClose = nil
	c.encoder.Reset(uint64(id) + 1)
	c.encoder.Write(uint64(id), AppendResponse(nil, resp, true), true).OnComplete(func(_ struct{}, err error) {
		if err != nil {
			_ = ch.Close()
			return
		}
		c.upMu.Lock()
		c.channel = ch
		if len(c.upPending) > 0 {
			ch.Push(c.upPending)
			c.upPending = nil
		}
		c.upMu.Unlock()
		go up.Serve(c.ctx, ch)
	})
}

// write submits a response for sequence id on the loop.
func (c *ServerConn) write(id uint64, b []byte) error {
	p := c.encoder.Write(id, b, true)
	if n := c.encoder.Buffered(); n != c.buffered {
		metrics.PipelineBuffered.Add(float64(n - c.buffered))
		c.buffered = n
	}
	if p.IsDone() {
		_, err := p.Result()
		return err
	}
	return nil
}

// Close tears the connection down, failing every response not yet written.
func (c *ServerConn) Close(cause error) {
	if cause == nil {
		cause = ErrConnClosed
	}
	c.cancel()
	c.upMu.Lock()
	if c.channel != nil {
		c.channel.CloseRead(websocket.ErrClosed)
	}
	c.upMu.Unlock()
	c.loop.Execute(func() {
		c.encoder.Fail(fmt.Errorf("%w: %v", ErrConnClosed, cause))
		c.seq.FailAll(cause)
		if c.buffered != 0 {
			metrics.PipelineBuffered.Sub(float64(c.buffered))
			c.buffered = 0
		}
	})
	c.loop.Close()
	metrics.ConnectionsActive.WithLabelValues(metrics.ProtoHTTP1, metrics.RoleServer).Dec()
}

// responder writes the response of one pipelined request.
type responder struct {
	c         *ServerConn
	id        uint32
	keepAlive bool
	done      *promise.Promise[struct{}]

	mu   sync.Mutex
	sent bool
}

func (r *responder) responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Respond encodes resp and queues it behind earlier responses. It returns
// once the response is queued, not once it is written.
func (r *responder) Respond(resp *message.Message) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return errors.New("h1: response already sent")
	}
	r.sent = true
	r.mu.Unlock()

	b := AppendResponse(nil, resp, r.keepAlive)
	resp.Release()

	errc := make(chan error, 1)
	if !r.c.loop.Execute(func() {
		if _, ok := r.c.seq.Remove(r.id); !ok {
			errc <- ErrConnClosed
			return
		}
		err := r.c.write(uint64(r.id), b)
		if err != nil {
			r.done.Fail(err)
		} else {
			r.done.Complete(struct{}{})
		}
		errc <- err
	}) {
		return ErrConnClosed
	}
	return <-errc
}
