package duplex

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/h1"
	"github.com/albertbausili/duplex/internal/h2/transport"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/websocket"
)

// Request and Response are the messages a Client exchanges.
type (
	Request  = message.Message
	Response = message.Message
)

// Protocols a Conn may speak.
const (
	ProtoHTTP1 = message.ProtoHTTP1
	ProtoHTTP2 = message.ProtoHTTP2
)

// NewRequest builds a client request. Scheme and authority are filled in by
// the connection.
func NewRequest(method, path string, body []byte) *Request {
	return message.NewRequest(method, "", "", path, body)
}

// DialOptions selects how a connection is established.
type DialOptions struct {
	// TLSConfig enables TLS; HTTP/2 is used when ALPN selects h2.
	TLSConfig *tls.Config
	// PriorKnowledge speaks HTTP/2 without negotiation.
	PriorKnowledge bool
	// Authority overrides the :authority / Host sent with requests.
	Authority string
	// PushHandler receives responses the server pushes, when EnablePush is set.
	PushHandler func(*Response)
}

// Client opens connections and picks the protocol for each.
type Client struct {
	config     Config
	logger     *zap.Logger
	dialer     *net.Dialer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithDialer replaces the default dialer.
func WithDialer(d *net.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithTracerProvider traces requests and handshakes with tp.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// WithPropagator sets how trace context is injected into requests.
func WithPropagator(p propagation.TextMapPropagator) ClientOption {
	return func(c *Client) { c.propagator = p }
}

// NewClient creates a client. It panics on an invalid config.
func NewClient(config Config, opts ...ClientOption) *Client {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	c := &Client{
		config:     config,
		logger:     config.Logger.Named("client"),
		dialer:     &net.Dialer{},
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to addr.
func (c *Client) Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	raw, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("duplex: dial %s: %w", addr, err)
	}
	conn := raw
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"h2", "http/1.1"}
		}
		if cfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(addr)
			cfg.ServerName = host
		}
		tc := tls.Client(raw, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("duplex: tls handshake with %s: %w", addr, err)
		}
		conn = tc
	}
	if opts.Authority == "" {
		opts.Authority = addr
	}
	cc, err := c.NewConn(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return cc, nil
}

// NewConn serves an established connection. A *tls.Conn must have completed
// its handshake.
func (c *Client) NewConn(conn net.Conn, opts DialOptions) (*Conn, error) {
	var state *tls.ConnectionState
	if tc, ok := conn.(*tls.Conn); ok {
		st := tc.ConnectionState()
		state = &st
	}
	if opts.Authority == "" {
		opts.Authority = conn.RemoteAddr().String()
	}
	cc := &Conn{client: c, authority: opts.Authority, secure: state != nil}
	cc.proto = selectProto(state, opts.PriorKnowledge)
	logger := c.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	if cc.proto == ProtoHTTP1 {
		cc.h1 = h1.NewClientConn(conn, h1.ClientConfig{
			RequestTimeout:   c.config.RequestTimeout,
			MaxContentLength: c.config.MaxContentLength,
			Logger:           logger,
		})
		return cc, nil
	}

	h2c, err := transport.NewClientConn(conn, transport.ClientConfig{
		Authority: opts.Authority,
		Settings: transport.Settings{
			MaxConcurrentStreams: c.config.MaxConcurrentStreams,
			MaxFrameSize:         c.config.MaxFrameSize,
			InitialWindowSize:    c.config.InitialWindowSize,
		},
		MaxContentLength: c.config.MaxContentLength,
		RequestTimeout:   c.config.RequestTimeout,
		EnablePush:       c.config.EnablePush,
		PushHandler:      opts.PushHandler,
		WebSocket: websocket.ClientConfig{
			Timeout:      c.config.HandshakeTimeout,
			Weight:       c.config.StreamWeight,
			Compression:  c.config.WebSocketCompression,
			RemovalDelay: c.config.StreamRemovalDelay,
			Logger:       logger,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	cc.h2 = h2c
	return cc, nil
}

// selectProto picks HTTP/2 when ALPN negotiated h2 or the caller asserts
// prior knowledge. A clear-text connection is never upgraded.
func selectProto(state *tls.ConnectionState, priorKnowledge bool) string {
	if state != nil {
		if state.NegotiatedProtocol == "h2" {
			return ProtoHTTP2
		}
		return ProtoHTTP1
	}
	if priorKnowledge {
		return ProtoHTTP2
	}
	return ProtoHTTP1
}

// Conn is one client connection, HTTP/1.1 or HTTP/2.
type Conn struct {
	client    *Client
	proto     string
	authority string
	secure    bool
	h1        *h1.ClientConn
	h2        *transport.ClientConn
}

// Proto is the protocol the connection speaks.
func (c *Conn) Proto() string { return c.proto }

// Do sends req and waits for its response. HTTP/1.1 requests are pipelined;
// HTTP/2 requests each get a stream.
func (c *Conn) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Scheme == "" {
		req.Scheme = "http"
		if c.secure {
			req.Scheme = "https"
		}
	}
	if req.Authority == "" {
		req.Authority = c.authority
	}

	ctx, span := c.client.tracer.Start(ctx, req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.String("server.address", req.Authority),
			attribute.String("network.protocol.version", c.proto),
		))
	defer span.End()
	c.client.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	var resp *Response
	var err error
	if c.h2 != nil {
		resp, err = c.h2.RoundTrip(ctx, req)
	} else {
		resp, err = c.h1.RoundTrip(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	if resp.Status >= 500 {
		span.SetStatus(codes.Error, strconv.Itoa(resp.Status))
	}
	return resp, nil
}

// Get is a convenience for Do with a GET request.
func (c *Conn) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodGet, path, nil))
}

// WebSocket opens a WebSocket on path over HTTP/2 extended CONNECT. The
// handshake waits for the server's SETTINGS, and fails with
// ErrWebSocketUnsupported when extended CONNECT is not offered or the
// connection speaks HTTP/1.1.
func (c *Conn) WebSocket(ctx context.Context, path, subprotocol string, header http.Header, handler WebSocketHandler) (*WebSocketConn, error) {
	ctx, span := c.client.tracer.Start(ctx, "websocket "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.path", path),
			attribute.String("websocket.subprotocol", subprotocol),
		))
	defer span.End()

	if c.h2 == nil {
		err := &HandshakeError{Path: path, Subprotocol: subprotocol, Reason: "connection speaks HTTP/1.1", Err: ErrWebSocketUnsupported}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if header == nil {
		header = make(http.Header)
	}
	c.client.propagator.Inject(ctx, propagation.HeaderCarrier(header))

	conn, err := c.h2.WebSocket(ctx, path, subprotocol, header, handler).Await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return conn, nil
}

// Done is closed once the connection is gone. HTTP/1.1 connections report
// nil.
func (c *Conn) Done() <-chan struct{} {
	if c.h2 != nil {
		return c.h2.Done()
	}
	return nil
}

// Close closes the connection, failing anything outstanding.
func (c *Conn) Close() error {
	if c.h2 != nil {
		return c.h2.Close()
	}
	return c.h1.Close()
}
