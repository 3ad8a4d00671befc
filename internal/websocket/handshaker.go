package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/loop"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
	"github.com/albertbausili/duplex/internal/promise"
)

// Defaults for ClientConfig.
const (
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultRemovalDelay     = 100 * time.Millisecond
	Version                 = "13"
)

const (
	headerVersion  = "sec-websocket-version"
	headerProtocol = "sec-websocket-protocol"
)

type capability int

const (
	capabilityUnknown capability = iota
	capabilitySupported
	capabilityUnsupported
)

// ClientConfig configures a ClientHandshaker.
type ClientConfig struct {
	// Timeout bounds a handshake from dispatch to response.
	Timeout time.Duration
	// Weight is the HTTP/2 stream weight of handshake streams.
	Weight uint16
	// Compression offers permessage-deflate.
	Compression bool
	// RemovalDelay keeps a closed stream routed so racing frames are absorbed.
	RemovalDelay time.Duration
	Logger       *zap.Logger
}

// HandshakeOption customizes one handshake.
type HandshakeOption func(*handshake)

// WithWeight overrides the stream weight for one handshake.
func WithWeight(w uint16) HandshakeOption {
	return func(hs *handshake) { hs.weight = w }
}

// ClientHandshaker runs WebSocket handshakes over one HTTP/2 client
// connection. Handshakes issued before the peer's first SETTINGS are deferred
// and dispatched in order once extended CONNECT support is known.
//
// Except for Handshake, methods must be called on the host loop.
type ClientHandshaker struct {
	host   Host
	cfg    ClientConfig
	logger *zap.Logger

	capability capability
	deferred   []*handshake
	inflight   map[*handshake]struct{}
	closed     bool

	// life ends when the host connection closes.
	life    context.Context
	endLife context.CancelFunc
}

type handshake struct {
	path        string
	subprotocol string
	header      http.Header
	handler     Handler
	weight      uint16
	ctx         context.Context

	done     atomic.Bool
	streamID uint32
	timer    *loop.Timer
	started  time.Time
	result   *promise.Promise[*Conn]
}

// NewClientHandshaker creates a handshaker for host. It must be called on the
// host loop.
func NewClientHandshaker(host Host, cfg ClientConfig) *ClientHandshaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	if cfg.Weight == 0 {
		cfg.Weight = frame.DefaultWeight
	}
	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = DefaultRemovalDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &ClientHandshaker{
		host:     host,
		cfg:      cfg,
		logger:   cfg.Logger.Named("websocket").With(zap.String("authority", host.Authority())),
		inflight: make(map[*handshake]struct{}),
	}
	c.life, c.endLife = context.WithCancel(context.Background())
	host.OnClose(c.onClose)
	return c
}

// Handshake opens a WebSocket on path. The returned promise completes with the
// connection once the server accepts; handler then serves the connection on
// its own goroutine and the connection closes when it returns. An empty
// subprotocol requests none and expects none back. Cancelling ctx abandons a
// handshake still in progress; the handler's context keeps ctx's values and is
// cancelled when the connection closes.
//
// Handshake may be called from any goroutine. Callbacks registered on the
// promise run on the connection loop and must not block.
func (c *ClientHandshaker) Handshake(ctx context.Context, path, subprotocol string, header http.Header, handler Handler, opts ...HandshakeOption) *promise.Promise[*Conn] {
	if path == "" {
		return promise.Failed[*Conn](errors.New("websocket: empty path"))
	}
	if handler == nil {
		return promise.Failed[*Conn](errors.New("websocket: nil handler"))
	}
	if header == nil {
		header = http.Header{}
	}

	hs := &handshake{
		path:        path,
		subprotocol: subprotocol,
		header:      header,
		handler:     handler,
		weight:      c.cfg.Weight,
		ctx:         context.WithoutCancel(ctx),
		result:      promise.New[*Conn](),
	}
	for _, opt := range opts {
		opt(hs)
	}

	lp := c.host.Loop()
	if lp.Closed() || !lp.Execute(func() { c.submit(hs) }) {
		hs.done.Store(true)
		hs.result.Fail(&HandshakeError{Path: path, Subprotocol: subprotocol, Reason: "connection closed", Err: ErrClosed})
		return hs.result
	}

	stop := context.AfterFunc(ctx, func() {
		lp.Execute(func() {
			c.finish(hs, nil, &HandshakeError{
				Path:        hs.path,
				Subprotocol: hs.subprotocol,
				Reason:      ctx.Err().Error(),
				Err:         errors.Join(ErrCancelled, ctx.Err()),
			}, metrics.OutcomeCancelled)
		})
	})
	hs.result.OnComplete(func(*Conn, error) { stop() })
	return hs.result
}

// OnSettings records whether the peer advertised SETTINGS_ENABLE_CONNECT_PROTOCOL.
// Only the first call decides; deferred handshakes are drained by it.
func (c *ClientHandshaker) OnSettings(enableConnect bool) {
	if c.capability != capabilityUnknown {
		return
	}
	if enableConnect {
		c.capability = capabilitySupported
	} else {
		c.capability = capabilityUnsupported
	}

	deferred := c.deferred
	c.deferred = nil
	if c.capability == capabilityUnsupported {
		c.logger.Warn("remote peer does not support extended CONNECT, failing websocket handshakes",
			zap.Int("deferred", len(deferred)))
	}
	for _, hs := range deferred {
		if hs.done.Load() {
			continue
		}
		if c.capability == capabilitySupported {
			c.dispatch(hs)
		} else {
			c.finish(hs, nil, c.unsupported(hs), metrics.OutcomeUnsupported)
		}
	}
}

// Deferred returns the number of handshakes waiting for SETTINGS.
func (c *ClientHandshaker) Deferred() int {
	return len(c.deferred)
}

func (c *ClientHandshaker) submit(hs *handshake) {
	if hs.done.Load() {
		return
	}
	if c.closed || !c.host.IsOpen() {
		c.finish(hs, nil, &HandshakeError{Path: hs.path, Subprotocol: hs.subprotocol, Reason: "connection closed", Err: ErrClosed}, metrics.OutcomeClosed)
		return
	}
	c.inflight[hs] = struct{}{}

	switch c.capability {
	case capabilityUnknown:
		c.deferred = append(c.deferred, hs)
		c.logger.Debug("websocket handshake deferred until SETTINGS", zap.String("path", hs.path))
	case capabilitySupported:
		c.dispatch(hs)
	default:
		c.logger.Warn("websocket handshake on connection without extended CONNECT", zap.String("path", hs.path))
		c.finish(hs, nil, c.unsupported(hs), metrics.OutcomeUnsupported)
	}
}

func (c *ClientHandshaker) unsupported(hs *handshake) error {
	return &HandshakeError{
		Path:        hs.path,
		Subprotocol: hs.subprotocol,
		Reason:      "unsupported bootstrap: remote peer does not support websocket over http/2",
		Err:         ErrUnsupported,
	}
}

func (c *ClientHandshaker) dispatch(hs *handshake) {
	id, err := c.host.NextStreamID()
	if err != nil {
		c.finish(hs, nil, &HandshakeError{Path: hs.path, Subprotocol: hs.subprotocol, Reason: err.Error(), Err: errors.Join(ErrClosed, err)}, metrics.OutcomeClosed)
		return
	}
	hs.streamID = id
	hs.started = time.Now()
	c.host.Attach(id, &clientStream{c: c, hs: hs})
	hs.timer = c.host.Loop().AfterFunc(c.cfg.Timeout, func() {
		c.finish(hs, nil, &HandshakeError{
			Path:        hs.path,
			Subprotocol: hs.subprotocol,
			Reason:      fmt.Sprintf("no response within %s", c.cfg.Timeout),
			Err:         ErrTimeout,
		}, metrics.OutcomeTimeout)
	})

	if err := c.host.WriteHeaders(id, c.requestFields(hs), false, hs.weight); err != nil {
		c.finish(hs, nil, &HandshakeError{Path: hs.path, Subprotocol: hs.subprotocol, Reason: err.Error(), Err: errors.Join(ErrClosed, err)}, metrics.OutcomeClosed)
		return
	}
	c.logger.Debug("websocket handshake dispatched",
		zap.Uint32("stream_id", id), zap.String("path", hs.path), zap.String("subprotocol", hs.subprotocol))
}

func (c *ClientHandshaker) requestFields(hs *handshake) []hpack.HeaderField {
	scheme := "http"
	if c.host.Secure() {
		scheme = "https"
	}
	fields := []hpack.HeaderField{
		{Name: message.PseudoMethod, Value: http.MethodConnect},
		{Name: message.PseudoProtocol, Value: "websocket"},
		{Name: message.PseudoScheme, Value: scheme},
		{Name: message.PseudoAuthority, Value: c.host.Authority()},
		{Name: message.PseudoPath, Value: hs.path},
		{Name: headerVersion, Value: Version},
	}
	if hs.subprotocol != "" {
		fields = append(fields, hpack.HeaderField{Name: headerProtocol, Value: hs.subprotocol})
	}
	if c.cfg.Compression {
		fields = append(fields, hpack.HeaderField{Name: headerExtensions, Value: extensionOffer()})
	}
	return setAll(fields, hs.header)
}

// setAll applies custom headers last; a custom header replaces every field of
// the same name.
func setAll(fields []hpack.HeaderField, h http.Header) []hpack.HeaderField {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(name)
		if lower == "host" || strings.HasPrefix(lower, ":") || message.IsHopByHop(lower) {
			continue
		}
		kept := fields[:0]
		for _, f := range fields {
			if f.Name != lower {
				kept = append(kept, f)
			}
		}
		fields = kept
		for _, v := range h[name] {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return fields
}

func (c *ClientHandshaker) onResponse(hs *handshake, fields []hpack.HeaderField, endStream bool) {
	if hs.done.Load() {
		return
	}
	raw, _ := message.Field(fields, message.PseudoStatus)
	status, err := strconv.Atoi(raw)
	if err != nil {
		c.finish(hs, nil, c.rejected(hs, 0, fmt.Sprintf("invalid :status %q", raw), ErrRejected), metrics.OutcomeRejected)
		return
	}
	if status >= 100 && status < 200 && !endStream {
		return
	}

	switch {
	case status == http.StatusOK && endStream:
		c.finish(hs, nil, c.rejected(hs, status, "server closed the stream immediately", ErrUnexpectedResult), metrics.OutcomeRejected)
	case status == http.StatusOK:
		echoed, _ := message.Field(fields, headerProtocol)
		if echoed != hs.subprotocol {
			c.finish(hs, nil, c.rejected(hs, status,
				fmt.Sprintf("subprotocol mismatch: requested %q, server selected %q", hs.subprotocol, echoed),
				ErrSubprotocolMismatch), metrics.OutcomeRejected)
			return
		}
		offered, _ := message.Field(fields, headerExtensions)
		compressed := false
		if c.cfg.Compression {
			if compressed, err = acceptExtensions(offered); err != nil {
				c.finish(hs, nil, c.rejected(hs, status, err.Error(), err), metrics.OutcomeRejected)
				return
			}
		} else if offered != "" {
			c.finish(hs, nil, c.rejected(hs, status, "server selected an extension that was not offered", ErrExtension), metrics.OutcomeRejected)
			return
		}
		c.promote(hs, compressed)
	case status == http.StatusBadRequest:
		reason := "bad request"
		if v, ok := message.Field(fields, headerVersion); ok {
			reason = fmt.Sprintf("bad request: unsupported websocket version, server supports %s", v)
		}
		c.finish(hs, nil, c.rejected(hs, status, reason, ErrBadRequest), metrics.OutcomeRejected)
	case status == http.StatusNotFound:
		c.finish(hs, nil, c.rejected(hs, status,
			fmt.Sprintf("not found: path %q, subprotocol %q", hs.path, hs.subprotocol),
			ErrNotFound), metrics.OutcomeRejected)
	default:
		c.finish(hs, nil, c.rejected(hs, status, fmt.Sprintf("unexpected status %d", status), ErrRejected), metrics.OutcomeRejected)
	}
}

func (c *ClientHandshaker) rejected(hs *handshake, status int, reason string, err error) error {
	return &HandshakeError{Status: status, Path: hs.path, Subprotocol: hs.subprotocol, Reason: reason, Err: err}
}

func (c *ClientHandshaker) promote(hs *handshake, compressed bool) {
	ch := streamChannel(c.host, hs.streamID, c.cfg.RemovalDelay)
	ch.subprotocol = hs.subprotocol
	ch.compressed = compressed
	c.host.Attach(hs.streamID, &channelStream{ch: ch})

	conn := NewConn(ch, true, c.logger.With(zap.Uint32("stream_id", hs.streamID)))
	if !c.finish(hs, conn, nil, metrics.OutcomeSuccess) {
		_ = ch.Close()
		return
	}
	// The handler keeps the caller's values but ends with the connection.
	ctx, cancel := context.WithCancel(hs.ctx)
	stop := context.AfterFunc(c.life, cancel)
	go func() {
		defer cancel()
		defer stop()
		serve(ctx, hs.handler, conn)
	}()
}

// finish is the single completion point of a handshake. It reports whether
// this call completed it.
func (c *ClientHandshaker) finish(hs *handshake, conn *Conn, err error, outcome string) bool {
	if !hs.done.CompareAndSwap(false, true) {
		return false
	}
	hs.timer.Stop()
	delete(c.inflight, hs)

	metrics.Handshakes.WithLabelValues(metrics.RoleClient, metrics.ProtoHTTP2, outcome).Inc()
	if !hs.started.IsZero() {
		metrics.HandshakeDuration.WithLabelValues(metrics.RoleClient).Observe(time.Since(hs.started).Seconds())
	}

	if err != nil {
		if hs.streamID != 0 && c.host.IsOpen() {
			_ = c.host.WriteRSTStream(hs.streamID, http2.ErrCodeCancel)
		}
		if hs.streamID != 0 {
			c.host.Detach(hs.streamID, c.cfg.RemovalDelay)
		}
		c.logger.Debug("websocket handshake failed", zap.String("path", hs.path), zap.Error(err))
		hs.result.Fail(err)
		return true
	}
	hs.result.Complete(conn)
	return true
}

func (c *ClientHandshaker) onClose(err error) {
	c.closed = true
	c.endLife()
	cause := &HandshakeError{Reason: "connection closed", Err: ErrClosed}
	if err != nil {
		cause.Reason = "connection closed: " + err.Error()
	}
	c.deferred = nil
	for hs := range c.inflight {
		e := *cause
		e.Path, e.Subprotocol = hs.path, hs.subprotocol
		c.finish(hs, nil, &e, metrics.OutcomeClosed)
	}
}

// clientStream routes a dispatched handshake's frames until it is promoted.
type clientStream struct {
	c  *ClientHandshaker
	hs *handshake
}

func (s *clientStream) OnHeaders(fields []hpack.HeaderField, endStream bool) {
	s.c.onResponse(s.hs, fields, endStream)
}

func (s *clientStream) OnData([]byte, bool) {}

func (s *clientStream) OnReset(code http2.ErrCode) {
	s.c.finish(s.hs, nil, &HandshakeError{
		Path:        s.hs.path,
		Subprotocol: s.hs.subprotocol,
		Reason:      "stream reset: " + code.String(),
		Err:         ErrReset,
	}, metrics.OutcomeRejected)
}

func (s *clientStream) OnConnectionClosed(err error) {
	s.c.onClose(err)
}
