// Package adapter aggregates HTTP/2 stream events into complete HTTP messages.
//
// An Adapter is owned by one connection and must only be used from that
// connection's loop.
package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/message"
)

// Synthetic headers that carry HTTP/2 priority information on aggregated messages.
const (
	HeaderStreamDependency = "X-Http2-Stream-Dependency-Id"
	HeaderStreamWeight     = "X-Http2-Stream-Weight"
	HeaderExclusive        = "X-Http2-Stream-Exclusive"
)

// DefaultMaxContentLength bounds the body of one aggregated message.
const DefaultMaxContentLength = 10 << 20

// Role selects which side of the exchange the adapter decodes.
type Role int

const (
	// RoleClient aggregates responses and pushed streams.
	RoleClient Role = iota
	// RoleServer aggregates requests.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ConnectionError is fatal to the whole connection. Transports answer it with
// GOAWAY carrying Code.
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error %s: %s", e.Code, e.Reason)
}

func connError(code http2.ErrCode, format string, args ...any) error {
	return &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsConnectionError reports whether err must tear down the connection.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var hc http2.ConnectionError
	return errors.As(err, &hc)
}

// Listener receives the adapter's output.
type Listener interface {
	// MessageReceived is called once per completed message. Ownership of m
	// passes to the listener.
	MessageReceived(m *message.Message)
	// StreamFailed is called when the peer resets a stream.
	StreamFailed(streamID uint32, err error)
}

// Config configures an Adapter.
type Config struct {
	Role             Role
	MaxContentLength int64
	// PushEnabled allows PUSH_PROMISE on the client role.
	PushEnabled bool
	Logger      *zap.Logger
}

type pending struct {
	msg *message.Message
	// promised marks a pushed stream whose response headers have not arrived.
	promised bool
}

// Adapter turns per-stream frame events into aggregated messages. It keeps at
// most one pending message per stream.
type Adapter struct {
	role             Role
	maxContentLength int64
	pushEnabled      bool
	listener         Listener
	logger           *zap.Logger
	streams          map[uint32]*pending
}

// New creates an adapter that reports to l.
func New(cfg Config, l Listener) *Adapter {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		role:             cfg.Role,
		maxContentLength: cfg.MaxContentLength,
		pushEnabled:      cfg.PushEnabled && cfg.Role == RoleClient,
		listener:         l,
		logger:           cfg.Logger.Named("adapter").With(zap.Stringer("role", cfg.Role)),
		streams:          make(map[uint32]*pending),
	}
}

// Handle dispatches one event. It returns the number of flow-controlled bytes
// consumed, which is non-zero only for DATA. Errors are either an
// http2.StreamError, scoped to one stream, or a *ConnectionError.
func (a *Adapter) Handle(ev frame.Event) (int, error) {
	switch e := ev.(type) {
	case *frame.HeadersEvent:
		return 0, a.OnHeaders(e.Stream, e.Fields, e.Padding, e.EndStream, e.Truncated)
	case *frame.PriorityHeadersEvent:
		return 0, a.OnPriorityHeaders(e.Stream, e.Fields, e.Padding, e.EndStream, e.Truncated, e.Dependency, e.Weight, e.Exclusive)
	case *frame.DataEvent:
		return a.OnData(e.Stream, e.Data, e.Padding, e.EndStream)
	case *frame.RstStreamEvent:
		a.OnRstStream(e.Stream, e.Code)
		return 0, nil
	case *frame.PushPromiseEvent:
		return 0, a.OnPushPromise(e.Stream, e.Promised, e.Fields, e.Padding)
	case *frame.StreamRemovedEvent:
		a.OnStreamRemoved(e.Stream)
		return 0, nil
	case *frame.SettingsEvent, *frame.WindowUpdateEvent, *frame.PingEvent, *frame.GoAwayEvent:
		// connection control, owned by the session
		return 0, nil
	default:
		return 0, fmt.Errorf("adapter: unhandled event %T", ev)
	}
}

// OnHeaders handles a HEADERS block without priority information.
func (a *Adapter) OnHeaders(streamID uint32, fields []hpack.HeaderField, padding int, endStream, truncated bool) error {
	return a.onHeaders(streamID, fields, endStream, truncated, nil)
}

// OnPriorityHeaders handles a HEADERS block that carried a priority block. The
// dependency and weight are recorded as synthetic headers on the message.
func (a *Adapter) OnPriorityHeaders(streamID uint32, fields []hpack.HeaderField, padding int, endStream, truncated bool, dependency uint32, weight uint16, exclusive bool) error {
	return a.onHeaders(streamID, fields, endStream, truncated, func(h http.Header) {
		h.Set(HeaderStreamDependency, strconv.FormatUint(uint64(dependency), 10))
		h.Set(HeaderStreamWeight, strconv.Itoa(int(weight)))
		if exclusive {
			h.Set(HeaderExclusive, "true")
		}
	})
}

func (a *Adapter) onHeaders(streamID uint32, fields []hpack.HeaderField, endStream, truncated bool, decorate func(http.Header)) error {
	if truncated {
		a.drop(streamID)
		return streamError(streamID, http2.ErrCodeProtocol, errors.New("header list too large"))
	}

	p, ok := a.streams[streamID]
	if ok && !p.promised {
		return a.onTrailers(streamID, p, fields, endStream)
	}

	var err error
	if a.role == RoleServer {
		err = validateRequestHeaders(fields)
	} else {
		err = validateResponseHeaders(fields)
	}
	if err != nil {
		a.drop(streamID)
		return streamError(streamID, http2.ErrCodeProtocol, err)
	}

	m := message.New(streamID)
	m.Proto = message.ProtoHTTP2
	if err := message.ToHTTP1(m, fields, false); err != nil {
		m.Release()
		a.drop(streamID)
		return streamError(streamID, http2.ErrCodeProtocol, err)
	}

	// Informational responses carry no message of their own.
	if m.Status >= 100 && m.Status < 200 {
		m.Release()
		if endStream {
			a.drop(streamID)
			return streamError(streamID, http2.ErrCodeProtocol, fmt.Errorf("informational status %d ends stream", m.Status))
		}
		return nil
	}

	if ok {
		// response headers for a pushed stream
		req := p.msg
		m.Method, m.Scheme, m.Authority, m.Path = req.Method, req.Scheme, req.Authority, req.Path
		m.PromisedBy = req.PromisedBy
		req.Release()
	}
	if decorate != nil {
		decorate(m.Header)
	}

	if endStream {
		delete(a.streams, streamID)
		a.fire(m)
		return nil
	}
	a.streams[streamID] = &pending{msg: m}
	return nil
}

func (a *Adapter) onTrailers(streamID uint32, p *pending, fields []hpack.HeaderField, endStream bool) error {
	if !endStream {
		a.drop(streamID)
		return streamError(streamID, http2.ErrCodeProtocol, errors.New("trailers without END_STREAM"))
	}
	if err := validateTrailerHeaders(fields); err != nil {
		a.drop(streamID)
		return streamError(streamID, http2.ErrCodeProtocol, err)
	}
	if err := message.ToHTTP1(p.msg, fields, true); err != nil {
		a.drop(streamID)
		return streamError(streamID, http2.ErrCodeProtocol, err)
	}
	delete(a.streams, streamID)
	a.fire(p.msg)
	return nil
}

// OnData appends a DATA payload to the stream's pending message. It returns the
// number of bytes to credit back to flow control.
func (a *Adapter) OnData(streamID uint32, data []byte, padding int, endStream bool) (int, error) {
	p, ok := a.streams[streamID]
	if !ok || p.promised {
		return 0, connError(http2.ErrCodeProtocol, "data frame received for unknown stream id %d", streamID)
	}

	m := p.msg
	if int64(m.ContentLength())+int64(len(data)) > a.maxContentLength {
		a.drop(streamID)
		return 0, connError(http2.ErrCodeInternal, "content length exceeded max of %d for stream id %d", a.maxContentLength, streamID)
	}
	m.AppendBody(data)

	if endStream {
		delete(a.streams, streamID)
		a.fire(m)
	}
	return len(data) + padding, nil
}

// OnRstStream discards the stream's pending message and notifies the listener.
func (a *Adapter) OnRstStream(streamID uint32, code http2.ErrCode) {
	if a.drop(streamID) {
		a.logger.Debug("discarded pending message on reset",
			zap.Uint32("stream_id", streamID), zap.Stringer("code", code))
	}
	a.listener.StreamFailed(streamID, http2.StreamError{
		StreamID: streamID,
		Code:     code,
		Cause:    errors.New("stream reset by peer"),
	})
}

// OnPushPromise starts tracking a pushed stream. Only a client with push
// enabled accepts it; anything else is a connection error.
func (a *Adapter) OnPushPromise(streamID, promisedID uint32, fields []hpack.HeaderField, padding int) error {
	if a.role == RoleServer {
		return connError(http2.ErrCodeProtocol, "push promise received by server on stream %d", streamID)
	}
	if !a.pushEnabled {
		return connError(http2.ErrCodeProtocol, "push promise received with push disabled")
	}
	if promisedID == 0 || promisedID%2 != 0 {
		return connError(http2.ErrCodeProtocol, "invalid promised stream id %d", promisedID)
	}
	if _, exists := a.streams[promisedID]; exists {
		return connError(http2.ErrCodeProtocol, "promised stream %d already exists", promisedID)
	}
	if err := validateRequestHeaders(fields); err != nil {
		return streamError(promisedID, http2.ErrCodeProtocol, err)
	}

	m := message.New(promisedID)
	m.Proto = message.ProtoHTTP2
	if err := message.ToHTTP1(m, fields, false); err != nil {
		m.Release()
		return streamError(promisedID, http2.ErrCodeProtocol, err)
	}
	m.PromisedBy = streamID
	a.streams[promisedID] = &pending{msg: m, promised: true}
	return nil
}

// OnStreamRemoved releases whatever is still pending for the stream.
func (a *Adapter) OnStreamRemoved(streamID uint32) {
	a.drop(streamID)
}

// Pending reports whether a message is being aggregated for the stream.
func (a *Adapter) Pending(streamID uint32) bool {
	_, ok := a.streams[streamID]
	return ok
}

// Len returns the number of pending messages.
func (a *Adapter) Len() int {
	return len(a.streams)
}

// Close releases every pending message.
func (a *Adapter) Close() {
	for id := range a.streams {
		a.drop(id)
	}
}

func (a *Adapter) drop(streamID uint32) bool {
	p, ok := a.streams[streamID]
	if !ok {
		return false
	}
	delete(a.streams, streamID)
	p.msg.Release()
	return true
}

func (a *Adapter) fire(m *message.Message) {
	m.Finalize()
	a.listener.MessageReceived(m)
}

func streamError(streamID uint32, code http2.ErrCode, cause error) error {
	return http2.StreamError{StreamID: streamID, Code: code, Cause: cause}
}
