// Package transport runs HTTP/2 connections: the preface and SETTINGS
// exchange, flow control, stream bookkeeping, aggregation of frames into
// messages and the routing of streams promoted to WebSockets.
//
// Every connection owns a loop. Frames are read on a reader goroutine and
// handed to the loop; all stream state is touched only there.
package transport

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/h2/adapter"
	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/loop"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
	"github.com/albertbausili/duplex/internal/websocket"
)

// Defaults advertised in SETTINGS.
const (
	DefaultMaxConcurrentStreams = 100
	DefaultInitialWindowSize    = 1 << 20
)

var (
	// ErrConnClosed is returned for work on a connection that went away.
	ErrConnClosed = errors.New("h2: connection closed")
	// ErrResponseTimeout is returned when a response does not arrive in time.
	ErrResponseTimeout = errors.New("h2: response timeout")
	// ErrRefused marks requests the peer never processed. They are safe to
	// retry on another connection.
	ErrRefused = errors.New("h2: request refused")
	// ErrStreamClosed is returned for writes to a stream that is gone.
	ErrStreamClosed = errors.New("h2: stream closed")
)

// Settings are the values a connection advertises to its peer.
type Settings struct {
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	InitialWindowSize    uint32
	MaxHeaderListSize    uint32
}

func (s Settings) withDefaults() Settings {
	if s.MaxConcurrentStreams == 0 {
		s.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	switch {
	case s.MaxFrameSize == 0:
		s.MaxFrameSize = frame.DefaultMaxFrameSize
	case s.MaxFrameSize < frame.DefaultMaxFrameSize:
		s.MaxFrameSize = frame.DefaultMaxFrameSize
	case s.MaxFrameSize > frame.MaxAllowedFrameSize:
		s.MaxFrameSize = frame.MaxAllowedFrameSize
	}
	if s.InitialWindowSize == 0 {
		s.InitialWindowSize = DefaultInitialWindowSize
	}
	if s.InitialWindowSize > frame.MaxWindowSize {
		s.InitialWindowSize = frame.MaxWindowSize
	}
	return s
}

// connHooks is the role specific half of a connection. Every method runs on
// the loop.
type connHooks interface {
	nextStreamID() (uint32, error)
	messageReceived(m *message.Message)
	streamFailed(streamID uint32, err error)
	// onSettings is called after the session applied and acknowledged a
	// SETTINGS frame.
	onSettings(e *frame.SettingsEvent)
	// onNewStream is offered the HEADERS that reference an unknown stream. It
	// reports whether it consumed them; otherwise they go to the adapter.
	onNewStream(e *frame.HeadersEvent) bool
	onGoAway(e *frame.GoAwayEvent)
	streamClosed(streamID uint32)
	onClosed(err error)
}

// listener feeds adapter output back into the hooks.
type listener struct{ h connHooks }

func (l listener) MessageReceived(m *message.Message)      { l.h.messageReceived(m) }
func (l listener) StreamFailed(streamID uint32, err error) { l.h.streamFailed(streamID, err) }

type stream struct {
	id         uint32
	sendWindow int64

	// DATA waiting for flow-control credit, and what follows it.
	queued    []byte
	endQueued bool
	trailers  []hpack.HeaderField

	localClosed  bool
	remoteClosed bool

	// handler is set once the stream is promoted; frames then bypass the
	// adapter.
	handler  websocket.StreamHandler
	detached bool
	timer    *loop.Timer
}

type sessionConfig struct {
	role             adapter.Role
	settings         Settings
	maxContentLength int64
	pushEnabled      bool
	secure           bool
	authority        string
	remote           string
	logger           *zap.Logger
}

// session is the connection core shared by ClientConn and ServerConn. It
// implements websocket.Host.
type session struct {
	role      adapter.Role
	local     Settings
	secure    bool
	authority string
	loop      *loop.Loop
	writer    *frame.Writer
	adapter   *adapter.Adapter
	logger    *zap.Logger
	hooks     connHooks
	closeConn func() error
	readers   sync.WaitGroup

	// owned by the loop
	open           bool
	peerMaxFrame   uint32
	peerWindow     int64
	connSendWindow int64
	streams        map[uint32]*stream
	lastLocal      uint32
	lastPeer       uint32
	goAwaySent     bool
	closeFns       []func(error)
	closeErr       error
}

func newSession(w io.Writer, closeConn func() error, cfg sessionConfig, hooks connHooks) *session {
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	logger := cfg.logger.Named("h2").With(zap.String("remote", cfg.remote))
	s := &session{
		role:           cfg.role,
		local:          cfg.settings.withDefaults(),
		secure:         cfg.secure,
		authority:      cfg.authority,
		loop:           loop.New(logger),
		writer:         frame.NewWriter(w),
		logger:         logger,
		hooks:          hooks,
		closeConn:      closeConn,
		open:           true,
		peerMaxFrame:   frame.DefaultMaxFrameSize,
		peerWindow:     frame.DefaultInitialWindowSize,
		connSendWindow: frame.DefaultInitialWindowSize,
		streams:        make(map[uint32]*stream),
	}
	s.adapter = adapter.New(adapter.Config{
		Role:             cfg.role,
		MaxContentLength: cfg.maxContentLength,
		PushEnabled:      cfg.pushEnabled,
		Logger:           logger,
	}, listener{h: hooks})
	metrics.ConnectionsActive.WithLabelValues(metrics.ProtoHTTP2, s.roleLabel()).Inc()
	return s
}

func (s *session) roleLabel() string {
	if s.role == adapter.RoleServer {
		return metrics.RoleServer
	}
	return metrics.RoleClient
}

// start begins reading frames from r.
func (s *session) start(r io.Reader) {
	p := frame.NewParser(r, s.local.MaxFrameSize, s.local.MaxHeaderListSize)
	s.readers.Add(1)
	go s.readLoop(p)
}

func (s *session) readLoop(p *frame.Parser) {
	defer s.readers.Done()
	for {
		ev, err := p.NextEvent()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if s.loop.Execute(func() { s.resetStream(se.StreamID, se.Code, se) }) {
					continue
				}
				return
			}
			s.loop.Execute(func() { s.readFailed(err) })
			return
		}
		if !s.loop.Execute(func() { s.dispatch(ev) }) {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		s.connError(http2.ErrCode(ce), err.Error())
		return
	}
	s.terminate(closedErr(err))
}

// writeSettings sends our SETTINGS and widens the connection receive window
// to match the stream window.
func (s *session) writeSettings(extra ...http2.Setting) error {
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: s.local.MaxConcurrentStreams},
		{ID: http2.SettingMaxFrameSize, Val: s.local.MaxFrameSize},
		{ID: http2.SettingInitialWindowSize, Val: s.local.InitialWindowSize},
	}
	if s.local.MaxHeaderListSize > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: s.local.MaxHeaderListSize})
	}
	settings = append(settings, extra...)
	if err := s.writer.WriteSettings(settings...); err != nil {
		return err
	}
	if s.local.InitialWindowSize > frame.DefaultInitialWindowSize {
		return s.writer.WriteWindowUpdate(0, s.local.InitialWindowSize-frame.DefaultInitialWindowSize)
	}
	return nil
}

// Loop returns the connection loop.
func (s *session) Loop() *loop.Loop { return s.loop }

// IsOpen reports whether the connection still accepts writes.
func (s *session) IsOpen() bool { return s.open }

// Secure reports whether the connection runs over TLS.
func (s *session) Secure() bool { return s.secure }

// Authority is the :authority used for requests on this connection.
func (s *session) Authority() string { return s.authority }

// NextStreamID allocates the id of a new locally initiated stream.
func (s *session) NextStreamID() (uint32, error) { return s.hooks.nextStreamID() }

// OnClose registers fn to run when the connection closes. It runs at once if
// the connection already has.
func (s *session) OnClose(fn func(err error)) {
	if !s.open {
		fn(s.closeErr)
		return
	}
	s.closeFns = append(s.closeFns, fn)
}

func (s *session) newStream(id uint32) *stream {
	st := &stream{id: id, sendWindow: s.peerWindow}
	s.streams[id] = st
	return st
}

// localStream returns the state of a stream we write on, opening it when id
// is the next client stream.
func (s *session) localStream(id uint32) (*stream, error) {
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	if s.role != adapter.RoleClient || id%2 == 0 || id <= s.lastLocal {
		return nil, fmt.Errorf("%w: stream %d", ErrStreamClosed, id)
	}
	s.lastLocal = id
	metrics.StreamsOpened.WithLabelValues(metrics.RoleClient).Inc()
	return s.newStream(id), nil
}

// WriteHeaders writes a header block. On a stream with DATA still waiting for
// credit the block is held back and sent, as trailers, after it.
func (s *session) WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool, weight uint16) error {
	if !s.open {
		return ErrConnClosed
	}
	st, err := s.localStream(streamID)
	if err != nil {
		return err
	}
	if st.localClosed || st.endQueued {
		return fmt.Errorf("%w: stream %d already ended", ErrStreamClosed, streamID)
	}
	if len(st.queued) > 0 {
		if !endStream {
			return fmt.Errorf("h2: headers on stream %d while data is pending", streamID)
		}
		st.trailers = fields
		st.endQueued = true
		return nil
	}
	if err := s.writer.WriteHeaderFields(streamID, fields, endStream, weight, s.peerMaxFrame); err != nil {
		s.writeFailed(err)
		return ErrConnClosed
	}
	if endStream {
		st.localClosed = true
		s.maybeRemove(st)
	}
	return nil
}

// WriteData queues data on the stream and sends as much as flow control allows.
func (s *session) WriteData(streamID uint32, data []byte, endStream bool) error {
	if !s.open {
		return ErrConnClosed
	}
	st, ok := s.streams[streamID]
	if !ok || st.localClosed || st.endQueued {
		return fmt.Errorf("%w: stream %d", ErrStreamClosed, streamID)
	}
	if len(data) > 0 {
		st.queued = append(st.queued, data...)
	}
	if endStream {
		st.endQueued = true
	}
	return s.flush(st)
}

func (s *session) flush(st *stream) error {
	for len(st.queued) > 0 {
		n := min(int64(len(st.queued)), s.connSendWindow, st.sendWindow, int64(s.peerMaxFrame))
		if n <= 0 {
			return nil
		}
		last := n == int64(len(st.queued)) && st.endQueued && st.trailers == nil
		if err := s.writer.WriteData(st.id, last, st.queued[:n]); err != nil {
			s.writeFailed(err)
			return ErrConnClosed
		}
		st.queued = st.queued[n:]
		s.connSendWindow -= n
		st.sendWindow -= n
		if last {
			st.localClosed = true
		}
	}
	st.queued = nil

	switch {
	case st.trailers != nil:
		trailers := st.trailers
		st.trailers = nil
		if err := s.writer.WriteHeaderFields(st.id, trailers, true, 0, s.peerMaxFrame); err != nil {
			s.writeFailed(err)
			return ErrConnClosed
		}
		st.localClosed = true
	case st.endQueued && !st.localClosed:
		if err := s.writer.WriteData(st.id, true, nil); err != nil {
			s.writeFailed(err)
			return ErrConnClosed
		}
		st.localClosed = true
	}
	if st.localClosed {
		s.maybeRemove(st)
	}
	return nil
}

func (s *session) flushAll() {
	ids := make([]uint32, 0, len(s.streams))
	for id, st := range s.streams {
		if len(st.queued) > 0 || st.endQueued {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		if st, ok := s.streams[id]; ok && s.open {
			_ = s.flush(st)
		}
	}
}

// writeMessage writes a whole request or response: HEADERS, then DATA, then
// trailers. Whatever flow control holds back goes out as credit arrives.
func (s *session) writeMessage(id uint32, fields []hpack.HeaderField, body []byte, trailers []hpack.HeaderField) error {
	endHeaders := len(body) == 0 && len(trailers) == 0
	if err := s.WriteHeaders(id, fields, endHeaders, 0); err != nil {
		return err
	}
	if endHeaders {
		return nil
	}
	if err := s.WriteData(id, body, len(trailers) == 0); err != nil {
		return err
	}
	if len(trailers) > 0 {
		return s.WriteHeaders(id, trailers, true, 0)
	}
	return nil
}

// WriteRSTStream resets a stream and forgets it.
func (s *session) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	if !s.open {
		return ErrConnClosed
	}
	if st, ok := s.streams[streamID]; ok {
		s.removeStream(st)
	}
	metrics.StreamResets.WithLabelValues(code.String()).Inc()
	if err := s.writer.WriteRSTStream(streamID, code); err != nil {
		s.writeFailed(err)
		return ErrConnClosed
	}
	return nil
}

// Attach routes the stream's inbound frames to h instead of the adapter.
func (s *session) Attach(streamID uint32, h websocket.StreamHandler) {
	st, err := s.localStream(streamID)
	if err != nil {
		h.OnReset(http2.ErrCodeStreamClosed)
		return
	}
	st.handler = h
	st.detached = false
}

// Detach keeps a promoted stream registered for grace, absorbing frames that
// race its close, then forgets it.
func (s *session) Detach(streamID uint32, grace time.Duration) {
	st, ok := s.streams[streamID]
	if !ok {
		return
	}
	st.detached = true
	st.timer.Stop()
	st.timer = s.loop.AfterFunc(grace, func() {
		if s.streams[streamID] == st {
			s.removeStream(st)
		}
	})
}

func (s *session) maybeRemove(st *stream) {
	if st.localClosed && st.remoteClosed && st.handler == nil {
		s.removeStream(st)
	}
}

func (s *session) removeStream(st *stream) {
	if s.streams[st.id] != st {
		return
	}
	st.timer.Stop()
	delete(s.streams, st.id)
	if st.handler == nil {
		s.adapter.OnStreamRemoved(st.id)
	}
	s.hooks.streamClosed(st.id)
}

// dropAbove forgets the local streams above last without resetting them. The
// peer never processed them.
func (s *session) dropAbove(last uint32) {
	ids := make([]uint32, 0)
	for id := range s.streams {
		if id > last && s.isLocal(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		st := s.streams[id]
		h := st.handler
		s.removeStream(st)
		if h != nil && !st.detached {
			h.OnReset(http2.ErrCodeRefusedStream)
		}
	}
}

func (s *session) isLocal(id uint32) bool {
	if s.role == adapter.RoleServer {
		return id%2 == 0
	}
	return id%2 == 1
}

// closedStream reports whether id belongs to a stream that existed and is gone.
func (s *session) closedStream(id uint32) bool {
	if s.isLocal(id) {
		return id <= s.lastLocal
	}
	return id <= s.lastPeer
}

func headersOf(ev frame.Event) *frame.HeadersEvent {
	switch e := ev.(type) {
	case *frame.HeadersEvent:
		return e
	case *frame.PriorityHeadersEvent:
		return &e.HeadersEvent
	}
	return nil
}

// dispatch handles one inbound event on the loop.
func (s *session) dispatch(ev frame.Event) {
	if !s.open {
		return
	}
	switch e := ev.(type) {
	case *frame.SettingsEvent:
		s.onSettings(e)
		return
	case *frame.PingEvent:
		if !e.Ack {
			if err := s.writer.WritePing(true, e.Data); err != nil {
				s.writeFailed(err)
			}
		}
		return
	case *frame.WindowUpdateEvent:
		s.onWindowUpdate(e)
		return
	case *frame.GoAwayEvent:
		s.logger.Debug("goaway received",
			zap.Uint32("last_stream_id", e.LastStreamID), zap.Stringer("code", e.Code), zap.ByteString("debug", e.DebugData))
		s.hooks.onGoAway(e)
		return
	}

	id := ev.StreamID()
	data, isData := ev.(*frame.DataEvent)
	if isData {
		s.refund(0, data.FlowControlled())
	}

	st := s.streams[id]
	switch {
	case st != nil && st.handler != nil:
		s.route(st, ev)
		return
	case st != nil && st.remoteClosed:
		if _, ok := ev.(*frame.RstStreamEvent); ok {
			break
		}
		s.resetStream(id, http2.ErrCodeStreamClosed, fmt.Errorf("frame on half-closed stream %d", id))
		return
	case st == nil && s.closedStream(id):
		if _, ok := ev.(*frame.PushPromiseEvent); !ok {
			s.logger.Debug("dropping frame for closed stream", zap.Uint32("stream_id", id), zap.String("frame", fmt.Sprintf("%T", ev)))
			return
		}
	case st == nil:
		if h := headersOf(ev); h != nil && s.hooks.onNewStream(h) {
			return
		}
	}

	n, err := s.adapter.Handle(ev)
	if err != nil {
		s.onAdapterError(err)
		return
	}

	st = s.streams[id]
	switch e := ev.(type) {
	case *frame.RstStreamEvent:
		if st != nil {
			s.removeStream(st)
		}
	case *frame.PushPromiseEvent:
		ps := s.newStream(e.Promised)
		ps.localClosed = true
		s.lastPeer = max(s.lastPeer, e.Promised)
		metrics.StreamsOpened.WithLabelValues(metrics.RoleClient).Inc()
	case *frame.DataEvent:
		if st == nil {
			return
		}
		if e.EndStream {
			st.remoteClosed = true
			s.maybeRemove(st)
		} else {
			s.refund(id, n)
		}
	default:
		if h := headersOf(ev); h != nil && st != nil && h.EndStream {
			st.remoteClosed = true
			s.maybeRemove(st)
		}
	}
}

// route delivers a frame to a promoted stream. Frames arriving after Detach
// are absorbed.
func (s *session) route(st *stream, ev frame.Event) {
	switch e := ev.(type) {
	case *frame.RstStreamEvent:
		h := st.handler
		s.removeStream(st)
		if !st.detached {
			h.OnReset(e.Code)
		}
		return
	case *frame.DataEvent:
		if e.EndStream {
			st.remoteClosed = true
		} else if !st.detached {
			s.refund(st.id, e.FlowControlled())
		}
		if !st.detached {
			st.handler.OnData(e.Data, e.EndStream)
		}
	case *frame.HeadersEvent, *frame.PriorityHeadersEvent:
		h := headersOf(ev)
		if h.EndStream {
			st.remoteClosed = true
		}
		if !st.detached {
			st.handler.OnHeaders(h.Fields, h.EndStream)
		}
	case *frame.PushPromiseEvent:
		s.connError(http2.ErrCodeProtocol, "push promise on a promoted stream")
	}
}

// refund returns n bytes of receive window; stream zero is the connection.
func (s *session) refund(streamID uint32, n int) {
	if n <= 0 || !s.open {
		return
	}
	if err := s.writer.WriteWindowUpdate(streamID, uint32(n)); err != nil {
		s.writeFailed(err)
	}
}

func (s *session) onSettings(e *frame.SettingsEvent) {
	if e.Ack {
		return
	}
	var grew bool
	for _, set := range e.Settings {
		switch set.ID {
		case http2.SettingInitialWindowSize:
			if set.Val > frame.MaxWindowSize {
				s.connError(http2.ErrCodeFlowControl, "initial window size too large")
				return
			}
			delta := int64(set.Val) - s.peerWindow
			s.peerWindow = int64(set.Val)
			for _, st := range s.streams {
				st.sendWindow += delta
			}
			grew = grew || delta > 0
		case http2.SettingMaxFrameSize:
			if set.Val < frame.DefaultMaxFrameSize || set.Val > frame.MaxAllowedFrameSize {
				s.connError(http2.ErrCodeProtocol, "invalid max frame size")
				return
			}
			s.peerMaxFrame = set.Val
		case http2.SettingHeaderTableSize:
			s.writer.SetHeaderTableSize(set.Val)
		}
	}
	if err := s.writer.WriteSettingsAck(); err != nil {
		s.writeFailed(err)
		return
	}
	s.hooks.onSettings(e)
	if grew && s.open {
		s.flushAll()
	}
}

func (s *session) onWindowUpdate(e *frame.WindowUpdateEvent) {
	inc := int64(e.Increment)
	if e.Stream == 0 {
		if s.connSendWindow+inc > frame.MaxWindowSize {
			s.connError(http2.ErrCodeFlowControl, "connection send window overflow")
			return
		}
		s.connSendWindow += inc
		s.flushAll()
		return
	}
	st, ok := s.streams[e.Stream]
	if !ok {
		return
	}
	if st.sendWindow+inc > frame.MaxWindowSize {
		s.resetStream(e.Stream, http2.ErrCodeFlowControl, fmt.Errorf("stream %d send window overflow", e.Stream))
		return
	}
	st.sendWindow += inc
	_ = s.flush(st)
}

func (s *session) onAdapterError(err error) {
	var se http2.StreamError
	if errors.As(err, &se) {
		s.resetStream(se.StreamID, se.Code, err)
		return
	}
	var ce *adapter.ConnectionError
	if errors.As(err, &ce) {
		s.connError(ce.Code, ce.Reason)
		return
	}
	var hc http2.ConnectionError
	if errors.As(err, &hc) {
		s.connError(http2.ErrCode(hc), err.Error())
		return
	}
	s.connError(http2.ErrCodeInternal, err.Error())
}

// resetStream answers a stream error: RST_STREAM, then whoever waits on the
// stream learns why.
func (s *session) resetStream(streamID uint32, code http2.ErrCode, cause error) {
	s.logger.Debug("resetting stream", zap.Uint32("stream_id", streamID), zap.Stringer("code", code), zap.Error(cause))
	var h websocket.StreamHandler
	if st, ok := s.streams[streamID]; ok {
		h = st.handler
	}
	if s.open {
		_ = s.WriteRSTStream(streamID, code)
	}
	if h != nil {
		h.OnReset(code)
		return
	}
	s.hooks.streamFailed(streamID, cause)
}

// connError answers a connection error with GOAWAY and closes.
func (s *session) connError(code http2.ErrCode, reason string) {
	if !s.open {
		return
	}
	s.logger.Warn("connection error", zap.Stringer("code", code), zap.String("reason", reason))
	metrics.ConnectionErrors.WithLabelValues(code.String()).Inc()
	s.goAway(code, []byte(reason))
	s.terminate(&adapter.ConnectionError{Code: code, Reason: reason})
}

func (s *session) goAway(code http2.ErrCode, debug []byte) {
	if s.goAwaySent || !s.open {
		return
	}
	s.goAwaySent = true
	if err := s.writer.WriteGoAway(s.lastPeer, code, debug); err != nil {
		s.logger.Debug("goaway not written", zap.Error(err))
	}
}

func (s *session) writeFailed(err error) {
	s.logger.Debug("write failed", zap.Error(err))
	s.terminate(closedErr(err))
}

// terminate closes the connection and fails everything still attached to it.
func (s *session) terminate(cause error) {
	if !s.open {
		return
	}
	s.open = false
	s.closeErr = cause
	s.logger.Debug("connection closed", zap.Error(cause))

	ids := make([]uint32, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	streams := s.streams
	s.streams = make(map[uint32]*stream)
	for _, id := range ids {
		st := streams[id]
		st.timer.Stop()
		if st.handler != nil && !st.detached {
			st.handler.OnConnectionClosed(cause)
		}
	}
	s.adapter.Close()

	fns := s.closeFns
	s.closeFns = nil
	for _, fn := range fns {
		fn(cause)
	}
	s.hooks.onClosed(cause)
	_ = s.closeConn()
	s.loop.Close()
	metrics.ConnectionsActive.WithLabelValues(metrics.ProtoHTTP2, s.roleLabel()).Dec()
}

// closedErr wraps cause in ErrConnClosed unless it already is one.
func closedErr(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnClosed) {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, cause)
}
