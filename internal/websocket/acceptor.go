package websocket

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
)

// acceptGUID is the RFC 6455 key suffix.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptorConfig configures an Acceptor.
type AcceptorConfig struct {
	Registry     *Registry
	Compression  bool
	RemovalDelay time.Duration
	Logger       *zap.Logger
}

// Acceptor is the server side of the handshake. The same registry serves
// extended CONNECT streams and HTTP/1.1 upgrades, so a handler never sees
// which transport it runs on.
type Acceptor struct {
	registry     *Registry
	compression  bool
	removalDelay time.Duration
	logger       *zap.Logger
}

// NewAcceptor creates an acceptor.
func NewAcceptor(cfg AcceptorConfig) *Acceptor {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = DefaultRemovalDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Acceptor{
		registry:     cfg.Registry,
		compression:  cfg.Compression,
		removalDelay: cfg.RemovalDelay,
		logger:       cfg.Logger.Named("websocket"),
	}
}

// Enabled reports whether any handler is registered; servers advertise
// SETTINGS_ENABLE_CONNECT_PROTOCOL only then.
func (a *Acceptor) Enabled() bool {
	return !a.registry.Empty()
}

// IsExtendedConnect reports whether fields open an extended CONNECT stream.
func IsExtendedConnect(fields []hpack.HeaderField) bool {
	_, ok := message.Field(fields, message.PseudoProtocol)
	return ok
}

// Accept answers an extended CONNECT request on streamID. It must run on the
// host loop. Invalid requests are answered with a 4xx and end the stream; a
// valid one is promoted and its handler started.
func (a *Acceptor) Accept(ctx context.Context, host Host, streamID uint32, fields []hpack.HeaderField, endStream bool) {
	path, _ := message.Field(fields, message.PseudoPath)
	logger := a.logger.With(zap.Uint32("stream_id", streamID), zap.String("path", path))

	if status, extra := validateConnect(fields, endStream); status != 0 {
		logger.Debug("rejecting extended CONNECT", zap.Int("status", status))
		a.reject(host, streamID, status, extra)
		return
	}

	proto, _ := message.Field(fields, headerProtocol)
	offered := ParseSubprotocols(proto)
	h, selected, ok := a.registry.Lookup(path, offered)
	if !ok {
		logger.Debug("no websocket handler", zap.Strings("subprotocols", offered))
		a.reject(host, streamID, http.StatusNotFound, nil)
		return
	}

	resp := []hpack.HeaderField{{Name: message.PseudoStatus, Value: "200"}}
	if selected != "" {
		resp = append(resp, hpack.HeaderField{Name: headerProtocol, Value: selected})
	}
	var compressed bool
	if a.compression {
		offer, _ := message.Field(fields, headerExtensions)
		if ext := negotiateExtensions(offer); ext != "" {
			resp = append(resp, hpack.HeaderField{Name: headerExtensions, Value: ext})
			compressed = true
		}
	}
	if err := host.WriteHeaders(streamID, resp, false, 0); err != nil {
		logger.Debug("websocket accept not written", zap.Error(err))
		metrics.Handshakes.WithLabelValues(metrics.RoleServer, metrics.ProtoHTTP2, metrics.OutcomeClosed).Inc()
		return
	}
	metrics.Handshakes.WithLabelValues(metrics.RoleServer, metrics.ProtoHTTP2, metrics.OutcomeSuccess).Inc()

	ch := streamChannel(host, streamID, a.removalDelay)
	ch.subprotocol = selected
	ch.compressed = compressed
	host.Attach(streamID, &channelStream{ch: ch})

	conn := NewConn(ch, false, logger)
	go serve(ctx, h, conn)
}

func (a *Acceptor) reject(host Host, streamID uint32, status int, extra []hpack.HeaderField) {
	metrics.Handshakes.WithLabelValues(metrics.RoleServer, metrics.ProtoHTTP2, metrics.OutcomeRejected).Inc()
	fields := append([]hpack.HeaderField{{Name: message.PseudoStatus, Value: strconv.Itoa(status)}}, extra...)
	if err := host.WriteHeaders(streamID, fields, true, 0); err != nil {
		_ = host.WriteRSTStream(streamID, http2.ErrCodeInternal)
	}
}

// validateConnect checks an extended CONNECT header block. It returns a zero
// status when the request is acceptable.
func validateConnect(fields []hpack.HeaderField, endStream bool) (int, []hpack.HeaderField) {
	if endStream {
		return http.StatusBadRequest, nil
	}
	if m, _ := message.Field(fields, message.PseudoMethod); m != http.MethodConnect {
		return http.StatusBadRequest, nil
	}
	if p, _ := message.Field(fields, message.PseudoProtocol); !strings.EqualFold(p, "websocket") {
		return http.StatusBadRequest, nil
	}
	for _, name := range []string{message.PseudoScheme, message.PseudoAuthority, message.PseudoPath} {
		if v, ok := message.Field(fields, name); !ok || v == "" {
			return http.StatusBadRequest, nil
		}
	}
	if v, _ := message.Field(fields, headerVersion); v != Version {
		return http.StatusBadRequest, []hpack.HeaderField{{Name: headerVersion, Value: Version}}
	}
	return 0, nil
}

// Upgrade is an accepted HTTP/1.1 WebSocket upgrade waiting for its byte stream.
type Upgrade struct {
	handler     Handler
	subprotocol string
	compressed  bool
	logger      *zap.Logger
}

// Serve runs the handler on ch, the connection's bytes after the 101 response.
// It blocks until the handler returns.
func (u *Upgrade) Serve(ctx context.Context, ch *Channel) {
	ch.subprotocol = u.subprotocol
	ch.compressed = u.compressed
	serve(ctx, u.handler, NewConn(ch, false, u.logger))
}

// Upgrade answers an HTTP/1.1 request carrying Upgrade: websocket. The
// response is always returned; the Upgrade is nil when the request was
// rejected.
func (a *Acceptor) Upgrade(req *message.Message) (*message.Message, *Upgrade) {
	reject := func(status int, header http.Header) (*message.Message, *Upgrade) {
		metrics.Handshakes.WithLabelValues(metrics.RoleServer, metrics.ProtoHTTP1, metrics.OutcomeRejected).Inc()
		if header == nil {
			header = http.Header{}
		}
		header.Set("Connection", "close")
		return message.NewResponse(status, header, nil), nil
	}

	if req.Method != http.MethodGet {
		return reject(http.StatusMethodNotAllowed, nil)
	}
	if !httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") ||
		!httpguts.HeaderValuesContainsToken(req.Header["Upgrade"], "websocket") {
		return reject(http.StatusBadRequest, nil)
	}
	if req.Header.Get("Sec-Websocket-Version") != Version {
		return reject(http.StatusUpgradeRequired, http.Header{"Sec-Websocket-Version": {Version}})
	}
	key := req.Header.Get("Sec-Websocket-Key")
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return reject(http.StatusBadRequest, nil)
	}

	h, selected, ok := a.registry.Lookup(req.Path, ParseSubprotocols(req.Header.Get("Sec-Websocket-Protocol")))
	if !ok {
		return reject(http.StatusNotFound, nil)
	}

	header := http.Header{
		"Upgrade":              {"websocket"},
		"Connection":           {"Upgrade"},
		"Sec-Websocket-Accept": {AcceptKey(key)},
	}
	if selected != "" {
		header.Set("Sec-Websocket-Protocol", selected)
	}
	compressed := false
	if a.compression {
		if ext := negotiateExtensions(req.Header.Get("Sec-Websocket-Extensions")); ext != "" {
			header.Set("Sec-Websocket-Extensions", ext)
			compressed = true
		}
	}
	metrics.Handshakes.WithLabelValues(metrics.RoleServer, metrics.ProtoHTTP1, metrics.OutcomeSuccess).Inc()
	return message.NewResponse(http.StatusSwitchingProtocols, header, nil), &Upgrade{
		handler:     h,
		subprotocol: selected,
		compressed:  compressed,
		logger:      a.logger.With(zap.String("path", req.Path)),
	}
}

// IsUpgrade reports whether req asks for a WebSocket upgrade.
func IsUpgrade(req *message.Message) bool {
	return httpguts.HeaderValuesContainsToken(req.Header["Upgrade"], "websocket")
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func serve(ctx context.Context, h Handler, conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("websocket handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		_ = conn.Close(ws.StatusNormalClosure, "")
	}()
	h.ServeWebSocket(ctx, conn)
}
