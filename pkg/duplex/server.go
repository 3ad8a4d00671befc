package duplex

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/h2/transport"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/mux"
	"github.com/albertbausili/duplex/internal/websocket"
)

// Server serves HTTP/1.1 and HTTP/2 on one address, detecting the protocol
// of each connection. WebSocket handlers are reachable over both.
type Server struct {
	config   Config
	logger   *zap.Logger
	handler  Handler
	registry *websocket.Registry
	ids      *RequestCounter

	mu        sync.Mutex
	transport *mux.Server
}

// New creates a Server. It panics on an invalid config.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{
		config:   config,
		logger:   config.Logger.Named("server"),
		registry: websocket.NewRegistry(),
		ids:      NewRequestCounter(),
	}
}

// NewWithDefaults creates a Server with DefaultConfig.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// WebSocket registers h for path and the given subprotocols. Registering
// any handler makes HTTP/2 connections advertise extended CONNECT.
func (s *Server) WebSocket(path string, h WebSocketHandler, subprotocols ...string) *Server {
	s.registry.Handle(path, h, subprotocols...)
	return s
}

// RequestIDs is the counter this server's RequestID middleware should use.
func (s *Server) RequestIDs() *RequestCounter { return s.ids }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.config.Addr }

// ListenAndServe sets the handler and serves until Stop.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	t, err := s.newTransport()
	if err != nil {
		return err
	}
	if err := t.Serve(); err != nil && !errors.Is(err, mux.ErrServerClosed) {
		return err
	}
	return nil
}

// Start begins accepting connections and returns once listening.
func (s *Server) Start(ctx context.Context) error {
	t, err := s.newTransport()
	if err != nil {
		return err
	}
	return t.Start(ctx)
}

func (s *Server) newTransport() (*mux.Server, error) {
	if s.handler == nil {
		return nil, errors.New("duplex: handler not set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		return nil, errors.New("duplex: server already started")
	}
	acceptor := websocket.NewAcceptor(websocket.AcceptorConfig{
		Registry:     s.registry,
		Compression:  s.config.WebSocketCompression,
		RemovalDelay: s.config.StreamRemovalDelay,
		Logger:       s.config.Logger,
	})
	s.transport = mux.NewServer(mux.Config{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		MaxConnections: s.config.MaxConnections,
		EnableH1:       s.config.EnableH1,
		EnableH2:       s.config.EnableH2,
		Settings: transport.Settings{
			MaxConcurrentStreams: s.config.MaxConcurrentStreams,
			MaxFrameSize:         s.config.MaxFrameSize,
			InitialWindowSize:    s.config.InitialWindowSize,
		},
		MaxContentLength: s.config.MaxContentLength,
		Handler:          s,
		Acceptor:         acceptor,
		Logger:           s.config.Logger,
	})
	return s.transport, nil
}

// Stop sends GOAWAY on HTTP/2 connections, waits for their streams until ctx
// ends, then closes everything.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Stop(ctx)
}

// ServeMessage runs the handler for one request and commits its response.
func (s *Server) ServeMessage(ctx context.Context, req *message.Message, rw message.Responder) {
	c := newContext(ctx, req, rw)
	if err := s.handler.Serve(c); err != nil {
		if c.Sent() {
			s.logger.Debug("handler failed after responding", zap.Error(err))
			return
		}
		if herr := DefaultErrorHandler(c, err); herr != nil {
			s.logger.Warn("error handler failed", zap.Error(herr))
			_ = c.Plain(http.StatusInternalServerError, "Internal Server Error")
		}
	}
	if c.Sent() {
		return
	}
	if err := c.commit(); err != nil {
		s.logger.Debug("response not delivered",
			zap.String("path", req.Path),
			zap.Uint32("stream_id", req.StreamID),
			zap.Error(err))
	}
}

var _ message.Handler = (*Server)(nil)
