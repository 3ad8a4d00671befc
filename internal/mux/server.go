// Package mux serves HTTP/1.1 and HTTP/2 on one gnet listener. The protocol of
// each connection is detected from its first bytes.
package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/duplex/internal/date"
	"github.com/albertbausili/duplex/internal/h1"
	"github.com/albertbausili/duplex/internal/h2/transport"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/metrics"
	"github.com/albertbausili/duplex/internal/observability"
	"github.com/albertbausili/duplex/internal/websocket"
)

// DefaultMaxConnections applies when Config.MaxConnections is zero.
const DefaultMaxConnections = 10000

// serviceUnavailable is written to connections over the limit.
const serviceUnavailable = "HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 19\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable"

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = errors.New("mux: server closed")

// Config configures the multiplexer.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool

	MaxConnections   uint32
	EnableH1         bool
	EnableH2         bool
	Settings         transport.Settings
	MaxContentLength int64

	Handler  message.Handler
	Acceptor *websocket.Acceptor
	Logger   *zap.Logger
}

type protocol int

const (
	protoUnknown protocol = iota
	protoH1
	protoH2
)

// conn is the per-connection state stored in the gnet connection context.
type conn struct {
	buffer []byte
	proto  protocol
	h1     *h1.ServerConn
	h2     *transport.ServerConn
}

// Server is a gnet event handler routing each connection to an HTTP/1.1 or
// HTTP/2 server connection.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	engine   gnet.Engine
	booted   chan struct{}
	bootOnce sync.Once
	stopped  atomic.Bool
	stopDate func()

	active atomic.Int64
	conns  sync.Map // gnet.Conn -> *conn
}

// NewServer creates a multiplexer. With neither protocol enabled both are.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if !cfg.EnableH1 && !cfg.EnableH2 {
		cfg.EnableH1, cfg.EnableH2 = true, true
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.Named("mux"),
		ctx:    ctx,
		cancel: cancel,
		booted: make(chan struct{}),
	}
}

// Serve runs the engine until it stops.
func (s *Server) Serve() error {
	if s.stopped.Load() {
		return ErrServerClosed
	}
	numLoops := s.cfg.NumEventLoop
	if numLoops <= 0 {
		numLoops = runtime.NumCPU()
	}
	err := gnet.Run(s, "tcp://"+s.cfg.Addr,
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithNumEventLoop(numLoops),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(30*time.Minute),
		gnet.WithLoadBalancing(gnet.RoundRobin),
		gnet.WithReadBufferCap(1<<20),
		gnet.WithWriteBufferCap(1<<20),
		gnet.WithLogger(observability.NewGnetLogger(s.cfg.Logger)),
	)
	if s.stopped.Load() {
		return ErrServerClosed
	}
	return err
}

// Start runs the engine in the background and returns once it listens.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Serve() }()
	select {
	case <-s.booted:
		return nil
	case err := <-errc:
		return fmt.Errorf("mux: start %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains HTTP/2 connections with GOAWAY, closes the rest and stops the
// engine. Connections still busy when ctx ends are closed.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("shutting down", zap.Int64("connections", s.active.Load()))

	g, gctx := errgroup.WithContext(ctx)
	s.conns.Range(func(key, value any) bool {
		gc, st := key.(gnet.Conn), value.(*conn)
		g.Go(func() error {
			if st.h2 != nil {
				if err := st.h2.Shutdown(gctx); err != nil {
					s.logger.Debug("forced close of draining connection", zap.Error(err))
				}
			}
			return gc.Close()
		})
		return true
	})
	err := g.Wait()
	s.cancel()

	select {
	case <-s.booted:
		if serr := s.engine.Stop(ctx); serr != nil && err == nil {
			err = serr
		}
	default:
	}
	return err
}

// ActiveConnections reports the connections currently open.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.stopDate = date.StartTicker()
	s.logger.Info("listening",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("h1", s.cfg.EnableH1),
		zap.Bool("h2", s.cfg.EnableH2),
		zap.Bool("multicore", s.cfg.Multicore))
	s.bootOnce.Do(func() { close(s.booted) })
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	if s.stopDate != nil {
		s.stopDate()
	}
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.stopped.Load() {
		return nil, gnet.Close
	}
	if n := s.active.Add(1); n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		metrics.ConnectionsRejected.Inc()
		s.logger.Warn("connection limit reached",
			zap.Stringer("remote", c.RemoteAddr()),
			zap.Uint32("max", s.cfg.MaxConnections))
		return []byte(serviceUnavailable), gnet.Close
	}
	st := &conn{}
	c.SetContext(st)
	s.conns.Store(c, st)
	return nil, gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	st, ok := c.Context().(*conn)
	if !ok {
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}

	switch st.proto {
	case protoH1:
		st.h1.HandleData(buf)
		return gnet.None
	case protoH2:
		st.h2.HandleData(buf)
		return gnet.None
	}

	st.buffer = append(st.buffer, buf...)
	proto := detect(st.buffer, s.cfg.EnableH1, s.cfg.EnableH2)
	if proto == protoUnknown {
		return gnet.None
	}
	data := st.buffer
	st.buffer = nil
	st.proto = proto

	remote := c.RemoteAddr().String()
	out := h1.NewGnetOutbound(c, s.cfg.Logger)
	if proto == protoH2 {
		s.logger.Debug("detected HTTP/2", zap.String("remote", remote))
		st.h2 = transport.NewServerConn(s.ctx, out, remote, transport.ServerConfig{
			Handler:          s.cfg.Handler,
			Acceptor:         s.cfg.Acceptor,
			Settings:         s.cfg.Settings,
			MaxContentLength: s.cfg.MaxContentLength,
			Logger:           s.cfg.Logger,
		})
		st.h2.HandleData(data)
		return gnet.None
	}
	s.logger.Debug("detected HTTP/1.1", zap.String("remote", remote))
	st.h1 = h1.NewServerConn(s.ctx, out, remote, h1.ServerConfig{
		Handler:          s.cfg.Handler,
		Acceptor:         s.cfg.Acceptor,
		MaxContentLength: s.cfg.MaxContentLength,
		Logger:           s.cfg.Logger,
	})
	st.h1.HandleData(data)
	return gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	v, ok := s.conns.LoadAndDelete(c)
	if !ok {
		return gnet.None
	}
	s.active.Add(-1)
	st := v.(*conn)
	switch {
	case st.h1 != nil:
		st.h1.Close(err)
	case st.h2 != nil:
		st.h2.Close(err)
	}
	if err != nil {
		s.logger.Debug("connection closed", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
	}
	return gnet.None
}

// detect picks the protocol of a connection from the bytes read so far, or
// protoUnknown while a prefix of the HTTP/2 preface is all there is. Bytes
// that are neither go to HTTP/1.1 when enabled, whose parser answers 400;
// otherwise to HTTP/2, which answers GOAWAY.
func detect(buf []byte, enableH1, enableH2 bool) protocol {
	if !enableH2 {
		return protoH1
	}
	preface := []byte(http2.ClientPreface)
	n := min(len(buf), len(preface))
	if bytes.Equal(buf[:n], preface[:n]) {
		if n < len(preface) {
			return protoUnknown
		}
		return protoH2
	}
	if enableH1 {
		return protoH1
	}
	return protoH2
}
