package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/loop"
)

type frameKind int

const (
	kindHeaders frameKind = iota
	kindData
	kindReset
)

type recordedFrame struct {
	kind      frameKind
	streamID  uint32
	fields    []hpack.HeaderField
	data      []byte
	endStream bool
	weight    uint16
	code      http2.ErrCode
}

// fakeHost is an in-memory HTTP/2 connection. Two hosts joined with link
// deliver each other's frames on their own loops.
type fakeHost struct {
	loop   *loop.Loop
	secure bool

	// loop-owned
	open      bool
	nextID    uint32
	exhausted bool
	streams   map[uint32]StreamHandler
	closers   []func(error)
	peer      *fakeHost
	onRequest func(streamID uint32, fields []hpack.HeaderField, endStream bool)

	mu     sync.Mutex
	frames []recordedFrame
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{
		loop:    loop.New(zap.NewNop()),
		open:    true,
		nextID:  3,
		streams: make(map[uint32]StreamHandler),
	}
	t.Cleanup(h.loop.Close)
	return h
}

func link(client, server *fakeHost) {
	client.peer = server
	server.peer = client
}

func (h *fakeHost) Loop() *loop.Loop  { return h.loop }
func (h *fakeHost) IsOpen() bool      { return h.open }
func (h *fakeHost) Secure() bool      { return h.secure }
func (h *fakeHost) Authority() string { return "example.com" }

func (h *fakeHost) NextStreamID() (uint32, error) {
	if h.exhausted {
		return 0, errors.New("stream ids exhausted")
	}
	id := h.nextID
	h.nextID += 2
	return id, nil
}

func (h *fakeHost) record(f recordedFrame) {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
}

func (h *fakeHost) WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool, weight uint16) error {
	if !h.open {
		return ErrClosed
	}
	h.record(recordedFrame{kind: kindHeaders, streamID: streamID, fields: fields, endStream: endStream, weight: weight})
	if p := h.peer; p != nil {
		p.loop.Execute(func() {
			if s, ok := p.streams[streamID]; ok {
				s.OnHeaders(fields, endStream)
			} else if p.onRequest != nil {
				p.onRequest(streamID, fields, endStream)
			}
		})
	}
	return nil
}

func (h *fakeHost) WriteData(streamID uint32, data []byte, endStream bool) error {
	if !h.open {
		return ErrClosed
	}
	h.record(recordedFrame{kind: kindData, streamID: streamID, data: data, endStream: endStream})
	if p := h.peer; p != nil {
		p.loop.Execute(func() {
			if s, ok := p.streams[streamID]; ok {
				s.OnData(data, endStream)
			}
		})
	}
	return nil
}

func (h *fakeHost) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	h.record(recordedFrame{kind: kindReset, streamID: streamID, code: code})
	if p := h.peer; p != nil {
		p.loop.Execute(func() {
			if s, ok := p.streams[streamID]; ok {
				s.OnReset(code)
			}
		})
	}
	return nil
}

func (h *fakeHost) Attach(streamID uint32, s StreamHandler) { h.streams[streamID] = s }

func (h *fakeHost) Detach(streamID uint32, grace time.Duration) {
	h.loop.AfterFunc(grace, func() { delete(h.streams, streamID) })
}

func (h *fakeHost) OnClose(fn func(error)) { h.closers = append(h.closers, fn) }

// shutdown closes the connection on its loop.
func (h *fakeHost) shutdown(t *testing.T, err error) {
	t.Helper()
	onLoop(t, h.loop, func() {
		h.open = false
		for _, fn := range h.closers {
			fn(err)
		}
		for _, s := range h.streams {
			s.OnConnectionClosed(err)
		}
	})
}

func (h *fakeHost) recorded() []recordedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedFrame(nil), h.frames...)
}

func (h *fakeHost) headers() []recordedFrame {
	var out []recordedFrame
	for _, f := range h.recorded() {
		if f.kind == kindHeaders {
			out = append(out, f)
		}
	}
	return out
}

// waitFrames waits until at least n frames were written.
func (h *fakeHost) waitFrames(t *testing.T, n int) []recordedFrame {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.recorded()) >= n }, 2*time.Second, time.Millisecond)
	return h.recorded()
}

// respond delivers a response header block to stream id as if the peer sent it.
func (h *fakeHost) respond(id uint32, fields []hpack.HeaderField, endStream bool) {
	h.loop.Execute(func() {
		if s, ok := h.streams[id]; ok {
			s.OnHeaders(fields, endStream)
		}
	})
}

func (h *fakeHost) attached(t *testing.T, id uint32) bool {
	t.Helper()
	var ok bool
	onLoop(t, h.loop, func() { _, ok = h.streams[id] })
	return ok
}

// onLoop runs fn on l and waits for it.
func onLoop(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.Execute(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop task did not run")
	}
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
