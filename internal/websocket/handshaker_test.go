package websocket

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/promise"
)

func newHandshaker(t *testing.T, h *fakeHost, cfg ClientConfig) *ClientHandshaker {
	t.Helper()
	cfg.Logger = zap.NewNop()
	var c *ClientHandshaker
	onLoop(t, h.loop, func() { c = NewClientHandshaker(h, cfg) })
	return c
}

func settings(t *testing.T, h *fakeHost, c *ClientHandshaker, enabled bool) {
	t.Helper()
	onLoop(t, h.loop, func() { c.OnSettings(enabled) })
}

func status(code string, extra ...hpack.HeaderField) []hpack.HeaderField {
	return append([]hpack.HeaderField{{Name: ":status", Value: code}}, extra...)
}

var noop = HandlerFunc(func(context.Context, *Conn) {})

func TestHandshakeRequestHeaders(t *testing.T) {
	h := newFakeHost(t)
	h.secure = true
	c := newHandshaker(t, h, ClientConfig{Compression: true, Weight: 42})
	settings(t, h, c, true)

	header := http.Header{
		"X-Token":                {"abc"},
		"Sec-Websocket-Protocol": {"override"},
		"Connection":             {"keep-alive"},
	}
	c.Handshake(context.Background(), "/chat?room=1", "chat", header, noop)

	frames := h.waitFrames(t, 1)
	f := frames[0]
	assert.Equal(t, uint32(3), f.streamID)
	assert.False(t, f.endStream)
	assert.Equal(t, uint16(42), f.weight)

	names := make([]string, 0, len(f.fields))
	for _, hf := range f.fields {
		names = append(names, hf.Name)
	}
	assert.Equal(t, []string{":method", ":protocol", ":scheme", ":authority", ":path"}, names[:5])

	get := func(name string) string {
		v, _ := message.Field(f.fields, name)
		return v
	}
	assert.Equal(t, "CONNECT", get(":method"))
	assert.Equal(t, "websocket", get(":protocol"))
	assert.Equal(t, "https", get(":scheme"))
	assert.Equal(t, "example.com", get(":authority"))
	assert.Equal(t, "/chat?room=1", get(":path"))
	assert.Equal(t, "13", get("sec-websocket-version"))
	assert.Equal(t, "override", get("sec-websocket-protocol"), "custom headers win")
	assert.Equal(t, "abc", get("x-token"))
	assert.Contains(t, get("sec-websocket-extensions"), "permessage-deflate")
	_, hasConn := message.Field(f.fields, "connection")
	assert.False(t, hasConn)
}

func TestHandshakeWeightOverride(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	c.Handshake(context.Background(), "/a", "", nil, noop, WithWeight(200))
	f := h.waitFrames(t, 1)[0]
	assert.Equal(t, uint16(200), f.weight)
	scheme, _ := message.Field(f.fields, ":scheme")
	assert.Equal(t, "http", scheme)
}

func TestHandshakeInvalidArguments(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})

	_, err := c.Handshake(context.Background(), "", "", nil, noop).Result()
	assert.Error(t, err)
	_, err = c.Handshake(context.Background(), "/", "", nil, nil).Result()
	assert.Error(t, err)
}

func TestHandshakeDeferredUntilSettings(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})

	paths := []string{"/a", "/b", "/c"}
	for _, p := range paths {
		c.Handshake(context.Background(), p, "", nil, noop)
	}

	var deferred int
	require.Eventually(t, func() bool {
		onLoop(t, h.loop, func() { deferred = c.Deferred() })
		return deferred == len(paths)
	}, time.Second, time.Millisecond)
	assert.Empty(t, h.recorded(), "nothing dispatched before SETTINGS")

	settings(t, h, c, true)
	settings(t, h, c, true)

	frames := h.waitFrames(t, len(paths))
	require.Len(t, frames, len(paths), "each deferred handshake dispatches exactly once")
	for i, f := range frames {
		path, _ := message.Field(f.fields, ":path")
		assert.Equal(t, paths[i], path)
		assert.Equal(t, uint32(3+2*i), f.streamID)
	}

	onLoop(t, h.loop, func() { deferred = c.Deferred() })
	assert.Zero(t, deferred)
}

func TestHandshakeUnsupported(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})

	early := c.Handshake(context.Background(), "/a", "", nil, noop)
	require.Eventually(t, func() bool {
		var n int
		onLoop(t, h.loop, func() { n = c.Deferred() })
		return n == 1
	}, time.Second, time.Millisecond)

	settings(t, h, c, false)
	_, err := early.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "unsupported bootstrap")

	late := c.Handshake(context.Background(), "/b", "", nil, noop)
	_, err = late.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrUnsupported)

	// A later SETTINGS does not change the verdict.
	settings(t, h, c, true)
	_, err = c.Handshake(context.Background(), "/c", "", nil, noop).Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Empty(t, h.recorded())
}

func TestHandshakeSuccess(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	served := make(chan *Conn, 1)
	release := make(chan struct{})
	p := c.Handshake(context.Background(), "/chat", "chat", nil, HandlerFunc(func(_ context.Context, conn *Conn) {
		served <- conn
		<-release
	}))

	f := h.waitFrames(t, 1)[0]
	h.respond(f.streamID, status("100"), false)
	h.respond(f.streamID, status("200", hpack.HeaderField{Name: "sec-websocket-protocol", Value: "chat"}), false)

	conn, err := p.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "chat", conn.Subprotocol())
	assert.Equal(t, f.streamID, conn.StreamID())
	assert.False(t, conn.Compressed())

	select {
	case got := <-served:
		assert.Same(t, conn, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not started")
	}

	require.NoError(t, conn.WriteText("hi"))
	frames := h.waitFrames(t, 2)
	assert.Equal(t, kindData, frames[1].kind)
	assert.Equal(t, f.streamID, frames[1].streamID)

	close(release)
	// Closing sends a close frame, then ends the stream.
	frames = h.waitFrames(t, 4)
	last := frames[len(frames)-1]
	assert.Equal(t, kindData, last.kind)
	assert.True(t, last.endStream)
}

func TestHandshakeHandlerContextEndsWithConnection(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	type key struct{}
	started := make(chan context.Context, 1)
	ended := make(chan struct{})
	callerCtx, cancelCaller := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	p := c.Handshake(callerCtx, "/chat", "", nil, HandlerFunc(func(ctx context.Context, _ *Conn) {
		started <- ctx
		<-ctx.Done()
		close(ended)
	}))

	f := h.waitFrames(t, 1)[0]
	h.respond(f.streamID, status("200"), false)
	_, err := p.Await(awaitCtx(t))
	require.NoError(t, err)

	var ctx context.Context
	select {
	case ctx = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not started")
	}
	assert.Equal(t, "v", ctx.Value(key{}))

	// Cancelling the handshake context after success leaves the handler running.
	cancelCaller()
	select {
	case <-ended:
		t.Fatal("handler context cancelled by the handshake context")
	case <-time.After(50 * time.Millisecond):
	}

	h.shutdown(t, errors.New("connection lost"))
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not cancelled when the connection closed")
	}
}

func TestHandshakeSubprotocolMismatch(t *testing.T) {
	tests := []struct {
		name   string
		echoed []hpack.HeaderField
	}{
		{"different", []hpack.HeaderField{{Name: "sec-websocket-protocol", Value: "other"}}},
		{"omitted", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost(t)
			c := newHandshaker(t, h, ClientConfig{RemovalDelay: time.Millisecond})
			settings(t, h, c, true)

			served := make(chan struct{}, 1)
			p := c.Handshake(context.Background(), "/chat", "chat", nil, HandlerFunc(func(context.Context, *Conn) {
				served <- struct{}{}
			}))
			f := h.waitFrames(t, 1)[0]
			h.respond(f.streamID, status("200", tt.echoed...), false)

			_, err := p.Await(awaitCtx(t))
			require.ErrorIs(t, err, ErrSubprotocolMismatch)
			var he *HandshakeError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, "chat", he.Subprotocol)

			frames := h.waitFrames(t, 2)
			assert.Equal(t, kindReset, frames[1].kind)
			assert.Equal(t, http2.ErrCodeCancel, frames[1].code)
			require.Eventually(t, func() bool { return !h.attached(t, f.streamID) }, time.Second, time.Millisecond)
			select {
			case <-served:
				t.Fatal("handler ran for a rejected handshake")
			default:
			}
		})
	}
}

func TestHandshakeEmptySubprotocolMatchesEmpty(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	p := c.Handshake(context.Background(), "/plain", "", nil, noop)
	f := h.waitFrames(t, 1)[0]
	h.respond(f.streamID, status("200"), false)
	_, err := p.Await(awaitCtx(t))
	require.NoError(t, err)
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name      string
		response  []hpack.HeaderField
		endStream bool
		want      error
		contains  []string
	}{
		{"ended immediately", status("200"), true, ErrUnexpectedResult, nil},
		{"bad request", status("400", hpack.HeaderField{Name: "sec-websocket-version", Value: "13"}), true, ErrBadRequest, []string{"13"}},
		{"not found", status("404"), true, ErrNotFound, []string{"/missing", "chat"}},
		{"other", status("503"), true, ErrRejected, []string{"503"}},
		{"informational end", status("103"), true, ErrRejected, []string{"103"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost(t)
			c := newHandshaker(t, h, ClientConfig{})
			settings(t, h, c, true)

			subprotocol := ""
			if tt.want == ErrNotFound {
				subprotocol = "chat"
			}
			p := c.Handshake(context.Background(), "/missing", subprotocol, nil, noop)
			f := h.waitFrames(t, 1)[0]
			h.respond(f.streamID, tt.response, tt.endStream)

			_, err := p.Await(awaitCtx(t))
			require.ErrorIs(t, err, tt.want)
			for _, s := range tt.contains {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{Timeout: 10 * time.Millisecond})
	settings(t, h, c, true)

	_, err := c.Handshake(context.Background(), "/slow", "", nil, noop).Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRejected)

	frames := h.waitFrames(t, 2)
	assert.Equal(t, kindReset, frames[1].kind)
}

func TestHandshakeTimeoutRacesSuccess(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newFakeHost(t)
		c := newHandshaker(t, h, ClientConfig{Timeout: time.Millisecond})
		settings(t, h, c, true)

		served := make(chan struct{}, 2)
		p := c.Handshake(context.Background(), "/race", "", nil, HandlerFunc(func(context.Context, *Conn) {
			served <- struct{}{}
		}))
		f := h.waitFrames(t, 1)[0]
		h.respond(f.streamID, status("200"), false)

		conn, err := p.Await(awaitCtx(t))
		if err != nil {
			require.ErrorIs(t, err, ErrTimeout)
			require.Nil(t, conn)
			onLoop(t, h.loop, func() {})
			assert.Empty(t, served, "a timed out handshake never serves")
			continue
		}
		require.NotNil(t, conn)
		select {
		case <-served:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not started")
		}
		onLoop(t, h.loop, func() {})
		_, err = p.Result()
		require.NoError(t, err, "the first outcome sticks")
	}
}

func TestHandshakeFinishOnce(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	hs := &handshake{path: "/", result: promise.New[*Conn]()}

	var first, second bool
	onLoop(t, h.loop, func() {
		first = c.finish(hs, nil, ErrTimeout, "timeout")
		second = c.finish(hs, &Conn{}, nil, "success")
	})
	assert.True(t, first)
	assert.False(t, second)
	_, err := hs.result.Result()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandshakeCancelled(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	ctx, cancel := context.WithCancel(context.Background())
	p := c.Handshake(ctx, "/a", "", nil, noop)
	h.waitFrames(t, 1)
	cancel()

	_, err := p.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHandshakeConnectionClosed(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})

	deferred := c.Handshake(context.Background(), "/a", "", nil, noop)
	require.Eventually(t, func() bool {
		var n int
		onLoop(t, h.loop, func() { n = c.Deferred() })
		return n == 1
	}, time.Second, time.Millisecond)

	h.shutdown(t, errors.New("eof"))
	_, err := deferred.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrClosed)

	_, err = c.Handshake(context.Background(), "/b", "", nil, noop).Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrClosed)
}

func TestHandshakeDispatchedThenClosed(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	p := c.Handshake(context.Background(), "/a", "", nil, noop)
	h.waitFrames(t, 1)
	h.shutdown(t, nil)

	_, err := p.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrClosed)
}

func TestHandshakeReset(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	p := c.Handshake(context.Background(), "/a", "", nil, noop)
	f := h.waitFrames(t, 1)[0]
	h.loop.Execute(func() { h.streams[f.streamID].OnReset(http2.ErrCodeRefusedStream) })

	_, err := p.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrReset)
}

func TestHandshakeStreamIDsExhausted(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)
	onLoop(t, h.loop, func() { h.exhausted = true })

	_, err := c.Handshake(context.Background(), "/a", "", nil, noop).Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrClosed)
}

func TestHandshakeUnofferedExtension(t *testing.T) {
	h := newFakeHost(t)
	c := newHandshaker(t, h, ClientConfig{})
	settings(t, h, c, true)

	p := c.Handshake(context.Background(), "/a", "", nil, noop)
	f := h.waitFrames(t, 1)[0]
	h.respond(f.streamID, status("200", hpack.HeaderField{Name: "sec-websocket-extensions", Value: "permessage-deflate"}), false)

	_, err := p.Await(awaitCtx(t))
	require.ErrorIs(t, err, ErrExtension)
}
