package h1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		consumed  bool
		err       bool
		method    string
		path      string
		length    int64
		chunked   bool
		keepAlive bool
		upgrade   bool
	}{
		{name: "simple get", input: "GET /a?b=c HTTP/1.1\r\nHost: x\r\n\r\n", consumed: true, method: "GET", path: "/a?b=c", length: -1, keepAlive: true},
		{name: "content length", input: "POST /p HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello", consumed: true, method: "POST", path: "/p", length: 5, keepAlive: true},
		{name: "chunked", input: "POST /p HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n", consumed: true, method: "POST", path: "/p", length: -1, chunked: true, keepAlive: true},
		{name: "http/1.0 closes", input: "GET / HTTP/1.0\r\n\r\n", consumed: true, method: "GET", path: "/", length: -1},
		{name: "connection close", input: "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n", consumed: true, method: "GET", path: "/", length: -1},
		{name: "upgrade", input: "GET /ws HTTP/1.1\r\nHost: x\r\nConnection: keep-alive, Upgrade\r\nUpgrade: websocket\r\n\r\n", consumed: true, method: "GET", path: "/ws", length: -1, keepAlive: true, upgrade: true},
		{name: "incomplete line", input: "GET / HTTP/1.1"},
		{name: "incomplete headers", input: "GET / HTTP/1.1\r\nHost: x\r\n"},
		{name: "missing host", input: "GET / HTTP/1.1\r\n\r\n", err: true},
		{name: "bad version", input: "GET / HTTP/2.0\r\n\r\n", err: true},
		{name: "bad request line", input: "GET /\r\n\r\n", err: true},
		{name: "bad header", input: "GET / HTTP/1.1\r\nNoColon\r\n\r\n", err: true},
		{name: "negative length", input: "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: -1\r\n\r\n", err: true},
		{name: "conflicting length", input: "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			p.Reset([]byte(tt.input))
			var req Request
			n, err := p.ParseRequest(&req)
			if tt.err {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			if !tt.consumed {
				assert.Zero(t, n)
				return
			}
			assert.Positive(t, n)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, tt.length, req.ContentLength)
			assert.Equal(t, tt.chunked, req.Chunked)
			assert.Equal(t, tt.keepAlive, req.KeepAlive)
			assert.Equal(t, tt.upgrade, req.Upgrade)
		})
	}
}

func TestParseRequestHeaderTooLarge(t *testing.T) {
	p := NewParser()
	p.Reset([]byte("GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", MaxHeaderBytes)))
	var req Request
	_, err := p.ParseRequest(&req)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParseChunkedBody(t *testing.T) {
	p := NewParser()
	p.Reset([]byte("5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))

	var body []byte
	for {
		chunk, n, err := p.ParseChunkedBody()
		require.NoError(t, err)
		require.Positive(t, n)
		if chunk == nil {
			break
		}
		body = append(body, chunk...)
	}
	assert.Equal(t, "hello world", string(body))
	assert.Zero(t, p.Remaining())
}

func TestParseChunkedBodyNeedsMore(t *testing.T) {
	for _, input := range []string{"5\r\nhel", "5", "0\r\n", "7fffffffffffffff\r\nx\r\n"} {
		p := NewParser()
		p.Reset([]byte(input))
		chunk, n, err := p.ParseChunkedBody()
		require.NoError(t, err, input)
		assert.Nil(t, chunk, input)
		assert.Zero(t, n, input)
	}
}

func TestParseChunkedBodyInvalidSize(t *testing.T) {
	p := NewParser()
	p.Reset([]byte("zz\r\n"))
	_, _, err := p.ParseChunkedBody()
	assert.ErrorIs(t, err, ErrMalformed)
}

func FuzzParseRequest(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	f.Add([]byte("POST /api HTTP/1.1\r\nHost: localhost\r\nContent-Length: 11\r\n\r\nhello world"))
	f.Add([]byte("PUT /data HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	f.Add([]byte("GET /ws HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))
	f.Add([]byte("GET / HTTP/1.1\r\nHost:  spaced  \r\n\r\n"))
	f.Add([]byte("GET /path\r\n"))
	f.Add([]byte("\r\n"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser()
		p.Reset(data)
		var req Request

		n, err := p.ParseRequest(&req)
		if n > len(data) || n < 0 {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if err != nil || n == 0 {
			return
		}
		if req.Method == "" || req.Path == "" {
			t.Fatalf("empty method or path after a complete parse: %+v", req)
		}
		if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
			t.Fatalf("unexpected version %q", req.Version)
		}
		if req.ContentLength < -1 || (req.Chunked && req.ContentLength != -1) {
			t.Fatalf("inconsistent framing: length %d chunked %t", req.ContentLength, req.Chunked)
		}
		for name, values := range req.Header {
			if name == "" || strings.ContainsAny(name, "\r\n") {
				t.Fatalf("invalid header name %q", name)
			}
			for _, v := range values {
				if strings.ContainsAny(v, "\r\n") {
					t.Fatalf("header value with line break: %q", v)
				}
			}
		}
	})
}

func FuzzParseChunkedBody(f *testing.F) {
	f.Add([]byte("5\r\nhello\r\n0\r\n\r\n"))
	f.Add([]byte("a;name=value\r\n0123456789\r\n0\r\n\r\n"))
	f.Add([]byte("ffffffffffffffff\r\n"))
	f.Add([]byte("-1\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser()
		p.Reset(data)
		total := 0
		for {
			chunk, n, err := p.ParseChunkedBody()
			if err != nil || n == 0 || chunk == nil {
				break
			}
			total += n
			if total > len(data) {
				t.Fatalf("consumed %d of %d bytes", total, len(data))
			}
		}
	})
}

func FuzzParseRequestPath(f *testing.F) {
	f.Add("/?key=value")
	f.Add("/search?q=hello%20world")
	f.Add("/?&&&&")
	f.Add("/?a=b=c=d")

	f.Fuzz(func(t *testing.T, path string) {
		p := NewParser()
		p.Reset([]byte("GET " + path + " HTTP/1.1\r\nHost: test.com\r\n\r\n"))
		var req Request

		n, err := p.ParseRequest(&req)
		if err != nil || n == 0 {
			return
		}
		if strings.ContainsAny(req.Path, "\r\n") {
			t.Fatalf("path with line break: %q", req.Path)
		}
		if !strings.Contains(path, " ") && req.Path != path {
			t.Fatalf("path %q parsed as %q", path, req.Path)
		}
	})
}
