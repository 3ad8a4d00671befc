// Package message defines the aggregated HTTP message exchanged between the
// protocol transports and application code, independent of the wire version.
package message

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
)

// Protocol versions carried in Message.Proto.
const (
	ProtoHTTP1 = "HTTP/1.1"
	ProtoHTTP2 = "HTTP/2.0"
)

var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Message is a complete HTTP request or response. A request has Status == 0.
type Message struct {
	StreamID  uint32
	Proto     string
	Method    string
	Scheme    string
	Authority string
	Path      string
	// Protocol holds the :protocol pseudo-header of an extended CONNECT.
	Protocol string
	Status   int
	Header   http.Header
	Trailer  http.Header
	// PromisedBy is the id of the stream whose PUSH_PROMISE announced this message.
	PromisedBy uint32

	body *bytes.Buffer
}

// New returns an empty message with pooled body storage.
func New(streamID uint32) *Message {
	b := bodyPool.Get().(*bytes.Buffer)
	b.Reset()
	return &Message{
		StreamID: streamID,
		Header:   make(http.Header),
		body:     b,
	}
}

// NewRequest builds a request message.
func NewRequest(method, scheme, authority, path string, body []byte) *Message {
	m := New(0)
	m.Method = method
	m.Scheme = scheme
	m.Authority = authority
	m.Path = path
	if len(body) > 0 {
		m.body.Write(body)
	}
	return m
}

// NewResponse builds a response message.
func NewResponse(status int, header http.Header, body []byte) *Message {
	m := New(0)
	m.Status = status
	if header != nil {
		m.Header = header
	}
	if len(body) > 0 {
		m.body.Write(body)
	}
	return m
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool {
	return m.Status == 0
}

// Body returns the accumulated content. The slice is only valid until Release.
func (m *Message) Body() []byte {
	if m.body == nil {
		return nil
	}
	return m.body.Bytes()
}

// ContentLength returns the number of accumulated body bytes.
func (m *Message) ContentLength() int {
	if m.body == nil {
		return 0
	}
	return m.body.Len()
}

// AppendBody adds p to the content.
func (m *Message) AppendBody(p []byte) {
	if m.body == nil {
		m.body = bodyPool.Get().(*bytes.Buffer)
		m.body.Reset()
	}
	m.body.Write(p)
}

// SetBody replaces the content with p.
func (m *Message) SetBody(p []byte) {
	if m.body != nil {
		m.body.Reset()
	}
	m.AppendBody(p)
}

// Finalize stamps the final content-length header.
func (m *Message) Finalize() {
	m.Header.Set("Content-Length", strconv.Itoa(m.ContentLength()))
}

// Release returns the body storage to the pool. The message must not be used afterwards.
func (m *Message) Release() {
	if m.body == nil {
		return
	}
	if m.body.Cap() <= 1<<20 {
		m.body.Reset()
		bodyPool.Put(m.body)
	}
	m.body = nil
}

// Responder sends the response for one request. Respond may be called once.
type Responder interface {
	Respond(resp *Message) error
}

// Handler receives every fully aggregated request a server transport produces.
type Handler interface {
	ServeMessage(ctx context.Context, req *Message, rw Responder)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Message, rw Responder)

// ServeMessage calls f.
func (f HandlerFunc) ServeMessage(ctx context.Context, req *Message, rw Responder) {
	f(ctx, req, rw)
}
