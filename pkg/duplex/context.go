package duplex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/albertbausili/duplex/internal/message"
)

// ErrResponseSent is returned when a response is committed twice.
var ErrResponseSent = errors.New("duplex: response already sent")

// Context carries one request and the response being built for it. The
// response is committed when the handler chain returns, so middleware sees
// and may rewrite what the handler produced.
type Context struct {
	req  *ServerRequest
	rw   ServerResponse
	ctx  context.Context
	body *bytes.Reader

	mu     sync.Mutex
	status int
	header http.Header
	buf    bytes.Buffer
	values map[string]any
	query  url.Values
	sent   bool
}

func newContext(ctx context.Context, req *ServerRequest, rw ServerResponse) *Context {
	return &Context{
		req:    req,
		rw:     rw,
		ctx:    ctx,
		body:   bytes.NewReader(req.Body()),
		status: http.StatusOK,
		header: make(http.Header),
	}
}

// NewContext builds a Context outside a server, for tests and adapters.
func NewContext(ctx context.Context, req *ServerRequest, rw ServerResponse) *Context {
	return newContext(ctx, req, rw)
}

// Request returns the underlying request message.
func (c *Context) Request() *ServerRequest { return c.req }

// StreamID is the HTTP/2 stream of the request, or its pipeline position on
// HTTP/1.1.
func (c *Context) StreamID() uint32 { return c.req.StreamID }

// Proto is "HTTP/1.1" or "HTTP/2.0".
func (c *Context) Proto() string { return c.req.Proto }

// Method returns the HTTP request method.
func (c *Context) Method() string { return c.req.Method }

// Path returns the request target, query included.
func (c *Context) Path() string { return c.req.Path }

// Scheme returns the HTTP request scheme (http or https).
func (c *Context) Scheme() string { return c.req.Scheme }

// Authority returns the HTTP request authority (host).
func (c *Context) Authority() string { return c.req.Authority }

// Header returns the request headers.
func (c *Context) Header() http.Header { return c.req.Header }

// Body returns the request body reader.
func (c *Context) Body() io.Reader { return c.body }

// BodyBytes returns the whole request body.
func (c *Context) BodyBytes() []byte { return c.req.Body() }

// BindJSON parses the request body as JSON into v.
func (c *Context) BindJSON(v any) error {
	return json.Unmarshal(c.req.Body(), v)
}

// Context returns the request context. It is cancelled when the connection
// goes away.
func (c *Context) Context() context.Context { return c.ctx }

// Set stores a key-value pair in the context.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get retrieves a value from the context by key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// MustGet retrieves a value from the context by key, panicking if not found.
func (c *Context) MustGet(key string) any {
	if v, ok := c.Get(key); ok {
		return v
	}
	panic(fmt.Sprintf("key %q not found in context", key))
}

// Param returns a route parameter.
func (c *Context) Param(name string) string {
	if v, ok := c.Get(paramKey(name)); ok {
		s, _ := v.(string)
		return s
	}
	return ""
}

func paramKey(name string) string { return "param:" + name }

// Query returns the first value of the query parameter key.
func (c *Context) Query(key string) string {
	if c.query == nil {
		c.query = url.Values{}
		if i := strings.IndexByte(c.req.Path, '?'); i >= 0 {
			c.query, _ = url.ParseQuery(c.req.Path[i+1:])
		}
	}
	return c.query.Get(key)
}

// QueryDefault returns the query parameter value or def if it is absent.
func (c *Context) QueryDefault(key, def string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return def
}

// QueryInt returns the query parameter value as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, fmt.Errorf("query parameter %q not found", key)
	}
	return strconv.Atoi(v)
}

// QueryBool returns the query parameter value as a boolean.
func (c *Context) QueryBool(key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

// Cookie returns the value of the named request cookie. HTTP/2 requests may
// carry several cookie fields; all are searched.
func (c *Context) Cookie(name string) string {
	for _, line := range c.req.Header.Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, ck := range cookies {
			if ck.Name == name {
				return ck.Value
			}
		}
	}
	return ""
}

// SetCookie adds a Set-Cookie header to the response.
func (c *Context) SetCookie(cookie *http.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Add("Set-Cookie", cookie.String())
}

// SetStatus sets the HTTP response status code.
func (c *Context) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

// Status returns the current HTTP response status code.
func (c *Context) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Set(key, value)
}

// ResponseHeader returns the response headers built so far.
func (c *Context) ResponseHeader() http.Header { return c.header }

// Write appends data to the response body.
func (c *Context) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(data)
}

// WriteString appends s to the response body.
func (c *Context) WriteString(s string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.WriteString(s)
}

// ResponseBody returns the response body built so far.
func (c *Context) ResponseBody() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Bytes()
}

// SetResponseBody replaces the response body.
func (c *Context) SetResponseBody(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
	c.buf.Write(b)
}

func (c *Context) reply(status int, contentType string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if contentType != "" {
		c.header.Set("Content-Type", contentType)
	}
	c.buf.Reset()
	c.buf.Write(body)
	return nil
}

// JSON replies with v encoded as JSON.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.reply(status, "application/json", data)
}

// String replies with a formatted text body.
func (c *Context) String(status int, format string, values ...any) error {
	return c.reply(status, "text/plain; charset=utf-8", []byte(fmt.Sprintf(format, values...)))
}

// Plain replies with s as text, without formatting.
func (c *Context) Plain(status int, s string) error {
	return c.reply(status, "text/plain; charset=utf-8", []byte(s))
}

// HTML replies with an HTML body.
func (c *Context) HTML(status int, html string) error {
	return c.reply(status, "text/html; charset=utf-8", []byte(html))
}

// Data replies with a body of the given content type.
func (c *Context) Data(status int, contentType string, data []byte) error {
	return c.reply(status, contentType, data)
}

// NoContent replies with status and an empty body.
func (c *Context) NoContent(status int) error {
	return c.reply(status, "", nil)
}

// Redirect replies with a redirect to url. Statuses outside 3xx become 302.
func (c *Context) Redirect(status int, url string) error {
	if status < 300 || status > 308 {
		status = http.StatusFound
	}
	c.SetHeader("Location", url)
	return c.reply(status, "", nil)
}

// Sent reports whether the response was committed.
func (c *Context) Sent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// commit sends the response built so far.
func (c *Context) commit() error {
	c.mu.Lock()
	if c.sent {
		c.mu.Unlock()
		return ErrResponseSent
	}
	c.sent = true
	resp := message.NewResponse(c.status, c.header.Clone(), c.buf.Bytes())
	c.mu.Unlock()
	return c.rw.Respond(resp)
}
