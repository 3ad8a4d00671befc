// Package h1 implements the HTTP/1.1 side of the transports: request parsing,
// response encoding, in-order release of pipelined responses, the gnet server
// connection and a pipelining client connection.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/duplex/internal/message"
)

// MaxHeaderBytes bounds the request line plus headers.
const MaxHeaderBytes = 1 << 20

var (
	// ErrHeaderTooLarge is returned once MaxHeaderBytes is exceeded without a
	// complete header block.
	ErrHeaderTooLarge = errors.New("h1: request header too large")
	// ErrMalformed wraps every syntax error in a request.
	ErrMalformed = errors.New("h1: malformed request")
)

var crlf = []byte("\r\n")

// Request is a parsed HTTP/1.1 request head.
type Request struct {
	Method  string
	Path    string
	Version string
	Host    string
	Header  http.Header

	// ContentLength is -1 when the request carries no Content-Length.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
	// Upgrade is set when the request asks to switch protocols.
	Upgrade bool
}

// Reset clears the request for reuse.
func (r *Request) Reset() {
	*r = Request{Header: make(http.Header)}
}

// HasBody reports whether a body follows the head.
func (r *Request) HasBody() bool {
	return r.Chunked || r.ContentLength > 0
}

// ToMessage converts the head plus body into an aggregated message.
func (r *Request) ToMessage(scheme string, body []byte) *message.Message {
	m := message.NewRequest(r.Method, scheme, r.Host, r.Path, body)
	m.Proto = message.ProtoHTTP1
	for name, values := range r.Header {
		m.Header[name] = values
	}
	return m
}

// Parser parses HTTP/1.1 requests out of a byte buffer.
type Parser struct {
	buf []byte
	pos int
}

// NewParser creates a new HTTP/1.1 parser.
func NewParser() *Parser {
	return &Parser{}
}

// Reset resets the parser with new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers from the buffer.
// It returns the number of bytes consumed, or zero when more data is needed.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	req.Reset()
	if p.pos >= len(p.buf) {
		return 0, nil
	}

	complete, err := p.parseRequestLine(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, p.checkSize()
	}

	req.ContentLength = -1
	req.KeepAlive = req.Version == "HTTP/1.1"

	complete, err = p.parseHeaders(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, p.checkSize()
	}

	if req.Host == "" && req.Version == "HTTP/1.1" {
		return 0, fmt.Errorf("%w: missing Host header", ErrMalformed)
	}
	if req.Chunked {
		req.ContentLength = -1
	}
	req.Upgrade = httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") &&
		len(req.Header["Upgrade"]) > 0
	return p.pos, nil
}

func (p *Parser) checkSize() error {
	if len(p.buf) > MaxHeaderBytes {
		return ErrHeaderTooLarge
	}
	return nil
}

// parseRequestLine parses METHOD SP PATH SP VERSION CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("%w: invalid request line", ErrMalformed)
	}
	req.Method = string(parts[0])
	req.Path = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
		return false, fmt.Errorf("%w: unsupported HTTP version %q", ErrMalformed, req.Version)
	}
	return true, nil
}

// parseHeaders parses headers until CRLF CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], crlf)
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("%w: invalid header line", ErrMalformed)
		}
		name := string(bytes.TrimSpace(line[:colonIdx]))
		value := string(bytes.TrimSpace(line[colonIdx+1:]))
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return false, fmt.Errorf("%w: invalid header %q", ErrMalformed, name)
		}
		if err := appendHeader(req, name, value); err != nil {
			return false, err
		}
	}
}

// appendHeader records one header and updates the framing fields it affects.
func appendHeader(req *Request, name, value string) error {
	req.Header.Add(name, value)
	switch {
	case asciiEqualFold(name, "Host"):
		req.Host = value
	case asciiEqualFold(name, "Content-Length"):
		cl, err := strconv.ParseInt(value, 10, 64)
		if err != nil || cl < 0 {
			return fmt.Errorf("%w: invalid content-length %q", ErrMalformed, value)
		}
		if req.ContentLength >= 0 && req.ContentLength != cl {
			return fmt.Errorf("%w: conflicting content-length", ErrMalformed)
		}
		req.ContentLength = cl
	case asciiEqualFold(name, "Transfer-Encoding"):
		if asciiContainsFold(value, "chunked") {
			req.Chunked = true
		}
	case asciiEqualFold(name, "Connection"):
		if httpguts.HeaderValuesContainsToken([]string{value}, "close") {
			req.KeepAlive = false
		} else if httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive") {
			req.KeepAlive = true
		}
	}
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether s contains sub under ASCII case-insensitive comparison
func asciiContainsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// ParseChunkedBody parses one chunk of a chunked body.
// It returns the decoded chunk data and bytes consumed; consumed is zero when
// more data is needed, and the chunk is nil for the last chunk.
func (p *Parser) ParseChunkedBody() ([]byte, int, error) {
	if p.pos >= len(p.buf) {
		return nil, 0, nil
	}

	startPos := p.pos

	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return nil, 0, nil
	}

	sizeLine := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	// Chunk extensions are ignored.
	if semiIdx := bytes.IndexByte(sizeLine, ';'); semiIdx != -1 {
		sizeLine = sizeLine[:semiIdx]
	}

	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if err != nil || size < 0 {
		return nil, 0, fmt.Errorf("%w: invalid chunk size", ErrMalformed)
	}

	if size == 0 {
		// Trailers are not supported; expect the terminating CRLF.
		if p.pos+2 > len(p.buf) {
			p.pos = startPos
			return nil, 0, nil
		}
		p.pos += 2
		return nil, p.pos - startPos, nil
	}

	if size > int64(len(p.buf)-p.pos-2) {
		p.pos = startPos
		return nil, 0, nil
	}

	chunk := make([]byte, size)
	copy(chunk, p.buf[p.pos:p.pos+int(size)])
	p.pos += int(size) + 2

	return chunk, p.pos - startPos, nil
}

// Remaining returns the number of unparsed bytes in the buffer.
func (p *Parser) Remaining() int {
	return len(p.buf) - p.pos
}
