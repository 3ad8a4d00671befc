package h1

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/date"
	"github.com/albertbausili/duplex/internal/message"
)

var (
	headerContentLength = []byte("Content-Length: ")
	headerConnection    = []byte("Connection: ")
	headerDate          = []byte("Date: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
)

// AppendResponse encodes resp onto buf. Content-Length is always computed from
// the body; a Connection header is added unless resp switches protocols.
func AppendResponse(buf []byte, resp *message.Message, keepAlive bool) []byte {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	if text := http.StatusText(status); text != "" {
		buf = append(buf, text...)
	} else {
		buf = append(buf, "Unknown"...)
	}
	buf = append(buf, crlf...)

	buf = append(buf, headerDate...)
	buf = append(buf, date.Current()...)
	buf = append(buf, crlf...)

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	switching := status == http.StatusSwitchingProtocols
	for _, name := range names {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Transfer-Encoding":
			continue
		case "Connection", "Keep-Alive":
			if !switching {
				continue
			}
		}
		for _, v := range resp.Header[name] {
			buf = append(buf, name...)
			buf = append(buf, headerSep...)
			buf = append(buf, v...)
			buf = append(buf, crlf...)
		}
	}

	body := resp.Body()
	if bodyAllowed(status) {
		buf = append(buf, headerContentLength...)
		buf = strconv.AppendInt(buf, int64(len(body)), 10)
		buf = append(buf, crlf...)
	}
	if !switching {
		buf = append(buf, headerConnection...)
		if keepAlive {
			buf = append(buf, headerKeepAlive...)
		} else {
			buf = append(buf, headerClose...)
		}
	}
	buf = append(buf, crlf...)
	if bodyAllowed(status) {
		buf = append(buf, body...)
	}
	return buf
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// Outbound is the write side of a server connection.
type Outbound interface {
	// Write queues bufs for the peer, in order.
	Write(bufs [][]byte) error
	// Close closes the connection once every queued write has been flushed.
	Close() error
}

// gnetOutbound batches writes onto a gnet connection. While one AsyncWritev is
// in flight, later writes queue and go out together when it completes.
type gnetOutbound struct {
	conn   gnet.Conn
	logger *zap.Logger

	mu       sync.Mutex
	inflight bool
	queued   [][]byte
	closing  bool
	closed   bool
}

// NewGnetOutbound wraps c.
func NewGnetOutbound(c gnet.Conn, logger *zap.Logger) Outbound {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gnetOutbound{conn: c, logger: logger}
}

func (w *gnetOutbound) Write(bufs [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.closing {
		return ErrConnClosed
	}
	if w.inflight {
		w.queued = append(w.queued, bufs...)
		return nil
	}
	w.inflight = true
	return w.conn.AsyncWritev(bufs, w.written)
}

func (w *gnetOutbound) written(c gnet.Conn, err error) error {
	if err != nil {
		w.logger.Debug("async write failed", zap.Error(err))
	}
	w.mu.Lock()
	next := w.queued
	w.queued = nil
	if len(next) > 0 && err == nil {
		w.mu.Unlock()
		return c.AsyncWritev(next, w.written)
	}
	w.inflight = false
	closing := w.closing && !w.closed
	if closing {
		w.closed = true
	}
	w.mu.Unlock()
	if closing {
		return c.Close()
	}
	return nil
}

func (w *gnetOutbound) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.closing {
		return nil
	}
	if w.inflight {
		w.closing = true
		return nil
	}
	w.closed = true
	return w.conn.Close()
}
