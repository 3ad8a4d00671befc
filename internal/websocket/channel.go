package websocket

import (
	"bytes"
	"io"
	"sync"
)

// Channel is the byte stream of one promoted WebSocket: an HTTP/2 stream after
// a successful extended CONNECT, or an HTTP/1.1 connection after 101.
// Inbound bytes are pushed by the transport; writes go through the
// transport's write function.
type Channel struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	rerr error

	write     func(p []byte) error
	close     func() error
	closeOnce sync.Once
	closeErr  error

	streamID    uint32
	subprotocol string
	compressed  bool
}

// NewChannel creates a channel. write must deliver p in order; close releases
// the underlying stream and runs once.
func NewChannel(streamID uint32, write func(p []byte) error, close func() error) *Channel {
	c := &Channel{streamID: streamID, write: write, close: close}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// StreamID returns the HTTP/2 stream the channel runs on, or zero for HTTP/1.1.
func (c *Channel) StreamID() uint32 { return c.streamID }

// Subprotocol returns the negotiated subprotocol.
func (c *Channel) Subprotocol() string { return c.subprotocol }

// Compressed reports whether permessage-deflate was negotiated.
func (c *Channel) Compressed() bool { return c.compressed }

// Push appends inbound bytes. It never blocks.
func (c *Channel) Push(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rerr != nil {
		return
	}
	c.in.Write(p)
	c.cond.Broadcast()
}

// CloseRead ends the inbound side. Buffered bytes are still readable; after
// them Read returns err, or io.EOF when err is nil.
func (c *Channel) CloseRead(err error) {
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rerr == nil {
		c.rerr = err
	}
	c.cond.Broadcast()
}

// Read blocks until inbound bytes are available or the inbound side ends.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.in.Len() == 0 && c.rerr == nil {
		c.cond.Wait()
	}
	if c.in.Len() > 0 {
		return c.in.Read(p)
	}
	return 0, c.rerr
}

// Write sends p to the peer.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.rerr == ErrClosed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if err := c.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close ends both directions and releases the stream.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.rerr = ErrClosed
		c.in.Reset()
		c.cond.Broadcast()
		c.mu.Unlock()
		if c.close != nil {
			c.closeErr = c.close()
		}
	})
	return c.closeErr
}
