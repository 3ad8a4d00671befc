package transport

import (
	"io"
	"sync"
)

// inbox is the read side of a server connection. The event loop pushes what
// it reads without blocking; the frame reader drains it.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	err    error
}

func newInbox() *inbox {
	b := &inbox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// push queues a copy of p.
func (b *inbox) push(p []byte) {
	if len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	b.mu.Lock()
	if b.err == nil {
		b.chunks = append(b.chunks, buf)
	}
	b.mu.Unlock()
	b.cond.Signal()
}

// Read blocks until data is queued or the inbox is closed. Queued data is
// still returned after close.
func (b *inbox) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.chunks) == 0 && b.err == nil {
		b.cond.Wait()
	}
	if len(b.chunks) == 0 {
		return 0, b.err
	}
	n := copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	return n, nil
}

func (b *inbox) close(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}
