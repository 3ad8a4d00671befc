package duplex

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/albertbausili/duplex/internal/message"
)

// recorder captures the response committed for one request.
type recorder struct {
	mu     sync.Mutex
	calls  int
	status int
	header http.Header
	body   []byte
}

func (r *recorder) Respond(resp *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls > 1 {
		return errors.New("response already sent")
	}
	r.status = resp.Status
	r.header = resp.Header.Clone()
	r.body = append([]byte(nil), resp.Body()...)
	resp.Release()
	return nil
}

func testRequest(method, path string, body []byte, header ...string) *message.Message {
	req := message.NewRequest(method, "http", "example.com", path, body)
	req.Proto = ProtoHTTP2
	req.StreamID = 1
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Add(header[i], header[i+1])
	}
	return req
}

func testContext(method, path string, header ...string) (*Context, *recorder) {
	rec := &recorder{}
	return newContext(context.Background(), testRequest(method, path, nil, header...), rec), rec
}

// serve runs h on a request and commits the response the way Server does.
func serve(h Handler, method, path string, header ...string) (*recorder, error) {
	ctx, rec := testContext(method, path, header...)
	err := h.Serve(ctx)
	if cerr := ctx.commit(); cerr != nil {
		return rec, cerr
	}
	return rec, err
}
