package transport

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// record is a frame read by a peer, copied out of the framer's buffers.
type record struct {
	typ      http2.FrameType
	stream   uint32
	end      bool
	ack      bool
	data     []byte
	fields   []hpack.HeaderField
	settings map[http2.SettingID]uint32
	code     http2.ErrCode
	inc      uint32
	last     uint32
	promised uint32
}

func (r record) field(name string) string {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// peer is the far end of a connection under test, speaking raw frames.
type peer struct {
	fr     *http2.Framer
	encBuf bytes.Buffer
	enc    *hpack.Encoder
	wmu    sync.Mutex

	mu   sync.Mutex
	recs []record
	err  error
}

// newPeer reads frames from r until it fails and writes frames to w. With
// preface set, the client connection preface is consumed first.
func newPeer(r io.Reader, w io.Writer, preface bool) *peer {
	p := &peer{fr: http2.NewFramer(w, r)}
	p.enc = hpack.NewEncoder(&p.encBuf)
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.fr.SetMaxReadFrameSize(1 << 20)
	go p.read(r, preface)
	return p
}

func (p *peer) read(r io.Reader, preface bool) {
	if preface {
		buf := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(r, buf); err != nil {
			p.fail(err)
			return
		}
	}
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			p.fail(err)
			return
		}
		rec := record{typ: f.Header().Type, stream: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			rec.end = f.StreamEnded()
			rec.fields = append([]hpack.HeaderField(nil), f.Fields...)
		case *http2.DataFrame:
			rec.end = f.StreamEnded()
			rec.data = append([]byte(nil), f.Data()...)
		case *http2.SettingsFrame:
			rec.ack = f.IsAck()
			rec.settings = make(map[http2.SettingID]uint32)
			_ = f.ForeachSetting(func(s http2.Setting) error {
				rec.settings[s.ID] = s.Val
				return nil
			})
		case *http2.RSTStreamFrame:
			rec.code = f.ErrCode
		case *http2.WindowUpdateFrame:
			rec.inc = f.Increment
		case *http2.GoAwayFrame:
			rec.code = f.ErrCode
			rec.last = f.LastStreamID
			rec.data = append([]byte(nil), f.DebugData()...)
		case *http2.PingFrame:
			rec.ack = f.IsAck()
			rec.data = append([]byte(nil), f.Data[:]...)
		}
		p.mu.Lock()
		p.recs = append(p.recs, rec)
		p.mu.Unlock()
	}
}

func (p *peer) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *peer) readErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// expect waits for the first unconsumed frame matching typ and stream.
func (p *peer) expect(t *testing.T, typ http2.FrameType, stream uint32) record {
	t.Helper()
	return p.expectFunc(t, func(r record) bool { return r.typ == typ && r.stream == stream })
}

func (p *peer) expectFunc(t *testing.T, match func(record) bool) record {
	t.Helper()
	var got record
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, r := range p.recs {
			if match(r) {
				got = r
				p.recs = append(p.recs[:i:i], p.recs[i+1:]...)
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return got
}

// seen reports whether a frame matching typ and stream has been read.
func (p *peer) seen(typ http2.FrameType, stream uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.recs {
		if r.typ == typ && r.stream == stream {
			return true
		}
	}
	return false
}

func (p *peer) block(t *testing.T, fields []hpack.HeaderField) []byte {
	t.Helper()
	p.encBuf.Reset()
	for _, f := range fields {
		require.NoError(t, p.enc.WriteField(f))
	}
	return append([]byte(nil), p.encBuf.Bytes()...)
}

func (p *peer) settings(t *testing.T, s ...http2.Setting) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WriteSettings(s...))
}

func (p *peer) headers(t *testing.T, stream uint32, end bool, fields ...hpack.HeaderField) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      stream,
		BlockFragment: p.block(t, fields),
		EndStream:     end,
		EndHeaders:    true,
	}))
}

func (p *peer) data(t *testing.T, stream uint32, end bool, b []byte) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WriteData(stream, end, b))
}

func (p *peer) pushPromise(t *testing.T, stream, promised uint32, fields ...hpack.HeaderField) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      stream,
		PromiseID:     promised,
		BlockFragment: p.block(t, fields),
		EndHeaders:    true,
	}))
}

func (p *peer) windowUpdate(t *testing.T, stream, inc uint32) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WriteWindowUpdate(stream, inc))
}

func (p *peer) goAway(t *testing.T, last uint32, code http2.ErrCode) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WriteGoAway(last, code, nil))
}

func (p *peer) ping(t *testing.T, data [8]byte) {
	t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	require.NoError(t, p.fr.WritePing(false, data))
}

func hf(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

// wsFrame encodes a WebSocket text frame, masked when sent by a client.
func wsFrame(t *testing.T, text string, masked bool) []byte {
	t.Helper()
	f := ws.NewTextFrame([]byte(text))
	if masked {
		f = ws.MaskFrameInPlace(f)
	}
	var buf bytes.Buffer
	require.NoError(t, ws.WriteFrame(&buf, f))
	return buf.Bytes()
}

// readWSFrame decodes one WebSocket frame, unmasking it if needed.
func readWSFrame(t *testing.T, b []byte) ws.Frame {
	t.Helper()
	f, err := ws.ReadFrame(bytes.NewReader(b))
	require.NoError(t, err)
	if f.Header.Masked {
		ws.Cipher(f.Payload, f.Header.Mask, 0)
		f.Header.Masked = false
	}
	return f
}
