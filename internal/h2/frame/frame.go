// Package frame wraps the golang.org/x/net/http2 framer: a Parser that turns wire
// frames into stream events and a Writer that serializes outbound frames.
package frame

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Protocol defaults from RFC 9113.
const (
	DefaultMaxFrameSize      = 16384
	MaxAllowedFrameSize      = 1<<24 - 1
	DefaultInitialWindowSize = 65535
	DefaultHeaderTableSize   = 4096
	MaxWindowSize            = 1<<31 - 1
	// DefaultWeight is the stream weight implied when HEADERS carry no priority.
	DefaultWeight = 16
)

// SettingEnableConnectProtocol is SETTINGS_ENABLE_CONNECT_PROTOCOL from RFC 8441.
const SettingEnableConnectProtocol http2.SettingID = 0x8

// Parser reads frames from a persistent reader. It keeps a single framer so
// header-block state survives across reads.
type Parser struct {
	framer  *http2.Framer
	decoder *hpack.Decoder
}

// NewParser creates a parser bound to r. maxFrameSize bounds inbound frames.
func NewParser(r io.Reader, maxFrameSize uint32, maxHeaderListSize uint32) *Parser {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	fr := http2.NewFramer(nil, r)
	fr.SetMaxReadFrameSize(maxFrameSize)
	dec := hpack.NewDecoder(DefaultHeaderTableSize, nil)
	fr.ReadMetaHeaders = dec
	if maxHeaderListSize > 0 {
		fr.MaxHeaderListSize = maxHeaderListSize
	}
	return &Parser{framer: fr, decoder: dec}
}

// ReadNextFrame reads the next raw frame. HEADERS and their CONTINUATION frames
// arrive already merged and decoded as *http2.MetaHeadersFrame.
func (p *Parser) ReadNextFrame() (http2.Frame, error) {
	if p.framer == nil {
		return nil, fmt.Errorf("parser not initialized")
	}
	return p.framer.ReadFrame()
}

// Writer serializes outbound frames. HPACK encoding and the write of the
// resulting header block happen under one lock so the peer's decoder sees blocks
// in encoder order.
type Writer struct {
	framer  *http2.Framer
	writer  io.Writer
	encoder *HeaderEncoder
	mu      sync.Mutex
}

// NewWriter creates a new frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		framer:  http2.NewFramer(w, nil),
		writer:  w,
		encoder: NewHeaderEncoder(),
	}
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// WritePreface writes the client connection preface.
func (w *Writer) WritePreface() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.writer, http2.ClientPreface)
	return err
}

// WriteSettings writes a SETTINGS frame
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// SetHeaderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE to the encoder.
func (w *Writer) SetHeaderTableSize(v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.encoder.encoder.SetMaxDynamicTableSizeLimit(v)
}

// WriteHeaderFields encodes fields and writes them as HEADERS plus CONTINUATION
// frames, fragmenting by maxFrameSize. A weight of zero sends no priority block.
func (w *Writer) WriteHeaderFields(streamID uint32, fields []hpack.HeaderField, endStream bool, weight uint16, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	block, err := w.encoder.EncodeFields(fields)
	if err != nil {
		return err
	}
	return w.writeHeaderBlock(streamID, endStream, block, weight, maxFrameSize)
}

// WriteHeaders writes an already encoded header block.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderBlock(streamID, endStream, headerBlock, 0, maxFrameSize)
}

func (w *Writer) writeHeaderBlock(streamID uint32, endStream bool, headerBlock []byte, weight uint16, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	var prio []byte
	if weight > 0 {
		if weight > 256 {
			weight = 256
		}
		// Non-exclusive dependency on the root stream.
		prio = []byte{0, 0, 0, 0, byte(weight - 1)}
	}

	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		limit := int(maxFrameSize)
		if first && prio != nil {
			limit -= len(prio)
		}
		chunkLen := limit
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			payload := frag
			if prio != nil {
				flags |= http2.FlagHeadersPriority
				payload = append(append(make([]byte, 0, len(prio)+len(frag)), prio...), frag...)
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, payload); err != nil {
				return err
			}
			first = false
			continue
		}

		var flags http2.Flags
		if len(remaining) == 0 {
			flags |= http2.FlagContinuationEndHeaders
		}
		if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Avoid emitting zero-length DATA frames without END_STREAM
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}

// HeaderEncoder encodes HTTP headers using HPACK
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

// headerBufPool reuses temporary buffers used during HPACK encoding to reduce allocations.
var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// NewHeaderEncoder creates a new header encoder
func NewHeaderEncoder() *HeaderEncoder {
	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return &HeaderEncoder{
		encoder: hpack.NewEncoder(buf),
		buf:     buf,
	}
}

// EncodeFields encodes fields to an HPACK block. The result is a copy.
func (e *HeaderEncoder) EncodeFields(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.encoder.WriteField(f); err != nil {
			return nil, err
		}
	}
	result := make([]byte, e.buf.Len())
	copy(result, e.buf.Bytes())
	return result, nil
}

// Encode encodes name/value pairs to HPACK format
func (e *HeaderEncoder) Encode(headers [][2]string) ([]byte, error) {
	fields := make([]hpack.HeaderField, len(headers))
	for i, h := range headers {
		fields[i] = hpack.HeaderField{Name: h[0], Value: h[1]}
	}
	return e.EncodeFields(fields)
}

// Close releases internal resources back to the pool. The encoder instance should
// not be used after Close.
func (e *HeaderEncoder) Close() {
	if e.buf != nil {
		e.buf.Reset()
		headerBufPool.Put(e.buf)
		e.buf = nil
		e.encoder = hpack.NewEncoder(new(bytes.Buffer))
	}
}

// HeaderDecoder decodes HTTP headers using HPACK
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

// NewHeaderDecoder creates a new header decoder
func NewHeaderDecoder(maxSize uint32) *HeaderDecoder {
	return &HeaderDecoder{
		decoder: hpack.NewDecoder(maxSize, nil),
	}
}

// Decode decodes an HPACK block.
func (d *HeaderDecoder) Decode(data []byte) ([]hpack.HeaderField, error) {
	fields, err := d.decoder.DecodeFull(data)
	if err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	return fields, nil
}
