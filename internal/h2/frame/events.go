package frame

import (
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Event is one inbound frame after decoding. The set of implementations is closed;
// consumers switch over the concrete types and must handle every one of them.
type Event interface {
	StreamID() uint32
	event()
}

// HeadersEvent carries a complete decoded header block.
type HeadersEvent struct {
	Stream    uint32
	Fields    []hpack.HeaderField
	Padding   int
	EndStream bool
	// Truncated is set when the block exceeded the header list size limit.
	Truncated bool
}

// PriorityHeadersEvent is a HEADERS frame that also carried a priority block.
type PriorityHeadersEvent struct {
	HeadersEvent
	Dependency uint32
	// Weight is the effective weight in [1, 256].
	Weight    uint16
	Exclusive bool
}

// DataEvent carries the payload of a DATA frame. Data is owned by the event.
type DataEvent struct {
	Stream    uint32
	Data      []byte
	Padding   int
	EndStream bool
}

// FlowControlled returns the number of bytes the frame counts against flow-control windows.
func (e *DataEvent) FlowControlled() int {
	return len(e.Data) + e.Padding
}

// SettingsEvent carries a SETTINGS frame or its acknowledgment.
type SettingsEvent struct {
	Ack      bool
	Settings []http2.Setting
}

// Value returns the value of setting id, if present.
func (e *SettingsEvent) Value(id http2.SettingID) (uint32, bool) {
	for _, s := range e.Settings {
		if s.ID == id {
			return s.Val, true
		}
	}
	return 0, false
}

// RstStreamEvent reports that the peer reset a stream.
type RstStreamEvent struct {
	Stream uint32
	Code   http2.ErrCode
}

// PushPromiseEvent announces a server-initiated stream.
type PushPromiseEvent struct {
	Stream   uint32
	Promised uint32
	Fields   []hpack.HeaderField
	Padding  int
}

// StreamRemovedEvent is synthesized by a transport when it forgets a stream.
type StreamRemovedEvent struct {
	Stream uint32
}

// WindowUpdateEvent grants flow-control credit.
type WindowUpdateEvent struct {
	Stream    uint32
	Increment uint32
}

// PingEvent is a PING frame.
type PingEvent struct {
	Ack  bool
	Data [8]byte
}

// GoAwayEvent is a GOAWAY frame.
type GoAwayEvent struct {
	LastStreamID uint32
	Code         http2.ErrCode
	DebugData    []byte
}

func (e *HeadersEvent) StreamID() uint32       { return e.Stream }
func (e *DataEvent) StreamID() uint32          { return e.Stream }
func (e *SettingsEvent) StreamID() uint32      { return 0 }
func (e *RstStreamEvent) StreamID() uint32     { return e.Stream }
func (e *PushPromiseEvent) StreamID() uint32   { return e.Stream }
func (e *StreamRemovedEvent) StreamID() uint32 { return e.Stream }
func (e *WindowUpdateEvent) StreamID() uint32  { return e.Stream }
func (e *PingEvent) StreamID() uint32          { return 0 }
func (e *GoAwayEvent) StreamID() uint32        { return 0 }

func (*HeadersEvent) event()       {}
func (*DataEvent) event()          {}
func (*SettingsEvent) event()      {}
func (*RstStreamEvent) event()     {}
func (*PushPromiseEvent) event()   {}
func (*StreamRemovedEvent) event() {}
func (*WindowUpdateEvent) event()  {}
func (*PingEvent) event()          {}
func (*GoAwayEvent) event()        {}

// NextEvent reads frames until one maps to an Event. Standalone PRIORITY frames
// and unknown frame types are consumed silently. Errors of type http2.StreamError
// leave the connection usable; any other error is connection-fatal.
func (p *Parser) NextEvent() (Event, error) {
	for {
		f, err := p.ReadNextFrame()
		if err != nil {
			return nil, err
		}
		ev, err := p.toEvent(f)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
}

func (p *Parser) toEvent(f http2.Frame) (Event, error) {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		hf := f.HeadersFrame
		padding := int(hf.Header().Length) - len(hf.HeaderBlockFragment())
		if hf.HasPriority() {
			padding -= 5
		}
		if padding < 0 {
			padding = 0
		}
		h := HeadersEvent{
			Stream:    hf.StreamID,
			Fields:    f.Fields,
			Padding:   padding,
			EndStream: hf.StreamEnded(),
			Truncated: f.Truncated,
		}
		if hf.HasPriority() {
			return &PriorityHeadersEvent{
				HeadersEvent: h,
				Dependency:   hf.Priority.StreamDep,
				Weight:       uint16(hf.Priority.Weight) + 1,
				Exclusive:    hf.Priority.Exclusive,
			}, nil
		}
		return &h, nil

	case *http2.DataFrame:
		src := f.Data()
		data := make([]byte, len(src))
		copy(data, src)
		return &DataEvent{
			Stream:    f.StreamID,
			Data:      data,
			Padding:   int(f.Header().Length) - len(src),
			EndStream: f.StreamEnded(),
		}, nil

	case *http2.SettingsFrame:
		ev := &SettingsEvent{Ack: f.IsAck()}
		if !ev.Ack {
			_ = f.ForeachSetting(func(s http2.Setting) error {
				ev.Settings = append(ev.Settings, s)
				return nil
			})
		}
		return ev, nil

	case *http2.RSTStreamFrame:
		return &RstStreamEvent{Stream: f.StreamID, Code: f.ErrCode}, nil

	case *http2.PushPromiseFrame:
		if !f.HeadersEnded() {
			return nil, http2.ConnectionError(http2.ErrCodeProtocol)
		}
		frag := f.HeaderBlockFragment()
		fields, err := p.decoder.DecodeFull(frag)
		if err != nil {
			return nil, fmt.Errorf("decode push promise: %w", http2.ConnectionError(http2.ErrCodeCompression))
		}
		padding := int(f.Header().Length) - 4 - len(frag)
		if padding < 0 {
			padding = 0
		}
		return &PushPromiseEvent{
			Stream:   f.StreamID,
			Promised: f.PromiseID,
			Fields:   fields,
			Padding:  padding,
		}, nil

	case *http2.WindowUpdateFrame:
		return &WindowUpdateEvent{Stream: f.StreamID, Increment: f.Increment}, nil

	case *http2.PingFrame:
		return &PingEvent{Ack: f.IsAck(), Data: f.Data}, nil

	case *http2.GoAwayFrame:
		src := f.DebugData()
		debug := make([]byte, len(src))
		copy(debug, src)
		return &GoAwayEvent{LastStreamID: f.LastStreamID, Code: f.ErrCode, DebugData: debug}, nil

	default:
		return nil, nil
	}
}
