package frame

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func requestFields() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
		{Name: "x-long", Value: strings.Repeat("v", 300)},
	}
}

func TestHeaderFieldsRoundTripWithContinuation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	// A tiny frame size forces CONTINUATION frames.
	require.NoError(t, w.WriteHeaderFields(3, requestFields(), true, 0, 64))

	p := NewParser(&buf, 0, 0)
	ev, err := p.NextEvent()
	require.NoError(t, err)

	h, ok := ev.(*HeadersEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, uint32(3), h.StreamID())
	assert.True(t, h.EndStream)
	if diff := cmp.Diff(requestFields(), h.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderFieldsWithWeight(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeaderFields(5, requestFields()[:4], false, 42, 0))

	ev, err := NewParser(&buf, 0, 0).NextEvent()
	require.NoError(t, err)
	ph, ok := ev.(*PriorityHeadersEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, uint16(42), ph.Weight)
	assert.Zero(t, ph.Dependency)
	assert.False(t, ph.Exclusive)
	assert.False(t, ph.EndStream)
	assert.Equal(t, uint32(5), ph.StreamID())
}

func TestDataPaddingIsReported(t *testing.T) {
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	require.NoError(t, fr.WriteDataPadded(7, true, []byte("hello"), make([]byte, 10)))

	ev, err := NewParser(&buf, 0, 0).NextEvent()
	require.NoError(t, err)
	d, ok := ev.(*DataEvent)
	require.True(t, ok)
	assert.Equal(t, "hello", string(d.Data))
	// pad length byte plus ten bytes of padding
	assert.Equal(t, 11, d.Padding)
	assert.Equal(t, 16, d.FlowControlled())
	assert.True(t, d.EndStream)
}

func TestZeroLengthDataWithoutEndStreamIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteData(1, false, nil))
	assert.Zero(t, buf.Len())
}

func TestControlEvents(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteSettings(
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: 32768},
		http2.Setting{ID: SettingEnableConnectProtocol, Val: 1},
	))
	require.NoError(t, w.WriteSettingsAck())
	require.NoError(t, w.WritePing(false, [8]byte{1, 2, 3}))
	require.NoError(t, w.WriteWindowUpdate(0, 1000))
	require.NoError(t, w.WriteRSTStream(9, http2.ErrCodeCancel))
	require.NoError(t, w.WriteGoAway(9, http2.ErrCodeNo, []byte("bye")))

	p := NewParser(&buf, 0, 0)

	ev, err := p.NextEvent()
	require.NoError(t, err)
	s := ev.(*SettingsEvent)
	assert.False(t, s.Ack)
	v, ok := s.Value(SettingEnableConnectProtocol)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), v)
	_, ok = s.Value(http2.SettingEnablePush)
	assert.False(t, ok)

	ev, err = p.NextEvent()
	require.NoError(t, err)
	assert.True(t, ev.(*SettingsEvent).Ack)

	ev, err = p.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, [8]byte{1, 2, 3}, ev.(*PingEvent).Data)

	ev, err = p.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), ev.(*WindowUpdateEvent).Increment)

	ev, err = p.NextEvent()
	require.NoError(t, err)
	rst := ev.(*RstStreamEvent)
	assert.Equal(t, uint32(9), rst.StreamID())
	assert.Equal(t, http2.ErrCodeCancel, rst.Code)

	ev, err = p.NextEvent()
	require.NoError(t, err)
	ga := ev.(*GoAwayEvent)
	assert.Equal(t, uint32(9), ga.LastStreamID)
	assert.Equal(t, "bye", string(ga.DebugData))

	_, err = p.NextEvent()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestPushPromiseEvent(t *testing.T) {
	var block bytes.Buffer
	enc := hpack.NewEncoder(&block)
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"}))
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: ":path", Value: "/style.css"}))

	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	require.NoError(t, fr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      3,
		PromiseID:     2,
		BlockFragment: block.Bytes(),
		EndHeaders:    true,
	}))

	ev, err := NewParser(&buf, 0, 0).NextEvent()
	require.NoError(t, err)
	pp := ev.(*PushPromiseEvent)
	assert.Equal(t, uint32(3), pp.StreamID())
	assert.Equal(t, uint32(2), pp.Promised)
	require.Len(t, pp.Fields, 2)
	assert.Equal(t, "/style.css", pp.Fields[1].Value)
}

func TestPriorityFrameIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	require.NoError(t, fr.WritePriority(3, http2.PriorityParam{Weight: 10}))
	require.NoError(t, fr.WriteRSTStream(3, http2.ErrCodeCancel))

	ev, err := NewParser(&buf, 0, 0).NextEvent()
	require.NoError(t, err)
	_, ok := ev.(*RstStreamEvent)
	assert.True(t, ok)
}

func TestStreamRemovedEvent(t *testing.T) {
	var ev Event = &StreamRemovedEvent{Stream: 11}
	assert.Equal(t, uint32(11), ev.StreamID())
}

func TestHeaderEncoderDecoder(t *testing.T) {
	enc := NewHeaderEncoder()
	defer enc.Close()
	block, err := enc.Encode([][2]string{{":status", "200"}, {"content-type", "text/plain"}})
	require.NoError(t, err)

	fields, err := NewHeaderDecoder(DefaultHeaderTableSize).Decode(block)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "200", fields[0].Value)
	assert.Equal(t, "content-type", fields[1].Name)
}
