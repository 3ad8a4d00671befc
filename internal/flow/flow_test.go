package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct {
	err   error
	fails int
}

func (h *handle) Fail(err error) bool {
	h.fails++
	if h.err != nil {
		return false
	}
	h.err = err
	return true
}

func TestNextStreamIDArithmetic(t *testing.T) {
	tests := []struct {
		name string
		base uint32
		step uint32
		want []uint32
	}{
		{"http2 client", HTTP2ClientBase, HTTP2ClientStep, []uint32{3, 5, 7, 9, 11}},
		{"http1 sequence", HTTP1Base, HTTP1Step, []uint32{0, 1, 2, 3, 4}},
		{"zero step treated as one", 1, 0, []uint32{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New[*handle](tt.base, tt.step)
			for _, want := range tt.want {
				id, err := f.NextStreamID()
				require.NoError(t, err)
				assert.Equal(t, want, id)
			}
			assert.Equal(t, tt.want[len(tt.want)-1], f.LastStreamID())
		})
	}
}

func TestNextStreamIDExhaustionDoesNotWrap(t *testing.T) {
	f := New[*handle](MaxStreamID-2, 2)
	id, err := f.NextStreamID()
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxStreamID-2), id)

	id, err = f.NextStreamID()
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxStreamID), id)

	assert.True(t, f.Exhausted())
	_, err = f.NextStreamID()
	assert.ErrorIs(t, err, ErrStreamIDsExhausted)
	_, err = f.NextStreamID()
	assert.ErrorIs(t, err, ErrStreamIDsExhausted)
}

func TestLastStreamIDBeforeAssignment(t *testing.T) {
	f := New[*handle](3, 2)
	assert.Zero(t, f.LastStreamID())
}

func TestPutGetRemove(t *testing.T) {
	f := New[*handle](3, 2)
	h := &handle{}
	f.Put(3, h)

	got, ok := f.Get(3)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, f.Len())

	removed, ok := f.Remove(3)
	require.True(t, ok)
	assert.Same(t, h, removed)

	_, ok = f.Remove(3)
	assert.False(t, ok, "remove is idempotent")
	assert.Zero(t, f.Len())
}

func TestFailAll(t *testing.T) {
	f := New[*handle](3, 2)
	hs := []*handle{{}, {}, {}}
	for i, h := range hs {
		f.Put(uint32(3+2*i), h)
	}
	cause := errors.New("connection lost")
	assert.Equal(t, 3, f.FailAll(cause))
	for _, h := range hs {
		assert.ErrorIs(t, h.err, cause)
		assert.Equal(t, 1, h.fails)
	}
	assert.Zero(t, f.Len())
	assert.Zero(t, f.FailAll(cause))
}

func TestFailAllIncludesFirstHTTP1Exchange(t *testing.T) {
	f := New[*handle](HTTP1Base, HTTP1Step)
	hs := make([]*handle, 3)
	for i := range hs {
		id, err := f.NextStreamID()
		require.NoError(t, err)
		hs[i] = &handle{}
		f.Put(id, hs[i])
	}
	_, ok := f.Get(0)
	require.True(t, ok)

	cause := errors.New("connection lost")
	assert.Equal(t, 3, f.FailAll(cause))
	for i, h := range hs {
		assert.ErrorIs(t, h.err, cause, "exchange %d", i)
	}
	assert.Zero(t, f.Len())
}

func TestFailAboveZeroKeepsIDZero(t *testing.T) {
	f := New[*handle](HTTP1Base, HTTP1Step)
	first, second := &handle{}, &handle{}
	f.Put(0, first)
	f.Put(1, second)

	assert.Equal(t, 1, f.FailAbove(0, errors.New("goaway")))
	assert.NoError(t, first.err)
	assert.Error(t, second.err)
}

func TestFailAbove(t *testing.T) {
	f := New[*handle](3, 2)
	low, high := &handle{}, &handle{}
	f.Put(3, low)
	f.Put(7, high)

	assert.Equal(t, 1, f.FailAbove(5, errors.New("goaway")))
	assert.NoError(t, low.err)
	assert.Error(t, high.err)
	_, ok := f.Get(3)
	assert.True(t, ok)
}

func TestSettingsReceived(t *testing.T) {
	f := New[*handle](3, 2)
	assert.False(t, f.SettingsReceived())
	f.SetSettingsReceived()
	assert.True(t, f.SettingsReceived())
}
