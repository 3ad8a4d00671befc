// Package flow assigns stream ids and correlates each id with the handle
// that will eventually receive its result.
package flow

import (
	"errors"
	"sort"
)

// MaxStreamID is the largest id an HTTP/2 stream may carry (31 bits).
const MaxStreamID = 1<<31 - 1

// Common id sequences.
const (
	// HTTP2ClientBase is the first id used for client-initiated HTTP/2 streams.
	// Stream 1 stays reserved for an upgraded HTTP/1.1 request.
	HTTP2ClientBase = 3
	HTTP2ClientStep = 2
	// HTTP1Base starts the synthetic sequence used to order HTTP/1 exchanges.
	HTTP1Base = 0
	HTTP1Step = 1
)

// ErrStreamIDsExhausted is returned once the id space is used up. Ids are
// never reused on a live connection; the caller must rotate to a new one.
var ErrStreamIDsExhausted = errors.New("flow: stream ids exhausted")

// Failer is anything that can be completed exceptionally.
type Failer interface {
	Fail(err error) bool
}

// Flow is the per-connection stream registry. It is not safe for concurrent use;
// callers confine it to their connection loop.
type Flow[H Failer] struct {
	base     uint32
	step     uint32
	next     uint64
	handles  map[uint32]H
	settings bool
}

// New returns a registry whose ids start at base and advance by step.
func New[H Failer](base, step uint32) *Flow[H] {
	if step == 0 {
		step = 1
	}
	return &Flow[H]{
		base:    base,
		step:    step,
		next:    uint64(base),
		handles: make(map[uint32]H),
	}
}

// NextStreamID returns the current counter value and advances it.
func (f *Flow[H]) NextStreamID() (uint32, error) {
	if f.next > MaxStreamID {
		return 0, ErrStreamIDsExhausted
	}
	id := uint32(f.next)
	f.next += uint64(f.step)
	return id, nil
}

// Exhausted reports whether NextStreamID can no longer hand out ids.
func (f *Flow[H]) Exhausted() bool {
	return f.next > MaxStreamID
}

// LastStreamID returns the most recently assigned id, or zero if none was.
func (f *Flow[H]) LastStreamID() uint32 {
	if f.next == uint64(f.base) {
		return 0
	}
	return uint32(f.next - uint64(f.step))
}

// Put associates h with id, replacing any previous handle.
func (f *Flow[H]) Put(id uint32, h H) {
	f.handles[id] = h
}

// Get returns the handle registered for id.
func (f *Flow[H]) Get(id uint32) (H, bool) {
	h, ok := f.handles[id]
	return h, ok
}

// Remove drops id and returns its handle. Removing an unknown id is a no-op.
func (f *Flow[H]) Remove(id uint32) (H, bool) {
	h, ok := f.handles[id]
	if ok {
		delete(f.handles, id)
	}
	return h, ok
}

// Len returns the number of pending handles.
func (f *Flow[H]) Len() int {
	return len(f.handles)
}

// FailAbove fails and removes every handle whose id is greater than last.
// It returns the number of handles failed.
func (f *Flow[H]) FailAbove(last uint32, cause error) int {
	return f.failWhere(func(id uint32) bool { return id > last }, cause)
}

// FailAll completes every pending handle exceptionally, in id order, and
// empties the registry. Id 0, the first HTTP/1 exchange, is included.
func (f *Flow[H]) FailAll(cause error) int {
	return f.failWhere(func(uint32) bool { return true }, cause)
}

func (f *Flow[H]) failWhere(match func(id uint32) bool, cause error) int {
	ids := make([]uint32, 0, len(f.handles))
	for id := range f.handles {
		if match(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		h := f.handles[id]
		delete(f.handles, id)
		h.Fail(cause)
	}
	return len(ids)
}

// SetSettingsReceived records that the peer's first SETTINGS frame arrived.
func (f *Flow[H]) SetSettingsReceived() {
	f.settings = true
}

// SettingsReceived reports whether the peer's SETTINGS have been seen.
func (f *Flow[H]) SettingsReceived() bool {
	return f.settings
}
