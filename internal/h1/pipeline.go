package h1

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/promise"
)

var (
	// ErrPipelineClosing is returned for writes at or after the id the
	// connection was reset at.
	ErrPipelineClosing = errors.New("h1: connection closing")
	// ErrPipelineOutOfOrder is returned for writes to a sequence id whose
	// response has already completed.
	ErrPipelineOutOfOrder = errors.New("h1: response for completed sequence id")
)

type pipelineEntry[T any] struct {
	obj  T
	done *promise.Promise[struct{}]
}

type pipelineQueue[T any] struct {
	entries []pipelineEntry[T]
	// complete is set once the queued writes include the end of the stream.
	complete bool
}

// Encoder releases responses to its sink in request order. Responses for
// later sequence ids are buffered until every earlier one has ended.
//
// An Encoder is not safe for concurrent use; it belongs to the connection loop.
type Encoder[T any] struct {
	sink    func(T) error
	onClose func()
	logger  *zap.Logger

	currentID   uint64
	minClosedID uint64
	pending     map[uint64]*pipelineQueue[T]
	buffered    int
	closed      bool
}

// NewEncoder creates an encoder that writes through sink. onClose runs once,
// when the write position reaches the id passed to Reset.
func NewEncoder[T any](sink func(T) error, onClose func(), logger *zap.Logger) *Encoder[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder[T]{
		sink:        sink,
		onClose:     onClose,
		logger:      logger,
		currentID:   1,
		minClosedID: math.MaxUint64,
		pending:     make(map[uint64]*pipelineQueue[T]),
	}
}

// Write submits obj for sequence id. The returned promise completes when obj
// has been handed to the sink, or fails when it never will be.
func (e *Encoder[T]) Write(id uint64, obj T, endStream bool) *promise.Promise[struct{}] {
	done := promise.New[struct{}]()

	switch {
	case id >= e.minClosedID:
		done.Fail(fmt.Errorf("%w: sequence id %d", ErrPipelineClosing, id))
	case id < e.currentID:
		done.Fail(fmt.Errorf("%w: sequence id %d, current %d", ErrPipelineOutOfOrder, id, e.currentID))
	case id == e.currentID:
		if q, ok := e.pending[id]; ok {
			delete(e.pending, id)
			e.flush(q)
		}
		e.emit(obj, done)
		if endStream {
			e.advance()
		}
	default:
		q, ok := e.pending[id]
		if !ok {
			q = &pipelineQueue[T]{}
			e.pending[id] = q
		}
		q.entries = append(q.entries, pipelineEntry[T]{obj: obj, done: done})
		e.buffered++
		if endStream {
			q.complete = true
		}
	}
	return done
}

// Reset stops accepting writes at or after id. Buffered writes in that range
// fail. If every response before id has been written, onClose runs now;
// otherwise it runs once they have.
func (e *Encoder[T]) Reset(id uint64) {
	if id < e.minClosedID {
		e.minClosedID = id
	}
	for qid, q := range e.pending {
		if qid < e.minClosedID {
			continue
		}
		delete(e.pending, qid)
		e.fail(q, fmt.Errorf("%w: sequence id %d", ErrPipelineClosing, qid))
	}
	e.maybeClose()
}

// Fail drops every buffered write with cause and rejects all future writes.
// It is used when the connection is lost.
func (e *Encoder[T]) Fail(cause error) {
	e.minClosedID = e.currentID
	for qid, q := range e.pending {
		delete(e.pending, qid)
		e.fail(q, cause)
	}
	e.closed = true
}

// CurrentID returns the next sequence id allowed to reach the sink.
func (e *Encoder[T]) CurrentID() uint64 {
	return e.currentID
}

// Buffered returns the number of writes waiting for an earlier response.
func (e *Encoder[T]) Buffered() int {
	return e.buffered
}

func (e *Encoder[T]) advance() {
	e.currentID++
	for {
		q, ok := e.pending[e.currentID]
		if !ok {
			break
		}
		delete(e.pending, e.currentID)
		e.flush(q)
		if !q.complete {
			break
		}
		e.currentID++
	}
	e.maybeClose()
}

func (e *Encoder[T]) flush(q *pipelineQueue[T]) {
	for _, ent := range q.entries {
		e.buffered--
		e.emit(ent.obj, ent.done)
	}
}

func (e *Encoder[T]) fail(q *pipelineQueue[T], cause error) {
	for _, ent := range q.entries {
		e.buffered--
		ent.done.Fail(cause)
	}
}

func (e *Encoder[T]) emit(obj T, done *promise.Promise[struct{}]) {
	if err := e.sink(obj); err != nil {
		e.logger.Debug("pipelined write failed", zap.Uint64("seq", e.currentID), zap.Error(err))
		done.Fail(err)
		return
	}
	done.Complete(struct{}{})
}

func (e *Encoder[T]) maybeClose() {
	if e.closed || e.currentID < e.minClosedID {
		return
	}
	e.closed = true
	if e.onClose != nil {
		e.onClose()
	}
}
