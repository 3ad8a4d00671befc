// Package promise provides a one-shot completion handle.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Result while the promise is not yet complete.
var ErrPending = errors.New("promise: not complete")

// Promise is completed at most once. The first Complete or Fail wins;
// later attempts are ignored and report false.
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	val       T
	err       error
	callbacks []func(T, error)
}

// New returns a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Completed returns a promise already completed with v.
func Completed[T any](v T) *Promise[T] {
	p := New[T]()
	p.Complete(v)
	return p
}

// Failed returns a promise already failed with err.
func Failed[T any](err error) *Promise[T] {
	p := New[T]()
	p.Fail(err)
	return p
}

// Complete resolves the promise with v.
func (p *Promise[T]) Complete(v T) bool {
	return p.settle(v, nil)
}

// Fail resolves the promise with err. A nil err is replaced by a generic failure.
func (p *Promise[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("promise: failed")
	}
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.val = v
	p.err = err
	cbs := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done is closed when the promise completes.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// IsDone reports whether the promise has completed.
func (p *Promise[T]) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.completed {
		var zero T
		return zero, ErrPending
	}
	return p.val, p.err
}

// Await blocks until completion or until ctx is done.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once the promise completes. If it already has,
// fn runs immediately on the calling goroutine; otherwise it runs on the goroutine
// that completes the promise.
func (p *Promise[T]) OnComplete(fn func(T, error)) {
	p.mu.Lock()
	if !p.completed {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	v, err := p.val, p.err
	p.mu.Unlock()
	fn(v, err)
}
