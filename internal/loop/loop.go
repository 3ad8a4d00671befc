// Package loop provides the single-goroutine executor that owns all state of one connection.
// Tasks run strictly in submission order; nothing submitted to a Loop ever runs concurrently
// with another task of the same Loop.
package loop

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop serializes tasks onto one goroutine.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// New starts a loop. A nil logger discards panic reports.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// Execute enqueues fn. It reports false when the loop is already closed,
// in which case fn will never run.
func (l *Loop) Execute(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks. Tasks queued before Close still run.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			batch := l.tasks
			l.tasks = nil
			closed := l.closed
			l.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, fn := range batch {
				l.runTask(fn)
			}
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic in loop task", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Timer is a delayed task scheduled with AfterFunc.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop once d has elapsed. A timer stopped from the loop
// is guaranteed not to run fn afterwards, even if it had already fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Execute(func() {
			if tm.stopped.Load() {
				return
			}
			tm.stopped.Store(true)
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the call stopped the timer
// before fn ran.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.t.Stop()
	return !t.stopped.Swap(true)
}
