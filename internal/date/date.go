// Package date keeps a cached HTTP Date header value refreshed by a ticker.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const refreshInterval = 500 * time.Millisecond

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	users   int
	stopCh  chan struct{}
	stopped sync.WaitGroup
)

// StartTicker starts refreshing the cached value and returns a function that
// releases it. Calls nest; the ticker stops when the last user releases.
func StartTicker() (stop func()) {
	mu.Lock()
	defer mu.Unlock()

	update(time.Now())
	users++
	if users == 1 {
		stopCh = make(chan struct{})
		stopped.Add(1)
		go run(stopCh)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}
}

func release() {
	mu.Lock()
	users--
	var ch chan struct{}
	if users == 0 {
		ch = stopCh
		stopCh = nil
	}
	mu.Unlock()
	if ch != nil {
		close(ch)
		stopped.Wait()
	}
}

func run(done <-chan struct{}) {
	defer stopped.Done()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			update(now)
		case <-done:
			return
		}
	}
}

func update(now time.Time) {
	b := []byte(now.UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached Date header value. The slice must not be modified.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
