package promise

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstWriterWins(t *testing.T) {
	p := New[int]()
	assert.True(t, p.Complete(1))
	assert.False(t, p.Complete(2))
	assert.False(t, p.Fail(errors.New("late")))

	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestConcurrentSettleExactlyOnce(t *testing.T) {
	p := New[string]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = p.Complete("ok")
			} else {
				ok = p.Fail(errors.New("timeout"))
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, p.IsDone())
}

func TestResultPending(t *testing.T) {
	p := New[int]()
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrPending)
	assert.False(t, p.IsDone())
}

func TestAwait(t *testing.T) {
	p := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Complete(7)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestAwaitContextDone(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnComplete(t *testing.T) {
	p := New[int]()
	var got []int
	p.OnComplete(func(v int, _ error) { got = append(got, v) })
	p.Complete(3)
	p.OnComplete(func(v int, _ error) { got = append(got, v*10) })
	assert.Equal(t, []int{3, 30}, got)
}

func TestFailNilError(t *testing.T) {
	p := Failed[int](nil)
	_, err := p.Result()
	assert.Error(t, err)
}

func TestCompleted(t *testing.T) {
	v, err := Completed("x").Result()
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
