package limits

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

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var cur, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&cur, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&cur, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolJoinTimeout(t *testing.T) {
	p := NewPool(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolReturnsFnError(t *testing.T) {
	p := NewPool(1)
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLimiterWithLLM(t *testing.T) {
	l := New(1, 1)
	called := false
	err := l.WithLLM(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	// Занятый семафор + отменённый контекст — вызов не происходит
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	go l.WithVision(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	time.Sleep(5 * time.Millisecond)
	cancel()
	err = l.WithVision(ctx, func(context.Context) error {
		t.Fatal("не должен выполняться")
		return nil
	})
	assert.Error(t, err)
	close(release)
}
