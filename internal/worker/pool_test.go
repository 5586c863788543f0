package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue()
	for _, name := range []string{"A", "B", "C"} {
		require.True(t, q.push(task{fn: func(context.Context) error { return errors.New(name) }}))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.tryPop()
		require.True(t, ok)
		assert.EqualError(t, got.fn(context.Background()), want)
	}
	_, ok := q.tryPop()
	assert.False(t, ok)
}

func TestQueue_CloseRejectsAndWakes(t *testing.T) {
	q := newQueue()
	require.True(t, q.push(task{}))
	q.close()
	q.close() // idempotent

	assert.False(t, q.push(task{}))
	assert.False(t, q.drained(), "queued task still pending")

	select {
	case <-q.wait():
	default:
		t.Fatal("wait channel should be closed")
	}

	_, ok := q.tryPop()
	require.True(t, ok)
	assert.True(t, q.drained())
}

func TestPool_ReturnsJobError(t *testing.T) {
	p := New(2)
	defer p.Close()

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(3)
	defer p.Close()
	assert.Equal(t, 3, p.Size())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1), "jobs should overlap")
}

func TestPool_SingleWorkerRunsInSubmissionOrder(t *testing.T) {
	p := New(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Wait for the job to be queued before submitting the next.
		require.Eventually(t, func() bool { return p.Pending() == i+1 }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_ContextCancelledWhileQueued(t *testing.T) {
	p := New(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	// The skipped job is consumed without running.
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, time.Millisecond)
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestPool_CancelledContextIsNotQueued(t *testing.T) {
	p := New(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func(context.Context) error {
		t.Error("job should not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := New(1)
	defer p.Close()

	err := p.Do(context.Background(), func(context.Context) error { panic("bad job") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad job")

	// The worker survives.
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPool_CloseDrainsQueuedJobs(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Do(context.Background(), func(context.Context) error {
				done.Add(1)
				return nil
			}))
		}()
	}
	require.Eventually(t, func() bool { return p.Pending() == 3 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		p.queue.mu.Lock()
		defer p.queue.mu.Unlock()
		return p.queue.closed
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return nil }), ErrClosed)

	close(release)
	<-closed
	wg.Wait()
	assert.Equal(t, int32(3), done.Load())
}

func TestNew_MinimumSize(t *testing.T) {
	p := New(0)
	defer p.Close()
	assert.Equal(t, 1, p.Size())
}
