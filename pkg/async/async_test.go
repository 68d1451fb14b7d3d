package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGoRunsTask(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "test", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	ran := make(chan struct{})
	assert.NotPanics(t, func() {
		SafeGo(context.Background(), time.Second, "panicky", func(ctx context.Context) error {
			defer close(ran)
			panic("boom")
		})
		<-ran
		// Give the deferred recover a moment to fire on the other goroutine
		time.Sleep(10 * time.Millisecond)
	})
}

func TestSafeGoEnforcesTimeout(t *testing.T) {
	expired := make(chan struct{})
	SafeGo(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		close(expired)
		return ctx.Err()
	})

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("context never expired")
	}
}

func TestWorkerPoolProcessesTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, "test", time.Second, nil)

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
			return nil
		}))
	}

	wg.Wait()
	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int64(20), atomic.LoadInt64(&count))
}

func TestWorkerPoolCollectsErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test", time.Second, nil)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		return fmt.Errorf("task failed")
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	select {
	case err := <-pool.Errors():
		assert.EqualError(t, err, "task failed")
	default:
		t.Fatal("expected an error on the channel")
	}
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, nil)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("boom")
	}))

	// The same worker must still be alive to run this
	done := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, pool.Shutdown(time.Second))

	select {
	case err := <-pool.Errors():
		assert.Contains(t, err.Error(), "panic")
	default:
		t.Fatal("expected panic surfaced as error")
	}
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, nil)
	require.NoError(t, pool.Shutdown(time.Second))

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, pool.TrySubmit(func(ctx context.Context) error { return nil }))
}

func TestWorkerPoolShutdownDrainsBuffer(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, nil)

	var count int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&count))
}

func TestWorkerPoolShutdownIdempotent(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, nil)
	require.NoError(t, pool.Shutdown(time.Second))
	assert.NotPanics(t, func() {
		_ = pool.Shutdown(time.Second)
	})
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	var sum int64
	errs := Batch(context.Background(), items, 3, "sum", time.Second, func(ctx context.Context, n int) error {
		atomic.AddInt64(&sum, int64(n))
		if n == 4 {
			return fmt.Errorf("four is unlucky")
		}
		return nil
	})

	assert.Equal(t, int64(15), atomic.LoadInt64(&sum))
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "four is unlucky")
}

func TestBatchEmpty(t *testing.T) {
	errs := Batch(context.Background(), nil, 3, "noop", time.Second, func(ctx context.Context, n int) error {
		return nil
	})
	assert.Empty(t, errs)
}
