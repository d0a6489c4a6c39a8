package conductor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_RunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var count int64
	for i := 0; i < 10; i++ {
		if err := pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	pool.Wait()

	if count != 10 {
		t.Errorf("expected 10 executions, got %d", count)
	}
	if m := pool.Metrics(); m.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyBound(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var active, peak int64
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt64(&active, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	pool.Wait()

	if peak > 2 {
		t.Errorf("concurrency bound violated: peak %d", peak)
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded waiting for a slot, got %v", err)
	}
	close(block)
}

func TestWorkerPool_PanicCounted(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", m.Panics)
	}
	if m.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", m.Failed)
	}
	if m.Active != 0 {
		t.Errorf("expected 0 active after panic, got %d", m.Active)
	}
}

func TestWorkerPool_FailedWorkCounted(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("nope")
	})
	pool.Wait()

	if m := pool.Metrics(); m.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", m.Failed)
	}
}
