package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestPoolRunsAllAndWaits(t *testing.T) {
	pool, _ := New(context.Background(), 4)
	var done int32

	for i := 0; i < 20; i++ {
		pool.Go(func(ctx context.Context) error {
			atomic.AddInt32(&done, 1)
			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done != 20 {
		t.Errorf("done = %d, want 20", done)
	}
}

func TestPoolPropagatesFirstError(t *testing.T) {
	pool, _ := New(context.Background(), 2)
	wantErr := errors.New("boom")

	pool.Go(func(ctx context.Context) error { return wantErr })
	pool.Go(func(ctx context.Context) error { return nil })

	if err := pool.Wait(); !errors.Is(err, wantErr) {
		t.Errorf("Wait() = %v, want %v", err, wantErr)
	}
}

func TestPoolRespectsConcurrencyLimit(t *testing.T) {
	pool, _ := New(context.Background(), 1)
	var concurrent, maxConcurrent int32

	for i := 0; i < 10; i++ {
		pool.Go(func(ctx context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			defer atomic.AddInt32(&concurrent, -1)
			for {
				m := atomic.LoadInt32(&maxConcurrent)
				if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
					break
				}
			}
			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if maxConcurrent > 1 {
		t.Errorf("maxConcurrent = %d, want <= 1", maxConcurrent)
	}
}

func TestPoolCancellationStopsNewWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, gctx := New(ctx, 1)

	pool.Go(func(ctx context.Context) error {
		cancel()
		return nil
	})
	_ = pool.Wait()

	select {
	case <-gctx.Done():
	default:
		t.Error("expected pool context to be done after cancel")
	}
}
