package tasking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(4)
	pool.Start()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		pool.Schedule(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		})
	}
	wg.Wait()
	pool.Stop()

	if count != 1000 {
		t.Errorf("Expected 1000 tasks run, got %d", count)
	}
	if pool.NumWorkers() != 4 {
		t.Errorf("Expected 4 workers, got %d", pool.NumWorkers())
	}
}

func TestPoolDefaultWorkers(t *testing.T) {
	pool := NewPool(0)
	if pool.NumWorkers() <= 0 {
		t.Errorf("Expected positive default worker count, got %d", pool.NumWorkers())
	}
}

func TestParallelForVisitsEachIndex(t *testing.T) {
	const n = 257
	seen := make([]int32, n)
	err := ParallelFor(context.Background(), n, 3, func(_ context.Context, i int) error {
		atomic.AddInt32(&seen[i], 1)
		return nil
	})
	if err != nil {
		t.Fatalf("ParallelFor failed: %v", err)
	}
	for i, c := range seen {
		if c != 1 {
			t.Errorf("Index %d visited %d times", i, c)
		}
	}
}

func TestParallelForReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := ParallelFor(context.Background(), 100, 2, func(_ context.Context, i int) error {
		if i == 10 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}
