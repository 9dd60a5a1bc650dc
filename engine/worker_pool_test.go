package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	wp := NewWorkerPool(4)
	defer wp.Close()

	var counter atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := wp.Submit(context.Background(), func() {
			defer wg.Done()
			counter.Add(1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if counter.Load() != 100 {
		t.Errorf("ran %d tasks, want 100", counter.Load())
	}
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Close()

	err := wp.Submit(context.Background(), func() {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestWorkerPoolCloseIdempotent(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Close()
	wp.Close() // must not panic
}

func TestWorkerPoolContextCancellation(t *testing.T) {
	wp := NewWorkerPool(1)
	defer wp.Close()

	// Saturate the single worker and the channel buffer.
	block := make(chan struct{})
	defer close(block)
	for i := 0; i < 3; i++ {
		_ = wp.Submit(context.Background(), func() { <-block })
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := wp.Submit(ctx, func() {}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
