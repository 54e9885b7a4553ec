package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsConcurrently(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// both pieces of work sleep, so with 2 workers this takes ~1 unit not 2
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	wp.Queue(func() {
		time.Sleep(200 * time.Millisecond)
		wg.Done()
	})
	wp.Queue(func() {
		time.Sleep(200 * time.Millisecond)
		wg.Done()
	})
	wg.Wait()
	if took := time.Since(start); took > 390*time.Millisecond {
		t.Fatalf("took %v for queued work, should have run concurrently", took)
	}
}

func TestWorkerPoolDoesWorkPriorToStart(t *testing.T) {
	wp := NewWorkerPool(2)

	ch := make(chan int, 2)
	wp.Queue(func() {
		ch <- 1
	})
	wp.Queue(func() {
		ch <- 2
	})

	time.Sleep(100 * time.Millisecond)
	if len(ch) > 0 {
		t.Fatalf("queued work was done before Start()")
	}

	wp.Start()
	defer wp.Stop()

	sum := 0
	for sum != 3 {
		select {
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for work to be done")
		case val := <-ch:
			sum += val
		}
	}
}

// With N workers busy and the N-sized buffer full, the next Queue must block:
// this is the backpressure that stops a burst of media downloads from piling
// up unboundedly.
func TestWorkerPoolBackpressure(t *testing.T) {
	n := 2
	wp := NewWorkerPool(n)
	wp.Start()
	defer wp.Stop()

	unblock := make(chan struct{})
	// Occupy every worker and fill the buffer.
	for i := 0; i < 2*n; i++ {
		wp.Queue(func() { <-unblock })
	}

	var queued int32
	go func() {
		wp.Queue(func() { <-unblock })
		atomic.StoreInt32(&queued, 1)
	}()
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&queued) != 0 {
		t.Fatalf("Queue did not block with all workers busy and the buffer full")
	}

	// Freeing one worker lets the blocked producer through.
	unblock <- struct{}{}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&queued) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Queue still blocked after a worker freed up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(unblock)
}
