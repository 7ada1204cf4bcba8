package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// opencensus starts a background stats worker at init time; it is not ours
// to stop.
var leakOpts = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}

func TestWorkerRunsTasks(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	w := NewWorker(4, zap.NewNop())
	w.Start(context.Background())

	var ran atomic.Int32
	done := make(chan struct{})
	w.Enqueue(func(ctx context.Context) {
		ran.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task never ran")
	}
	w.Stop()

	if ran.Load() != 1 {
		t.Errorf("ran = %d", ran.Load())
	}
}

func TestWorkerEnqueueBeforeStart(t *testing.T) {
	w := NewWorker(1, zap.NewNop())
	if w.Enqueue(func(ctx context.Context) {}) {
		t.Errorf("enqueue succeeded before start")
	}
}

func TestWorkerConcurrentStartEnqueue(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	w := NewWorker(8, zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.Start(context.Background())
	}()
	go func() {
		defer wg.Done()
		w.Enqueue(func(ctx context.Context) {})
	}()
	wg.Wait()
	w.Stop()
}

func TestWorkerDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	w := NewWorker(1, zap.NewNop())
	w.Start(context.Background())
	defer w.Stop()

	block := make(chan struct{})
	w.Enqueue(func(ctx context.Context) { <-block })

	// Fill the queue, then overflow it.
	accepted := 0
	for i := 0; i < 3; i++ {
		if w.Enqueue(func(ctx context.Context) {}) {
			accepted++
		}
	}
	close(block)
	if accepted == 3 {
		t.Errorf("queue of size 1 accepted 3 pending tasks")
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	w := NewWorker(4, zap.NewNop())
	w.Start(context.Background())

	done := make(chan struct{})
	w.Enqueue(func(ctx context.Context) { panic("boom") })
	w.Enqueue(func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker died after panic")
	}
	w.Stop()
}

func TestWorkerStopIdempotent(t *testing.T) {
	w := NewWorker(1, zap.NewNop())
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
