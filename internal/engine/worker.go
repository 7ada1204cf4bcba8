package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Worker runs background maintenance (TTL pruning, index flushes) on a
// bounded queue. The request path enqueues and returns; a full queue drops
// the task rather than blocking an ingest.
type Worker struct {
	tasks  chan func(ctx context.Context)
	logger *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWorker(queueSize int, logger *zap.Logger) *Worker {
	return &Worker{
		tasks:  make(chan func(ctx context.Context), queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the single consumer goroutine. Tasks run sequentially so
// maintenance never competes with itself.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.started.Store(true)
		go func() {
			defer close(w.done)
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-w.tasks:
					if !ok {
						return
					}
					w.run(ctx, task)
				}
			}
		}()
	})
}

func (w *Worker) run(ctx context.Context, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("maintenance task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}

// Enqueue schedules a task, reporting false when the queue is full or the
// worker was never started.
func (w *Worker) Enqueue(task func(ctx context.Context)) bool {
	if !w.started.Load() {
		return false
	}
	select {
	case w.tasks <- task:
		return true
	default:
		w.logger.Warn("maintenance queue full, dropping task")
		return false
	}
}

// Stop cancels the consumer and waits for it to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if !w.started.Load() {
			return
		}
		w.cancel()
		<-w.done
	})
}
