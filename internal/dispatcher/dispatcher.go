// Package dispatcher fans queued runs out to a fixed pool of workers and
// keeps a run from being queued twice while it is waiting or executing.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/publishing"
	"github.com/JakeFAU/autopublisher/internal/worker"
)

// Dispatcher owns the worker pool for one queue.
type Dispatcher struct {
	queue   publishing.Queue
	size    int
	logger  *zap.Logger
	exec    worker.Executor
	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a Dispatcher that will run size workers.
func New(queue publishing.Queue, size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		size:    size,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Bind sets the executor workers hand runs to. Call it before Run.
func (d *Dispatcher) Bind(exec worker.Executor) {
	d.exec = exec
}

// Run starts the workers and blocks until all of them have returned, which
// happens when ctx ends or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.exec == nil {
		d.logger.Error("dispatcher started without an executor")
		return
	}
	var wg sync.WaitGroup
	for i := range d.size {
		w := worker.New(i, d.queue, d, d.logger.Named("worker"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Execute runs one dequeued run and releases its pending mark.
func (d *Dispatcher) Execute(ctx context.Context, runID string) error {
	defer d.release(runID)
	return d.exec.Execute(ctx, runID)
}

// Enqueue queues a run unless it is already waiting or executing, in which
// case it returns nil without queueing a second copy.
func (d *Dispatcher) Enqueue(ctx context.Context, item publishing.QueueItem) error {
	if !d.claim(item.RunID) {
		d.logger.Debug("run already pending", zap.String("run_id", item.RunID))
		return nil
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.release(item.RunID)
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Pending reports how many runs are queued or executing.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) claim(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[runID]; ok {
		return false
	}
	d.pending[runID] = struct{}{}
	return true
}

func (d *Dispatcher) release(runID string) {
	d.mu.Lock()
	delete(d.pending, runID)
	d.mu.Unlock()
}
