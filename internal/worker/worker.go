// Package worker executes queued runs.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Executor runs a queued run to completion.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Worker consumes queue items one at a time.
type Worker struct {
	id     int
	queue  publishing.Queue
	exec   Executor
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue publishing.Queue, exec Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{id: id, queue: queue, exec: exec, logger: logger.With(zap.Int("worker", id))}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue dequeue stopped", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.Int("attempt", item.Attempt))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item publishing.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	err := w.exec.Execute(ctx, item.RunID)
	switch {
	case err == nil:
	case errors.Is(err, publishing.ErrNotFound):
		w.logger.Warn("queued run no longer exists", zap.String("run_id", item.RunID))
	case errors.Is(err, publishing.ErrRunActive):
		w.logger.Info("run is executing elsewhere", zap.String("run_id", item.RunID))
	case ctx.Err() != nil:
		w.logger.Info("run interrupted by shutdown", zap.String("run_id", item.RunID))
	default:
		w.logger.Error("run execution failed", zap.String("run_id", item.RunID), zap.Error(err))
	}
}
