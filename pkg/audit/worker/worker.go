package worker

import (
	"context"
	"log/slog"
	"time"
)

// Task performs one unit of background work and reports how many items it
// processed. The outbox relay's RunOnce satisfies it.
type Task interface {
	RunOnce(ctx context.Context) (int, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) (int, error)

func (f TaskFunc) RunOnce(ctx context.Context) (int, error) { return f(ctx) }

// Worker runs a Task on a fixed interval. While the task keeps reporting
// progress it is run again immediately, so a backlog drains without waiting
// for the next tick.
type Worker struct {
	name     string
	task     Task
	interval time.Duration
	logger   *slog.Logger
}

func NewWorker(name string, task Task, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{name: name, task: task, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled and returns ctx.Err(). Task errors are
// logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.task.RunOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "worker task failed", "worker", w.name, "error", err)
			}
			return
		}
		if n == 0 {
			return
		}
		w.logger.DebugContext(ctx, "worker task made progress", "worker", w.name, "items", n)
	}
}
