package taskq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultPoll         = 5 * time.Second
	defaultPromoteEvery = time.Second
	errorBackoff        = time.Second
)

// Handler executes one job.
type Handler func(ctx context.Context, jobID int64) error

// Worker consumes tasks with a fixed number of concurrent consumers and
// promotes delayed tasks as they fall due.
type Worker struct {
	queue        Queue
	handle       Handler
	concurrency  int
	poll         time.Duration
	promoteEvery time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewWorker creates a Worker running concurrency consumers.
func NewWorker(queue Queue, handle Handler, concurrency int, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:        queue,
		handle:       handle,
		concurrency:  concurrency,
		poll:         defaultPoll,
		promoteEvery: defaultPromoteEvery,
		logger:       logger,
		now:          time.Now,
	}
}

// SetIntervals overrides the dequeue poll and promotion intervals.
func (w *Worker) SetIntervals(poll, promoteEvery time.Duration) {
	w.poll = poll
	w.promoteEvery = promoteEvery
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.concurrency)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.promoteLoop(ctx)
		return nil
	})
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx, i)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.Promote(ctx, w.now())
			if err != nil && ctx.Err() == nil {
				w.logger.Error("promote due tasks", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Debug("promoted due tasks", "count", n)
			}
		}
	}
}

func (w *Worker) consume(ctx context.Context, id int) {
	log := w.logger.With("consumer", id)
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.queue.Dequeue(ctx, w.poll)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error("dequeue", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		if t == nil {
			continue
		}

		log.Debug("task received", "task_id", t.ID, "job_id", t.JobID, "queued_for", w.now().Sub(t.EnqueuedAt))
		if err := w.handle(ctx, t.JobID); err != nil {
			log.Error("execute job", "task_id", t.ID, "job_id", t.JobID, "error", err)
		}
	}
}
