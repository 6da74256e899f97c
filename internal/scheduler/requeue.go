package scheduler

import (
	"context"
	"fmt"
	"time"

	"content_digest/internal/model"
	"content_digest/internal/storage"
)

// DefaultStaleAfter is how long a job may stay running before it is
// released for another delivery.
const DefaultStaleAfter = time.Hour

const staleMessage = "released: worker stopped responding while the job was running"

// Requeue releases stale running jobs, then hands every pending and retrying
// job back to the task runtime. The in-process runtime loses its tasks on
// restart; duplicate deliveries are harmless because execution claims each
// job once.
func (s *Scheduler) Requeue(ctx context.Context) (int, error) {
	return s.requeue(ctx, false)
}

// RequeueDue is Requeue restricted to jobs whose run time has passed. It
// picks up jobs created by other processes without stacking duplicate
// delayed tasks.
func (s *Scheduler) RequeueDue(ctx context.Context) (int, error) {
	return s.requeue(ctx, true)
}

func (s *Scheduler) requeue(ctx context.Context, dueOnly bool) (int, error) {
	now := s.now()
	released, err := s.store.ReleaseStale(ctx, now.Add(-s.staleAfter), now, staleMessage)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.log.Warn("stale running jobs released", "count", released, "stale_after", s.staleAfter)
	}

	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{
		Statuses: []model.JobStatus{model.StatusPending, model.StatusRetrying},
	})
	if err != nil {
		return 0, fmt.Errorf("list open jobs: %w", err)
	}

	n := 0
	for _, j := range jobs {
		at := now
		switch {
		case j.Status == model.StatusRetrying && j.NextRetryAt != nil:
			at = *j.NextRetryAt
		case j.ScheduledAt != nil:
			at = *j.ScheduledAt
		}
		if dueOnly && at.After(now) {
			continue
		}
		if err := s.enqueueAt(ctx, j.ID, at, now); err != nil {
			return n, fmt.Errorf("requeue job %d: %w", j.ID, err)
		}
		n++
	}
	if n > 0 {
		s.log.Info("open jobs requeued", "count", n, "due_only", dueOnly)
	}
	return n, nil
}

func (s *Scheduler) enqueueAt(ctx context.Context, jobID int64, at, now time.Time) error {
	if at.After(now) {
		return s.queue.EnqueueAt(ctx, jobID, at)
	}
	return s.queue.Enqueue(ctx, jobID)
}
