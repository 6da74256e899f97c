package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"content_digest/internal/model"
	"content_digest/internal/storage"
)

const (
	maxTraceLength = 5000
	// settleTimeout bounds the status writes that end a delivery. They run
	// detached from the delivery context so a shutdown cannot strand a job
	// in running.
	settleTimeout = 10 * time.Second

	interruptedMessage = "interrupted: worker stopped while the job was running"
)

// Result is what a processor reports on success.
type Result struct {
	ItemsProcessed int
	Metadata       map[string]any
}

// Processor runs one content type.
type Processor interface {
	Validate(ctx context.Context, j *model.Job) error
	Process(ctx context.Context, j *model.Job) (Result, error)
}

// Enqueuer submits job IDs to the task runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64) error
	EnqueueAt(ctx context.Context, jobID int64, when time.Time) error
}

// SnapshotUpdater recomputes the daily snapshot after a job completes.
type SnapshotUpdater interface {
	Recompute(ctx context.Context, userID, accountID int64, date time.Time) error
}

// Runner is the task entry point. It is the only place that moves a job
// out of running.
type Runner struct {
	store      storage.Storage
	processors map[model.ContentType]Processor
	queue      Enqueuer
	snapshots  SnapshotUpdater
	policy     Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(store storage.Storage, processors map[model.ContentType]Processor, queue Enqueuer,
	snapshots SnapshotUpdater, logger *slog.Logger) *Runner {
	return &Runner{
		store:      store,
		processors: processors,
		queue:      queue,
		snapshots:  snapshots,
		policy:     DefaultPolicy(),
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// SetPolicy overrides the retry policy.
func (r *Runner) SetPolicy(p Policy) {
	r.policy = p
}

// Execute runs one delivery of jobID. Re-deliveries of jobs that are already
// running or finished are no-ops. The returned error covers infrastructure
// failures only; processing failures are recorded on the job.
func (r *Runner) Execute(ctx context.Context, jobID int64) error {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("job vanished before execution", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	log := r.logger.With("job_id", j.ID, "content_type", j.ContentType, "date", j.ProcessingDate.Format(model.DateLayout))

	switch j.Status {
	case model.StatusCompleted, model.StatusRunning, model.StatusFailed:
		log.Debug("skipping delivery", "status", j.Status)
		return nil
	case model.StatusRetrying:
		now := r.now()
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			log.Debug("early delivery, deferring", "next_retry_at", j.NextRetryAt)
			return r.queue.EnqueueAt(ctx, j.ID, *j.NextRetryAt)
		}
		if _, err := r.store.ReleaseRetry(ctx, j.ID); err != nil {
			return fmt.Errorf("release retry: %w", err)
		}
	}

	claimed, err := r.store.ClaimJob(ctx, j.ID, r.now())
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		log.Debug("job claimed elsewhere")
		return nil
	}
	j.Status = model.StatusRunning
	log.Info("job started", "attempt", j.RetryCount+1)

	proc, ok := r.processors[j.ContentType]
	if !ok {
		sctx, cancel := settle(ctx)
		defer cancel()
		return r.fail(sctx, log, j, &ValidationError{Msg: fmt.Sprintf("no processor for content type %q", j.ContentType)}, "")
	}

	res, trace, err := r.run(ctx, proc, j)
	sctx, cancel := settle(ctx)
	defer cancel()
	if err != nil {
		if ctx.Err() != nil && !IsFatal(err) {
			return r.interrupted(sctx, log, j)
		}
		return r.handleFailure(sctx, log, j, err, trace)
	}

	if err := r.store.CompleteJob(sctx, j.ID, res.ItemsProcessed, r.now()); err != nil {
		if errors.Is(err, storage.ErrJobNotRunning) {
			log.Info("job cancelled while running, result discarded")
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	log.Info("job completed", "items", res.ItemsProcessed, "metadata", res.Metadata)

	if r.snapshots != nil {
		if err := r.snapshots.Recompute(sctx, j.UserID, j.AccountID, j.ProcessingDate); err != nil {
			log.Error("recompute snapshot", "error", err)
		}
	}
	return nil
}

// settle returns a context for the writes that end a delivery.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// run validates and processes j, converting panics into errors.
func (r *Runner) run(ctx context.Context, p Processor, j *model.Job) (res Result, trace string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			trace = capTrace(fmt.Sprintf("panic: %v\n\n%s", rec, debug.Stack()))
		}
	}()
	if err := p.Validate(ctx, j); err != nil {
		return Result{}, "", err
	}
	res, err = p.Process(ctx, j)
	return res, "", err
}

func (r *Runner) handleFailure(ctx context.Context, log *slog.Logger, j *model.Job, err error, trace string) error {
	if IsFatal(err) {
		return r.fail(ctx, log, j, err, trace)
	}

	if trace == "" && !isClassified(err) {
		trace = errorChain(err)
	}

	msg := err.Error()
	if r.policy.FastFail(j, msg) {
		log.Warn("rate limited repeatedly, giving up", "retry_count", j.RetryCount)
		return r.failMsg(ctx, log, j, msg+fmt.Sprintf(" (bailed out after retry %d due to rate limit)", j.RetryCount), trace)
	}
	if !r.policy.ShouldRetry(j) {
		return r.failMsg(ctx, log, j, msg, trace)
	}

	attempt := j.RetryCount + 1
	next := r.now().Add(r.policy.Delay(attempt))
	if werr := r.store.RetryJob(ctx, j.ID, attempt, next, msg, trace); werr != nil {
		if errors.Is(werr, storage.ErrJobNotRunning) {
			log.Info("job cancelled while running, retry dropped")
			return nil
		}
		return fmt.Errorf("schedule retry: %w", werr)
	}
	log.Warn("job failed, retry scheduled", "retry_count", attempt, "next_retry_at", next, "error", err)

	if werr := r.queue.EnqueueAt(ctx, j.ID, next); werr != nil {
		return fmt.Errorf("enqueue retry: %w", werr)
	}
	return nil
}

// interrupted hands a job whose delivery was cancelled back to the runtime
// without spending a retry attempt.
func (r *Runner) interrupted(ctx context.Context, log *slog.Logger, j *model.Job) error {
	now := r.now()
	if err := r.store.RetryJob(ctx, j.ID, j.RetryCount, now, interruptedMessage, ""); err != nil {
		if errors.Is(err, storage.ErrJobNotRunning) {
			log.Info("job cancelled while running")
			return nil
		}
		return fmt.Errorf("release interrupted job: %w", err)
	}
	log.Warn("job interrupted, released for another delivery")

	if err := r.queue.EnqueueAt(ctx, j.ID, now); err != nil {
		return fmt.Errorf("enqueue interrupted job: %w", err)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, j *model.Job, err error, trace string) error {
	return r.failMsg(ctx, log, j, err.Error(), trace)
}

func (r *Runner) failMsg(ctx context.Context, log *slog.Logger, j *model.Job, msg, trace string) error {
	if err := r.store.FailJob(ctx, j.ID, msg, trace); err != nil {
		if errors.Is(err, storage.ErrJobNotRunning) {
			log.Info("job cancelled while running")
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}
	log.Error("job failed", "retry_count", j.RetryCount, "error", msg)
	return nil
}

func isClassified(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}

// errorChain renders every wrapped error with its type, outermost first.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return capTrace(b.String())
}

func capTrace(s string) string {
	if len(s) > maxTraceLength {
		return s[:maxTraceLength]
	}
	return s
}
