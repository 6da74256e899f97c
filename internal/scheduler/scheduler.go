// Package scheduler creates each day's jobs and hands them to the task
// runtime.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content_digest/internal/model"
	"content_digest/internal/storage"
)

// ErrFutureDate is returned when a non-immediate run targets a future date.
var ErrFutureDate = errors.New("processing date is in the future")

// Enqueuer submits job IDs to the task runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64) error
	EnqueueAt(ctx context.Context, jobID int64, when time.Time) error
}

// Result counts what a scheduling pass did.
type Result struct {
	Created  int
	Reset    int
	Enqueued int
	Skipped  int
}

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Reset += o.Reset
	r.Enqueued += o.Enqueued
	r.Skipped += o.Skipped
}

// Scheduler creates and enqueues the daily jobs of every user with an
// enabled schedule.
type Scheduler struct {
	store    storage.Storage
	queue    Enqueuer
	log      *slog.Logger
	tick       time.Duration
	staleAfter time.Duration
	now        func() time.Time
	lastDate   time.Time
}

// New creates a Scheduler.
func New(store storage.Storage, queue Enqueuer, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		queue: queue,
		log:   log,
		tick:       1 * time.Minute,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// SetStaleAfter overrides how long a job may stay running before Requeue
// presumes its worker gone.
func (s *Scheduler) SetStaleAfter(d time.Duration) {
	s.staleAfter = d
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run starts the daemon loop, blocking until ctx is cancelled. The daily pass
// runs the first time the loop observes a new UTC date.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkDate(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDate(ctx)
		}
	}
}

func (s *Scheduler) checkDate(ctx context.Context) {
	today := model.Day(s.now())
	if today.Equal(s.lastDate) {
		return
	}
	res, err := s.ScheduleAll(ctx, today, false)
	if err != nil {
		s.log.Error("daily scheduling", "date", today.Format(model.DateLayout), "error", err)
		return
	}
	s.lastDate = today
	s.log.Info("daily scheduling done", "date", today.Format(model.DateLayout),
		"created", res.Created, "reset", res.Reset, "enqueued", res.Enqueued, "skipped", res.Skipped)
}

// ScheduleAll runs ScheduleUser for every enabled schedule. A failing user is
// logged and skipped.
func (s *Scheduler) ScheduleAll(ctx context.Context, date time.Time, immediate bool) (Result, error) {
	var total Result
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return total, fmt.Errorf("list schedules: %w", err)
	}
	for _, sc := range schedules {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := s.ScheduleUser(ctx, sc.UserID, date, immediate)
		if err != nil {
			s.log.Error("schedule user", "user_id", sc.UserID, "error", err)
			continue
		}
		total.add(res)
	}
	return total, nil
}

// ScheduleUser makes sure every enabled content type of every source account
// of the user has a job for date. Existing jobs are left alone, failed ones
// are reset in place. With immediate set, jobs are enqueued now and pending
// ones are enqueued again; otherwise they run at the user's processing time.
func (s *Scheduler) ScheduleUser(ctx context.Context, userID int64, date time.Time, immediate bool) (Result, error) {
	var res Result
	now := s.now()
	date = model.Day(date)
	if !immediate && date.After(model.Day(now)) {
		return res, fmt.Errorf("schedule %s: %w", date.Format(model.DateLayout), ErrFutureDate)
	}

	sc, err := s.schedule(ctx, userID)
	if err != nil {
		return res, err
	}
	if !sc.Enabled {
		s.log.Debug("schedule disabled", "user_id", userID)
		return res, nil
	}

	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		s.log.Debug("user has no source account", "user_id", userID)
		return res, nil
	}

	runAt := now
	if !immediate {
		runAt, err = NextRun(sc, now)
		if err != nil {
			return res, err
		}
	}

	for _, acct := range accounts {
		for _, ct := range model.ContentTypes {
			if !sc.Processes(ct) {
				continue
			}
			if err := s.ensureJob(ctx, &res, userID, acct.ID, ct, date, now, runAt, immediate); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (s *Scheduler) schedule(ctx context.Context, userID int64) (model.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DefaultSchedule(userID), nil
	}
	if err != nil {
		return model.Schedule{}, fmt.Errorf("load schedule: %w", err)
	}
	return *sc, nil
}

func (s *Scheduler) ensureJob(ctx context.Context, res *Result, userID, accountID int64, ct model.ContentType,
	date, now, runAt time.Time, immediate bool) error {
	log := s.log.With("user_id", userID, "account_id", accountID, "content_type", ct, "date", date.Format(model.DateLayout))

	existing, err := s.store.FindJob(ctx, userID, accountID, ct, date)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		j := &model.Job{
			UserID:         userID,
			AccountID:      accountID,
			ContentType:    ct,
			ProcessingDate: date,
			ScheduledAt:    &runAt,
		}
		if err := s.store.CreateJob(ctx, j); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				res.Skipped++
				return nil
			}
			return fmt.Errorf("create job: %w", err)
		}
		res.Created++
		log.Debug("job created", "job_id", j.ID)
		return s.enqueue(ctx, res, j.ID, runAt, immediate)

	case err != nil:
		return fmt.Errorf("find job: %w", err)

	case existing.Status == model.StatusFailed:
		if err := s.store.ResetJob(ctx, existing.ID, now); err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		res.Reset++
		log.Info("failed job reset", "job_id", existing.ID)
		return s.enqueue(ctx, res, existing.ID, runAt, immediate)

	case existing.Status == model.StatusPending && immediate:
		return s.enqueue(ctx, res, existing.ID, runAt, true)

	default:
		res.Skipped++
		return nil
	}
}

func (s *Scheduler) enqueue(ctx context.Context, res *Result, jobID int64, runAt time.Time, immediate bool) error {
	var err error
	if immediate {
		err = s.queue.Enqueue(ctx, jobID)
	} else {
		err = s.queue.EnqueueAt(ctx, jobID, runAt)
	}
	if err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	res.Enqueued++
	return nil
}

// NextRun returns the next occurrence of the schedule's processing time in
// its timezone: today if that time is still ahead of now, otherwise tomorrow.
func NextRun(sc model.Schedule, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", sc.Timezone, err)
	}
	clock, err := time.Parse("15:04", sc.ProcessingTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse processing time %q: %w", sc.ProcessingTime, err)
	}
	local := now.In(loc)
	run := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if !run.After(local) {
		run = run.AddDate(0, 0, 1)
	}
	return run.UTC(), nil
}
