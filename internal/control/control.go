// Package control implements the operator actions on jobs: stop, start,
// restart, purge and status.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content_digest/internal/model"
	"content_digest/internal/scheduler"
	"content_digest/internal/storage"
)

// CancelMessage is recorded on jobs stopped by an operator.
const CancelMessage = "Cancelled by user"

var (
	// ErrDisabled is returned when a content type is switched off in the
	// user's schedule.
	ErrDisabled = errors.New("content type disabled in schedule")
	// ErrAccountMismatch is returned when an account does not belong to the user.
	ErrAccountMismatch = errors.New("account does not belong to user")
	// ErrRunning is returned when a job is still being processed. Stop it
	// before starting it again.
	ErrRunning = errors.New("job is running")
)

// Scheduler is the part of the scheduler the operator actions use.
type Scheduler interface {
	ScheduleUser(ctx context.Context, userID int64, date time.Time, immediate bool) (scheduler.Result, error)
}

// Service runs operator actions.
type Service struct {
	store storage.Storage
	sched Scheduler
	queue scheduler.Enqueuer
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Service.
func New(store storage.Storage, sched Scheduler, queue scheduler.Enqueuer, log *slog.Logger) *Service {
	return &Service{store: store, sched: sched, queue: queue, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Today returns the current UTC date.
func (s *Service) Today() time.Time {
	return model.Day(s.now())
}

// Lookup resolves a username and account handle. An empty handle selects the
// user's only account.
func (s *Service) Lookup(ctx context.Context, username, handle string) (*model.User, *model.SourceAccount, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("find user %q: %w", username, err)
	}
	accounts, err := s.store.ListAccounts(ctx, u.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts: %w", err)
	}
	if handle == "" {
		if len(accounts) != 1 {
			return nil, nil, fmt.Errorf("user %q has %d accounts, pass one explicitly", username, len(accounts))
		}
		return u, &accounts[0], nil
	}
	for i := range accounts {
		if accounts[i].Handle == handle {
			return u, &accounts[i], nil
		}
	}
	return nil, nil, fmt.Errorf("find account %q: %w", handle, storage.ErrNotFound)
}

// Stop fails every active job of the account, optionally only of one content
// type. Workers already running one of them see the cancellation on their
// next write. It returns the number of jobs stopped.
func (s *Service) Stop(ctx context.Context, userID, accountID int64, ct model.ContentType) (int64, error) {
	if err := s.checkAccount(ctx, userID, accountID); err != nil {
		return 0, err
	}
	n, err := s.store.CancelJobs(ctx, storage.JobFilter{UserID: userID, AccountID: accountID, ContentType: ct}, CancelMessage)
	if err != nil {
		return 0, err
	}
	s.log.Info("jobs stopped", "user_id", userID, "account_id", accountID, "content_type", ct, "count", n)
	return n, nil
}

// ForceStart resets every job of the date, creates the missing ones for the
// enabled content types and enqueues them all immediately. Running jobs are
// left to their worker.
func (s *Service) ForceStart(ctx context.Context, userID, accountID int64, date time.Time) ([]int64, error) {
	if err := s.checkAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	sc, err := s.schedule(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, ct := range model.ContentTypes {
		j, err := s.store.FindJob(ctx, userID, accountID, ct, date)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if !sc.Processes(ct) {
				continue
			}
			j, err = s.create(ctx, userID, accountID, ct, date)
			if err != nil {
				return ids, err
			}
		case err != nil:
			return ids, fmt.Errorf("find job: %w", err)
		case j.Status == model.StatusRunning:
			s.log.Info("force start skips running job", "job_id", j.ID, "content_type", ct)
			continue
		default:
			if err := s.store.ResetJob(ctx, j.ID, s.now()); err != nil {
				return ids, err
			}
		}
		if err := s.queue.Enqueue(ctx, j.ID); err != nil {
			return ids, fmt.Errorf("enqueue job %d: %w", j.ID, err)
		}
		ids = append(ids, j.ID)
	}
	s.log.Info("force start", "user_id", userID, "account_id", accountID, "date", date.Format(model.DateLayout), "jobs", len(ids))
	return ids, nil
}

// RestartFailed resets the failed jobs of the date and enqueues them.
func (s *Service) RestartFailed(ctx context.Context, userID, accountID int64, date time.Time) ([]int64, error) {
	if err := s.checkAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	date = model.Day(date)
	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{
		UserID:         userID,
		AccountID:      accountID,
		ProcessingDate: &date,
		Statuses:       []model.JobStatus{model.StatusFailed},
	})
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, j := range jobs {
		if err := s.store.ResetJob(ctx, j.ID, s.now()); err != nil {
			return ids, err
		}
		if err := s.queue.Enqueue(ctx, j.ID); err != nil {
			return ids, fmt.Errorf("enqueue job %d: %w", j.ID, err)
		}
		ids = append(ids, j.ID)
	}
	s.log.Info("failed jobs restarted", "user_id", userID, "account_id", accountID, "count", len(ids))
	return ids, nil
}

// StartContentType gets or creates the job of one content type, resets it
// and enqueues it now.
func (s *Service) StartContentType(ctx context.Context, userID, accountID int64, ct model.ContentType, date time.Time) (*model.Job, error) {
	if !ct.Valid() {
		return nil, fmt.Errorf("unknown content type %q", ct)
	}
	if err := s.checkAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	sc, err := s.schedule(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sc.Processes(ct) {
		return nil, fmt.Errorf("start %s: %w", ct, ErrDisabled)
	}

	j, err := s.store.FindJob(ctx, userID, accountID, ct, date)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if j, err = s.create(ctx, userID, accountID, ct, date); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("find job: %w", err)
	case j.Status == model.StatusRunning:
		return nil, fmt.Errorf("start %s: job %d: %w", ct, j.ID, ErrRunning)
	default:
		if err := s.store.ResetJob(ctx, j.ID, s.now()); err != nil {
			return nil, err
		}
	}
	if err := s.queue.Enqueue(ctx, j.ID); err != nil {
		return nil, fmt.Errorf("enqueue job %d: %w", j.ID, err)
	}
	return s.store.GetJob(ctx, j.ID)
}

// Purge deletes all content of the account. The account itself is kept.
func (s *Service) Purge(ctx context.Context, userID, accountID int64) (storage.PurgeStats, error) {
	if err := s.checkAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	stats, err := s.store.PurgeAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	s.log.Warn("account purged", "user_id", userID, "account_id", accountID, "rows", stats)
	return stats, nil
}

// Trigger runs the scheduler for one user and enqueues right away, as when
// an account is first connected.
func (s *Service) Trigger(ctx context.Context, userID int64) (scheduler.Result, error) {
	return s.sched.ScheduleUser(ctx, userID, s.Today(), true)
}

func (s *Service) checkAccount(ctx context.Context, userID, accountID int64) error {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return ErrAccountMismatch
	}
	return nil
}

func (s *Service) schedule(ctx context.Context, userID int64) (model.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DefaultSchedule(userID), nil
	}
	if err != nil {
		return model.Schedule{}, err
	}
	return *sc, nil
}

func (s *Service) create(ctx context.Context, userID, accountID int64, ct model.ContentType, date time.Time) (*model.Job, error) {
	now := s.now()
	j := &model.Job{
		UserID:         userID,
		AccountID:      accountID,
		ContentType:    ct,
		ProcessingDate: date,
		ScheduledAt:    &now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}
