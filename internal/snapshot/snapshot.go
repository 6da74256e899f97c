// Package snapshot maintains the derived daily rollup of job outcomes.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content_digest/internal/model"
	"content_digest/internal/storage"
)

// Store is the persistence the aggregator needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]model.Job, error)
	GetSnapshot(ctx context.Context, userID, accountID int64, date time.Time) (*model.Snapshot, error)
	SaveSnapshot(ctx context.Context, s *model.Snapshot) error
}

// Notifier is told when a day becomes fully processed.
type Notifier interface {
	DigestReady(ctx context.Context, u *model.User, sn *model.Snapshot) error
}

// Aggregator recomputes snapshots from job records.
type Aggregator struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Aggregator. notifier may be nil.
func New(store Store, notifier Notifier, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Recompute rebuilds the snapshot for a user, account and date. Each count is
// the items_processed of the completed job of that content type. The day is
// complete once every job for it has completed; the notifier runs on the
// transition to complete.
func (a *Aggregator) Recompute(ctx context.Context, userID, accountID int64, date time.Time) error {
	date = model.Day(date)
	jobs, err := a.store.ListJobs(ctx, storage.JobFilter{UserID: userID, AccountID: accountID, ProcessingDate: &date})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	var wasComplete bool
	sn, err := a.store.GetSnapshot(ctx, userID, accountID, date)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sn = &model.Snapshot{UserID: userID, AccountID: accountID, ProcessingDate: date}
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	default:
		wasComplete = sn.AllJobsCompleted
	}

	sn.BookmarkCount, sn.CuratedFeedCount, sn.ListCount = 0, 0, 0
	complete := len(jobs) > 0
	for _, j := range jobs {
		if j.Status != model.StatusCompleted {
			complete = false
			continue
		}
		switch j.ContentType {
		case model.ContentBookmarks:
			sn.BookmarkCount = j.ItemsProcessed
		case model.ContentCuratedFeed:
			sn.CuratedFeedCount = j.ItemsProcessed
		case model.ContentLists:
			sn.ListCount = j.ItemsProcessed
		}
	}
	sn.TotalCount = sn.BookmarkCount + sn.CuratedFeedCount + sn.ListCount
	sn.AllJobsCompleted = complete

	transitioned := complete && !wasComplete
	if transitioned {
		now := a.now().UTC()
		sn.LastProcessedAt = &now
	}
	if err := a.store.SaveSnapshot(ctx, sn); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	a.logger.Debug("snapshot recomputed", "user_id", userID, "account_id", accountID,
		"date", date.Format(model.DateLayout), "total", sn.TotalCount, "complete", complete)

	if transitioned && a.notifier != nil {
		a.notify(ctx, userID, sn)
	}
	return nil
}

func (a *Aggregator) notify(ctx context.Context, userID int64, sn *model.Snapshot) {
	u, err := a.store.GetUser(ctx, userID)
	if err != nil {
		a.logger.Error("load user for notification", "user_id", userID, "error", err)
		return
	}
	if err := a.notifier.DigestReady(ctx, u, sn); err != nil {
		a.logger.Error("send digest notification", "user_id", userID, "error", err)
	}
}
