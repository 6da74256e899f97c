package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"content_digest/internal/model"
)

// GetSnapshot returns the snapshot for a user, account and date.
func (s *SQLite) GetSnapshot(ctx context.Context, userID, accountID int64, date time.Time) (*model.Snapshot, error) {
	var sn model.Snapshot
	var d string
	var complete int
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, account_id, processing_date, bookmark_count, curated_feed_count,
		        list_count, total_count, all_jobs_completed, last_processed_at
		 FROM snapshots WHERE user_id = ? AND account_id = ? AND processing_date = ?`,
		userID, accountID, formatDate(date),
	).Scan(&sn.ID, &sn.UserID, &sn.AccountID, &d, &sn.BookmarkCount, &sn.CuratedFeedCount,
		&sn.ListCount, &sn.TotalCount, &complete, &last)
	if err != nil {
		return nil, notFound(err, "snapshot")
	}
	sn.ProcessingDate = parseDate(d)
	sn.AllJobsCompleted = complete == 1
	sn.LastProcessedAt = parseNullTime(last)
	return &sn, nil
}

// SaveSnapshot inserts or replaces the snapshot for its user, account and date.
func (s *SQLite) SaveSnapshot(ctx context.Context, sn *model.Snapshot) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO snapshots (user_id, account_id, processing_date, bookmark_count, curated_feed_count,
		                        list_count, total_count, all_jobs_completed, last_processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, account_id, processing_date) DO UPDATE SET
		   bookmark_count = excluded.bookmark_count,
		   curated_feed_count = excluded.curated_feed_count,
		   list_count = excluded.list_count,
		   total_count = excluded.total_count,
		   all_jobs_completed = excluded.all_jobs_completed,
		   last_processed_at = excluded.last_processed_at
		 RETURNING id`,
		sn.UserID, sn.AccountID, formatDate(sn.ProcessingDate), sn.BookmarkCount, sn.CuratedFeedCount,
		sn.ListCount, sn.TotalCount, boolToInt(sn.AllJobsCompleted), formatTimePtr(sn.LastProcessedAt),
	).Scan(&sn.ID)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
