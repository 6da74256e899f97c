package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"content_digest/internal/model"
)

const jobColumns = `id, user_id, account_id, content_type, processing_date, status, retry_count,
	max_retries, scheduled_at, started_at, completed_at, next_retry_at, items_processed,
	error_message, error_trace, created_at, updated_at`

// CreateJob inserts a new job. A second job for the same user, account,
// content type and date is rejected with ErrDuplicate.
func (s *SQLite) CreateJob(ctx context.Context, j *model.Job) error {
	now := time.Now()
	if j.Status == "" {
		j.Status = model.StatusPending
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = model.DefaultMaxRetries
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (user_id, account_id, content_type, processing_date, status, retry_count,
		                   max_retries, scheduled_at, items_processed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.UserID, j.AccountID, string(j.ContentType), formatDate(j.ProcessingDate), string(j.Status),
		j.RetryCount, j.MaxRetries, formatTimePtr(j.ScheduledAt), j.ItemsProcessed,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert job %s/%s: %w", j.ContentType, formatDate(j.ProcessingDate), ErrDuplicate)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	j.ID = id
	j.ProcessingDate = model.Day(j.ProcessingDate)
	j.CreatedAt = parseTime(formatTime(now))
	j.UpdatedAt = j.CreatedAt
	return nil
}

// GetJob returns a job by ID.
func (s *SQLite) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindJob returns the job for a user, account, content type and date.
func (s *SQLite) FindJob(ctx context.Context, userID, accountID int64, ct model.ContentType, date time.Time) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = ? AND account_id = ? AND content_type = ? AND processing_date = ?`,
		userID, accountID, string(ct), formatDate(date))
	return scanJob(row)
}

// ListJobs returns jobs matching f ordered by ID.
func (s *SQLite) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	where, args := f.clause()
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a pending job to running. It reports false when the job was
// not pending, which makes re-delivered task messages a no-op.
func (s *SQLite) ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return affected(res)
}

// ReleaseRetry moves a retrying job back to pending.
func (s *SQLite) ReleaseRetry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'retrying'`,
		formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("release retry: %w", err)
	}
	return affected(res)
}

// UpdateJobProgress records the running item count.
func (s *SQLite) UpdateJobProgress(ctx context.Context, id int64, items int) error {
	return s.execRunning(ctx, "update progress",
		`UPDATE jobs SET items_processed = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		items, formatTime(time.Now()), id)
}

// CompleteJob marks a running job completed.
func (s *SQLite) CompleteJob(ctx context.Context, id int64, items int, now time.Time) error {
	return s.execRunning(ctx, "complete job",
		`UPDATE jobs SET status = 'completed', items_processed = ?, completed_at = ?,
		                 next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		items, formatTime(now), formatTime(now), id)
}

// FailJob marks a running job failed.
func (s *SQLite) FailJob(ctx context.Context, id int64, msg, trace string) error {
	return s.execRunning(ctx, "fail job",
		`UPDATE jobs SET status = 'failed', error_message = ?, error_trace = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		msg, trace, formatTime(time.Now()), id)
}

// RetryJob moves a running job to retrying with the given attempt count and
// earliest next execution time.
func (s *SQLite) RetryJob(ctx context.Context, id int64, retryCount int, next time.Time, msg, trace string) error {
	return s.execRunning(ctx, "schedule retry",
		`UPDATE jobs SET status = 'retrying', retry_count = ?, next_retry_at = ?,
		                 error_message = ?, error_trace = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		retryCount, formatTime(next), msg, trace, formatTime(time.Now()), id)
}

// ResetJob returns a job to pending with cleared timestamps, errors and counters.
func (s *SQLite) ResetJob(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', retry_count = 0, scheduled_at = ?, started_at = NULL,
		                 completed_at = NULL, next_retry_at = NULL, error_message = '',
		                 error_trace = '', items_processed = 0, updated_at = ?
		 WHERE id = ?`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reset job %d: %w", id, ErrNotFound)
	}
	return nil
}

// CancelJobs fails every active job matching f with msg. Statuses in f are
// ignored; only pending, running and retrying jobs are touched.
func (s *SQLite) CancelJobs(ctx context.Context, f JobFilter, msg string) (int64, error) {
	f.Statuses = []model.JobStatus{model.StatusPending, model.StatusRunning, model.StatusRetrying}
	where, args := f.clause()
	args = append([]any{msg, formatTime(time.Now())}, args...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, next_retry_at = NULL, updated_at = ?`+where,
		args...)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ReleaseStale moves jobs that have been running since before startedBefore
// to retrying, due at now. Their worker is presumed gone; the retry count is
// kept.
func (s *SQLite) ReleaseStale(ctx context.Context, startedBefore, now time.Time, msg string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'retrying', next_retry_at = ?, error_message = ?, updated_at = ?
		 WHERE status = 'running' AND (started_at IS NULL OR started_at < ?)`,
		formatTime(now), msg, formatTime(now), formatTime(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLite) execRunning(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrJobNotRunning)
	}
	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (f JobFilter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.AccountID != 0 {
		conds = append(conds, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.ContentType != "" {
		conds = append(conds, "content_type = ?")
		args = append(args, string(f.ContentType))
	}
	if f.ProcessingDate != nil {
		conds = append(conds, "processing_date = ?")
		args = append(args, formatDate(*f.ProcessingDate))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var ct, status, date, created, updated string
	var scheduled, started, completed, nextRetry sql.NullString
	err := row.Scan(&j.ID, &j.UserID, &j.AccountID, &ct, &date, &status, &j.RetryCount,
		&j.MaxRetries, &scheduled, &started, &completed, &nextRetry, &j.ItemsProcessed,
		&j.ErrorMessage, &j.ErrorTrace, &created, &updated)
	if err != nil {
		return nil, notFound(err, "job")
	}
	j.ContentType = model.ContentType(ct)
	j.Status = model.JobStatus(status)
	j.ProcessingDate = parseDate(date)
	j.ScheduledAt = parseNullTime(scheduled)
	j.StartedAt = parseNullTime(started)
	j.CompletedAt = parseNullTime(completed)
	j.NextRetryAt = parseNullTime(nextRetry)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}
