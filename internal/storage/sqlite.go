package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"content_digest/internal/model"
	"content_digest/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle for migration tooling.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// IsBusy reports whether err is a transient SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

// CreateUser inserts a new user and populates its ID and CreatedAt.
func (s *SQLite) CreateUser(ctx context.Context, u *model.User) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, telegram_chat_id, created_at) VALUES (?, ?, ?)`,
		u.Username, u.TelegramChatID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %q: %w", u.Username, ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.CreatedAt = parseTime(now)
	return nil
}

// GetUser returns a user by ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, telegram_chat_id, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername returns a user by its unique username.
func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, telegram_chat_id, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UpdateUser persists the mutable user fields.
func (s *SQLite) UpdateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET telegram_chat_id = ? WHERE id = ?`, u.TelegramChatID, u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// CreateAccount inserts a source account.
func (s *SQLite) CreateAccount(ctx context.Context, a *model.SourceAccount) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO source_accounts (user_id, handle, encrypted_credentials, created_at)
		 VALUES (?, ?, ?, ?)`,
		a.UserID, a.Handle, a.EncryptedCredentials, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert account %q: %w", a.Handle, ErrDuplicate)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt = parseTime(now)
	return nil
}

// GetAccount returns a source account by ID.
func (s *SQLite) GetAccount(ctx context.Context, id int64) (*model.SourceAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, handle, encrypted_credentials, created_at
		 FROM source_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns every source account of a user.
func (s *SQLite) ListAccounts(ctx context.Context, userID int64) ([]model.SourceAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, handle, encrypted_credentials, created_at
		 FROM source_accounts WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SourceAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAccountCredentials replaces the sealed credentials of an account.
func (s *SQLite) UpdateAccountCredentials(ctx context.Context, id int64, encrypted string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE source_accounts SET encrypted_credentials = ? WHERE id = ?`, encrypted, id)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	return nil
}

// SaveSchedule inserts or replaces a user's schedule.
func (s *SQLite) SaveSchedule(ctx context.Context, sc *model.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (user_id, enabled, processing_time, timezone,
		                        process_bookmarks, process_curated_feed, process_lists)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   processing_time = excluded.processing_time,
		   timezone = excluded.timezone,
		   process_bookmarks = excluded.process_bookmarks,
		   process_curated_feed = excluded.process_curated_feed,
		   process_lists = excluded.process_lists`,
		sc.UserID, boolToInt(sc.Enabled), sc.ProcessingTime, sc.Timezone,
		boolToInt(sc.ProcessBookmarks), boolToInt(sc.ProcessCuratedFeed), boolToInt(sc.ProcessLists),
	)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the schedule of a user.
func (s *SQLite) GetSchedule(ctx context.Context, userID int64) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, enabled, processing_time, timezone,
		        process_bookmarks, process_curated_feed, process_lists
		 FROM schedules WHERE user_id = ?`, userID)
	return scanSchedule(row)
}

// ListEnabledSchedules returns all enabled schedules ordered by user.
func (s *SQLite) ListEnabledSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, enabled, processing_time, timezone,
		        process_bookmarks, process_curated_feed, process_lists
		 FROM schedules WHERE enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func formatDate(t time.Time) string {
	return t.UTC().Format(model.DateLayout)
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (*model.User, error) {
	var u model.User
	var created string
	if err := row.Scan(&u.ID, &u.Username, &u.TelegramChatID, &created); err != nil {
		return nil, notFound(err, "user")
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func scanAccount(row scannable) (*model.SourceAccount, error) {
	var a model.SourceAccount
	var created string
	if err := row.Scan(&a.ID, &a.UserID, &a.Handle, &a.EncryptedCredentials, &created); err != nil {
		return nil, notFound(err, "account")
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func scanSchedule(row scannable) (*model.Schedule, error) {
	var sc model.Schedule
	var enabled, bookmarks, feed, lists int
	err := row.Scan(&sc.UserID, &enabled, &sc.ProcessingTime, &sc.Timezone, &bookmarks, &feed, &lists)
	if err != nil {
		return nil, notFound(err, "schedule")
	}
	sc.Enabled = enabled == 1
	sc.ProcessBookmarks = bookmarks == 1
	sc.ProcessCuratedFeed = feed == 1
	sc.ProcessLists = lists == 1
	return &sc, nil
}
