// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"content_digest/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
	// ErrJobNotRunning is returned by conditional job writes when the job has
	// left the running state, for example because an operator cancelled it.
	ErrJobNotRunning = errors.New("job is not running")
)

// JobFilter narrows job queries. Zero values match everything.
type JobFilter struct {
	UserID         int64
	AccountID      int64
	ContentType    model.ContentType
	ProcessingDate *time.Time
	Statuses       []model.JobStatus
}

// PurgeStats counts rows removed by a bulk purge, keyed by table.
type PurgeStats map[string]int64

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error

	CreateAccount(ctx context.Context, a *model.SourceAccount) error
	GetAccount(ctx context.Context, id int64) (*model.SourceAccount, error)
	ListAccounts(ctx context.Context, userID int64) ([]model.SourceAccount, error)
	UpdateAccountCredentials(ctx context.Context, id int64, encrypted string) error

	SaveSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, userID int64) (*model.Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]model.Schedule, error)

	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	FindJob(ctx context.Context, userID, accountID int64, ct model.ContentType, date time.Time) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error)
	ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error)
	ReleaseRetry(ctx context.Context, id int64) (bool, error)
	UpdateJobProgress(ctx context.Context, id int64, items int) error
	CompleteJob(ctx context.Context, id int64, items int, now time.Time) error
	FailJob(ctx context.Context, id int64, msg, trace string) error
	RetryJob(ctx context.Context, id int64, retryCount int, next time.Time, msg, trace string) error
	ResetJob(ctx context.Context, id int64, now time.Time) error
	CancelJobs(ctx context.Context, f JobFilter, msg string) (int64, error)
	ReleaseStale(ctx context.Context, startedBefore, now time.Time, msg string) (int64, error)

	GetSnapshot(ctx context.Context, userID, accountID int64, date time.Time) (*model.Snapshot, error)
	SaveSnapshot(ctx context.Context, s *model.Snapshot) error

	UpsertItem(ctx context.Context, it *model.Item) error
	GetItemByExternalID(ctx context.Context, externalID string) (*model.Item, error)

	UpsertList(ctx context.Context, l *model.TrackedList) error
	ListTrackedLists(ctx context.Context, accountID int64) ([]model.TrackedList, error)
	AddListMembership(ctx context.Context, listID, itemID int64, seenDate time.Time) (int64, error)
	ListMembers(ctx context.Context, listID int64, seenDate time.Time) ([]model.ListMember, error)

	UpsertEvent(ctx context.Context, ev *model.Event) (bool, error)
	ListEvents(ctx context.Context, listID int64, eventDate time.Time) ([]model.Event, error)

	CreateCuratedFeed(ctx context.Context, f *model.CuratedFeed) error
	GetCuratedFeed(ctx context.Context, id int64) (*model.CuratedFeed, error)
	UpdateCuratedFeedCounts(ctx context.Context, id int64, fetched, categories int) error
	GetOrCreateCategory(ctx context.Context, feedID int64, name, description string) (*model.Category, error)
	ListCategories(ctx context.Context, feedID int64) ([]model.Category, error)
	DeleteCategory(ctx context.Context, id int64) error
	Categorize(ctx context.Context, categoryID, itemID int64) error
	Uncategorize(ctx context.Context, categoryID int64, itemIDs []int64) error
	CategoryItemIDs(ctx context.Context, categoryID int64) ([]int64, error)

	PurgeAccount(ctx context.Context, userID, accountID int64) (PurgeStats, error)

	Close() error
}
