// Package model defines the domain types used across the application.
package model

import "time"

// DateLayout is the calendar-date format used for processing and event dates.
const DateLayout = "2006-01-02"

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ContentType identifies which pipeline a job runs.
type ContentType string

// Supported content types.
const (
	ContentBookmarks   ContentType = "bookmarks"
	ContentCuratedFeed ContentType = "curated_feed"
	ContentLists       ContentType = "lists"
)

// ContentTypes lists every content type in scheduling order.
var ContentTypes = []ContentType{ContentBookmarks, ContentCuratedFeed, ContentLists}

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	switch c {
	case ContentBookmarks, ContentCuratedFeed, ContentLists:
		return true
	}
	return false
}

// JobStatus is the state of a job in its lifecycle.
type JobStatus string

// Job states.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusRetrying  JobStatus = "retrying"
)

// Active reports whether the job has not reached a terminal state.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusRetrying
}

// DefaultMaxRetries is the retry cap assigned to new jobs.
const DefaultMaxRetries = 5

// User owns source accounts and a processing schedule.
type User struct {
	ID             int64
	Username       string
	TelegramChatID int64
	CreatedAt      time.Time
}

// SourceAccount is a connected account on the source platform.
type SourceAccount struct {
	ID                   int64
	UserID               int64
	Handle               string
	EncryptedCredentials string
	CreatedAt            time.Time
}

// Schedule holds a user's daily processing preferences.
type Schedule struct {
	UserID             int64
	Enabled            bool
	ProcessingTime     string // HH:MM
	Timezone           string
	ProcessBookmarks   bool
	ProcessCuratedFeed bool
	ProcessLists       bool
}

// DefaultSchedule returns the schedule applied to users without one.
func DefaultSchedule(userID int64) Schedule {
	return Schedule{
		UserID:             userID,
		Enabled:            true,
		ProcessingTime:     "02:00",
		Timezone:           "UTC",
		ProcessBookmarks:   true,
		ProcessCuratedFeed: true,
		ProcessLists:       true,
	}
}

// Processes reports whether the schedule has content type c switched on.
func (s Schedule) Processes(c ContentType) bool {
	switch c {
	case ContentBookmarks:
		return s.ProcessBookmarks
	case ContentCuratedFeed:
		return s.ProcessCuratedFeed
	case ContentLists:
		return s.ProcessLists
	}
	return false
}

// Job is one unit of fetch-and-store work for a user, account, content type and date.
type Job struct {
	ID             int64
	UserID         int64
	AccountID      int64
	ContentType    ContentType
	ProcessingDate time.Time
	Status         JobStatus
	RetryCount     int
	MaxRetries     int
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextRetryAt    *time.Time
	ItemsProcessed int
	ErrorMessage   string
	ErrorTrace     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot is the derived daily rollup for a user and account.
type Snapshot struct {
	ID               int64
	UserID           int64
	AccountID        int64
	ProcessingDate   time.Time
	BookmarkCount    int
	CuratedFeedCount int
	ListCount        int
	TotalCount       int
	AllJobsCompleted bool
	LastProcessedAt  *time.Time
}

// Item is a stored raw content item, unique by ExternalID.
type Item struct {
	ID                int64
	AccountID         int64
	ExternalID        string
	AuthorUsername    string
	AuthorDisplayName string
	AuthorAvatarURL   string
	Text              string
	HTML              string
	CreatedAt         time.Time
	LikeCount         int
	RetweetCount      int
	ReplyCount        int
	MediaURLs         []string
	IsBookmark        bool
	RawData           string
	ProcessingDate    time.Time
}

// TrackedList is a source-platform list followed for an account.
type TrackedList struct {
	ID           int64
	AccountID    int64
	ExternalID   string
	Name         string
	URL          string
	LastSyncedAt *time.Time
}

// ListMember is a membership row joined with the fields of its item that
// event extraction needs.
type ListMember struct {
	MembershipID  int64
	ListID        int64
	ItemID        int64
	SeenDate      time.Time
	ExternalID    string
	Text          string
	ItemCreatedAt time.Time
}

// Event is a cluster of same-list items judged to concern one occurrence.
type Event struct {
	ID        int64
	ListID    int64
	EventDate time.Time
	Headline  string
	Summary   string
	ItemCount int
	Keywords  []string
	MemberIDs []int64 // membership ids
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CuratedFeed is the dated container for a categorized home-feed sample.
type CuratedFeed struct {
	ID              int64
	UserID          int64
	AccountID       int64
	ProcessingDate  time.Time
	NumItemsFetched int
	ConfigNumItems  int
	NumCategories   int
}

// UncategorizedName is the placeholder category holding items awaiting categorization.
const UncategorizedName = "Uncategorized"

// Category groups curated-feed items.
type Category struct {
	ID          int64
	FeedID      int64
	Name        string
	Description string
}
