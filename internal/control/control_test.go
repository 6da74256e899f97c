package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"content_digest/internal/model"
	"content_digest/internal/scheduler"
	"content_digest/internal/storage"
)

var (
	testNow  = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	testDate = time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
)

type mockQueue struct {
	mu  sync.Mutex
	ids []int64
}

func (m *mockQueue) Enqueue(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, jobID)
	return nil
}

func (m *mockQueue) EnqueueAt(ctx context.Context, jobID int64, _ time.Time) error {
	return m.Enqueue(ctx, jobID)
}

type fixture struct {
	store   *storage.SQLite
	queue   *mockQueue
	svc     *Service
	user    *model.User
	account *model.SourceAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	u := &model.User{Username: "alice"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	a := &model.SourceAccount{UserID: u.ID, Handle: "alice_x"}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("create account: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := &mockQueue{}
	sched := scheduler.New(s, q, log)
	sched.SetClock(func() time.Time { return testNow })
	svc := New(s, sched, q, log)
	svc.SetClock(func() time.Time { return testNow })
	return &fixture{store: s, queue: q, svc: svc, user: u, account: a}
}

// addJob creates a job and moves it to status.
func (fx *fixture) addJob(t *testing.T, ct model.ContentType, status model.JobStatus) *model.Job {
	t.Helper()
	ctx := context.Background()
	j := &model.Job{UserID: fx.user.ID, AccountID: fx.account.ID, ContentType: ct, ProcessingDate: testDate}
	if err := fx.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if status == model.StatusPending {
		return j
	}
	if _, err := fx.store.ClaimJob(ctx, j.ID, testNow); err != nil {
		t.Fatalf("claim: %v", err)
	}
	var err error
	switch status {
	case model.StatusCompleted:
		err = fx.store.CompleteJob(ctx, j.ID, 4, testNow)
	case model.StatusFailed:
		err = fx.store.FailJob(ctx, j.ID, "boom", "")
	case model.StatusRetrying:
		err = fx.store.RetryJob(ctx, j.ID, 1, testNow.Add(5*time.Minute), "slow", "")
	}
	if err != nil {
		t.Fatalf("move job to %s: %v", status, err)
	}
	return j
}

func (fx *fixture) status(t *testing.T, id int64) *model.Job {
	t.Helper()
	j, err := fx.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	u, a, err := fx.svc.Lookup(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if u.ID != fx.user.ID || a.ID != fx.account.ID {
		t.Errorf("Lookup() = %d/%d", u.ID, a.ID)
	}
	if _, _, err := fx.svc.Lookup(ctx, "alice", "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Lookup(unknown handle) error = %v", err)
	}
	if _, _, err := fx.svc.Lookup(ctx, "bob", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Lookup(unknown user) error = %v", err)
	}
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	running := fx.addJob(t, model.ContentBookmarks, model.StatusRunning)
	retrying := fx.addJob(t, model.ContentCuratedFeed, model.StatusRetrying)
	done := fx.addJob(t, model.ContentLists, model.StatusCompleted)

	n, err := fx.svc.Stop(ctx, fx.user.ID, fx.account.ID, "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n != 2 {
		t.Errorf("Stop() = %d, want 2", n)
	}
	for _, id := range []int64{running.ID, retrying.ID} {
		j := fx.status(t, id)
		if j.Status != model.StatusFailed || j.ErrorMessage != CancelMessage || j.NextRetryAt != nil {
			t.Errorf("stopped job = %+v", j)
		}
	}
	if j := fx.status(t, done.ID); j.Status != model.StatusCompleted {
		t.Errorf("completed job touched: %s", j.Status)
	}

	// The in-flight worker's next write is rejected.
	if err := fx.store.CompleteJob(ctx, running.ID, 3, testNow); !errors.Is(err, storage.ErrJobNotRunning) {
		t.Errorf("CompleteJob after stop error = %v, want ErrJobNotRunning", err)
	}
}

func TestStopOneContentType(t *testing.T) {
	fx := newFixture(t)
	b := fx.addJob(t, model.ContentBookmarks, model.StatusPending)
	l := fx.addJob(t, model.ContentLists, model.StatusPending)

	if _, err := fx.svc.Stop(context.Background(), fx.user.ID, fx.account.ID, model.ContentLists); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fx.status(t, b.ID).Status; got != model.StatusPending {
		t.Errorf("bookmarks status = %s, want pending", got)
	}
	if got := fx.status(t, l.ID).Status; got != model.StatusFailed {
		t.Errorf("lists status = %s, want failed", got)
	}
}

func TestStopOtherUsersAccount(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bob := &model.User{Username: "bob"}
	if err := fx.store.CreateUser(ctx, bob); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := fx.svc.Stop(ctx, bob.ID, fx.account.ID, ""); !errors.Is(err, ErrAccountMismatch) {
		t.Errorf("Stop() error = %v, want ErrAccountMismatch", err)
	}
}

func TestForceStart(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	done := fx.addJob(t, model.ContentBookmarks, model.StatusCompleted)

	ids, err := fx.svc.ForceStart(ctx, fx.user.ID, fx.account.ID, testDate)
	if err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	if len(ids) != 3 || ids[0] != done.ID {
		t.Fatalf("ForceStart() = %v", ids)
	}
	for _, id := range ids {
		if j := fx.status(t, id); j.Status != model.StatusPending || j.ItemsProcessed != 0 {
			t.Errorf("job %d = %s with %d items", id, j.Status, j.ItemsProcessed)
		}
	}
	if diff := cmp.Diff(ids, fx.queue.ids); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}
}

func TestStartLeavesRunningJobs(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	running := fx.addJob(t, model.ContentBookmarks, model.StatusRunning)

	ids, err := fx.svc.ForceStart(ctx, fx.user.ID, fx.account.ID, testDate)
	if err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	if len(ids) != 2 || slices.Contains(ids, running.ID) {
		t.Errorf("ForceStart() = %v, want the two other content types", ids)
	}
	if j := fx.status(t, running.ID); j.Status != model.StatusRunning {
		t.Errorf("running job = %s after force start", j.Status)
	}

	if _, err := fx.svc.StartContentType(ctx, fx.user.ID, fx.account.ID, model.ContentBookmarks, testDate); !errors.Is(err, ErrRunning) {
		t.Errorf("StartContentType(running) error = %v, want ErrRunning", err)
	}
	if slices.Contains(fx.queue.ids, running.ID) {
		t.Error("running job was enqueued again")
	}
}

func TestRestartFailed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.addJob(t, model.ContentBookmarks, model.StatusCompleted)
	failed := fx.addJob(t, model.ContentLists, model.StatusFailed)

	ids, err := fx.svc.RestartFailed(ctx, fx.user.ID, fx.account.ID, testDate)
	if err != nil {
		t.Fatalf("RestartFailed: %v", err)
	}
	if diff := cmp.Diff([]int64{failed.ID}, ids); diff != "" {
		t.Errorf("restarted mismatch (-want +got):\n%s", diff)
	}
	if j := fx.status(t, failed.ID); j.Status != model.StatusPending || j.ErrorMessage != "" {
		t.Errorf("restarted job = %+v", j)
	}
}

func TestStartContentType(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	j, err := fx.svc.StartContentType(ctx, fx.user.ID, fx.account.ID, model.ContentLists, testDate)
	if err != nil {
		t.Fatalf("StartContentType: %v", err)
	}
	if j.Status != model.StatusPending || j.ContentType != model.ContentLists {
		t.Errorf("job = %+v", j)
	}
	again, err := fx.svc.StartContentType(ctx, fx.user.ID, fx.account.ID, model.ContentLists, testDate)
	if err != nil {
		t.Fatalf("StartContentType again: %v", err)
	}
	if again.ID != j.ID {
		t.Errorf("second start created job %d, want %d", again.ID, j.ID)
	}

	sc := model.DefaultSchedule(fx.user.ID)
	sc.ProcessBookmarks = false
	if err := fx.store.SaveSchedule(ctx, &sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	if _, err := fx.svc.StartContentType(ctx, fx.user.ID, fx.account.ID, model.ContentBookmarks, testDate); !errors.Is(err, ErrDisabled) {
		t.Errorf("StartContentType(disabled) error = %v, want ErrDisabled", err)
	}
	if _, err := fx.svc.StartContentType(ctx, fx.user.ID, fx.account.ID, "videos", testDate); err == nil {
		t.Error("StartContentType(unknown) error = nil")
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.addJob(t, model.ContentBookmarks, model.StatusCompleted)

	stats, err := fx.svc.Purge(ctx, fx.user.ID, fx.account.ID)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if stats["jobs"] != 1 {
		t.Errorf("purged jobs = %d, want 1", stats["jobs"])
	}
	jobs, err := fx.store.ListJobs(ctx, storage.JobFilter{UserID: fx.user.ID})
	if err != nil || len(jobs) != 0 {
		t.Errorf("jobs after purge = %v, %v", jobs, err)
	}
	if _, err := fx.store.GetAccount(ctx, fx.account.ID); err != nil {
		t.Errorf("account removed by purge: %v", err)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.addJob(t, model.ContentBookmarks, model.StatusCompleted)
	fx.addJob(t, model.ContentLists, model.StatusRetrying)
	old := &model.Job{UserID: fx.user.ID, AccountID: fx.account.ID, ContentType: model.ContentLists,
		ProcessingDate: testDate.AddDate(0, 0, -1)}
	if err := fx.store.CreateJob(ctx, old); err != nil {
		t.Fatalf("create job: %v", err)
	}
	sc := model.DefaultSchedule(fx.user.ID)
	sc.ProcessCuratedFeed = false
	if err := fx.store.SaveSchedule(ctx, &sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	r, err := fx.svc.Status(ctx, fx.user.ID, fx.account.ID, testDate)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := map[model.ContentType]TypeStatus{
		model.ContentBookmarks:   {Counts: map[model.JobStatus]int{model.StatusCompleted: 1}, Enabled: true},
		model.ContentCuratedFeed: {Counts: map[model.JobStatus]int{}},
		model.ContentLists: {
			Counts:    map[model.JobStatus]int{model.StatusRetrying: 1, model.StatusPending: 1},
			HasActive: true,
			Enabled:   true,
		},
	}
	if diff := cmp.Diff(want, r.Types); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
	wantToday := map[model.JobStatus]int{model.StatusCompleted: 1, model.StatusRetrying: 1}
	if diff := cmp.Diff(wantToday, r.Today); diff != "" {
		t.Errorf("today mismatch (-want +got):\n%s", diff)
	}

	out := r.String()
	for _, s := range []string{"Jobs for 2024-03-06:", "curated_feed [disabled]", "lists [enabled, active]"} {
		if !strings.Contains(out, s) {
			t.Errorf("report missing %q:\n%s", s, out)
		}
	}
}

func TestTrigger(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.svc.Trigger(context.Background(), fx.user.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if diff := cmp.Diff(scheduler.Result{Created: 3, Enqueued: 3}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if len(fx.queue.ids) != 3 {
		t.Errorf("enqueued %d, want 3", len(fx.queue.ids))
	}
}
