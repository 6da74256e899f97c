package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"

	"content_digest/internal/model"
	"content_digest/internal/storage"
)

var testDate = time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

type enqueued struct {
	JobID int64
	When  time.Time // zero for immediate
}

type mockQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (m *mockQueue) Enqueue(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, enqueued{JobID: jobID})
	return nil
}

func (m *mockQueue) EnqueueAt(_ context.Context, jobID int64, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, enqueued{JobID: jobID, When: when})
	return nil
}

func (m *mockQueue) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type fixture struct {
	store   *storage.SQLite
	queue   *mockQueue
	sched   *Scheduler
	user    *model.User
	account *model.SourceAccount
}

func newFixture(t *testing.T, now time.Time) *fixture {
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

	q := &mockQueue{}
	sched := New(s, q, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sched.SetClock(func() time.Time { return now })
	return &fixture{store: s, queue: q, sched: sched, user: u, account: a}
}

func (fx *fixture) jobs(t *testing.T) []model.Job {
	t.Helper()
	jobs, err := fx.store.ListJobs(context.Background(), storage.JobFilter{UserID: fx.user.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	return jobs
}

func TestScheduleUserCreatesJobs(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		sched *model.Schedule
		want  time.Time
	}{
		{
			name: "default schedule before processing time",
			now:  time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 6, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "default schedule after processing time",
			now:  time.Date(2024, 3, 6, 3, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 7, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "user timezone",
			now:  time.Date(2024, 3, 6, 7, 0, 0, 0, time.UTC),
			sched: &model.Schedule{Enabled: true, ProcessingTime: "09:30", Timezone: "Europe/Berlin",
				ProcessBookmarks: true, ProcessCuratedFeed: true, ProcessLists: true},
			want: time.Date(2024, 3, 6, 8, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fx := newFixture(t, tt.now)
			if tt.sched != nil {
				tt.sched.UserID = fx.user.ID
				if err := fx.store.SaveSchedule(ctx, tt.sched); err != nil {
					t.Fatalf("save schedule: %v", err)
				}
			}

			res, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, false)
			if err != nil {
				t.Fatalf("ScheduleUser: %v", err)
			}
			if diff := cmp.Diff(Result{Created: 3, Enqueued: 3}, res); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}

			jobs := fx.jobs(t)
			var types []model.ContentType
			for _, j := range jobs {
				types = append(types, j.ContentType)
				if j.Status != model.StatusPending || !j.ProcessingDate.Equal(testDate) {
					t.Errorf("job = %+v", j)
				}
			}
			if diff := cmp.Diff(model.ContentTypes, types); diff != "" {
				t.Errorf("content types mismatch (-want +got):\n%s", diff)
			}
			for _, e := range fx.queue.items {
				if !e.When.Equal(tt.want) {
					t.Errorf("job %d enqueued at %v, want %v", e.JobID, e.When, tt.want)
				}
			}
		})
	}
}

func TestScheduleUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC))

	if _, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, false); err != nil {
		t.Fatalf("first ScheduleUser: %v", err)
	}
	res, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, false)
	if err != nil {
		t.Fatalf("second ScheduleUser: %v", err)
	}
	if diff := cmp.Diff(Result{Skipped: 3}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if n := len(fx.jobs(t)); n != 3 {
		t.Errorf("got %d jobs, want 3", n)
	}
}

func TestScheduleUserResetsFailedJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC)
	fx := newFixture(t, now)

	failed := &model.Job{UserID: fx.user.ID, AccountID: fx.account.ID, ContentType: model.ContentLists,
		ProcessingDate: testDate, RetryCount: 5}
	if err := fx.store.CreateJob(ctx, failed); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := fx.store.ClaimJob(ctx, failed.ID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := fx.store.FailJob(ctx, failed.ID, "rate limit exceeded", "trace"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	res, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, false)
	if err != nil {
		t.Fatalf("ScheduleUser: %v", err)
	}
	if diff := cmp.Diff(Result{Created: 2, Reset: 1, Enqueued: 3}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	got, err := fx.store.GetJob(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != model.StatusPending || got.RetryCount != 0 || got.ErrorMessage != "" || got.StartedAt != nil {
		t.Errorf("reset job = %+v", got)
	}
	if n := len(fx.jobs(t)); n != 3 {
		t.Errorf("got %d jobs, want 3", n)
	}
}

func TestScheduleUserImmediate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, now)

	if _, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, true); err != nil {
		t.Fatalf("ScheduleUser: %v", err)
	}
	// Pending jobs are enqueued again; the runner absorbs duplicates.
	res, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, true)
	if err != nil {
		t.Fatalf("ScheduleUser: %v", err)
	}
	if diff := cmp.Diff(Result{Enqueued: 3}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	for _, e := range fx.queue.items {
		if !e.When.IsZero() {
			t.Errorf("job %d delayed until %v, want immediate", e.JobID, e.When)
		}
	}
	if fx.queue.count() != 6 {
		t.Errorf("enqueued %d times, want 6", fx.queue.count())
	}
}

func TestScheduleUserFutureDate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC))
	tomorrow := testDate.AddDate(0, 0, 1)

	if _, err := fx.sched.ScheduleUser(ctx, fx.user.ID, tomorrow, false); !errors.Is(err, ErrFutureDate) {
		t.Errorf("ScheduleUser() error = %v, want ErrFutureDate", err)
	}
	if _, err := fx.sched.ScheduleUser(ctx, fx.user.ID, tomorrow, true); err != nil {
		t.Errorf("immediate ScheduleUser() error = %v", err)
	}
}

func TestScheduleUserRespectsFlags(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC))
	sc := model.DefaultSchedule(fx.user.ID)
	sc.ProcessCuratedFeed = false
	if err := fx.store.SaveSchedule(ctx, &sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	if _, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate, false); err != nil {
		t.Fatalf("ScheduleUser: %v", err)
	}
	var types []model.ContentType
	for _, j := range fx.jobs(t) {
		types = append(types, j.ContentType)
	}
	if diff := cmp.Diff([]model.ContentType{model.ContentBookmarks, model.ContentLists}, types); diff != "" {
		t.Errorf("content types mismatch (-want +got):\n%s", diff)
	}

	sc.Enabled = false
	if err := fx.store.SaveSchedule(ctx, &sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	res, err := fx.sched.ScheduleUser(ctx, fx.user.ID, testDate.AddDate(0, 0, -1), false)
	if err != nil {
		t.Fatalf("ScheduleUser: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("disabled schedule produced %+v", res)
	}
}

func TestScheduleAllSkipsUsersWithoutAccounts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC))

	bob := &model.User{Username: "bob"}
	if err := fx.store.CreateUser(ctx, bob); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, id := range []int64{fx.user.ID, bob.ID} {
		sc := model.DefaultSchedule(id)
		if err := fx.store.SaveSchedule(ctx, &sc); err != nil {
			t.Fatalf("save schedule: %v", err)
		}
	}

	res, err := fx.sched.ScheduleAll(ctx, testDate, false)
	if err != nil {
		t.Fatalf("ScheduleAll: %v", err)
	}
	if diff := cmp.Diff(Result{Created: 3, Enqueued: 3}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestNextRunInvalidSchedule(t *testing.T) {
	now := time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC)
	if _, err := NextRun(model.Schedule{ProcessingTime: "02:00", Timezone: "Mars/Olympus"}, now); err == nil {
		t.Error("NextRun() accepted an unknown timezone")
	}
	if _, err := NextRun(model.Schedule{ProcessingTime: "25:00", Timezone: "UTC"}, now); err == nil {
		t.Error("NextRun() accepted an invalid time")
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) get() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunSchedulesOncePerDay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t, testDate)
	sc := model.DefaultSchedule(fx.user.ID)
	if err := fx.store.SaveSchedule(ctx, &sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	c := &clock{now: time.Date(2024, 3, 6, 0, 0, 30, 0, time.UTC)}
	fx.sched.SetClock(c.get)
	fx.sched.SetTickInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		fx.sched.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return fx.queue.count() == 3 })
	time.Sleep(30 * time.Millisecond)
	if n := fx.queue.count(); n != 3 {
		t.Fatalf("same-day ticks enqueued %d jobs, want 3", n)
	}

	c.set(time.Date(2024, 3, 7, 0, 0, 30, 0, time.UTC))
	waitFor(t, func() bool { return fx.queue.count() == 6 })

	cancel()
	<-done
}

func TestRequeue(t *testing.T) {
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()

	later := now.Add(2 * time.Hour)
	earlier := now.Add(-2 * time.Hour)
	create := func(ct model.ContentType, at time.Time) *model.Job {
		j := &model.Job{UserID: f.user.ID, AccountID: f.account.ID, ContentType: ct, ProcessingDate: testDate, ScheduledAt: &at}
		if err := f.store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
		return j
	}
	future := create(model.ContentBookmarks, later)
	due := create(model.ContentCuratedFeed, earlier)
	retrying := create(model.ContentLists, earlier)

	retryAt := now.Add(10 * time.Minute)
	if _, err := f.store.ClaimJob(ctx, retrying.ID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.RetryJob(ctx, retrying.ID, 1, retryAt, "timeout", ""); err != nil {
		t.Fatalf("retry: %v", err)
	}

	done := &model.Job{UserID: f.user.ID, AccountID: f.account.ID, ContentType: model.ContentBookmarks,
		ProcessingDate: testDate.AddDate(0, 0, -1), ScheduledAt: &earlier}
	if err := f.store.CreateJob(ctx, done); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := f.store.ClaimJob(ctx, done.ID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.CompleteJob(ctx, done.ID, 3, now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := f.sched.Requeue(ctx)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if n != 3 {
		t.Errorf("Requeue() = %d, want 3", n)
	}

	want := []enqueued{
		{JobID: future.ID, When: later},
		{JobID: due.ID},
		{JobID: retrying.ID, When: retryAt},
	}
	if diff := cmp.Diff(want, f.queue.items); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}
}

func TestRequeueDue(t *testing.T) {
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()

	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)
	future := &model.Job{UserID: f.user.ID, AccountID: f.account.ID, ContentType: model.ContentBookmarks, ProcessingDate: testDate, ScheduledAt: &later}
	due := &model.Job{UserID: f.user.ID, AccountID: f.account.ID, ContentType: model.ContentLists, ProcessingDate: testDate, ScheduledAt: &earlier}
	for _, j := range []*model.Job{future, due} {
		if err := f.store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	n, err := f.sched.RequeueDue(ctx)
	if err != nil {
		t.Fatalf("RequeueDue: %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueDue() = %d, want 1", n)
	}
	if diff := cmp.Diff([]enqueued{{JobID: due.ID}}, f.queue.items); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}
}

func TestRequeueReleasesStaleRunningJobs(t *testing.T) {
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()

	orphan := &model.Job{UserID: f.user.ID, AccountID: f.account.ID, ContentType: model.ContentBookmarks, ProcessingDate: testDate}
	active := &model.Job{UserID: f.user.ID, AccountID: f.account.ID, ContentType: model.ContentLists, ProcessingDate: testDate}
	for _, j := range []*model.Job{orphan, active} {
		if err := f.store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
	if _, err := f.store.ClaimJob(ctx, orphan.ID, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.store.ClaimJob(ctx, active.ID, now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := f.sched.Requeue(ctx)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if n != 1 {
		t.Errorf("Requeue() = %d, want 1", n)
	}
	if diff := cmp.Diff([]enqueued{{JobID: orphan.ID}}, f.queue.items); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}

	got, err := f.store.GetJob(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != model.StatusRetrying || got.RetryCount != 0 {
		t.Errorf("orphaned job = %s/%d, want retrying/0", got.Status, got.RetryCount)
	}
	if still, _ := f.store.GetJob(ctx, active.ID); still.Status != model.StatusRunning {
		t.Errorf("recently started job = %s, want running", still.Status)
	}
}
