package taskq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testNow = time.Date(2024, 3, 6, 2, 0, 0, 0, time.UTC)

func newTestLocal() *Local {
	q := NewLocal(16)
	q.now = func() time.Time { return testNow }
	return q
}

func TestTaskEnvelope(t *testing.T) {
	task := newTask(42, testNow)
	s, err := task.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, key := range []string{`"id":"`, `"job_id":42`, `"enqueued_at":"2024-03-06T02:00:00Z"`} {
		if !strings.Contains(s, key) {
			t.Errorf("envelope %s missing %s", s, key)
		}
	}
	if task.ID == newTask(42, testNow).ID {
		t.Error("two deliveries share an id")
	}
	if _, err := decodeTask("not json"); err == nil {
		t.Error("decodeTask() accepted garbage")
	}
}

func TestLocalEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestLocal()

	if err := q.Enqueue(ctx, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.EnqueueAt(ctx, 2, testNow.Add(-time.Minute)); err != nil {
		t.Fatalf("EnqueueAt past: %v", err)
	}

	var got []int64
	for range 2 {
		task, err := q.Dequeue(ctx, time.Second)
		if err != nil || task == nil {
			t.Fatalf("Dequeue = %v, %v", task, err)
		}
		got = append(got, task.JobID)
	}
	if diff := cmp.Diff([]int64{1, 2}, got); diff != "" {
		t.Errorf("dequeued mismatch (-want +got):\n%s", diff)
	}

	task, err := q.Dequeue(ctx, 10*time.Millisecond)
	if err != nil || task != nil {
		t.Errorf("Dequeue on empty queue = %v, %v; want nil, nil", task, err)
	}
}

func TestLocalPromote(t *testing.T) {
	ctx := context.Background()
	q := newTestLocal()

	if err := q.EnqueueAt(ctx, 7, testNow.Add(5*time.Minute)); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}
	if err := q.EnqueueAt(ctx, 8, testNow.Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}

	if n, err := q.Promote(ctx, testNow.Add(time.Minute)); err != nil || n != 0 {
		t.Fatalf("early Promote = %d, %v", n, err)
	}
	if n, err := q.Promote(ctx, testNow.Add(5*time.Minute)); err != nil || n != 1 {
		t.Fatalf("Promote = %d, %v; want 1", n, err)
	}
	if q.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", q.Pending())
	}
	task, err := q.Dequeue(ctx, time.Second)
	if err != nil || task == nil || task.JobID != 7 {
		t.Fatalf("Dequeue = %+v, %v; want job 7", task, err)
	}
}

func TestLocalDequeueCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestLocal().Dequeue(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Dequeue() error = %v, want context.Canceled", err)
	}
}

type recorder struct {
	mu   sync.Mutex
	jobs []int64
	done chan struct{}
	want int
	err  error
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) handle(_ context.Context, jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	if len(r.jobs) == r.want {
		close(r.done)
	}
	return r.err
}

func runWorker(t *testing.T, q Queue, r *recorder, concurrency int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, r.handle, concurrency, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.SetIntervals(10*time.Millisecond, 5*time.Millisecond)
	w.now = func() time.Time { return testNow.Add(time.Hour) }

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Error("timed out waiting for jobs")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestWorkerRunsEveryTask(t *testing.T) {
	ctx := context.Background()
	q := newTestLocal()
	for id := int64(1); id <= 5; id++ {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.EnqueueAt(ctx, 6, testNow.Add(30*time.Minute)); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}

	r := newRecorder(6)
	r.err = errors.New("job failed")
	runWorker(t, q, r, 3)

	sort.Slice(r.jobs, func(i, j int) bool { return r.jobs[i] < r.jobs[j] })
	if diff := cmp.Diff([]int64{1, 2, 3, 4, 5, 6}, r.jobs); diff != "" {
		t.Errorf("executed jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestRedisKeys(t *testing.T) {
	q := NewRedis(nil, "digest")
	if q.ready != "digest:ready" || q.delayed != "digest:delayed" {
		t.Errorf("keys = %s, %s", q.ready, q.delayed)
	}
}
