package taskq

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Queue for single-process deployments. Delayed
// tasks live in memory and are lost on exit.
type Local struct {
	ready chan Task
	now   func() time.Time

	mu      sync.Mutex
	delayed []delayedTask
}

type delayedTask struct {
	task Task
	due  time.Time
}

// NewLocal creates a Local queue holding up to size ready tasks.
func NewLocal(size int) *Local {
	return &Local{ready: make(chan Task, size), now: time.Now}
}

// Enqueue implements Runtime.
func (q *Local) Enqueue(ctx context.Context, jobID int64) error {
	return q.push(ctx, newTask(jobID, q.now()))
}

// EnqueueAt implements Runtime.
func (q *Local) EnqueueAt(ctx context.Context, jobID int64, when time.Time) error {
	now := q.now()
	if !when.After(now) {
		return q.Enqueue(ctx, jobID)
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedTask{task: newTask(jobID, now), due: when})
	q.mu.Unlock()
	return nil
}

func (q *Local) push(ctx context.Context, t Task) error {
	select {
	case q.ready <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *Local) Dequeue(ctx context.Context, block time.Duration) (*Task, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case t := <-q.ready:
		return &t, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Promote implements Queue.
func (q *Local) Promote(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	var due []Task
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.due.After(now) {
			kept = append(kept, d)
		} else {
			due = append(due, d.task)
		}
	}
	q.delayed = kept
	q.mu.Unlock()

	for i, t := range due {
		if err := q.push(ctx, t); err != nil {
			q.mu.Lock()
			for _, rest := range due[i:] {
				q.delayed = append(q.delayed, delayedTask{task: rest, due: now})
			}
			q.mu.Unlock()
			return i, err
		}
	}
	return len(due), nil
}

// Pending returns the number of delayed tasks.
func (q *Local) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}
