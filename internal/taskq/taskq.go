// Package taskq is the task runtime that delivers job IDs to workers at
// least once, either right away or at a given time.
package taskq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one delivery of a job ID.
type Task struct {
	ID         string    `json:"id"`
	JobID      int64     `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func newTask(jobID int64, now time.Time) Task {
	return Task{ID: uuid.NewString(), JobID: jobID, EnqueuedAt: now.UTC()}
}

func (t Task) encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(b), nil
}

func decodeTask(s string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return t, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

// Runtime submits job IDs for execution.
type Runtime interface {
	Enqueue(ctx context.Context, jobID int64) error
	EnqueueAt(ctx context.Context, jobID int64, when time.Time) error
}

// Queue is a Runtime that workers can consume from.
type Queue interface {
	Runtime
	// Dequeue waits up to block for a ready task. It returns nil when none
	// arrived in time.
	Dequeue(ctx context.Context, block time.Duration) (*Task, error)
	// Promote makes delayed tasks that are due ready and returns how many
	// were moved.
	Promote(ctx context.Context, now time.Time) (int, error)
}
