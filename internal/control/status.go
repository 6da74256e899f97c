package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"content_digest/internal/model"
	"content_digest/internal/storage"
)

// TypeStatus summarizes the jobs of one content type.
type TypeStatus struct {
	Counts    map[model.JobStatus]int
	HasActive bool
	Enabled   bool
}

// Report is the job status of an account.
type Report struct {
	Date  time.Time
	Types map[model.ContentType]TypeStatus
	Today map[model.JobStatus]int
}

// Status counts the account's jobs by content type and status over all
// dates, plus the counts for date alone.
func (s *Service) Status(ctx context.Context, userID, accountID int64, date time.Time) (*Report, error) {
	if err := s.checkAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	sc, err := s.schedule(ctx, userID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{UserID: userID, AccountID: accountID})
	if err != nil {
		return nil, err
	}

	date = model.Day(date)
	r := &Report{
		Date:  date,
		Types: make(map[model.ContentType]TypeStatus, len(model.ContentTypes)),
		Today: make(map[model.JobStatus]int),
	}
	for _, ct := range model.ContentTypes {
		r.Types[ct] = TypeStatus{Counts: make(map[model.JobStatus]int), Enabled: sc.Enabled && sc.Processes(ct)}
	}
	for _, j := range jobs {
		ts := r.Types[j.ContentType]
		if ts.Counts == nil {
			continue
		}
		ts.Counts[j.Status]++
		ts.HasActive = ts.HasActive || j.Status.Active()
		r.Types[j.ContentType] = ts
		if j.ProcessingDate.Equal(date) {
			r.Today[j.Status]++
		}
	}
	return r, nil
}

var reportStatuses = []model.JobStatus{
	model.StatusPending, model.StatusRunning, model.StatusRetrying, model.StatusCompleted, model.StatusFailed,
}

// String renders the report for the terminal.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Jobs for %s:", r.Date.Format(model.DateLayout))
	for _, st := range reportStatuses {
		fmt.Fprintf(&b, " %s=%d", st, r.Today[st])
	}
	b.WriteString("\n")
	for _, ct := range model.ContentTypes {
		ts := r.Types[ct]
		state := "enabled"
		if !ts.Enabled {
			state = "disabled"
		}
		if ts.HasActive {
			state += ", active"
		}
		fmt.Fprintf(&b, "\n%s [%s]\n  ", ct, state)
		for i, st := range reportStatuses {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%d", st, ts.Counts[st])
		}
		b.WriteString("\n")
	}
	return b.String()
}
