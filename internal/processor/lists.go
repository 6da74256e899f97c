package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"content_digest/internal/credentials"
	"content_digest/internal/events"
	"content_digest/internal/fetcher"
	"content_digest/internal/job"
	"content_digest/internal/model"
)

// EventExtractor clusters one list's day of items into events.
type EventExtractor interface {
	Extract(ctx context.Context, listID int64, seenDate time.Time) (events.Outcome, error)
}

// Lists stores the daily membership of every tracked list and extracts
// events from it.
type Lists struct {
	base
	maxItems int
	events   EventExtractor
}

// NewLists creates a lists processor fetching at most maxItems per list.
func NewLists(d Deps, maxItems int, extractor EventExtractor) *Lists {
	return &Lists{base: newBase(d, model.ContentLists), maxItems: maxItems, events: extractor}
}

// Validate implements job.Processor. When the account tracks no lists it
// tries to sync them from the platform; a failed sync is left for Process to
// report as zero items.
func (p *Lists) Validate(ctx context.Context, j *model.Job) error {
	creds, err := p.validate(ctx, j)
	if err != nil {
		return err
	}
	lists, err := p.Store.ListTrackedLists(ctx, j.AccountID)
	if err != nil {
		return job.Retryable("load tracked lists", err)
	}
	if len(lists) > 0 {
		return nil
	}
	n, err := p.Sync(ctx, j.AccountID, creds)
	if err != nil {
		p.Logger.Warn("list sync failed", "job_id", j.ID, "account_id", j.AccountID, "error", err)
		return nil
	}
	p.Logger.Info("lists synced", "job_id", j.ID, "account_id", j.AccountID, "lists", n)
	return nil
}

// Sync fetches the account's lists and upserts them, returning how many were
// stored. Entries without an id are skipped.
func (p *Lists) Sync(ctx context.Context, accountID int64, creds credentials.Credentials) (int, error) {
	var remote []fetcher.List
	err := p.collect(creds, func(f fetcher.Fetcher) error {
		var err error
		remote, err = f.FetchLists(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	now := p.Now().UTC()
	var n int
	for _, rl := range remote {
		if rl.ID == "" {
			continue
		}
		l := &model.TrackedList{AccountID: accountID, ExternalID: rl.ID, Name: rl.Name, URL: rl.URL, LastSyncedAt: &now}
		if err := p.Store.UpsertList(ctx, l); err != nil {
			return n, fmt.Errorf("store list %s: %w", rl.ID, err)
		}
		n++
	}
	return n, nil
}

type listBatch struct {
	list  model.TrackedList
	items []model.Item
}

// Process implements job.Processor.
func (p *Lists) Process(ctx context.Context, j *model.Job) (job.Result, error) {
	lists, err := p.Store.ListTrackedLists(ctx, j.AccountID)
	if err != nil {
		return job.Result{}, job.Retryable("load tracked lists", err)
	}
	if len(lists) == 0 {
		p.Logger.Info("no tracked lists", "job_id", j.ID, "account_id", j.AccountID)
		return job.Result{Metadata: map[string]any{"lists": 0}}, nil
	}

	creds, err := p.credentials(ctx, j)
	if err != nil {
		return job.Result{}, err
	}

	batches, err := p.fetchAll(ctx, j, creds, lists)
	if err != nil {
		return job.Result{}, err
	}

	prog := &progress{store: p.Store, jobID: j.ID}
	for _, b := range batches {
		for i := range b.items {
			it := &b.items[i]
			if err := p.storeItem(ctx, j, it); err != nil {
				return job.Result{}, err
			}
			if _, err := p.Store.AddListMembership(ctx, b.list.ID, it.ID, j.ProcessingDate); err != nil {
				return job.Result{}, job.Retryable("store list membership", err)
			}
			if err := prog.add(ctx); err != nil {
				return job.Result{}, err
			}
		}
	}

	var created, updated int
	for _, b := range batches {
		out, err := p.events.Extract(ctx, b.list.ID, j.ProcessingDate)
		if err != nil {
			if ctx.Err() != nil {
				return job.Result{}, job.Retryable("extract events", err)
			}
			p.Logger.Error("extract events", "job_id", j.ID, "list_id", b.list.ID, "error", err)
			continue
		}
		created += out.Created
		updated += out.Updated
	}

	p.Logger.Info("lists stored", "job_id", j.ID, "lists", len(batches), "items", prog.stored,
		"events_created", created, "events_updated", updated)
	return job.Result{
		ItemsProcessed: prog.stored,
		Metadata: map[string]any{
			"lists":          len(batches),
			"events_created": created,
			"events_updated": updated,
		},
	}, nil
}

// fetchAll reads every list in one fetcher session. A list that fails is
// skipped unless the failure concerns the credentials or every list failed.
func (p *Lists) fetchAll(ctx context.Context, j *model.Job, creds credentials.Credentials, lists []model.TrackedList) ([]listBatch, error) {
	var batches []listBatch
	var lastErr error
	err := p.collect(creds, func(f fetcher.Fetcher) error {
		for _, l := range lists {
			items, err := f.FetchListItems(ctx, l.ExternalID, p.maxItems)
			if err != nil {
				err = fetcher.Classify(err)
				var ce *fetcher.CredentialError
				if errors.As(err, &ce) || ctx.Err() != nil {
					return err
				}
				p.Logger.Warn("fetch list failed, skipping", "job_id", j.ID, "list", l.ExternalID, "error", err)
				lastErr = err
				continue
			}
			batches = append(batches, listBatch{list: l, items: items})
		}
		if len(batches) == 0 && lastErr != nil {
			return lastErr
		}
		return nil
	})
	return batches, err
}
