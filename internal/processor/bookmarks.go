package processor

import (
	"context"

	"content_digest/internal/fetcher"
	"content_digest/internal/job"
	"content_digest/internal/model"
)

// Bookmarks stores the account's bookmarked items.
type Bookmarks struct {
	base
	maxItems int
}

// NewBookmarks creates a bookmarks processor fetching at most maxItems.
func NewBookmarks(d Deps, maxItems int) *Bookmarks {
	return &Bookmarks{base: newBase(d, model.ContentBookmarks), maxItems: maxItems}
}

// Validate implements job.Processor.
func (p *Bookmarks) Validate(ctx context.Context, j *model.Job) error {
	_, err := p.validate(ctx, j)
	return err
}

// Process implements job.Processor.
func (p *Bookmarks) Process(ctx context.Context, j *model.Job) (job.Result, error) {
	creds, err := p.credentials(ctx, j)
	if err != nil {
		return job.Result{}, err
	}

	var items []model.Item
	err = p.collect(creds, func(f fetcher.Fetcher) error {
		var err error
		items, err = f.FetchBookmarks(ctx, p.maxItems)
		return err
	})
	if err != nil {
		return job.Result{}, err
	}

	prog := &progress{store: p.Store, jobID: j.ID}
	for i := range items {
		items[i].IsBookmark = true
		if err := p.storeItem(ctx, j, &items[i]); err != nil {
			return job.Result{}, err
		}
		if err := prog.add(ctx); err != nil {
			return job.Result{}, err
		}
	}

	p.Logger.Info("bookmarks stored", "job_id", j.ID, "items", prog.stored)
	return job.Result{
		ItemsProcessed: prog.stored,
		Metadata:       map[string]any{"fetched": len(items)},
	}, nil
}
