package processor

import (
	"context"
	"sort"
	"strings"

	"content_digest/internal/ai"
	"content_digest/internal/fetcher"
	"content_digest/internal/job"
	"content_digest/internal/model"
)

const placeholderDescription = "Items being categorized..."

// Curated stores a sample of the home feed and sorts it into AI-assigned
// categories.
type Curated struct {
	base
	numItems    int
	categorizer ai.Categorizer
}

// NewCurated creates a curated-feed processor sampling numItems items.
func NewCurated(d Deps, numItems int, categorizer ai.Categorizer) *Curated {
	return &Curated{base: newBase(d, model.ContentCuratedFeed), numItems: numItems, categorizer: categorizer}
}

// Validate implements job.Processor.
func (p *Curated) Validate(ctx context.Context, j *model.Job) error {
	_, err := p.validate(ctx, j)
	return err
}

// Process implements job.Processor.
func (p *Curated) Process(ctx context.Context, j *model.Job) (job.Result, error) {
	creds, err := p.credentials(ctx, j)
	if err != nil {
		return job.Result{}, err
	}

	var items []model.Item
	err = p.collect(creds, func(f fetcher.Fetcher) error {
		var err error
		items, err = f.FetchHomeFeed(ctx, p.numItems)
		return err
	})
	if err != nil {
		return job.Result{}, err
	}

	feed := &model.CuratedFeed{
		UserID:         j.UserID,
		AccountID:      j.AccountID,
		ProcessingDate: j.ProcessingDate,
		ConfigNumItems: p.numItems,
	}
	if err := p.Store.CreateCuratedFeed(ctx, feed); err != nil {
		return job.Result{}, job.Retryable("create curated feed", err)
	}
	placeholder, err := p.Store.GetOrCreateCategory(ctx, feed.ID, model.UncategorizedName, placeholderDescription)
	if err != nil {
		return job.Result{}, job.Retryable("create placeholder category", err)
	}

	prog := &progress{store: p.Store, jobID: j.ID}
	for i := range items {
		if err := p.storeItem(ctx, j, &items[i]); err != nil {
			return job.Result{}, err
		}
		if err := p.Store.Categorize(ctx, placeholder.ID, items[i].ID); err != nil {
			return job.Result{}, job.Retryable("categorize item", err)
		}
		if err := prog.add(ctx); err != nil {
			return job.Result{}, err
		}
		if prog.stored%progressEvery == 0 {
			if err := p.Store.UpdateCuratedFeedCounts(ctx, feed.ID, prog.stored, 0); err != nil {
				return job.Result{}, job.Retryable("update curated feed", err)
			}
		}
	}

	numCategories, err := p.categorize(ctx, feed.ID, placeholder.ID, items)
	if err != nil {
		return job.Result{}, err
	}
	if err := p.Store.UpdateCuratedFeedCounts(ctx, feed.ID, prog.stored, numCategories); err != nil {
		return job.Result{}, job.Retryable("update curated feed", err)
	}

	p.Logger.Info("curated feed stored", "job_id", j.ID, "feed_id", feed.ID,
		"items", prog.stored, "categories", numCategories)
	return job.Result{
		ItemsProcessed: prog.stored,
		Metadata:       map[string]any{"feed_id": feed.ID, "categories": numCategories},
	}, nil
}

// categorize moves stored items out of the placeholder into the categories
// the AI returns and drops the placeholder once it is empty. It returns the
// number of real categories used.
func (p *Curated) categorize(ctx context.Context, feedID, placeholderID int64, items []model.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	entries := make([]ai.Entry, len(items))
	for i, it := range items {
		entries[i] = ai.Entry{Author: it.AuthorUsername, Text: it.Text}
	}
	results := ai.CategorizeOrFallback(ctx, p.categorizer, entries, p.Logger)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var used int
	var moved []int64
	for _, name := range names {
		if strings.EqualFold(name, model.UncategorizedName) {
			continue
		}
		res := results[name]
		cat, err := p.Store.GetOrCreateCategory(ctx, feedID, name, res.Description)
		if err != nil {
			return 0, job.Retryable("create category", err)
		}
		for _, idx := range res.Indices {
			if err := p.Store.Categorize(ctx, cat.ID, items[idx].ID); err != nil {
				return 0, job.Retryable("categorize item", err)
			}
			moved = append(moved, items[idx].ID)
		}
		used++
	}

	if err := p.Store.Uncategorize(ctx, placeholderID, moved); err != nil {
		return 0, job.Retryable("uncategorize items", err)
	}
	left, err := p.Store.CategoryItemIDs(ctx, placeholderID)
	if err != nil {
		return 0, job.Retryable("list placeholder items", err)
	}
	if len(left) == 0 {
		if err := p.Store.DeleteCategory(ctx, placeholderID); err != nil {
			return 0, job.Retryable("delete placeholder category", err)
		}
	}
	return used, nil
}
