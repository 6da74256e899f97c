// Package events clusters a list's daily items into named events.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"content_digest/internal/ai"
	"content_digest/internal/model"
	"content_digest/internal/storage"
)

const (
	maxKeywords       = 10
	fallbackKeywords  = 5
	fallbackHeadline  = 200
	defaultPause      = 50 * time.Millisecond
	writeRetries      = 2
	writeBackoffStart = 100 * time.Millisecond
)

// Store is the persistence the engine needs.
type Store interface {
	ListMembers(ctx context.Context, listID int64, seenDate time.Time) ([]model.ListMember, error)
	UpsertEvent(ctx context.Context, ev *model.Event) (bool, error)
}

// Options tunes clustering.
type Options struct {
	MinItems            int
	SimilarityThreshold float64
	ClusterPause        time.Duration
}

// DefaultOptions returns the standard clustering settings.
func DefaultOptions() Options {
	return Options{MinItems: 3, SimilarityThreshold: 0.3, ClusterPause: defaultPause}
}

// Outcome counts what one extraction did.
type Outcome struct {
	Clusters int
	Created  int
	Updated  int
	Failed   int
}

// Engine extracts events from list memberships.
type Engine struct {
	store      Store
	summarizer ai.Summarizer
	opts       Options
	logger     *slog.Logger
}

// New creates an Engine.
func New(store Store, summarizer ai.Summarizer, opts Options, logger *slog.Logger) *Engine {
	if opts.MinItems < 1 {
		opts.MinItems = DefaultOptions().MinItems
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = DefaultOptions().SimilarityThreshold
	}
	return &Engine{store: store, summarizer: summarizer, opts: opts, logger: logger}
}

// Extract clusters the memberships of one list and seen date and upserts one
// event per surviving cluster. A failing cluster is logged and skipped.
func (e *Engine) Extract(ctx context.Context, listID int64, seenDate time.Time) (Outcome, error) {
	var out Outcome
	members, err := e.store.ListMembers(ctx, listID, seenDate)
	if err != nil {
		return out, fmt.Errorf("list members: %w", err)
	}
	if len(members) < e.opts.MinItems {
		e.logger.Debug("too few items for events", "list_id", listID, "items", len(members))
		return out, nil
	}

	texts := make([]string, len(members))
	for i, m := range members {
		texts[i] = m.Text
	}
	groups := Cluster(texts, e.opts.SimilarityThreshold, e.opts.MinItems)
	out.Clusters = len(groups)

	for gi, group := range groups {
		if gi > 0 && e.opts.ClusterPause > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(e.opts.ClusterPause):
			}
		}

		ev := e.buildEvent(ctx, listID, members, group)
		created, err := e.persist(ctx, ev)
		if err != nil {
			out.Failed++
			e.logger.Error("persist event", "list_id", listID, "items", len(group), "error", err)
			continue
		}
		if created {
			out.Created++
		} else {
			out.Updated++
		}
	}

	e.logger.Info("events extracted", "list_id", listID, "date", seenDate.Format(model.DateLayout),
		"items", len(members), "clusters", out.Clusters, "created", out.Created, "updated", out.Updated)
	return out, nil
}

func (e *Engine) buildEvent(ctx context.Context, listID int64, members []model.ListMember, group []int) *model.Event {
	texts := make([]string, len(group))
	ids := make([]int64, len(group))
	var earliest time.Time
	for k, i := range group {
		m := members[i]
		texts[k] = m.Text
		ids[k] = m.MembershipID
		if !m.ItemCreatedAt.IsZero() && (earliest.IsZero() || m.ItemCreatedAt.Before(earliest)) {
			earliest = m.ItemCreatedAt
		}
	}
	eventDate := members[group[0]].SeenDate
	if !earliest.IsZero() {
		eventDate = model.Day(earliest)
	}

	keywords := Keywords(texts, maxKeywords)
	headline, summary, err := e.summarizer.Summarize(ctx, texts, keywords)
	if err != nil {
		if !errors.Is(err, ai.ErrUnavailable) {
			e.logger.Warn("summarize event, using fallback", "list_id", listID, "error", err)
		}
		headline, summary = Fallback(texts, keywords)
	}

	return &model.Event{
		ListID:    listID,
		EventDate: eventDate,
		Headline:  headline,
		Summary:   summary,
		ItemCount: len(group),
		Keywords:  keywords,
		MemberIDs: ids,
	}
}

// Fallback builds a headline and summary without an AI backend.
func Fallback(texts, keywords []string) (string, string) {
	var headline string
	if len(texts) > 0 {
		r := []rune(texts[0])
		headline = texts[0]
		if len(r) > fallbackHeadline {
			headline = string(r[:fallbackHeadline]) + "..."
		}
	}
	summary := fmt.Sprintf("%d related items about: %s", len(texts), joinFirst(keywords, fallbackKeywords))
	return headline, summary
}

func (e *Engine) persist(ctx context.Context, ev *model.Event) (bool, error) {
	var created bool
	backoff := retry.WithMaxRetries(writeRetries, retry.NewExponential(writeBackoffStart))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		created, err = e.store.UpsertEvent(ctx, ev)
		if storage.IsBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return created, err
}
