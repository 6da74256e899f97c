// Package ai provides best-effort categorization and summarization.
// Every caller keeps a deterministic fallback for when a backend fails.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnavailable is returned by the no-op backend.
var ErrUnavailable = errors.New("ai backend unavailable")

// Backend names.
const (
	BackendAnthropic = "anthropic"
	BackendNone      = "none"
)

// Entry is one item handed to the categorizer.
type Entry struct {
	Author string
	Text   string
}

// CategoryResult holds a category description and the 0-based indices of
// its entries.
type CategoryResult struct {
	Description string
	Indices     []int
}

// Categorizer groups entries into named categories.
type Categorizer interface {
	Categorize(ctx context.Context, entries []Entry) (map[string]CategoryResult, error)
}

// Summarizer writes a headline and summary for a group of texts.
type Summarizer interface {
	Summarize(ctx context.Context, texts, keywords []string) (headline, summary string, err error)
}

// Backend provides both capabilities.
type Backend interface {
	Categorizer
	Summarizer
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	APIKey  string
	Model   string
}

// New returns the backend named in opts.
func New(opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendAnthropic:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("anthropic backend requires an api key")
		}
		return NewAnthropic(opts.APIKey, opts.Model), nil
	case BackendNone, "":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown ai backend %q", opts.Backend)
	}
}

// None is a backend that always reports ErrUnavailable.
type None struct{}

// Categorize implements Categorizer.
func (None) Categorize(context.Context, []Entry) (map[string]CategoryResult, error) {
	return nil, ErrUnavailable
}

// Summarize implements Summarizer.
func (None) Summarize(context.Context, []string, []string) (string, string, error) {
	return "", "", ErrUnavailable
}

// FallbackCategory is the single category used when categorization fails.
const FallbackCategory = "Uncategorized"

// CategorizeOrFallback calls c and, on any failure or empty result, returns
// one FallbackCategory holding every entry.
func CategorizeOrFallback(ctx context.Context, c Categorizer, entries []Entry, logger *slog.Logger) map[string]CategoryResult {
	if len(entries) == 0 {
		return map[string]CategoryResult{}
	}
	cats, err := c.Categorize(ctx, entries)
	if err == nil && len(cats) > 0 {
		return cats
	}
	if err != nil && !errors.Is(err, ErrUnavailable) {
		logger.Warn("categorization failed, using fallback", "entries", len(entries), "error", err)
	}

	all := make([]int, len(entries))
	for i := range all {
		all[i] = i
	}
	return map[string]CategoryResult{
		FallbackCategory: {Description: "Items that could not be categorized", Indices: all},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
