package ai

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

const (
	maxEntryLength      = 500
	maxTokensCategorize = 4000
	maxTokensSummarize  = 1000
	maxSummaryTexts     = 50
	maxSummaryKeywords  = 10
	maxHeadlineLength   = 500
	maxSummaryLength    = 2000
)

//go:embed schemas/categorize.json
var categorizeSchema string

//go:embed schemas/summarize.json
var summarizeSchema string

// promptFunc sends one structured-output request and returns the text of the
// first content block.
type promptFunc func(system, user, schema string, maxTokens int) (string, error)

// Anthropic is a Backend calling the Anthropic messages API.
type Anthropic struct {
	apiKey string
	model  string
	prompt promptFunc
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(apiKey, model string) *Anthropic {
	a := &Anthropic{apiKey: apiKey, model: model}
	a.prompt = a.send
	return a
}

func (a *Anthropic) send(system, user, schema string, maxTokens int) (string, error) {
	settings := types.RequestSettings{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	}
	response, err := anthropic.PromptWithSettings(system, user, schema, a.apiKey, settings)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	if len(response.Content) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	return response.Content[0].Text, nil
}

// call runs the blocking prompt and gives up early when ctx is cancelled.
func (a *Anthropic) call(ctx context.Context, system, user, schema string, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := a.prompt(system, user, schema, maxTokens)
		done <- result{text, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}

const categorizeSystem = `You group social media posts from a user's home timeline into meaningful, coherent categories by topic and theme.
Each category has a clear, descriptive name of 2-5 words and a brief description.
Every post belongs to exactly one category, the most relevant one. Aim for 5-10 distinct categories.`

// Categorize implements Categorizer.
func (a *Anthropic) Categorize(ctx context.Context, entries []Entry) (map[string]CategoryResult, error) {
	if len(entries) == 0 {
		return map[string]CategoryResult{}, nil
	}

	var b strings.Builder
	b.WriteString("Categorize these posts:\n\n")
	for i, e := range entries {
		text := e.Text
		if len([]rune(text)) > maxEntryLength {
			text = truncate(text, maxEntryLength) + "..."
		}
		author := e.Author
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(&b, "Post %d by @%s: %s\n\n", i+1, author, text)
	}

	text, err := a.call(ctx, categorizeSystem, b.String(), categorizeSchema, maxTokensCategorize)
	if err != nil {
		return nil, fmt.Errorf("categorize: %w", err)
	}

	var resp struct {
		Categories []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			ItemNumbers []int  `json:"item_numbers"`
		} `json:"categories"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}

	out := make(map[string]CategoryResult)
	for _, c := range resp.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		res := out[name]
		if res.Description == "" {
			res.Description = c.Description
		}
		for _, n := range c.ItemNumbers {
			idx := n - 1
			if idx < 0 || idx >= len(entries) || slices.Contains(res.Indices, idx) {
				continue
			}
			res.Indices = append(res.Indices, idx)
		}
		if len(res.Indices) > 0 {
			out[name] = res
		}
	}
	return out, nil
}

const summarizeSystem = `You analyze a collection of social media posts about one event or topic.
Write a concise, engaging headline of at most 100 characters and a summary of 2-4 paragraphs
that synthesizes the key information from all the posts.`

// Summarize implements Summarizer.
func (a *Anthropic) Summarize(ctx context.Context, texts, keywords []string) (string, string, error) {
	if len(texts) > maxSummaryTexts {
		texts = texts[:maxSummaryTexts]
	}
	if len(keywords) > maxSummaryKeywords {
		keywords = keywords[:maxSummaryKeywords]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Keywords identified: %s\n\nPosts:\n", strings.Join(keywords, ", "))
	for i, t := range texts {
		fmt.Fprintf(&b, "Post %d: %s\n\n", i+1, t)
	}

	text, err := a.call(ctx, summarizeSystem, b.String(), summarizeSchema, maxTokensSummarize)
	if err != nil {
		return "", "", fmt.Errorf("summarize: %w", err)
	}

	var resp struct {
		Headline string `json:"headline"`
		Summary  string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return "", "", fmt.Errorf("decode summary: %w", err)
	}
	headline := strings.TrimSpace(resp.Headline)
	summary := strings.TrimSpace(resp.Summary)
	if headline == "" || summary == "" {
		return "", "", fmt.Errorf("summarize: empty headline or summary")
	}
	return truncate(headline, maxHeadlineLength), truncate(summary, maxSummaryLength), nil
}
