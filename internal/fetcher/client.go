package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"content_digest/internal/credentials"
	"content_digest/internal/model"
)

const maxBodySize = 20 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	ListFeedURL string // optional, "{id}" is replaced by the list id
	Timeout     time.Duration
}

// Client is a Fetcher backed by an HTTP scraper bridge.
type Client struct {
	client  HTTPClient
	opts    Options
	creds   credentials.Credentials
	closed  atomic.Bool
	now     func() time.Time
	jitterF func(time.Duration) time.Duration
}

// New creates a Client for one account session.
func New(client HTTPClient, opts Options, creds credentials.Credentials) *Client {
	return &Client{
		client:  client,
		opts:    opts,
		creds:   creds,
		now:     time.Now,
		jitterF: jitter,
	}
}

// NewFactory returns a Factory producing Clients that share one HTTP client.
func NewFactory(client HTTPClient, opts Options) Factory {
	return func(creds credentials.Credentials) (Fetcher, error) {
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("scraper base url is required")
		}
		return New(client, opts, creds), nil
	}
}

// jitter returns up to 20% of d.
func jitter(d time.Duration) time.Duration {
	if n := int64(d) / 5; n > 0 {
		return time.Duration(rand.Int64N(n))
	}
	return 0
}

type fetchRequest struct {
	Credentials credentials.Credentials `json:"credentials"`
	MaxItems    int                     `json:"max_items,omitempty"`
}

type rawItem struct {
	ExternalID        string          `json:"external_id"`
	AuthorUsername    string          `json:"author_username"`
	AuthorDisplayName string          `json:"author_display_name"`
	AuthorAvatarURL   string          `json:"author_avatar_url"`
	Text              string          `json:"text"`
	HTML              string          `json:"html"`
	CreatedAt         string          `json:"created_at"`
	LikeCount         int             `json:"like_count"`
	RetweetCount      int             `json:"retweet_count"`
	ReplyCount        int             `json:"reply_count"`
	MediaURLs         []string        `json:"media_urls"`
	Raw               json.RawMessage `json:"raw"`
}

// FetchBookmarks returns up to maxItems bookmarked items.
func (c *Client) FetchBookmarks(ctx context.Context, maxItems int) ([]model.Item, error) {
	return c.fetchItems(ctx, "/v1/bookmarks", maxItems)
}

// FetchHomeFeed returns numItems items from the account's algorithmic home feed.
func (c *Client) FetchHomeFeed(ctx context.Context, numItems int) ([]model.Item, error) {
	return c.fetchItems(ctx, "/v1/home", numItems)
}

// FetchListItems returns up to maxItems items from one list timeline.
func (c *Client) FetchListItems(ctx context.Context, listID string, maxItems int) ([]model.Item, error) {
	if c.opts.ListFeedURL != "" {
		if c.closed.Load() {
			return nil, &NetworkError{Msg: "fetcher closed"}
		}
		return c.fetchListFeed(ctx, listID, maxItems)
	}
	return c.fetchItems(ctx, "/v1/lists/"+url.PathEscape(listID)+"/items", maxItems)
}

// FetchLists returns the lists of the account. Entries without an id are dropped.
func (c *Client) FetchLists(ctx context.Context) ([]List, error) {
	var resp struct {
		Lists []List `json:"lists"`
	}
	if err := c.post(ctx, "/v1/lists", 0, &resp); err != nil {
		return nil, err
	}
	out := make([]List, 0, len(resp.Lists))
	for _, l := range resp.Lists {
		if l.ID == "" {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) fetchItems(ctx context.Context, path string, maxItems int) ([]model.Item, error) {
	var resp struct {
		Items []rawItem `json:"items"`
	}
	if err := c.post(ctx, path, maxItems, &resp); err != nil {
		return nil, err
	}

	items := make([]model.Item, 0, len(resp.Items))
	for _, r := range resp.Items {
		if r.ExternalID == "" {
			continue
		}
		items = append(items, c.toItem(r))
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}
	return items, nil
}

func (c *Client) toItem(r rawItem) model.Item {
	raw := string(r.Raw)
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	return model.Item{
		ExternalID:        r.ExternalID,
		AuthorUsername:    r.AuthorUsername,
		AuthorDisplayName: r.AuthorDisplayName,
		AuthorAvatarURL:   r.AuthorAvatarURL,
		Text:              r.Text,
		HTML:              r.HTML,
		CreatedAt:         c.parseCreated(r.CreatedAt),
		LikeCount:         r.LikeCount,
		RetweetCount:      r.RetweetCount,
		ReplyCount:        r.ReplyCount,
		MediaURLs:         r.MediaURLs,
		RawData:           raw,
	}
}

var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RubyDate,
}

// parseCreated accepts ISO-8601 timestamps and falls back to the current time.
func (c *Client) parseCreated(s string) time.Time {
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return c.now().UTC()
}

func (c *Client) post(ctx context.Context, path string, maxItems int, out any) error {
	if c.closed.Load() {
		return &NetworkError{Msg: "fetcher closed"}
	}

	body, err := json.Marshal(fetchRequest{Credentials: c.creds, MaxItems: maxItems})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout+c.jitterF(c.opts.Timeout))
	defer cancel()

	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Msg: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ContentDigest/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Msg: "POST " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &NetworkError{Msg: "read body", Err: err}
	}

	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Msg: "decode response", Err: err}
	}
	return nil
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	msg := fmt.Sprintf("status %d", code)
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg += ": " + payload.Error
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &CredentialError{Msg: msg}
	case http.StatusTooManyRequests:
		return &RateLimitError{Msg: msg}
	default:
		return &NetworkError{Msg: msg}
	}
}
