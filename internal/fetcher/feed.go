package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"content_digest/internal/model"
)

// fetchListFeed reads a list timeline from the configured RSS/Atom template.
func (c *Client) fetchListFeed(ctx context.Context, listID string, maxItems int) ([]model.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout+c.jitterF(c.opts.Timeout))
	defer cancel()

	feedURL := strings.ReplaceAll(c.opts.ListFeedURL, "{id}", url.PathEscape(listID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &NetworkError{Msg: "create request", Err: err}
	}
	req.Header.Set("User-Agent", "ContentDigest/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Msg: "GET list feed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, &NetworkError{Msg: "read body", Err: err}
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Msg: "parse feed", Err: err}
	}

	var items []model.Item
	for _, fi := range feed.Items {
		items = append(items, c.feedItem(fi))
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}
	return items, nil
}

func (c *Client) feedItem(fi *gofeed.Item) model.Item {
	it := model.Item{
		ExternalID: ItemGUID(fi.GUID, fi.Title, fi.Link),
		Text:       fi.Title,
		HTML:       fi.Content,
		CreatedAt:  c.now().UTC(),
		RawData:    "{}",
	}
	if it.Text == "" {
		it.Text = fi.Description
	}
	if it.HTML == "" {
		it.HTML = fi.Description
	}
	if fi.PublishedParsed != nil {
		it.CreatedAt = fi.PublishedParsed.UTC()
	}
	if len(fi.Authors) > 0 && fi.Authors[0] != nil {
		it.AuthorDisplayName = fi.Authors[0].Name
		it.AuthorUsername = strings.TrimPrefix(fi.Authors[0].Name, "@")
	}
	for _, enc := range fi.Enclosures {
		if enc != nil && enc.URL != "" {
			it.MediaURLs = append(it.MediaURLs, enc.URL)
		}
	}
	if fi.Link != "" {
		if raw, err := json.Marshal(map[string]string{"link": fi.Link}); err == nil {
			it.RawData = string(raw)
		}
	}
	return it
}
