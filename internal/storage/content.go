package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"content_digest/internal/model"
)

// UpsertItem inserts an item or merges it into the existing row with the same
// external ID. Text, counters and raw data are refreshed; display name, avatar
// and HTML only when the incoming value is non-empty. IsBookmark never reverts
// to false.
func (s *SQLite) UpsertItem(ctx context.Context, it *model.Item) error {
	media, err := json.Marshal(nonNil(it.MediaURLs))
	if err != nil {
		return fmt.Errorf("encode media urls: %w", err)
	}
	raw := it.RawData
	if raw == "" {
		raw = "{}"
	}
	var procDate *string
	if !it.ProcessingDate.IsZero() {
		v := formatDate(it.ProcessingDate)
		procDate = &v
	}
	now := formatTime(time.Now())

	var bookmark int
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO items (account_id, external_id, author_username, author_display_name,
		                    author_avatar_url, text, html, created_at, like_count, retweet_count,
		                    reply_count, media_urls, is_bookmark, raw_data, processing_date,
		                    scraped_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE SET
		   author_username = excluded.author_username,
		   author_display_name = COALESCE(NULLIF(excluded.author_display_name, ''), items.author_display_name),
		   author_avatar_url = COALESCE(NULLIF(excluded.author_avatar_url, ''), items.author_avatar_url),
		   html = COALESCE(NULLIF(excluded.html, ''), items.html),
		   text = excluded.text,
		   like_count = excluded.like_count,
		   retweet_count = excluded.retweet_count,
		   reply_count = excluded.reply_count,
		   media_urls = excluded.media_urls,
		   is_bookmark = MAX(items.is_bookmark, excluded.is_bookmark),
		   raw_data = excluded.raw_data,
		   processing_date = COALESCE(excluded.processing_date, items.processing_date),
		   updated_at = excluded.updated_at
		 RETURNING id, account_id, is_bookmark`,
		it.AccountID, it.ExternalID, it.AuthorUsername, it.AuthorDisplayName, it.AuthorAvatarURL,
		it.Text, it.HTML, formatTime(it.CreatedAt), it.LikeCount, it.RetweetCount, it.ReplyCount,
		string(media), boolToInt(it.IsBookmark), raw, procDate, now, now,
	).Scan(&it.ID, &it.AccountID, &bookmark)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", it.ExternalID, err)
	}
	it.IsBookmark = bookmark == 1
	return nil
}

// GetItemByExternalID returns the stored item with the given external ID.
func (s *SQLite) GetItemByExternalID(ctx context.Context, externalID string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, external_id, author_username, author_display_name, author_avatar_url,
		        text, html, created_at, like_count, retweet_count, reply_count, media_urls,
		        is_bookmark, raw_data, processing_date
		 FROM items WHERE external_id = ?`, externalID)

	var it model.Item
	var created, media string
	var bookmark int
	var procDate sql.NullString
	err := row.Scan(&it.ID, &it.AccountID, &it.ExternalID, &it.AuthorUsername, &it.AuthorDisplayName,
		&it.AuthorAvatarURL, &it.Text, &it.HTML, &created, &it.LikeCount, &it.RetweetCount,
		&it.ReplyCount, &media, &bookmark, &it.RawData, &procDate)
	if err != nil {
		return nil, notFound(err, "item")
	}
	it.CreatedAt = parseTime(created)
	it.IsBookmark = bookmark == 1
	if procDate.Valid {
		it.ProcessingDate = parseDate(procDate.String)
	}
	if err := json.Unmarshal([]byte(media), &it.MediaURLs); err != nil {
		return nil, fmt.Errorf("decode media urls: %w", err)
	}
	if len(it.MediaURLs) == 0 {
		it.MediaURLs = nil
	}
	return &it, nil
}

// UpsertList inserts or refreshes a tracked list keyed by account and external ID.
func (s *SQLite) UpsertList(ctx context.Context, l *model.TrackedList) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO tracked_lists (account_id, external_id, name, url, last_synced_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, external_id) DO UPDATE SET
		   name = excluded.name,
		   url = COALESCE(NULLIF(excluded.url, ''), tracked_lists.url),
		   last_synced_at = COALESCE(excluded.last_synced_at, tracked_lists.last_synced_at)
		 RETURNING id`,
		l.AccountID, l.ExternalID, l.Name, l.URL, formatTimePtr(l.LastSyncedAt), formatTime(time.Now()),
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("upsert list %s: %w", l.ExternalID, err)
	}
	return nil
}

// ListTrackedLists returns the lists tracked for an account.
func (s *SQLite) ListTrackedLists(ctx context.Context, accountID int64) ([]model.TrackedList, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, external_id, name, url, last_synced_at
		 FROM tracked_lists WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query lists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TrackedList
	for rows.Next() {
		var l model.TrackedList
		var synced sql.NullString
		if err := rows.Scan(&l.ID, &l.AccountID, &l.ExternalID, &l.Name, &l.URL, &synced); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		l.LastSyncedAt = parseNullTime(synced)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddListMembership records that an item was seen in a list on seenDate and
// returns the membership ID. Repeated calls return the existing row.
func (s *SQLite) AddListMembership(ctx context.Context, listID, itemID int64, seenDate time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO list_memberships (list_id, item_id, seen_date, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (list_id, item_id, seen_date) DO UPDATE SET seen_date = excluded.seen_date
		 RETURNING id`,
		listID, itemID, formatDate(seenDate), formatTime(time.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add membership: %w", err)
	}
	return id, nil
}

// ListMembers returns the memberships of a list for one seen date, newest
// item first.
func (s *SQLite) ListMembers(ctx context.Context, listID int64, seenDate time.Time) ([]model.ListMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.list_id, m.item_id, m.seen_date, i.external_id, i.text, i.created_at
		 FROM list_memberships m
		 JOIN items i ON i.id = m.item_id
		 WHERE m.list_id = ? AND m.seen_date = ?
		 ORDER BY i.created_at DESC, m.id`,
		listID, formatDate(seenDate))
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ListMember
	for rows.Next() {
		var m model.ListMember
		var seen, created string
		if err := rows.Scan(&m.MembershipID, &m.ListID, &m.ItemID, &seen, &m.ExternalID, &m.Text, &created); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.SeenDate = parseDate(seen)
		m.ItemCreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
