package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"content_digest/internal/model"
)

// CreateCuratedFeed inserts a curated feed container.
func (s *SQLite) CreateCuratedFeed(ctx context.Context, f *model.CuratedFeed) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO curated_feeds (user_id, account_id, processing_date, num_items_fetched,
		                            config_num_items, num_categories, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.AccountID, formatDate(f.ProcessingDate), f.NumItemsFetched,
		f.ConfigNumItems, f.NumCategories, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert curated feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	return nil
}

// GetCuratedFeed returns a curated feed by ID.
func (s *SQLite) GetCuratedFeed(ctx context.Context, id int64) (*model.CuratedFeed, error) {
	var f model.CuratedFeed
	var date string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, account_id, processing_date, num_items_fetched, config_num_items, num_categories
		 FROM curated_feeds WHERE id = ?`, id,
	).Scan(&f.ID, &f.UserID, &f.AccountID, &date, &f.NumItemsFetched, &f.ConfigNumItems, &f.NumCategories)
	if err != nil {
		return nil, notFound(err, "curated feed")
	}
	f.ProcessingDate = parseDate(date)
	return &f, nil
}

// UpdateCuratedFeedCounts stores the fetched-item and category counts.
func (s *SQLite) UpdateCuratedFeedCounts(ctx context.Context, id int64, fetched, categories int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE curated_feeds SET num_items_fetched = ?, num_categories = ? WHERE id = ?`,
		fetched, categories, id)
	if err != nil {
		return fmt.Errorf("update curated feed: %w", err)
	}
	return nil
}

// GetOrCreateCategory returns the category with name in the feed, creating it
// with description when missing.
func (s *SQLite) GetOrCreateCategory(ctx context.Context, feedID int64, name, description string) (*model.Category, error) {
	c := model.Category{FeedID: feedID, Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, description FROM categories WHERE feed_id = ? AND name = ?`, feedID, name,
	).Scan(&c.ID, &c.Description)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query category: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (feed_id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		feedID, name, description, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("insert category: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	c.Description = description
	return &c, nil
}

// ListCategories returns the categories of a feed ordered by ID.
func (s *SQLite) ListCategories(ctx context.Context, feedID int64) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, feed_id, name, description FROM categories WHERE feed_id = ? ORDER BY id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.FeedID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCategory removes a category and its item links.
func (s *SQLite) DeleteCategory(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM categorizations WHERE category_id = ?`, id); err != nil {
		return fmt.Errorf("delete categorizations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return tx.Commit()
}

// Categorize links an item to a category; repeated links are ignored.
func (s *SQLite) Categorize(ctx context.Context, categoryID, itemID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO categorizations (category_id, item_id, created_at) VALUES (?, ?, ?)`,
		categoryID, itemID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("categorize item: %w", err)
	}
	return nil
}

// Uncategorize removes the given items from a category.
func (s *SQLite) Uncategorize(ctx context.Context, categoryID int64, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	marks := make([]string, len(itemIDs))
	args := make([]any, 0, len(itemIDs)+1)
	args = append(args, categoryID)
	for i, id := range itemIDs {
		marks[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM categorizations WHERE category_id = ? AND item_id IN (`+strings.Join(marks, ", ")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("uncategorize items: %w", err)
	}
	return nil
}

// CategoryItemIDs returns the item IDs linked to a category.
func (s *SQLite) CategoryItemIDs(ctx context.Context, categoryID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM categorizations WHERE category_id = ? ORDER BY item_id`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("query category items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}
