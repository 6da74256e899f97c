package storage

import (
	"context"
	"fmt"
)

// purgeSteps deletes an account's content children before parents.
var purgeSteps = []struct {
	table  string
	query  string
	byUser bool // query takes (user_id, account_id)
}{
	{"event_memberships", `DELETE FROM event_memberships WHERE event_id IN (
		SELECT e.id FROM events e JOIN tracked_lists l ON l.id = e.list_id WHERE l.account_id = ?)`, false},
	{"events", `DELETE FROM events WHERE list_id IN (SELECT id FROM tracked_lists WHERE account_id = ?)`, false},
	{"list_memberships", `DELETE FROM list_memberships WHERE list_id IN (
		SELECT id FROM tracked_lists WHERE account_id = ?)`, false},
	{"tracked_lists", `DELETE FROM tracked_lists WHERE account_id = ?`, false},
	{"categorizations", `DELETE FROM categorizations WHERE category_id IN (
		SELECT c.id FROM categories c JOIN curated_feeds f ON f.id = c.feed_id
		WHERE f.user_id = ? AND f.account_id = ?)`, true},
	{"categories", `DELETE FROM categories WHERE feed_id IN (
		SELECT id FROM curated_feeds WHERE user_id = ? AND account_id = ?)`, true},
	{"curated_feeds", `DELETE FROM curated_feeds WHERE user_id = ? AND account_id = ?`, true},
	{"items", `DELETE FROM items WHERE account_id = ?`, false},
	{"jobs", `DELETE FROM jobs WHERE user_id = ? AND account_id = ?`, true},
	{"snapshots", `DELETE FROM snapshots WHERE user_id = ? AND account_id = ?`, true},
}

// PurgeAccount deletes every piece of content owned by a user's source
// account in one transaction and reports per-table counts.
func (s *SQLite) PurgeAccount(ctx context.Context, userID, accountID int64) (PurgeStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stats := make(PurgeStats, len(purgeSteps))
	for _, step := range purgeSteps {
		args := []any{accountID}
		if step.byUser {
			args = []any{userID, accountID}
		}
		res, err := tx.ExecContext(ctx, step.query, args...)
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", step.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		stats[step.table] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	return stats, nil
}
