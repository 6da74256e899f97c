package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"content_digest/internal/model"
)

// UpsertEvent stores ev for its (list, event date) inside one transaction.
// When an existing event there has exactly the same membership set, it is
// updated in place; otherwise a new event is created. The returned bool is
// true when a new event was created.
func (s *SQLite) UpsertEvent(ctx context.Context, ev *model.Event) (bool, error) {
	keywords, err := json.Marshal(nonNil(ev.Keywords))
	if err != nil {
		return false, fmt.Errorf("encode keywords: %w", err)
	}
	want := sortedIDs(ev.MemberIDs)
	date := formatDate(ev.EventDate)
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := eventMembersTx(ctx, tx, ev.ListID, date)
	if err != nil {
		return false, err
	}

	var matchID int64
	for id, members := range existing {
		if slices.Equal(members, want) {
			matchID = id
			break
		}
	}

	created := matchID == 0
	if created {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (list_id, event_date, headline, summary, item_count, keywords, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ListID, date, ev.Headline, ev.Summary, ev.ItemCount, string(keywords), now, now)
		if err != nil {
			return false, fmt.Errorf("insert event: %w", err)
		}
		if matchID, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("last insert id: %w", err)
		}
		for _, mid := range want {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO event_memberships (event_id, membership_id, relevance) VALUES (?, ?, 1.0)`,
				matchID, mid); err != nil {
				return false, fmt.Errorf("insert event membership: %w", err)
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET headline = ?, summary = ?, item_count = ?, keywords = ?, updated_at = ?
			 WHERE id = ?`,
			ev.Headline, ev.Summary, ev.ItemCount, string(keywords), now, matchID); err != nil {
			return false, fmt.Errorf("update event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event: %w", err)
	}
	ev.ID = matchID
	ev.EventDate = parseDate(date)
	ev.MemberIDs = want
	return created, nil
}

// ListEvents returns the events of a list on one event date with their
// membership IDs.
func (s *SQLite) ListEvents(ctx context.Context, listID int64, eventDate time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, list_id, event_date, headline, summary, item_count, keywords, created_at, updated_at
		 FROM events WHERE list_id = ? AND event_date = ? ORDER BY id`,
		listID, formatDate(eventDate))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var date, keywords, created, updated string
		if err := rows.Scan(&ev.ID, &ev.ListID, &date, &ev.Headline, &ev.Summary, &ev.ItemCount,
			&keywords, &created, &updated); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventDate = parseDate(date)
		ev.CreatedAt = parseTime(created)
		ev.UpdatedAt = parseTime(updated)
		if err := json.Unmarshal([]byte(keywords), &ev.Keywords); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	_ = rows.Close()

	for i := range events {
		ids, err := s.eventMemberIDs(ctx, events[i].ID)
		if err != nil {
			return nil, err
		}
		events[i].MemberIDs = ids
	}
	return events, nil
}

func (s *SQLite) eventMemberIDs(ctx context.Context, eventID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT membership_id FROM event_memberships WHERE event_id = ? ORDER BY membership_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query event members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

func eventMembersTx(ctx context.Context, tx *sql.Tx, listID int64, date string) (map[int64][]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT e.id, em.membership_id
		 FROM events e
		 LEFT JOIN event_memberships em ON em.event_id = e.id
		 WHERE e.list_id = ? AND e.event_date = ?
		 ORDER BY e.id, em.membership_id`,
		listID, date)
	if err != nil {
		return nil, fmt.Errorf("query existing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64][]int64)
	for rows.Next() {
		var eventID int64
		var member sql.NullInt64
		if err := rows.Scan(&eventID, &member); err != nil {
			return nil, fmt.Errorf("scan existing event: %w", err)
		}
		if _, ok := out[eventID]; !ok {
			out[eventID] = []int64{}
		}
		if member.Valid {
			out[eventID] = append(out[eventID], member.Int64)
		}
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func sortedIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
