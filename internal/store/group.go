package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TouchGroup inserts or updates a group's last-message bookkeeping.
// last_message_at never moves backwards so out-of-order reconciliation
// cannot regress the preview.
func (db *DB) TouchGroup(id string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO groups (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(groups.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= groups.last_message_at THEN excluded.last_message_preview ELSE groups.last_message_preview END,
			updated_at = excluded.updated_at`,
		id, lastMessageAt, preview, now)
	return err
}

// RenameGroup sets the display name for a group.
func (db *DB) RenameGroup(id, name string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO groups (id, name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		id, name, now)
	return err
}

// IncrementUnread bumps the unread counter for a group.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`UPDATE groups SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return err
}

// ResetUnread clears the unread counter, typically when a group is activated.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`UPDATE groups SET unread_count = 0 WHERE id = ?`, id)
	return err
}

// GetGroup returns a single group by id, or nil if absent.
func (db *DB) GetGroup(id string) (*Group, error) {
	var g Group
	err := db.QueryRow(`
		SELECT id, name, unread_count, last_message_at, last_message_preview
		FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.UnreadCount, &g.LastMessageAt, &g.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns groups sorted by last message timestamp descending.
func (db *DB) ListGroups(limit, offset int) ([]Group, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, unread_count, last_message_at, last_message_preview
		FROM groups
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.UnreadCount, &g.LastMessageAt, &g.LastMessagePreview); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// PurgeGroup removes a group and all dependent rows in one transaction.
// All rows go or none do.
func (db *DB) PurgeGroup(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_state WHERE key = ?`, cursorKey(id)); err != nil {
		return fmt.Errorf("purge cursor: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purge group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}
