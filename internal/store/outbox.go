package store

import (
	"fmt"
	"time"
)

// EnqueueOutbox persists a new outbox entry with retry_count=0 and an
// immediately-due retry time. Persistence failures propagate to the caller;
// a message silently dropped here is a message lost.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	res, err := db.Exec(`
		INSERT INTO outbox (client_key, group_id, user_id, content, message_type, parent_id, attachment_url, retry_count, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		e.ClientKey, e.GroupID, e.UserID, e.Content, e.MessageType, e.ParentID, e.AttachmentURL, e.NextRetryAt, e.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListDueOutbox returns entries with next_retry_at <= now, oldest first.
// FIFO by enqueue time keeps old messages from starving behind new ones.
func (db *DB) ListDueOutbox(nowMs int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_key, group_id, user_id, content, message_type, parent_id, attachment_url, retry_count, next_retry_at, created_at
		FROM outbox
		WHERE next_retry_at <= ?
		ORDER BY created_at ASC`, nowMs)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientKey, &e.GroupID, &e.UserID, &e.Content, &e.MessageType, &e.ParentID, &e.AttachmentURL, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListOutbox returns every pending entry, oldest first.
func (db *DB) ListOutbox() ([]OutboxEntry, error) {
	return db.ListDueOutbox(time.Now().UnixMilli() + 365*24*int64(time.Hour/time.Millisecond))
}

// MarkOutboxRetry records a failed attempt and schedules the next one.
func (db *DB) MarkOutboxRetry(id int64, retryCount int, nextRetryAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET retry_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		retryCount, nextRetryAt, now, id)
	return err
}

// DeleteOutbox removes an entry, either because delivery was confirmed or
// because it failed permanently.
func (db *DB) DeleteOutbox(id int64) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// CountOutbox returns the number of pending entries.
func (db *DB) CountOutbox() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}
