package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on group_id + msg_id).
// Timestamps and thread linkage keep their first-seen values; content and
// status follow the latest write.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (group_id, msg_id, user_id, content, message_type, parent_id, attachment_url, category, is_ghost, status, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, msg_id) DO UPDATE SET
			user_id = excluded.user_id,
			content = excluded.content,
			attachment_url = excluded.attachment_url,
			status = excluded.status`,
		m.GroupID, m.MsgID, m.UserID, m.Content, m.MessageType, m.ParentID, m.AttachmentURL, m.Category, m.IsGhost, m.Status, m.CreatedAt, now)
	return err
}

// GetMessage returns a message by group and message id, or nil if absent.
func (db *DB) GetMessage(groupID, msgID string) (*Message, error) {
	var m Message
	var ghost int
	err := db.QueryRow(`
		SELECT id, group_id, msg_id, user_id, content, message_type, parent_id, attachment_url, category, is_ghost, status, reply_count, vote_count, created_at
		FROM messages WHERE group_id = ? AND msg_id = ?`, groupID, msgID).
		Scan(&m.ID, &m.GroupID, &m.MsgID, &m.UserID, &m.Content, &m.MessageType, &m.ParentID, &m.AttachmentURL, &m.Category, &ghost, &m.Status, &m.ReplyCount, &m.VoteCount, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.IsGhost = ghost != 0
	return &m, nil
}

// UpdateMessageStatus changes only the delivery status of an existing row.
func (db *DB) UpdateMessageStatus(groupID, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE group_id = ? AND msg_id = ?`, status, groupID, msgID)
	return err
}

// RekeyMessage moves a pending row from its client key to the server id.
// Used when direct delivery confirms a row that was rendered optimistically.
// If the server row already exists (the realtime event won the race) the
// optimistic row is dropped instead, so the race never leaves both behind.
func (db *DB) RekeyMessage(groupID, clientKey, serverID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE OR IGNORE messages SET msg_id = ?, status = ?
		WHERE group_id = ? AND msg_id = ?`, serverID, StatusDelivered, groupID, clientKey)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := tx.Exec(`DELETE FROM messages WHERE group_id = ? AND msg_id = ?`, groupID, clientKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// IncrementReplyCount bumps the reply counter on a thread parent.
func (db *DB) IncrementReplyCount(groupID, parentID string) error {
	_, err := db.Exec(`UPDATE messages SET reply_count = reply_count + 1 WHERE group_id = ? AND msg_id = ?`, groupID, parentID)
	return err
}

// SetVoteCount records the current reaction/vote tally for a message.
func (db *DB) SetVoteCount(groupID, msgID string, count int) error {
	_, err := db.Exec(`UPDATE messages SET vote_count = ? WHERE group_id = ? AND msg_id = ?`, count, groupID, msgID)
	return err
}

// ListMessagesSince returns messages for a group created at or after sinceMs,
// ordered ascending, capped at limit.
func (db *DB) ListMessagesSince(groupID string, sinceMs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, group_id, msg_id, user_id, content, message_type, parent_id, attachment_url, category, is_ghost, status, reply_count, vote_count, created_at
		FROM messages
		WHERE group_id = ? AND created_at >= ?
		ORDER BY created_at ASC
		LIMIT ?`, groupID, sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// ListMessages returns messages for a group using keyset pagination by timestamp.
func (db *DB) ListMessages(groupID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, group_id, msg_id, user_id, content, message_type, parent_id, attachment_url, category, is_ghost, status, reply_count, vote_count, created_at
		FROM messages
		WHERE group_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, groupID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var ghost int
		if err := rows.Scan(&m.ID, &m.GroupID, &m.MsgID, &m.UserID, &m.Content, &m.MessageType, &m.ParentID, &m.AttachmentURL, &m.Category, &ghost, &m.Status, &m.ReplyCount, &m.VoteCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.IsGhost = ghost != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
