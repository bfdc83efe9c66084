package store

import (
	"database/sql"
	"strconv"
	"time"
)

func cursorKey(groupID string) string { return "cursor:" + groupID }

// GetCursor returns the per-group watermark of the last caught-up moment,
// in unix milliseconds. Zero means the group has never been synced.
func (db *DB) GetCursor(groupID string) (int64, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, cursorKey(groupID)).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// AdvanceCursor moves the watermark forward. Monotonic: an older timestamp
// never overwrites a newer one.
func (db *DB) AdvanceCursor(groupID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CAST(MAX(CAST(sync_state.value AS INTEGER), CAST(excluded.value AS INTEGER)) AS TEXT),
			updated_at = excluded.updated_at`,
		cursorKey(groupID), strconv.FormatInt(ts, 10), now)
	return err
}

// GetState reads an arbitrary sync_state value.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetState writes an arbitrary sync_state value.
func (db *DB) SetState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}
