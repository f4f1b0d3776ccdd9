package meta

import (
	"database/sql"
	"errors"
	"time"
)

// Entry is the session metadata for one conversation.
type Entry struct {
	Key         string
	LastMessage string
	LastAt      int64
	Unread      int
	LastSeq     int64
}

// Record upserts a conversation's metadata on a newly reconciled or
// locally originated message. LastSeq is monotonic; unread increments
// only when incrUnread is set (inbound message for an inactive
// conversation).
func (db *DB) Record(key, preview string, at, seq int64, incrUnread bool) error {
	incr := 0
	if incrUnread {
		incr = 1
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO session_meta (key, last_message, last_at, unread, last_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_message = excluded.last_message,
			last_at = MAX(session_meta.last_at, excluded.last_at),
			unread = session_meta.unread + ?,
			last_seq = MAX(session_meta.last_seq, excluded.last_seq),
			updated_at = excluded.updated_at`,
		key, preview, at, incr, seq, now, incr)
	return err
}

// RecordSeq raises the last seen sequence for a conversation without
// touching preview or unread state. Monotonic like Record.
func (db *DB) RecordSeq(key string, seq int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO session_meta (key, last_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_seq = MAX(session_meta.last_seq, excluded.last_seq),
			updated_at = excluded.updated_at`,
		key, seq, now)
	return err
}

// ClearUnread zeroes the unread counter for a conversation.
func (db *DB) ClearUnread(key string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE session_meta SET unread = 0, updated_at = ? WHERE key = ?`, now, key)
	return err
}

// Get returns the metadata for one conversation, or (nil, nil) when the
// key is unknown.
func (db *DB) Get(key string) (*Entry, error) {
	var e Entry
	err := db.QueryRow(`
		SELECT key, last_message, last_at, unread, last_seq
		FROM session_meta WHERE key = ?`, key).
		Scan(&e.Key, &e.LastMessage, &e.LastAt, &e.Unread, &e.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns all conversations, most recent first.
func (db *DB) List() ([]Entry, error) {
	rows, err := db.Query(`
		SELECT key, last_message, last_at, unread, last_seq
		FROM session_meta ORDER BY last_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.LastMessage, &e.LastAt, &e.Unread, &e.LastSeq); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete evicts a conversation from the listing (gone on the server).
func (db *DB) Delete(key string) error {
	_, err := db.Exec(`DELETE FROM session_meta WHERE key = ?`, key)
	return err
}
