package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SentMessage is one outbound send recorded in the journal.
type SentMessage struct {
	Target    string    `json:"target"`
	Kind      string    `json:"kind"`
	FileName  string    `json:"filename,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Journal is a sqlite log of outbound sends, kept so operators can audit
// what the gateway pushed out without tailing logs.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS sent_messages (
		message_id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		kind TEXT NOT NULL,
		filename TEXT,
		preview TEXT,
		sent_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sent_messages_sent_at ON sent_messages(sent_at);
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Record stores one send. SentAt defaults to now.
func (j *Journal) Record(ctx context.Context, m SentMessage) error {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sent_messages (message_id, target, kind, filename, preview, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Target, m.Kind, m.FileName, m.Preview, m.SentAt.UTC(),
	)
	return err
}

// Recent returns up to limit sends, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]SentMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT message_id, target, kind, filename, preview, sent_at
		FROM sent_messages
		ORDER BY sent_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var m SentMessage
		var filename, previewText sql.NullString
		if err := rows.Scan(&m.MessageID, &m.Target, &m.Kind, &filename, &previewText, &m.SentAt); err != nil {
			return nil, err
		}
		m.FileName = filename.String
		m.Preview = previewText.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }
