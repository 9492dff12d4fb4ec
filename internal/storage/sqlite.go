package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:aura.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between the loop and voice-command paths.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS known_faces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			relationship TEXT,
			face_encoding BLOB NOT NULL,
			photo_path TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			duration_seconds INTEGER,
			total_alerts INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS event_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			ts TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_session ON event_logs(session_id, ts)`,
	})
}
