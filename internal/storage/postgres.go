package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/aura?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: dialect{numbered: true, returning: true}}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS known_faces (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			relationship TEXT,
			face_encoding BYTEA NOT NULL,
			photo_path TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			duration_seconds BIGINT,
			total_alerts BIGINT DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS event_logs (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT REFERENCES sessions(session_id),
			ts TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_session ON event_logs(session_id, ts)`,
	})
}
