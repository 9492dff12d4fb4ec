package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"
)

type mysqlStore struct {
	baseStore
}

func NewMySQL(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "aura:aura@tcp(127.0.0.1:3306)/aura"
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// DATETIME columns must scan into time.Time.
	cfg.ParseTime = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	return &mysqlStore{baseStore{db: db}}, nil
}

func (s *mysqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS known_faces (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			relationship VARCHAR(255),
			face_encoding LONGBLOB NOT NULL,
			photo_path TEXT,
			created_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id VARCHAR(64) PRIMARY KEY,
			start_time DATETIME(6) NOT NULL,
			end_time DATETIME(6) NULL,
			duration_seconds BIGINT,
			total_alerts BIGINT DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS event_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(64),
			ts DATETIME(6) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			priority VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			metadata JSON,
			INDEX idx_event_logs_session (session_id, ts)
		)`,
	})
}
