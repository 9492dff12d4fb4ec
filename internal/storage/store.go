package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"aura/internal/config"
	"aura/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

type Store interface {
	Init(ctx context.Context) error
	Close() error

	CreateSession(ctx context.Context, id string, start time.Time) error
	EndSession(ctx context.Context, id string, durationSeconds, alertCount int64) error
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)

	AppendEventLog(ctx context.Context, entry model.EventLogEntry) error
	ListEventLogs(ctx context.Context, limit int) ([]model.EventLogEntry, error)
	SessionEventLogs(ctx context.Context, sessionID string) ([]model.EventLogEntry, error)

	AddFace(ctx context.Context, face model.KnownFace) (int64, error)
	ListFaces(ctx context.Context) ([]model.KnownFace, error)
	DeleteFace(ctx context.Context, id int64) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "mysql":
		return NewMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// dialect covers the differences between drivers for the shared queries.
type dialect struct {
	numbered  bool // $1 placeholders instead of ?
	returning bool // INSERT ... RETURNING id instead of LastInsertId
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders for numbered dialects.
func (b *baseStore) rebind(q string) string {
	if !b.d.numbered {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) CreateSession(ctx context.Context, id string, start time.Time) error {
	_, err := b.db.ExecContext(ctx,
		b.rebind(`INSERT INTO sessions (session_id, start_time, total_alerts) VALUES (?, ?, 0)`),
		id, start.UTC(),
	)
	return err
}

func (b *baseStore) EndSession(ctx context.Context, id string, durationSeconds, alertCount int64) error {
	res, err := b.db.ExecContext(ctx,
		b.rebind(`UPDATE sessions SET end_time = ?, duration_seconds = ?, total_alerts = ? WHERE session_id = ?`),
		nowUTC(), durationSeconds, alertCount, id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT session_id, start_time, end_time, duration_seconds, total_alerts
		FROM sessions ORDER BY start_time DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Session, 0)
	for rows.Next() {
		var (
			s        model.Session
			end      sql.NullTime
			duration sql.NullInt64
			alerts   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.StartTime, &end, &duration, &alerts); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			s.EndTime = &t
		} else {
			s.Active = true
		}
		s.DurationSeconds = duration.Int64
		s.AlertCount = alerts.Int64
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *baseStore) AppendEventLog(ctx context.Context, entry model.EventLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	var meta any
	if len(entry.Metadata) > 0 {
		meta = encodeJSON(entry.Metadata)
	}
	_, err := b.db.ExecContext(ctx,
		b.rebind(`INSERT INTO event_logs (session_id, ts, event_type, priority, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`),
		entry.SessionID, ts.UTC(), entry.EventType, string(entry.Priority), entry.Message, meta,
	)
	return err
}

func (b *baseStore) ListEventLogs(ctx context.Context, limit int) ([]model.EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT id, session_id, ts, event_type, priority, message, metadata
		FROM event_logs ORDER BY ts DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventLogs(rows)
}

func (b *baseStore) SessionEventLogs(ctx context.Context, sessionID string) ([]model.EventLogEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT id, session_id, ts, event_type, priority, message, metadata
		FROM event_logs WHERE session_id = ? ORDER BY ts DESC, id DESC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventLogs(rows)
}

func scanEventLogs(rows *sql.Rows) ([]model.EventLogEntry, error) {
	out := make([]model.EventLogEntry, 0)
	for rows.Next() {
		var (
			e        model.EventLogEntry
			priority string
			meta     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.EventType, &priority, &e.Message, &meta); err != nil {
			return nil, err
		}
		e.Priority = model.Priority(priority)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *baseStore) AddFace(ctx context.Context, face model.KnownFace) (int64, error) {
	if face.Name == "" {
		return 0, errors.New("storage: face name required")
	}
	blob, err := EncodeEmbedding(face.Embedding)
	if err != nil {
		return 0, err
	}
	created := face.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	q := `INSERT INTO known_faces (name, relationship, face_encoding, photo_path, created_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{face.Name, face.Relationship, blob, face.PhotoPath, created.UTC()}
	if b.d.returning {
		var id int64
		if err := b.db.QueryRowContext(ctx, b.rebind(q+` RETURNING id`), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := b.db.ExecContext(ctx, b.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (b *baseStore) ListFaces(ctx context.Context) ([]model.KnownFace, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, relationship, face_encoding, photo_path, created_at FROM known_faces ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.KnownFace, 0)
	for rows.Next() {
		var (
			f            model.KnownFace
			relationship sql.NullString
			photo        sql.NullString
			blob         []byte
		)
		if err := rows.Scan(&f.ID, &f.Name, &relationship, &blob, &photo, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Relationship = relationship.String
		f.PhotoPath = photo.String
		if f.Embedding, err = DecodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("face %d: %w", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (b *baseStore) DeleteFace(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM known_faces WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EncodeEmbedding serialises a face embedding for the face_encoding column.
func EncodeEmbedding(v []float64) ([]byte, error) {
	return msgpack.Marshal(v)
}

func DecodeEmbedding(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float64
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
