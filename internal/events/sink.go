package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"aura/internal/model"
	"aura/internal/storage"
)

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type persistenceCounter interface {
	PersistenceFailed(op string)
}

// Sink records durable facts and fans out live notifications. Persistence is
// best-effort: failures are logged and returned but never block delivery.
// A nil store disables persistence; a nil broadcaster disables fan-out.
type Sink struct {
	store       storage.Store
	broadcaster *Broadcaster
	logger      *slog.Logger
	metrics     persistenceCounter
	timeout     time.Duration
}

func NewSink(store storage.Store, broadcaster *Broadcaster, logger *slog.Logger, metrics persistenceCounter) *Sink {
	return &Sink{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     metrics,
		timeout:     2 * time.Second,
	}
}

func (s *Sink) CreateSession(ctx context.Context, id string, start time.Time) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.fail("create_session", s.store.CreateSession(ctx, id, start), "session_id", id)
}

func (s *Sink) EndSession(ctx context.Context, id string, durationSeconds, alertCount int64) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.fail("end_session", s.store.EndSession(ctx, id, durationSeconds, alertCount), "session_id", id)
}

func (s *Sink) AppendEventLog(ctx context.Context, entry model.EventLogEntry) error {
	if s.store == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.fail("append_event_log", s.store.AppendEventLog(ctx, entry), "session_id", entry.SessionID, "event_type", entry.EventType)
}

// Broadcast is fire-and-forget.
func (s *Sink) Broadcast(name string, payload map[string]any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(name, payload)
}

func (s *Sink) fail(op string, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Error("persistence failure", append([]any{"op", op, "err", err}, attrs...)...)
	}
	if s.metrics != nil {
		s.metrics.PersistenceFailed(op)
	}
	return &PersistenceError{Op: op, Err: err}
}
