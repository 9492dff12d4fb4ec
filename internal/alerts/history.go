package alerts

import (
	"sync"
	"time"

	"aura/internal/model"
)

const DefaultCapacity = 100

// History is a bounded, insertion-ordered record of recent alerts.
// Push evicts the oldest entry before inserting once capacity is reached.
type History struct {
	mu       sync.RWMutex
	buf      []model.AlertRecord
	capacity int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity, buf: make([]model.AlertRecord, 0, capacity)}
}

// Record stamps the alert with at (UTC) and pushes it.
func (h *History) Record(at time.Time, priority model.Priority, message string, metadata map[string]any) model.AlertRecord {
	rec := model.AlertRecord{
		Timestamp: at.UTC(),
		Priority:  priority,
		Message:   message,
		Metadata:  metadata,
	}
	h.Push(rec)
	return rec
}

func (h *History) Push(rec model.AlertRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == h.capacity {
		copy(h.buf, h.buf[1:])
		h.buf = h.buf[:len(h.buf)-1]
	}
	h.buf = append(h.buf, rec)
	if len(h.buf) > h.capacity {
		panic("alerts: history exceeded capacity")
	}
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns everything.
func (h *History) Recent(limit int) []model.AlertRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.buf) {
		limit = len(h.buf)
	}
	out := make([]model.AlertRecord, limit)
	copy(out, h.buf[len(h.buf)-limit:])
	return out
}

func (h *History) Since(ts time.Time) []model.AlertRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.AlertRecord, 0)
	for _, a := range h.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buf)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = h.buf[:0]
}
