package alerts

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"aura/internal/model"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(100)
	for i := 0; i < 101; i++ {
		h.Record(time.Now(), model.PriorityInformational, "msg"+strconv.Itoa(i), nil)
	}
	if h.Len() != 100 {
		t.Fatalf("expected 100 entries, got %d", h.Len())
	}
	recent := h.Recent(0)
	if recent[0].Message != "msg1" {
		t.Fatalf("oldest entry not evicted, first=%s", recent[0].Message)
	}
	for i, rec := range recent {
		if rec.Message != "msg"+strconv.Itoa(i+1) {
			t.Fatalf("order broken at %d: %s", i, rec.Message)
		}
	}
}

func TestHistoryCapacityProperty(t *testing.T) {
	for _, capacity := range []int{1, 3, 17, 100} {
		h := NewHistory(capacity)
		for n := 0; n < capacity*3; n++ {
			h.Record(time.Now(), model.PriorityImportant, strconv.Itoa(n), nil)
			if h.Len() > capacity {
				t.Fatalf("capacity %d exceeded after %d pushes", capacity, n+1)
			}
			recent := h.Recent(0)
			if recent[len(recent)-1].Message != strconv.Itoa(n) {
				t.Fatalf("newest entry is not last")
			}
		}
	}
}

func TestRecentLimit(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 5; i++ {
		h.Record(time.Now(), model.PriorityInformational, strconv.Itoa(i), nil)
	}
	got := h.Recent(2)
	if len(got) != 2 || got[0].Message != "3" || got[1].Message != "4" {
		t.Fatalf("unexpected recent slice: %+v", got)
	}
	if len(h.Recent(50)) != 5 {
		t.Fatalf("limit above length should return all")
	}
}

func TestHistoryConcurrentPush(t *testing.T) {
	h := NewHistory(100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Record(time.Now(), model.PriorityInformational, "x", nil)
			}
		}()
	}
	wg.Wait()
	if h.Len() != 100 {
		t.Fatalf("expected full history, got %d", h.Len())
	}
}

func TestRecordUsesGivenTime(t *testing.T) {
	h := NewHistory(10)
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("X", 3600))
	rec := h.Record(at, model.PriorityCritical, "fire", nil)
	if !rec.Timestamp.Equal(at) || rec.Timestamp.Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", at, rec.Timestamp)
	}
	if got := h.Since(at.Add(-time.Second)); len(got) != 1 {
		t.Fatalf("since: expected 1 record, got %d", len(got))
	}
}

func TestFormat(t *testing.T) {
	if got := Format(model.PriorityCritical, "CAR detected"); got != "WARNING: CAR detected" {
		t.Fatalf("critical: %q", got)
	}
	if got := Format(model.PriorityImportant, "Alice"); got != "Alert: Alice" {
		t.Fatalf("important: %q", got)
	}
	if got := Format(model.PriorityInformational, "chair in view"); got != "chair in view" {
		t.Fatalf("informational: %q", got)
	}
}
