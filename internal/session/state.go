package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyActive     = errors.New("session already active")
	ErrNoActiveSession   = errors.New("no active session")
	ErrCameraUnavailable = errors.New("camera unavailable")
)

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	// StatusPaused is an auto-paused session that has not been finalized yet.
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	}
	return "idle"
}

type Snapshot struct {
	ID         string    `json:"session_id,omitempty"`
	Status     string    `json:"status"`
	Active     bool      `json:"active"`
	StartTime  time.Time `json:"start_time,omitempty"`
	FrameCount int64     `json:"frame_count"`
	AlertCount int64     `json:"alert_count"`
}

type Summary struct {
	ID              string `json:"session_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	FrameCount      int64  `json:"frame_count"`
	AlertCount      int64  `json:"total_alerts"`
}

// State is the single owned session record. All mutation goes through its
// transition methods. gen identifies one session so a late writer from an
// earlier session cannot touch the current counters.
type State struct {
	mu     sync.Mutex
	status Status
	gen    uint64
	id     string
	start  time.Time
	frames int64
	alerts int64
}

func (s *State) Begin(id string, now time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return 0, ErrAlreadyActive
	}
	s.gen++
	s.status = StatusRunning
	s.id = id
	s.start = now
	s.frames = 0
	s.alerts = 0
	return s.gen, nil
}

func (s *State) End(now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusIdle {
		return Summary{}, ErrNoActiveSession
	}
	sum := Summary{
		ID:              s.id,
		DurationSeconds: int64(now.Sub(s.start) / time.Second),
		FrameCount:      s.frames,
		AlertCount:      s.alerts,
	}
	s.status = StatusIdle
	s.gen++
	return sum, nil
}

// MarkPaused moves a running session of generation gen to paused.
func (s *State) MarkPaused(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.status != StatusRunning {
		return false
	}
	s.status = StatusPaused
	return true
}

func (s *State) recordFrame(gen uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return s.frames
	}
	s.frames++
	return s.frames
}

func (s *State) recordAlert(gen uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return s.alerts
	}
	s.alerts++
	return s.alerts
}

// Counters binds the frame and alert counters to one session generation.
func (s *State) Counters(gen uint64) *Counters {
	return &Counters{state: s, gen: gen}
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusIdle {
		return ""
	}
	return s.id
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Status: s.status.String(), Active: s.status == StatusRunning}
	if s.status != StatusIdle {
		snap.ID = s.id
		snap.StartTime = s.start
		snap.FrameCount = s.frames
		snap.AlertCount = s.alerts
	}
	return snap
}

type Counters struct {
	state *State
	gen   uint64
}

func (c *Counters) RecordFrame() int64 { return c.state.recordFrame(c.gen) }
func (c *Counters) RecordAlert() int64 { return c.state.recordAlert(c.gen) }
