package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"aura/internal/alerts"
	"aura/internal/capability"
	"aura/internal/model"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type SchedulerConfig struct {
	FrameSkip         int
	TargetFPS         float64
	InactivityTimeout time.Duration
	NoFrameBackoff    time.Duration
	ErrorBackoff      time.Duration
	Distance          DistanceBands
}

func (c SchedulerConfig) cadence() time.Duration {
	if c.TargetFPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.TargetFPS)
}

// Sink is the durable log and live broadcast the scheduler reports to.
type Sink interface {
	AppendEventLog(ctx context.Context, entry model.EventLogEntry) error
	Broadcast(name string, payload map[string]any)
}

// Counters are the session counters the loop advances.
type Counters interface {
	RecordFrame() int64
	RecordAlert() int64
}

type Observer interface {
	FrameSampled(processed bool)
	Admission(priority string, admitted bool)
	CapabilityFailed(name string)
	ObserveIteration(d time.Duration)
}

type Deps struct {
	Capture  capability.Capture
	Detector capability.Detector
	Faces    capability.FaceRecognizer
	Speaker  capability.Speaker
	Ledger   *Ledger
	History  *alerts.History
	Sink     Sink
	Observer Observer
	Logger   *slog.Logger
	// Now and Sleep default to the wall clock. Sleep returns false when ctx ends first.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Scheduler runs the frame processing loop for one session.
type Scheduler struct {
	deps      Deps
	cfg       SchedulerConfig
	sessionID string
	counters  Counters
	state     atomic.Int32
}

func NewScheduler(deps Deps, cfg SchedulerConfig, sessionID string, counters Counters) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = Sleep
	}
	if cfg.FrameSkip <= 0 {
		cfg.FrameSkip = 1
	}
	return &Scheduler{deps: deps, cfg: cfg, sessionID: sessionID, counters: counters}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run blocks until ctx is cancelled (Stopped) or the inactivity timeout
// elapses (Paused). Capability failures never end the loop.
func (s *Scheduler) Run(ctx context.Context) State {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return s.State()
	}
	lastActivity := s.deps.Now()
	for {
		if ctx.Err() != nil {
			return s.finish(StateStopped)
		}
		frame, ok := s.deps.Capture.LatestFrame()
		if !ok {
			if !s.deps.Sleep(ctx, s.cfg.NoFrameBackoff) {
				return s.finish(StateStopped)
			}
			continue
		}
		n := s.counters.RecordFrame()
		processed := n%int64(s.cfg.FrameSkip) == 0
		if s.deps.Observer != nil {
			s.deps.Observer.FrameSampled(processed)
		}
		failed := false
		if processed {
			started := time.Now()
			var admitted int
			admitted, failed = s.process(ctx, frame)
			if admitted > 0 {
				lastActivity = s.deps.Now()
			}
			if s.deps.Observer != nil {
				s.deps.Observer.ObserveIteration(time.Since(started))
			}
		}
		if ctx.Err() != nil {
			return s.finish(StateStopped)
		}
		if idle := s.deps.Now().Sub(lastActivity); s.cfg.InactivityTimeout > 0 && idle > s.cfg.InactivityTimeout {
			if s.deps.Logger != nil {
				s.deps.Logger.Info("session auto-paused", "session_id", s.sessionID, "idle", idle.String())
			}
			if s.deps.Sink != nil {
				s.deps.Sink.Broadcast(model.EventSessionPaused, map[string]any{
					"reason":     "inactivity",
					"session_id": s.sessionID,
				})
			}
			return s.finish(StatePaused)
		}
		delay := s.cfg.cadence()
		if failed {
			delay = s.cfg.ErrorBackoff
		}
		if !s.deps.Sleep(ctx, delay) {
			return s.finish(StateStopped)
		}
	}
}

func (s *Scheduler) finish(st State) State {
	s.state.Store(int32(st))
	return st
}

// process runs both perception adapters on one frame. Detections are alerted
// before face matches. A failing adapter contributes no findings.
func (s *Scheduler) process(ctx context.Context, frame model.Frame) (admitted int, failed bool) {
	var detections []model.ObjectDetection
	if s.deps.Detector != nil {
		err := guard("detector", func() error {
			var err error
			detections, err = s.deps.Detector.Detect(ctx, frame)
			return err
		})
		if err != nil {
			s.capabilityFailed(ctx, err)
			detections, failed = nil, true
		}
	}
	var faces []model.FaceMatch
	if s.deps.Faces != nil {
		err := guard("face_recognizer", func() error {
			var err error
			faces, err = s.deps.Faces.Recognize(ctx, frame, s.deps.Now())
			return err
		})
		if err != nil {
			s.capabilityFailed(ctx, err)
			faces, failed = nil, true
		}
	}
	// A stopped session drops whatever a slow adapter returned.
	if ctx.Err() != nil {
		return 0, failed
	}
	for _, d := range detections {
		if s.alert(ctx, frame, d) {
			admitted++
		}
	}
	for _, f := range faces {
		if s.alert(ctx, frame, f) {
			admitted++
		}
	}
	return admitted, failed
}

// guard converts adapter errors and panics into *capability.Failure.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &capability.Failure{Capability: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return capability.Fail(name, fn())
}

func (s *Scheduler) capabilityFailed(ctx context.Context, err error) {
	name, _ := capability.IsFailure(err)
	if ctx.Err() != nil {
		return
	}
	if s.deps.Logger != nil {
		s.deps.Logger.Warn("capability failed", "session_id", s.sessionID, "capability", name, "err", err)
	}
	if s.deps.Observer != nil {
		s.deps.Observer.CapabilityFailed(name)
	}
}

func (s *Scheduler) alert(ctx context.Context, frame model.Frame, f model.Finding) bool {
	if ctx.Err() != nil {
		return false
	}
	priority := f.Level()
	key := f.DedupKey()
	ok := s.deps.Ledger.ShouldAdmitAt(key, priority, s.deps.Now())
	if s.deps.Observer != nil {
		s.deps.Observer.Admission(string(priority), ok)
	}
	if !ok {
		if s.deps.Logger != nil {
			s.deps.Logger.Debug("finding suppressed", "session_id", s.sessionID, "key", key, "priority", priority)
		}
		return false
	}
	band, feet := s.cfg.Distance.Estimate(f.Bounds().Height(), frame.Height)
	message := s.compose(f, band, feet)
	if s.deps.Speaker != nil {
		s.deps.Speaker.Speak(alerts.Format(priority, message), priority == model.PriorityCritical)
	}
	meta := f.Metadata()
	meta["distance"] = string(band)
	if _, set := meta["distance_feet"]; !set {
		meta["distance_feet"] = feet
	}
	rec := s.deps.History.Record(s.deps.Now(), priority, message, meta)
	if s.deps.Sink != nil {
		_ = s.deps.Sink.AppendEventLog(context.WithoutCancel(ctx), model.EventLogEntry{
			SessionID: s.sessionID,
			EventType: f.EventType(),
			Priority:  priority,
			Message:   message,
			Metadata:  meta,
			Timestamp: rec.Timestamp,
		})
		s.deps.Sink.Broadcast(model.EventAlert, map[string]any{
			"priority":  string(priority),
			"message":   message,
			"type":      f.EventType(),
			"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
		})
	}
	s.counters.RecordAlert()
	if s.deps.Logger != nil {
		s.deps.Logger.Info("alert admitted", "session_id", s.sessionID, "key", key, "priority", priority, "message", message)
	}
	return true
}

func (s *Scheduler) compose(f model.Finding, band Band, bandFeet float64) string {
	switch v := f.(type) {
	case model.ObjectDetection:
		switch v.Level() {
		case model.PriorityCritical:
			return fmt.Sprintf("%s detected %s distance from your %s!", strings.ToUpper(v.Class), band.Spoken(), v.Direction)
		case model.PriorityImportant:
			return fmt.Sprintf("%s detected %s distance from your %s", v.Class, band.Spoken(), v.Direction)
		default:
			return v.Class + " in view"
		}
	case model.FaceMatch:
		feet := v.DistanceFeet
		if feet <= 0 {
			feet = bandFeet
		}
		where := "in front of you"
		switch v.Direction {
		case model.DirectionLeft:
			where = "to your left"
		case model.DirectionRight:
			where = "to your right"
		}
		return fmt.Sprintf("%s is %.0f feet %s", v.Name, feet, where)
	}
	return f.DedupKey()
}

// Sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
