package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aura/internal/alerts"
	"aura/internal/capability"
	"aura/internal/engine"
	"aura/internal/model"
)

// Sink is the durable record plus live broadcast used by the controller.
type Sink interface {
	engine.Sink
	CreateSession(ctx context.Context, id string, start time.Time) error
	EndSession(ctx context.Context, id string, durationSeconds, alertCount int64) error
}

type Metrics interface {
	engine.Observer
	SetSessionActive(active bool)
	VoiceCommand(intent string)
}

type Deps struct {
	Capture  capability.Capture
	Detector capability.Detector
	Faces    capability.FaceRecognizer
	Text     capability.TextReader
	Scene    capability.SceneDescriber
	Speaker  capability.Speaker
	Listener capability.Listener
	Wake     capability.WakeWordSource
	Ledger   *engine.Ledger
	History  *alerts.History
	Sink     Sink
	Metrics  Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	// Sleep is handed to each scheduler; nil means the wall clock.
	Sleep func(ctx context.Context, d time.Duration) bool
	NewID func() string
}

type Config struct {
	Scheduler     engine.SchedulerConfig
	StopTimeout   time.Duration
	ListenTimeout time.Duration
	PhraseLimit   time.Duration
	AutoDispatch  bool
}

// Controller owns the session lifecycle: the scheduler goroutine, capture and
// wake-word listening. Start and Stop are serialised.
type Controller struct {
	deps  Deps
	state State

	cfgMu sync.RWMutex
	cfg   Config

	mu        sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}

	wakeCancel context.CancelFunc
	wakeDone   chan struct{}
	listening  atomic.Bool
	listenWG   sync.WaitGroup
}

func NewController(deps Deps, cfg Config) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	if deps.History == nil {
		deps.History = alerts.NewHistory(alerts.DefaultCapacity)
	}
	if deps.Ledger == nil {
		deps.Ledger = engine.NewLedger(engine.DefaultPolicy())
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	return &Controller{deps: deps, cfg: cfg}
}

// UpdateConfig applies to the next session; a running scheduler keeps its settings.
func (c *Controller) UpdateConfig(cfg Config) {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

func (c *Controller) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Controller) Ledger() *engine.Ledger   { return c.deps.Ledger }
func (c *Controller) History() *alerts.History { return c.deps.History }
func (c *Controller) Snapshot() Snapshot        { return c.state.Snapshot() }
func (c *Controller) Listening() bool           { return c.listening.Load() }

// Start opens a new session. An auto-paused session is finalized first.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Status() {
	case StatusRunning:
		return "", ErrAlreadyActive
	case StatusPaused:
		if _, err := c.finalize(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
			return "", err
		}
	}
	cfg := c.config()
	id := c.deps.NewID()

	runCtx, cancel := context.WithCancel(context.Background())
	if err := c.deps.Capture.Start(runCtx); err != nil {
		cancel()
		if c.deps.Logger != nil {
			c.deps.Logger.Error("camera start failed", "err", err)
		}
		return "", fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	now := c.deps.Now()
	gen, err := c.state.Begin(id, now)
	if err != nil {
		cancel()
		c.deps.Capture.Stop()
		return "", err
	}
	_ = c.deps.Sink.CreateSession(ctx, id, now)

	sched := engine.NewScheduler(engine.Deps{
		Capture:  c.deps.Capture,
		Detector: c.deps.Detector,
		Faces:    c.deps.Faces,
		Speaker:  c.deps.Speaker,
		Ledger:   c.deps.Ledger,
		History:  c.deps.History,
		Sink:     c.deps.Sink,
		Observer: c.observer(),
		Logger:   c.deps.Logger,
		Now:      c.deps.Now,
		Sleep:    c.deps.Sleep,
	}, cfg.Scheduler, id, c.state.Counters(gen))

	done := make(chan struct{})
	c.runCancel = cancel
	c.runDone = done
	go func() {
		defer close(done)
		if sched.Run(runCtx) == engine.StatePaused {
			if c.state.MarkPaused(gen) {
				c.deps.Capture.Stop()
				if c.deps.Metrics != nil {
					c.deps.Metrics.SetSessionActive(false)
				}
			}
		}
	}()

	c.startWake()
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetSessionActive(true)
	}
	c.deps.Sink.Broadcast(model.EventSessionStarted, map[string]any{"session_id": id})
	if c.deps.Logger != nil {
		c.deps.Logger.Info("session started", "session_id", id)
	}
	return id, nil
}

// Stop finalizes the current session, running or auto-paused.
func (c *Controller) Stop(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status() == StatusIdle {
		return Summary{}, ErrNoActiveSession
	}
	return c.finalize(ctx)
}

// finalize must be called with c.mu held.
func (c *Controller) finalize(ctx context.Context) (Summary, error) {
	cfg := c.config()
	if c.runCancel != nil {
		c.runCancel()
		select {
		case <-c.runDone:
		case <-time.After(cfg.StopTimeout):
			if c.deps.Logger != nil {
				c.deps.Logger.Warn("scheduler did not exit within stop timeout", "timeout", cfg.StopTimeout.String())
			}
		}
		c.runCancel = nil
		c.runDone = nil
	}
	c.deps.Capture.Stop()
	c.stopWake()

	sum, err := c.state.End(c.deps.Now())
	if err != nil {
		return Summary{}, err
	}
	_ = c.deps.Sink.EndSession(context.WithoutCancel(ctx), sum.ID, sum.DurationSeconds, sum.AlertCount)
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetSessionActive(false)
	}
	c.deps.Sink.Broadcast(model.EventSessionStopped, map[string]any{
		"session_id":       sum.ID,
		"duration_seconds": sum.DurationSeconds,
		"total_alerts":     sum.AlertCount,
	})
	if c.deps.Logger != nil {
		c.deps.Logger.Info("session stopped", "session_id", sum.ID, "duration_seconds", sum.DurationSeconds, "total_alerts", sum.AlertCount)
	}
	return sum, nil
}

func (c *Controller) observer() engine.Observer {
	if c.deps.Metrics == nil {
		return nil
	}
	return c.deps.Metrics
}

// Shutdown stops a session if one exists. Used on process exit.
func (c *Controller) Shutdown(ctx context.Context) {
	if _, err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) && c.deps.Logger != nil {
		c.deps.Logger.Warn("shutdown stop failed", "err", err)
	}
}

// HandleVoiceCommand dispatches a spoken or typed command against the latest frame.
func (c *Controller) HandleVoiceCommand(ctx context.Context, text string) (string, error) {
	if c.state.Status() != StatusRunning {
		return "", ErrNoActiveSession
	}
	sessionID := c.state.ID()
	frame, ok := c.deps.Capture.LatestFrame()
	if !ok {
		return "", ErrCameraUnavailable
	}
	command := NormalizeCommand(text)
	intent := ParseIntent(command)
	response := c.respond(ctx, intent, frame)
	if c.deps.Speaker != nil {
		c.deps.Speaker.Speak(response, false)
	}
	_ = c.deps.Sink.AppendEventLog(context.WithoutCancel(ctx), model.EventLogEntry{
		SessionID: sessionID,
		EventType: model.EventTypeVoiceCommand,
		Priority:  model.PriorityInformational,
		Message:   response,
		Metadata:  map[string]any{"command": command, "intent": string(intent)},
		Timestamp: c.deps.Now().UTC(),
	})
	if c.deps.Metrics != nil {
		c.deps.Metrics.VoiceCommand(string(intent))
	}
	if c.deps.Logger != nil {
		c.deps.Logger.Info("voice command handled", "session_id", sessionID, "intent", intent)
	}
	return response, nil
}

func (c *Controller) respond(ctx context.Context, intent Intent, frame model.Frame) string {
	switch intent {
	case IntentDescribe:
		if c.deps.Scene == nil {
			return "Scene description unavailable. Please check API configuration."
		}
		text, err := c.deps.Scene.DescribeScene(ctx, frame)
		if err != nil || strings.TrimSpace(text) == "" {
			c.capabilityFailed("scene", err)
			return "Unable to analyze scene. Please try again."
		}
		return text
	case IntentTrafficLight:
		if c.deps.Scene != nil {
			color, ok, err := c.deps.Scene.DetectTrafficLight(ctx, frame)
			if err != nil {
				c.capabilityFailed("scene", err)
			} else if ok {
				return "The traffic light is " + color
			}
		}
		return "I don't see a traffic light"
	case IntentReadText:
		if c.deps.Text != nil {
			text, err := c.deps.Text.ReadText(ctx, frame)
			if err != nil {
				c.capabilityFailed("ocr", err)
			} else if text = strings.TrimSpace(text); text != "" {
				return "I read: " + text
			}
		}
		return "I couldn't read any text"
	case IntentWhoIsHere:
		if c.deps.Faces != nil {
			matches, err := c.deps.Faces.Recognize(ctx, frame, c.deps.Now())
			if err != nil {
				c.capabilityFailed("face_recognizer", err)
			} else if len(matches) > 0 {
				names := make([]string, 0, len(matches))
				for _, m := range matches {
					names = append(names, m.Name)
				}
				return "I see: " + strings.Join(names, ", ")
			}
		}
		return "I don't recognize anyone"
	case IntentPause:
		c.deps.Ledger.Pause()
		return "Alerts paused"
	case IntentResume:
		c.deps.Ledger.Resume()
		return "Alerts resumed"
	}
	return "I didn't understand that command"
}

func (c *Controller) capabilityFailed(name string, err error) {
	if err == nil {
		return
	}
	err = capability.Fail(name, err)
	if c.deps.Logger != nil {
		c.deps.Logger.Warn("capability failed", "capability", name, "err", err)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.CapabilityFailed(name)
	}
}
