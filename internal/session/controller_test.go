package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/internal/capability"
	"aura/internal/engine"
	"aura/internal/model"
)

type fakeCapture struct {
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
	noFrame  atomic.Bool
}

func (c *fakeCapture) Start(ctx context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.started.Add(1)
	return nil
}

func (c *fakeCapture) Stop() { c.stopped.Add(1) }

func (c *fakeCapture) LatestFrame() (model.Frame, bool) {
	if c.noFrame.Load() {
		return model.Frame{}, false
	}
	return model.Frame{Data: []byte{1}, Width: 640, Height: 480}, true
}

type fakeScene struct {
	description string
	color       string
	err         error
}

func (s *fakeScene) DescribeScene(ctx context.Context, frame model.Frame) (string, error) {
	return s.description, s.err
}

func (s *fakeScene) DetectTrafficLight(ctx context.Context, frame model.Frame) (string, bool, error) {
	return s.color, s.color != "", s.err
}

type fakeText struct{ text string }

func (t *fakeText) ReadText(ctx context.Context, frame model.Frame) (string, error) {
	return t.text, nil
}

type fakeFaces struct{ names []string }

func (f *fakeFaces) Recognize(ctx context.Context, frame model.Frame, now time.Time) ([]model.FaceMatch, error) {
	out := make([]model.FaceMatch, 0, len(f.names))
	for i, n := range f.names {
		out = append(out, model.FaceMatch{FaceID: int64(i + 1), Name: n})
	}
	return out, nil
}

type fakeSpeaker struct {
	mu   sync.Mutex
	said []string
}

func (s *fakeSpeaker) Speak(text string, interrupt bool) {
	s.mu.Lock()
	s.said = append(s.said, text)
	s.mu.Unlock()
}

func (s *fakeSpeaker) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

func (s *fakeSpeaker) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.said) == 0 {
		return ""
	}
	return s.said[len(s.said)-1]
}

type fakeListener struct {
	release chan struct{}
	text    string
	calls   atomic.Int32
}

func (l *fakeListener) Listen(ctx context.Context, timeout, phrase time.Duration) (string, bool, error) {
	l.calls.Add(1)
	select {
	case <-l.release:
	case <-ctx.Done():
		return "", false, nil
	}
	return l.text, l.text != "", nil
}

type fakeWake struct {
	ch      chan capability.WakeEvent
	starts  atomic.Int32
	stopped atomic.Int32
}

func (w *fakeWake) Start(ctx context.Context) (<-chan capability.WakeEvent, error) {
	w.starts.Add(1)
	return w.ch, nil
}

func (w *fakeWake) Stop() { w.stopped.Add(1) }

type recordingSink struct {
	mu       sync.Mutex
	created  []string
	ended    map[string][2]int64
	logs     []model.EventLogEntry
	events   []string
	payloads []map[string]any

	createErr error
	endErr    error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ended: map[string][2]int64{}}
}

func (s *recordingSink) CreateSession(ctx context.Context, id string, start time.Time) error {
	s.mu.Lock()
	s.created = append(s.created, id)
	s.mu.Unlock()
	return s.createErr
}

func (s *recordingSink) EndSession(ctx context.Context, id string, d, a int64) error {
	s.mu.Lock()
	s.ended[id] = [2]int64{d, a}
	s.mu.Unlock()
	return s.endErr
}

func (s *recordingSink) AppendEventLog(ctx context.Context, e model.EventLogEntry) error {
	s.mu.Lock()
	s.logs = append(s.logs, e)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Broadcast(name string, payload map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, name)
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
}

func (s *recordingSink) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == name {
			return true
		}
	}
	return false
}

func (s *recordingSink) lastLog() model.EventLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[len(s.logs)-1]
}

type testEnv struct {
	capture  *fakeCapture
	scene    *fakeScene
	text     *fakeText
	faces    *fakeFaces
	speaker  *fakeSpeaker
	listener *fakeListener
	wake     *fakeWake
	sink     *recordingSink
	deps     Deps
	cfg      Config
}

func newEnv() *testEnv {
	e := &testEnv{
		capture:  &fakeCapture{},
		scene:    &fakeScene{description: "A hallway with a door on the left.", color: "red"},
		text:     &fakeText{text: "EXIT"},
		faces:    &fakeFaces{names: []string{"Alice", "Bob"}},
		speaker:  &fakeSpeaker{},
		listener: &fakeListener{release: make(chan struct{}), text: "pause alerts"},
		wake:     &fakeWake{ch: make(chan capability.WakeEvent, 4)},
		sink:     newRecordingSink(),
	}
	e.deps = Deps{
		Capture:  e.capture,
		Text:     e.text,
		Scene:    e.scene,
		Speaker:  e.speaker,
		Listener: e.listener,
		Wake:     e.wake,
		Sink:     e.sink,
	}
	e.cfg = Config{
		Scheduler: engine.SchedulerConfig{
			FrameSkip:         2,
			TargetFPS:         200,
			InactivityTimeout: time.Hour,
			NoFrameBackoff:    time.Millisecond,
			ErrorBackoff:      time.Millisecond,
			Distance:          engine.DefaultDistanceBands(),
		},
		StopTimeout:   time.Second,
		ListenTimeout: time.Second,
		PhraseLimit:   time.Second,
		AutoDispatch:  true,
	}
	return e
}

func (e *testEnv) controller() *Controller {
	return NewController(e.deps, e.cfg)
}

func TestStartStopLifecycle(t *testing.T) {
	env := newEnv()
	c := env.controller()
	ctx := context.Background()

	_, err := c.Stop(ctx)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	id, err := c.Start(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = c.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, int32(1), env.wake.starts.Load())

	require.Eventually(t, func() bool { return c.Snapshot().FrameCount > 0 }, time.Second, time.Millisecond)
	sum, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, sum.ID)
	assert.Equal(t, []string{id}, env.sink.created)
	_, ok := env.sink.ended[id]
	assert.True(t, ok)
	assert.True(t, env.sink.has(model.EventSessionStarted))
	assert.True(t, env.sink.has(model.EventSessionStopped))
	assert.Equal(t, int32(1), env.wake.stopped.Load())
	assert.GreaterOrEqual(t, env.capture.stopped.Load(), int32(1))
	assert.Equal(t, "idle", c.Snapshot().Status)
}

func TestStartCameraUnavailable(t *testing.T) {
	env := newEnv()
	env.capture.startErr = errors.New("no device")
	c := env.controller()
	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Equal(t, StatusIdle, c.state.Status())
	assert.Empty(t, env.sink.created)
	assert.Equal(t, int32(0), env.wake.starts.Load())
}

func TestVoiceCommands(t *testing.T) {
	env := newEnv()
	c := env.controller()
	ctx := context.Background()
	_, err := c.HandleVoiceCommand(ctx, "describe")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	id, err := c.Start(ctx)
	require.NoError(t, err)
	defer c.Stop(ctx)

	cases := []struct{ cmd, want string }{
		{"What do you see?", "A hallway with a door on the left."},
		{"is that a red light", "The traffic light is red"},
		{"read this", "I read: EXIT"},
		{"who's here", "I don't recognize anyone"},
		{"sing", "I didn't understand that command"},
	}
	for _, tc := range cases {
		got, err := c.HandleVoiceCommand(ctx, tc.cmd)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.cmd)
		assert.Equal(t, tc.want, env.speaker.last())
	}
	last := env.sink.lastLog()
	assert.Equal(t, model.EventTypeVoiceCommand, last.EventType)
	assert.Equal(t, model.PriorityInformational, last.Priority)
	assert.Equal(t, id, last.SessionID)
	assert.Equal(t, "sing", last.Metadata["command"])

	got, _ := c.HandleVoiceCommand(ctx, "pause")
	assert.Equal(t, "Alerts paused", got)
	assert.True(t, c.Ledger().Paused())
	got, _ = c.HandleVoiceCommand(ctx, "resume")
	assert.Equal(t, "Alerts resumed", got)
	assert.False(t, c.Ledger().Paused())
}

func TestVoiceCommandFallbacks(t *testing.T) {
	env := newEnv()
	env.scene.err = errors.New("quota")
	env.scene.color = ""
	env.text.text = "  "
	env.deps.Faces = env.faces
	c := env.controller()
	ctx := context.Background()
	_, err := c.Start(ctx)
	require.NoError(t, err)
	defer c.Stop(ctx)

	got, _ := c.HandleVoiceCommand(ctx, "describe")
	assert.Equal(t, "Unable to analyze scene. Please try again.", got)
	got, _ = c.HandleVoiceCommand(ctx, "traffic light")
	assert.Equal(t, "I don't see a traffic light", got)
	got, _ = c.HandleVoiceCommand(ctx, "read")
	assert.Equal(t, "I couldn't read any text", got)
	got, _ = c.HandleVoiceCommand(ctx, "who is here")
	assert.Equal(t, "I see: Alice, Bob", got)

	env.capture.noFrame.Store(true)
	_, err = c.HandleVoiceCommand(ctx, "read")
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestWakeWordIgnoresOverlap(t *testing.T) {
	env := newEnv()
	c := env.controller()
	ctx := context.Background()
	assert.False(t, c.OnWakeWord(ctx), "no session")

	_, err := c.Start(ctx)
	require.NoError(t, err)
	defer c.Stop(ctx)

	assert.True(t, c.OnWakeWord(ctx))
	assert.True(t, c.Listening())
	assert.False(t, c.OnWakeWord(ctx), "second trigger while listening")
	close(env.listener.release)
	c.WaitListening()

	assert.False(t, c.Listening())
	assert.Equal(t, int32(1), env.listener.calls.Load())
	assert.True(t, env.sink.has(model.EventWakeWordDetected))
	assert.True(t, env.sink.has(model.EventVoiceCommand))
	assert.True(t, c.Ledger().Paused(), "follow-up command auto-dispatched")
	assert.Equal(t, "Alerts paused", env.speaker.last())
}

func TestWakeEventsFromSource(t *testing.T) {
	env := newEnv()
	close(env.listener.release)
	env.listener.text = ""
	c := env.controller()
	ctx := context.Background()
	_, err := c.Start(ctx)
	require.NoError(t, err)

	env.wake.ch <- capability.WakeEvent{Phrase: "hey aura", Timestamp: time.Now()}
	require.Eventually(t, func() bool { return env.sink.has(model.EventVoiceCommand) }, time.Second, time.Millisecond)
	assert.False(t, c.Ledger().Paused(), "timeout produces no dispatch")
	_, err = c.Stop(ctx)
	require.NoError(t, err)
}

func TestAutoPauseThenStopAndRestart(t *testing.T) {
	env := newEnv()
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	env.deps.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env.deps.Sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		now = now.Add(100 * time.Second)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return ctx.Err() == nil
	}
	env.cfg.Scheduler.InactivityTimeout = 900 * time.Second
	c := env.controller()
	ctx := context.Background()

	first, err := c.Start(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().Status == "paused" }, 2*time.Second, time.Millisecond)
	assert.True(t, env.sink.has(model.EventSessionPaused))
	assert.False(t, c.Snapshot().Active)

	_, err = c.HandleVoiceCommand(ctx, "describe")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	sum, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, sum.ID)

	second, err := c.Start(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	_, err = c.Stop(ctx)
	require.NoError(t, err)
}

func TestStartFinalizesPausedSession(t *testing.T) {
	env := newEnv()
	env.deps.Sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	env.deps.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
	env.cfg.Scheduler.InactivityTimeout = 90 * time.Second
	c := env.controller()
	ctx := context.Background()
	first, err := c.Start(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().Status == "paused" }, 2*time.Second, time.Millisecond)

	second, err := c.Start(ctx)
	require.NoError(t, err)
	_, ended := env.sink.ended[first]
	assert.True(t, ended, "paused session finalized before the new one")
	assert.NotEqual(t, first, second)
	_, err = c.Stop(ctx)
	require.NoError(t, err)
}

type stuckDetector struct{ entered chan struct{} }

func (d *stuckDetector) Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	time.Sleep(time.Hour)
	return nil, errors.New("unreachable")
}

func TestStopWithinGraceWhenAdapterHangs(t *testing.T) {
	env := newEnv()
	det := &stuckDetector{entered: make(chan struct{}, 1)}
	env.deps.Detector = det
	env.cfg.StopTimeout = 50 * time.Millisecond
	env.cfg.Scheduler.FrameSkip = 1
	c := env.controller()
	ctx := context.Background()
	id, err := c.Start(ctx)
	require.NoError(t, err)
	<-det.entered

	started := time.Now()
	sum, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, id, sum.ID)
	_, ok := env.sink.ended[id]
	assert.True(t, ok, "session record finalized")
}

type lateDetector struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	done    chan struct{}
}

// Detect blocks on the first call without honouring ctx, then reports a fire.
func (d *lateDetector) Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error) {
	if d.calls.Add(1) > 1 {
		return nil, nil
	}
	defer close(d.done)
	close(d.entered)
	<-d.release
	return []model.ObjectDetection{{Class: "fire", Direction: model.DirectionFront, Priority: model.PriorityCritical}}, nil
}

func TestLateFindingsFromStoppedSessionAreDropped(t *testing.T) {
	env := newEnv()
	det := &lateDetector{entered: make(chan struct{}), release: make(chan struct{}), done: make(chan struct{})}
	env.deps.Detector = det
	env.cfg.StopTimeout = 50 * time.Millisecond
	env.cfg.Scheduler.FrameSkip = 1
	c := env.controller()
	ctx := context.Background()

	first, err := c.Start(ctx)
	require.NoError(t, err)
	<-det.entered
	sum, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.AlertCount)

	_, err = c.Start(ctx)
	require.NoError(t, err)
	close(det.release)
	<-det.done

	assert.Never(t, func() bool { return c.History().Len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	for _, said := range env.speaker.snapshot() {
		assert.NotContains(t, said, "FIRE")
	}
	env.sink.mu.Lock()
	for _, e := range env.sink.logs {
		assert.NotEqual(t, first, e.SessionID)
	}
	env.sink.mu.Unlock()
	assert.True(t, c.Ledger().ShouldAdmit("object_fire_front", model.PriorityCritical))
	_, err = c.Stop(ctx)
	require.NoError(t, err)
}

func TestPersistenceFailuresDoNotBlockLifecycle(t *testing.T) {
	env := newEnv()
	env.sink.createErr = errors.New("db down")
	env.sink.endErr = errors.New("db down")
	c := env.controller()
	ctx := context.Background()

	id, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", c.Snapshot().Status)
	assert.True(t, env.sink.has(model.EventSessionStarted))

	sum, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, sum.ID)
	assert.Equal(t, "idle", c.Snapshot().Status)
	assert.True(t, env.sink.has(model.EventSessionStopped))
}
