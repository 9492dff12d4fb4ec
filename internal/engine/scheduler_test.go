package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/internal/alerts"
	"aura/internal/model"
)

type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	step      time.Duration
	sleeps    []time.Duration
	maxSleeps int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if c.step > 0 {
		c.now = c.now.Add(c.step)
	} else {
		c.now = c.now.Add(d)
	}
	done := c.maxSleeps > 0 && len(c.sleeps) >= c.maxSleeps
	c.mu.Unlock()
	if done {
		c.cancel()
		return false
	}
	return ctx.Err() == nil
}

type scriptedCapture struct {
	mu     sync.Mutex
	script []bool
	frame  model.Frame
}

func (c *scriptedCapture) Start(ctx context.Context) error { return nil }
func (c *scriptedCapture) Stop()                           {}

func (c *scriptedCapture) LatestFrame() (model.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return c.frame.Clone(), true
	}
	ok := c.script[0]
	c.script = c.script[1:]
	if !ok {
		return model.Frame{}, false
	}
	return c.frame.Clone(), true
}

type fakeDetector struct {
	calls atomic.Int32
	fn    func(call int) ([]model.ObjectDetection, error)
}

func (d *fakeDetector) Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error) {
	n := int(d.calls.Add(1))
	if d.fn == nil {
		return nil, nil
	}
	return d.fn(n)
}

type fakeFaces struct {
	calls   atomic.Int32
	matches []model.FaceMatch
	err     error
}

func (f *fakeFaces) Recognize(ctx context.Context, frame model.Frame, now time.Time) ([]model.FaceMatch, error) {
	f.calls.Add(1)
	return f.matches, f.err
}

type utterance struct {
	text      string
	interrupt bool
}

type fakeSpeaker struct {
	mu  sync.Mutex
	out []utterance
}

func (s *fakeSpeaker) Speak(text string, interrupt bool) {
	s.mu.Lock()
	s.out = append(s.out, utterance{text, interrupt})
	s.mu.Unlock()
}

type fakeSink struct {
	mu     sync.Mutex
	logs   []model.EventLogEntry
	events []model.Event
	logErr error
}

func (s *fakeSink) AppendEventLog(ctx context.Context, entry model.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logErr != nil {
		return s.logErr
	}
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeSink) Broadcast(name string, payload map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, model.Event{Name: name, Payload: payload})
	s.mu.Unlock()
}

type counters struct {
	frames atomic.Int64
	alerts atomic.Int64
}

func (c *counters) RecordFrame() int64 { return c.frames.Add(1) }
func (c *counters) RecordAlert() int64 { return c.alerts.Add(1) }

type observer struct {
	mu       sync.Mutex
	failures map[string]int
}

func (o *observer) FrameSampled(bool)                {}
func (o *observer) Admission(string, bool)           {}
func (o *observer) ObserveIteration(d time.Duration) {}
func (o *observer) CapabilityFailed(name string) {
	o.mu.Lock()
	if o.failures == nil {
		o.failures = map[string]int{}
	}
	o.failures[name]++
	o.mu.Unlock()
}

type harness struct {
	clock    *fakeClock
	capture  *scriptedCapture
	detector *fakeDetector
	faces    *fakeFaces
	speaker  *fakeSpeaker
	sink     *fakeSink
	counters *counters
	observer *observer
	history  *alerts.History
	ledger   *Ledger
	ctx      context.Context
}

func newHarness(maxSleeps int) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	return &harness{
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), maxSleeps: maxSleeps, cancel: cancel},
		capture:  &scriptedCapture{frame: model.Frame{Data: []byte{0xFF, 0xD8}, Width: 640, Height: 480}},
		detector: &fakeDetector{},
		faces:    &fakeFaces{},
		speaker:  &fakeSpeaker{},
		sink:     &fakeSink{},
		counters: &counters{},
		observer: &observer{},
		history:  alerts.NewHistory(100),
		ledger:   NewLedger(DefaultPolicy()),
		ctx:      ctx,
	}
}

func (h *harness) scheduler(cfg SchedulerConfig) *Scheduler {
	return NewScheduler(Deps{
		Capture:  h.capture,
		Detector: h.detector,
		Faces:    h.faces,
		Speaker:  h.speaker,
		Ledger:   h.ledger,
		History:  h.history,
		Sink:     h.sink,
		Observer: h.observer,
		Now:      h.clock.Now,
		Sleep:    h.clock.Sleep,
	}, cfg, "session-1", h.counters)
}

func baseConfig() SchedulerConfig {
	return SchedulerConfig{
		FrameSkip:         1,
		TargetFPS:         15,
		InactivityTimeout: 15 * time.Minute,
		NoFrameBackoff:    100 * time.Millisecond,
		ErrorBackoff:      100 * time.Millisecond,
		Distance:          DefaultDistanceBands(),
	}
}

func TestFrameCountIgnoresSkipAndMissingFrames(t *testing.T) {
	h := newHarness(5)
	h.capture.script = []bool{false, true, false, true, true}
	cfg := baseConfig()
	cfg.FrameSkip = 2
	state := h.scheduler(cfg).Run(h.ctx)

	assert.Equal(t, StateStopped, state)
	assert.Equal(t, int64(3), h.counters.frames.Load())
	assert.Equal(t, int32(1), h.detector.calls.Load(), "only every second sampled frame is processed")
	assert.Equal(t, 100*time.Millisecond, h.clock.sleeps[0], "no-frame backoff")
}

func TestAlertOrderingAndInterrupts(t *testing.T) {
	h := newHarness(1)
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		return []model.ObjectDetection{
			{Class: "car", Direction: model.DirectionLeft, Priority: model.PriorityCritical, Box: model.BoundingBox{Y1: 0, Y2: 150}},
			{Class: "chair", Direction: model.DirectionFront, Priority: model.PriorityInformational, Box: model.BoundingBox{Y2: 40}},
		}, nil
	}
	h.faces.matches = []model.FaceMatch{{FaceID: 1, Name: "Alice", Direction: model.DirectionFront, DistanceFeet: 5}}
	h.scheduler(baseConfig()).Run(h.ctx)

	require.Len(t, h.speaker.out, 3)
	assert.Equal(t, utterance{"WARNING: CAR detected close distance from your left!", true}, h.speaker.out[0])
	assert.Equal(t, utterance{"chair in view", false}, h.speaker.out[1])
	assert.Equal(t, utterance{"Alert: Alice is 5 feet in front of you", false}, h.speaker.out[2])

	recent := h.history.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "CAR detected close distance from your left!", recent[0].Message)
	require.Len(t, h.sink.logs, 3)
	assert.Equal(t, model.EventTypeFaceRecognition, h.sink.logs[2].EventType)
	assert.Equal(t, "session-1", h.sink.logs[0].SessionID)
	assert.Equal(t, int64(3), h.counters.alerts.Load())
	alertsSeen := 0
	for _, ev := range h.sink.events {
		if ev.Name == model.EventAlert {
			alertsSeen++
		}
	}
	assert.Equal(t, 3, alertsSeen)
}

func TestRepeatedFindingsAreCooledDown(t *testing.T) {
	h := newHarness(10)
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		return []model.ObjectDetection{{Class: "person", Direction: model.DirectionRight, Priority: model.PriorityImportant, Box: model.BoundingBox{Y2: 200}}}, nil
	}
	h.clock.step = time.Second
	h.scheduler(baseConfig()).Run(h.ctx)
	assert.Len(t, h.speaker.out, 1)
	assert.Equal(t, int64(1), h.counters.alerts.Load())
}

func TestInactivityAutoPause(t *testing.T) {
	h := newHarness(100)
	h.clock.step = 100 * time.Second
	h.detector.fn = func(call int) ([]model.ObjectDetection, error) {
		if call == 1 {
			return []model.ObjectDetection{{Class: "fire", Direction: model.DirectionFront, Priority: model.PriorityCritical}}, nil
		}
		return nil, nil
	}
	start := h.clock.Now()
	s := h.scheduler(baseConfig())
	state := s.Run(h.ctx)

	assert.Equal(t, StatePaused, state)
	assert.Equal(t, StatePaused, s.State())
	elapsed := h.clock.Now().Sub(start)
	assert.Greater(t, elapsed, 900*time.Second)
	assert.LessOrEqual(t, elapsed-h.clock.step, 900*time.Second, "pause happens at the first check past the threshold")
	last := h.sink.events[len(h.sink.events)-1]
	assert.Equal(t, model.EventSessionPaused, last.Name)
	assert.Equal(t, "inactivity", last.Payload["reason"])
}

func TestCapabilityFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(3)
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		return nil, errors.New("model crashed")
	}
	h.faces.matches = []model.FaceMatch{{FaceID: 7, Name: "Bob", DistanceFeet: 8}}
	state := h.scheduler(baseConfig()).Run(h.ctx)

	assert.Equal(t, StateStopped, state)
	assert.Equal(t, int32(3), h.detector.calls.Load())
	assert.Equal(t, int32(3), h.faces.calls.Load(), "face recognition still runs when detection fails")
	assert.Equal(t, 3, h.observer.failures["detector"])
	for _, d := range h.clock.sleeps {
		assert.Equal(t, 100*time.Millisecond, d)
	}
	require.Len(t, h.speaker.out, 1)
	assert.Equal(t, "Alert: Bob is 8 feet in front of you", h.speaker.out[0].text)
}

func TestAdapterPanicIsContained(t *testing.T) {
	h := newHarness(2)
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		panic("bad frame")
	}
	state := h.scheduler(baseConfig()).Run(h.ctx)
	assert.Equal(t, StateStopped, state)
	assert.Equal(t, 2, h.observer.failures["detector"])
}

func TestPausedLedgerSuppressesAll(t *testing.T) {
	h := newHarness(1)
	h.ledger.Pause()
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		return []model.ObjectDetection{{Class: "fire", Priority: model.PriorityCritical}}, nil
	}
	h.scheduler(baseConfig()).Run(h.ctx)
	assert.Empty(t, h.speaker.out)
	assert.Equal(t, 0, h.history.Len())
}

type blockingDetector struct{ entered chan struct{} }

func (b *blockingDetector) Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopDuringFailingIteration(t *testing.T) {
	h := newHarness(0)
	det := &blockingDetector{entered: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(Deps{
		Capture:  h.capture,
		Detector: det,
		Ledger:   h.ledger,
		History:  h.history,
		Sink:     h.sink,
	}, baseConfig(), "session-1", h.counters)

	done := make(chan State, 1)
	go func() { done <- s.Run(ctx) }()
	<-det.entered
	cancel()
	select {
	case st := <-done:
		assert.Equal(t, StateStopped, st)
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduler did not stop within grace period")
	}
}

type lateDetector struct {
	entered chan struct{}
	release chan struct{}
}

func (d *lateDetector) Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error) {
	close(d.entered)
	<-d.release
	return []model.ObjectDetection{{Class: "fire", Direction: model.DirectionFront, Priority: model.PriorityCritical}}, nil
}

func TestFindingsAfterStopAreDropped(t *testing.T) {
	h := newHarness(0)
	det := &lateDetector{entered: make(chan struct{}), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(Deps{
		Capture:  h.capture,
		Detector: det,
		Speaker:  h.speaker,
		Ledger:   h.ledger,
		History:  h.history,
		Sink:     h.sink,
		Now:      h.clock.Now,
	}, baseConfig(), "session-1", h.counters)

	done := make(chan State, 1)
	go func() { done <- s.Run(ctx) }()
	<-det.entered
	cancel()
	close(det.release)
	require.Equal(t, StateStopped, <-done)

	assert.Empty(t, h.speaker.out)
	assert.Equal(t, 0, h.history.Len())
	assert.Empty(t, h.sink.logs)
	assert.Equal(t, int64(0), h.counters.alerts.Load())
	assert.True(t, h.ledger.ShouldAdmitAt("object_car_left", model.PriorityCritical, h.clock.Now()),
		"critical repeat timer untouched by the dropped finding")
}

func TestAlertDeliveredWhenEventLogFails(t *testing.T) {
	h := newHarness(1)
	h.sink.logErr = errors.New("disk full")
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		return []model.ObjectDetection{{Class: "fire", Direction: model.DirectionFront, Priority: model.PriorityCritical}}, nil
	}
	h.scheduler(baseConfig()).Run(h.ctx)

	require.Len(t, h.speaker.out, 1)
	assert.True(t, h.speaker.out[0].interrupt)
	assert.Equal(t, 1, h.history.Len())
	assert.Equal(t, int64(1), h.counters.alerts.Load())
	require.NotEmpty(t, h.sink.events)
	assert.Equal(t, model.EventAlert, h.sink.events[0].Name)
}

func TestAlertTimestampsFollowInjectedClock(t *testing.T) {
	h := newHarness(1)
	h.detector.fn = func(int) ([]model.ObjectDetection, error) {
		return []model.ObjectDetection{{Class: "chair", Direction: model.DirectionFront}}, nil
	}
	want := h.clock.Now()
	h.scheduler(baseConfig()).Run(h.ctx)

	recent := h.history.Recent(0)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Timestamp.Equal(want))
	require.Len(t, h.sink.logs, 1)
	assert.True(t, h.sink.logs[0].Timestamp.Equal(want))
}

func TestRunTwiceIsNoop(t *testing.T) {
	h := newHarness(1)
	s := h.scheduler(baseConfig())
	s.Run(h.ctx)
	assert.Equal(t, StateStopped, s.Run(context.Background()))
}
