// Package capability defines the contracts the alert core consumes from perception,
// capture and voice collaborators. Implementations live in capture, perception and voice.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aura/internal/model"
)

// Capture owns the camera and refills a single latest-frame slot.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	// LatestFrame returns a private copy of the newest frame, or false if none has arrived.
	LatestFrame() (model.Frame, bool)
}

type Detector interface {
	Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error)
}

type FaceRecognizer interface {
	Recognize(ctx context.Context, frame model.Frame, now time.Time) ([]model.FaceMatch, error)
}

// TextReader returns "" when no text is found.
type TextReader interface {
	ReadText(ctx context.Context, frame model.Frame) (string, error)
}

type SceneDescriber interface {
	DescribeScene(ctx context.Context, frame model.Frame) (string, error)
	// DetectTrafficLight returns red, yellow or green; ok is false when no light is visible.
	DetectTrafficLight(ctx context.Context, frame model.Frame) (color string, ok bool, err error)
}

// Speaker queues utterances. interrupt cancels the utterance in progress and
// flushes everything queued before text.
type Speaker interface {
	Speak(text string, interrupt bool)
}

// Listener records one follow-up phrase. ok is false on timeout or silence.
type Listener interface {
	Listen(ctx context.Context, timeout, phraseLimit time.Duration) (text string, ok bool, err error)
}

type WakeEvent struct {
	Phrase    string
	Timestamp time.Time
}

// WakeWordSource publishes detections on a channel that is closed when the source stops.
type WakeWordSource interface {
	Start(ctx context.Context) (<-chan WakeEvent, error)
	Stop()
}

// Failure is the typed error every adapter call is reported as.
type Failure struct {
	Capability string
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s capability failed: %v", f.Capability, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail wraps err as a *Failure unless it already is one. nil stays nil.
func Fail(capability string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Capability: capability, Err: err}
}

// IsFailure reports whether err is (or wraps) a capability failure and returns its name.
func IsFailure(err error) (string, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Capability, true
	}
	return "", false
}
