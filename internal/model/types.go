package model

import (
	"strconv"
	"strings"
	"time"
)

type Priority string

const (
	PriorityCritical      Priority = "critical"
	PriorityImportant     Priority = "important"
	PriorityInformational Priority = "informational"
)

// Rank orders priorities critical > important > informational. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityImportant:
		return 2
	case PriorityInformational:
		return 1
	}
	return 0
}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

type Direction string

const (
	DirectionLeft   Direction = "left"
	DirectionRight  Direction = "right"
	DirectionFront  Direction = "front"
	DirectionBehind Direction = "behind"
)

// Event log types.
const (
	EventTypeObjectDetection = "object_detection"
	EventTypeFaceRecognition = "face_recognition"
	EventTypeVoiceCommand    = "voice_command"
)

// Broadcast event names.
const (
	EventAlert            = "alert"
	EventSessionStarted   = "session_started"
	EventSessionStopped   = "session_stopped"
	EventSessionPaused    = "session_paused"
	EventWakeWordDetected = "wake_word_detected"
	EventVoiceCommand     = "voice_command"
)

type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BoundingBox) Width() float64 {
	return float64(b.X2 - b.X1)
}

func (b BoundingBox) Height() float64 {
	return float64(b.Y2 - b.Y1)
}

func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Finding is a single perception output for one frame. Implemented by
// ObjectDetection and FaceMatch.
type Finding interface {
	DedupKey() string
	Level() Priority
	EventType() string
	Bounds() BoundingBox
	Metadata() map[string]any
}

type ObjectDetection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
	Direction  Direction   `json:"direction"`
	Priority   Priority    `json:"priority"`
}

func (d ObjectDetection) DedupKey() string {
	return "object_" + d.Class + "_" + string(d.Direction)
}

func (d ObjectDetection) Level() Priority {
	if d.Priority == "" {
		return PriorityInformational
	}
	return d.Priority
}

func (d ObjectDetection) EventType() string { return EventTypeObjectDetection }

func (d ObjectDetection) Bounds() BoundingBox { return d.Box }

func (d ObjectDetection) Metadata() map[string]any {
	return map[string]any{
		"class":      d.Class,
		"confidence": d.Confidence,
		"bbox":       []int{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		"direction":  string(d.Direction),
		"priority":   string(d.Level()),
	}
}

type FaceMatch struct {
	FaceID       int64       `json:"face_id"`
	Name         string      `json:"name"`
	Relationship string      `json:"relationship,omitempty"`
	Confidence   float64     `json:"confidence"`
	Box          BoundingBox `json:"bbox"`
	Direction    Direction   `json:"direction"`
	DistanceFeet float64     `json:"distance_feet"`
}

func (f FaceMatch) DedupKey() string {
	return "face_" + strconv.FormatInt(f.FaceID, 10)
}

// Level is fixed: recognized people are always important.
func (f FaceMatch) Level() Priority { return PriorityImportant }

func (f FaceMatch) EventType() string { return EventTypeFaceRecognition }

func (f FaceMatch) Bounds() BoundingBox { return f.Box }

func (f FaceMatch) Metadata() map[string]any {
	return map[string]any{
		"face_id":       f.FaceID,
		"name":          f.Name,
		"relationship":  f.Relationship,
		"confidence":    f.Confidence,
		"bbox":          []int{f.Box.X1, f.Box.Y1, f.Box.X2, f.Box.Y2},
		"direction":     string(f.Direction),
		"distance_feet": f.DistanceFeet,
	}
}

// Frame is an encoded camera image (JPEG) plus its decoded dimensions.
type Frame struct {
	Data       []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
}

// Clone returns a deep copy so the caller never aliases the capture buffer.
func (f Frame) Clone() Frame {
	out := f
	if f.Data != nil {
		out.Data = append([]byte(nil), f.Data...)
	}
	return out
}

type AlertRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Session struct {
	ID              string     `json:"session_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	FrameCount      int64      `json:"frame_count"`
	AlertCount      int64      `json:"total_alerts"`
	Active          bool       `json:"active"`
}

type EventLogEntry struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Priority  Priority       `json:"priority"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type KnownFace struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Relationship string    `json:"relationship"`
	Embedding    []float64 `json:"-"`
	PhotoPath    string    `json:"photo_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event is a live notification fanned out to observers.
type Event struct {
	Name      string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
