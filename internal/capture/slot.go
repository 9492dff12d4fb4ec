package capture

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"sync"
	"time"

	"aura/internal/model"
)

// Slot holds the most recent frame. Writers replace it; readers get a copy.
type Slot struct {
	mu    sync.Mutex
	frame model.Frame
	seq   uint64
	ok    bool
}

// Put stores an encoded JPEG. Frames that do not decode as an image header
// are rejected and the previous frame is kept.
func (s *Slot) Put(data []byte, at time.Time) bool {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.seq++
	s.frame = model.Frame{Data: buf, Width: cfg.Width, Height: cfg.Height, Seq: s.seq, CapturedAt: at}
	s.ok = true
	s.mu.Unlock()
	return true
}

func (s *Slot) Latest() (model.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return model.Frame{}, false
	}
	return s.frame.Clone(), true
}

func (s *Slot) Reset() {
	s.mu.Lock()
	s.frame = model.Frame{}
	s.ok = false
	s.mu.Unlock()
}
