// Package voice drives speech output and spoken input through external
// speech engines.
package voice

import (
	"context"
	"log/slog"
	"sync"
)

// Synthesizer renders one utterance and returns when it has been spoken or
// ctx is cancelled.
type Synthesizer interface {
	Say(ctx context.Context, text string) error
}

type utterance struct {
	text string
	gen  uint64
}

// Speaker serialises utterances through one goroutine. An interrupting
// utterance cancels the one in flight and discards everything queued before it.
type Speaker struct {
	synth  Synthesizer
	logger *slog.Logger
	queue  chan utterance

	mu      sync.Mutex
	gen     uint64
	current context.CancelFunc
}

func NewSpeaker(synth Synthesizer, queueSize int, logger *slog.Logger) *Speaker {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Speaker{synth: synth, logger: logger, queue: make(chan utterance, queueSize)}
}

// Speak never blocks. When the queue is full the utterance is dropped.
func (s *Speaker) Speak(text string, interrupt bool) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if interrupt {
		s.gen++
		if s.current != nil {
			s.current()
		}
		s.drain()
	}
	u := utterance{text: text, gen: s.gen}
	s.mu.Unlock()
	select {
	case s.queue <- u:
	default:
		if s.logger != nil {
			s.logger.Warn("speech queue full, dropping utterance", "text", text)
		}
	}
}

// drain must be called with s.mu held.
func (s *Speaker) drain() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// Run speaks queued utterances until ctx is done.
func (s *Speaker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.queue:
			s.say(ctx, u)
		}
	}
}

func (s *Speaker) say(ctx context.Context, u utterance) {
	s.mu.Lock()
	if u.gen < s.gen {
		s.mu.Unlock()
		return
	}
	uctx, cancel := context.WithCancel(ctx)
	s.current = cancel
	s.mu.Unlock()

	err := s.synth.Say(uctx, u.text)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	cancel()
	if err != nil && uctx.Err() == nil && s.logger != nil {
		s.logger.Warn("speech synthesis failed", "err", err)
	}
}
