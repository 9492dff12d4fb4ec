package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"aura/internal/model"
)

// SnapshotSource polls a camera's still-image endpoint.
type SnapshotSource struct {
	url      string
	interval time.Duration
	maxFrame int
	client   *http.Client
	logger   *slog.Logger
	slot     Slot

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSnapshotSource(url string, interval time.Duration, maxFrame int, logger *slog.Logger) *SnapshotSource {
	if interval <= 0 {
		interval = 66 * time.Millisecond
	}
	if maxFrame <= 0 {
		maxFrame = 2 << 20
	}
	return &SnapshotSource{
		url:      url,
		interval: interval,
		maxFrame: maxFrame,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Start fetches one frame synchronously; an unreachable camera fails Start.
func (s *SnapshotSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	s.slot.Reset()
	if err := s.fetch(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.poll(runCtx, s.done)
	return nil
}

func (s *SnapshotSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *SnapshotSource) LatestFrame() (model.Frame, bool) {
	return s.slot.Latest()
}

func (s *SnapshotSource) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fetch(ctx); err != nil && ctx.Err() == nil && s.logger != nil {
				s.logger.Debug("snapshot fetch failed", "err", err)
			}
		}
	}
}

func (s *SnapshotSource) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxFrame)+1))
	if err != nil {
		return err
	}
	if len(data) > s.maxFrame {
		return fmt.Errorf("snapshot exceeds %d bytes", s.maxFrame)
	}
	if !s.slot.Put(data, time.Now().UTC()) {
		return fmt.Errorf("snapshot is not a decodable image")
	}
	return nil
}
