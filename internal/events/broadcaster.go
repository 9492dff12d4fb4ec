package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"aura/internal/model"
)

// Publisher delivers live events to one transport.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

type dropCounter interface {
	BroadcastDrop()
}

// Broadcaster fans events out to publishers from a single goroutine. Broadcast
// never blocks the caller; events are dropped when the queue is full.
type Broadcaster struct {
	queue      chan model.Event
	logger     *slog.Logger
	metrics    dropCounter
	mu         sync.RWMutex
	publishers []Publisher
	timeout    time.Duration
	done       chan struct{}
}

func NewBroadcaster(queueSize int, logger *slog.Logger, metrics dropCounter) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broadcaster{
		queue:   make(chan model.Event, queueSize),
		logger:  logger,
		metrics: metrics,
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
}

func (b *Broadcaster) Add(p Publisher) {
	if p == nil {
		return
	}
	b.mu.Lock()
	b.publishers = append(b.publishers, p)
	b.mu.Unlock()
}

func (b *Broadcaster) Broadcast(name string, payload map[string]any) bool {
	ev := model.Event{Name: name, Payload: payload, Timestamp: time.Now().UTC()}
	select {
	case b.queue <- ev:
		return true
	default:
		if b.logger != nil {
			b.logger.Warn("broadcast queue full, dropping event", "event", name)
		}
		if b.metrics != nil {
			b.metrics.BroadcastDrop()
		}
		return false
	}
}

// Run delivers queued events until ctx is cancelled. Events already queued at
// that point are still delivered, then every publisher is closed.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)
	defer b.closeAll()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-ctx.Done():
			b.flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func (b *Broadcaster) flush(ctx context.Context) {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		default:
			return
		}
	}
}

// Done is closed once Run has returned.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

func (b *Broadcaster) dispatch(ctx context.Context, ev model.Event) {
	b.mu.RLock()
	pubs := append([]Publisher(nil), b.publishers...)
	b.mu.RUnlock()
	for _, p := range pubs {
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		err := p.Publish(pctx, ev)
		cancel()
		if err != nil && b.logger != nil {
			b.logger.Warn("broadcast publish failed", "publisher", p.Name(), "event", ev.Name, "err", err)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.publishers {
		if err := p.Close(); err != nil && b.logger != nil {
			b.logger.Warn("publisher close failed", "publisher", p.Name(), "err", err)
		}
	}
	b.publishers = nil
}

func encodeEvent(ev model.Event) ([]byte, error) {
	return json.Marshal(ev)
}
