package events

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/internal/model"
	"aura/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	closed bool
	err    error
}

func (r *recordingPublisher) Name() string { return "recording" }

func (r *recordingPublisher) Publish(ctx context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

type dropCount struct {
	mu sync.Mutex
	n  int
}

func (d *dropCount) BroadcastDrop() {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
}

func TestBroadcasterFanOutInOrder(t *testing.T) {
	b := NewBroadcaster(16, nil, nil)
	p1 := &recordingPublisher{}
	p2 := &recordingPublisher{err: errors.New("down")}
	b.Add(p1)
	b.Add(p2)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.Broadcast(model.EventSessionStarted, map[string]any{"session_id": "s"})
	b.Broadcast(model.EventAlert, map[string]any{"priority": "critical"})
	require.Eventually(t, func() bool { return len(p1.names()) == 2 && len(p2.names()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{model.EventSessionStarted, model.EventAlert}, p1.names())

	cancel()
	<-b.Done()
	assert.True(t, p1.closed)
}

func TestBroadcasterFlushesQueueOnCancel(t *testing.T) {
	b := NewBroadcaster(4, nil, nil)
	p := &recordingPublisher{}
	b.Add(p)
	b.Broadcast(model.EventSessionStopped, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)
	assert.Equal(t, []string{model.EventSessionStopped}, p.names())
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	drops := &dropCount{}
	b := NewBroadcaster(1, nil, drops)
	assert.True(t, b.Broadcast("a", nil))
	assert.False(t, b.Broadcast("b", nil))
	assert.Equal(t, 1, drops.n)
}

type failingStore struct {
	storage.Store
}

func (failingStore) AppendEventLog(ctx context.Context, entry model.EventLogEntry) error {
	return errors.New("disk full")
}

type persistCount struct{ ops []string }

func (p *persistCount) PersistenceFailed(op string) { p.ops = append(p.ops, op) }

func TestSinkWrapsPersistenceErrors(t *testing.T) {
	counter := &persistCount{}
	s := NewSink(failingStore{}, nil, nil, counter)
	err := s.AppendEventLog(context.Background(), model.EventLogEntry{SessionID: "s"})
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "append_event_log", perr.Op)
	assert.Equal(t, []string{"append_event_log"}, counter.ops)
}

func TestSinkWithoutStore(t *testing.T) {
	s := NewSink(nil, nil, nil, nil)
	assert.NoError(t, s.CreateSession(context.Background(), "x", time.Now()))
	assert.NoError(t, s.EndSession(context.Background(), "x", 1, 0))
	s.Broadcast("alert", nil)
}

func TestHubDeliversToWebsocket(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), model.Event{Name: model.EventSessionPaused, Payload: map[string]any{"reason": "inactivity"}}))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"event":"session_paused"`)
	assert.Contains(t, string(msg), `"reason":"inactivity"`)
}
