package voice

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSynth struct {
	mu        sync.Mutex
	started   chan string
	completed []string
	cancelled []string
}

func (b *blockingSynth) Say(ctx context.Context, text string) error {
	b.started <- text
	if text == "long" {
		<-ctx.Done()
		b.mu.Lock()
		b.cancelled = append(b.cancelled, text)
		b.mu.Unlock()
		return ctx.Err()
	}
	b.mu.Lock()
	b.completed = append(b.completed, text)
	b.mu.Unlock()
	return nil
}

func (b *blockingSynth) snapshot() ([]string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.completed...), append([]string(nil), b.cancelled...)
}

func TestSpeakerOrderAndInterrupt(t *testing.T) {
	synth := &blockingSynth{started: make(chan string, 16)}
	sp := NewSpeaker(synth, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sp.Run(ctx)

	sp.Speak("one", false)
	sp.Speak("two", false)
	assert.Equal(t, "one", <-synth.started)
	assert.Equal(t, "two", <-synth.started)

	sp.Speak("long", false)
	assert.Equal(t, "long", <-synth.started)
	sp.Speak("stale a", false)
	sp.Speak("stale b", false)
	sp.Speak("FIRE detected", true)
	assert.Equal(t, "FIRE detected", <-synth.started)

	require.Eventually(t, func() bool {
		done, _ := synth.snapshot()
		return len(done) == 3
	}, time.Second, time.Millisecond)
	done, cancelled := synth.snapshot()
	assert.Equal(t, []string{"one", "two", "FIRE detected"}, done)
	assert.Equal(t, []string{"long"}, cancelled)
}

func TestSpeakerDropsWhenFull(t *testing.T) {
	sp := NewSpeaker(&blockingSynth{started: make(chan string, 4)}, 1, nil)
	sp.Speak("a", false)
	sp.Speak("b", false)
	sp.Speak("", false)
	assert.Len(t, sp.queue, 1)
}

func TestCommandSynthesizer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "said.txt")
	s := NewCommandSynthesizer([]string{"sh", "-c", `printf '%s' "$1" > "$0"`, out})
	require.NoError(t, s.Say(context.Background(), "hello"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.ErrorIs(t, NewCommandSynthesizer(nil).Say(context.Background(), "x"), ErrNoCommand)
}

func TestCommandListener(t *testing.T) {
	l := NewCommandListener([]string{"echo", " what do you see "})
	text, ok, err := l.Listen(context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "what do you see", text)

	l = NewCommandListener([]string{"sleep", "5"})
	start := time.Now()
	_, ok, err = l.Listen(context.Background(), 20*time.Millisecond, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCommandWakeWord(t *testing.T) {
	w := NewCommandWakeWord([]string{"printf", "background noise\nHey, Aura!\n"}, "hey aura", nil)
	events, err := w.Start(context.Background())
	require.NoError(t, err)
	defer w.Stop()
	select {
	case ev := <-events:
		assert.Equal(t, "hey aura", ev.Phrase)
	case <-time.After(2 * time.Second):
		t.Fatal("wake event not received")
	}
}

func TestMatchesWakePhrase(t *testing.T) {
	assert.True(t, MatchesWakePhrase("OK... hey   aura, help", "hey aura"))
	assert.False(t, MatchesWakePhrase("hey laura", "hey aura"))
	assert.False(t, MatchesWakePhrase("hello", "hey aura"))
	assert.False(t, MatchesWakePhrase("anything", ""))
}
