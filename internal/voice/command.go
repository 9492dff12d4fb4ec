package voice

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"aura/internal/capability"
)

var ErrNoCommand = errors.New("speech command not configured")

// CommandSynthesizer speaks by running argv with the text appended as the
// final argument, e.g. espeak-ng.
type CommandSynthesizer struct {
	argv []string
}

func NewCommandSynthesizer(argv []string) *CommandSynthesizer {
	return &CommandSynthesizer{argv: argv}
}

func (c *CommandSynthesizer) Say(ctx context.Context, text string) error {
	if len(c.argv) == 0 {
		return ErrNoCommand
	}
	args := append(append([]string{}, c.argv[1:]...), text)
	return exec.CommandContext(ctx, c.argv[0], args...).Run()
}

// CommandListener records one phrase by running an external recognizer that
// prints the transcript on stdout.
type CommandListener struct {
	argv []string
}

func NewCommandListener(argv []string) *CommandListener {
	return &CommandListener{argv: argv}
}

// Listen waits up to timeout for speech plus phraseLimit for the phrase itself.
// A recognizer that prints nothing means nothing was heard.
func (c *CommandListener) Listen(ctx context.Context, timeout, phraseLimit time.Duration) (string, bool, error) {
	if len(c.argv) == 0 {
		return "", false, ErrNoCommand
	}
	lctx, cancel := context.WithTimeout(ctx, timeout+phraseLimit)
	defer cancel()
	var stdout bytes.Buffer
	cmd := exec.CommandContext(lctx, c.argv[0], c.argv[1:]...)
	cmd.Stdout = &stdout
	err := cmd.Run()
	text := strings.TrimSpace(stdout.String())
	if lctx.Err() != nil && text == "" {
		return "", false, nil
	}
	if err != nil && text == "" {
		return "", false, fmt.Errorf("recognizer: %w", err)
	}
	return text, text != "", nil
}

// CommandWakeWord runs a long-lived recognizer that prints one transcript per
// line and reports lines containing the wake phrase.
type CommandWakeWord struct {
	argv   []string
	phrase string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewCommandWakeWord(argv []string, phrase string, logger *slog.Logger) *CommandWakeWord {
	return &CommandWakeWord{argv: argv, phrase: normalizePhrase(phrase), logger: logger}
}

func (w *CommandWakeWord) Start(ctx context.Context) (<-chan capability.WakeEvent, error) {
	if len(w.argv) == 0 {
		return nil, ErrNoCommand
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil, errors.New("wake word listener already running")
	}
	rctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(rctx, w.argv[0], w.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	w.cancel = cancel
	events := make(chan capability.WakeEvent, 1)
	go func() {
		defer close(events)
		defer cmd.Wait()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if !MatchesWakePhrase(scanner.Text(), w.phrase) {
				continue
			}
			select {
			case events <- capability.WakeEvent{Phrase: w.phrase, Timestamp: time.Now().UTC()}:
			case <-rctx.Done():
				return
			default:
				// a wake is already pending
			}
		}
		if err := scanner.Err(); err != nil && rctx.Err() == nil && w.logger != nil {
			w.logger.Warn("wake word scanner error", "err", err)
		}
	}()
	return events, nil
}

func (w *CommandWakeWord) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// MatchesWakePhrase reports whether a transcript line contains the phrase.
func MatchesWakePhrase(line, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(normalizePhrase(line), phrase)
}

func normalizePhrase(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == ',' || r == '.' || r == '!' || r == '?' {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
