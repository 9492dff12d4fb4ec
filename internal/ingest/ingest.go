// Package ingest accepts voice-command text from external producers (Kafka
// topics, TCP line streams) and hands it to the session controller.
package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Command is one command utterance received from an external producer.
type Command struct {
	Text       string
	Source     string
	ReceivedAt time.Time
}

// Handler executes a command against the active session.
type Handler interface {
	HandleVoiceCommand(ctx context.Context, text string) (string, error)
}

func SendNonBlocking(ctx context.Context, out chan<- Command, cmd Command, logger *slog.Logger) bool {
	select {
	case out <- cmd:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("command channel full, dropping command", "source", cmd.Source, "received_at", cmd.ReceivedAt)
		}
		return false
	}
}

// Dispatch drains in and runs each command in arrival order until ctx is done.
func Dispatch(ctx context.Context, in <-chan Command, h Handler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-in:
			response, err := h.HandleVoiceCommand(ctx, cmd.Text)
			if logger == nil {
				continue
			}
			if err != nil {
				logger.Warn("ingested command rejected", "source", cmd.Source, "err", err)
				continue
			}
			logger.Info("ingested command handled", "source", cmd.Source, "response", response)
		}
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
