package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"aura/internal/config"
)

// StartKafka consumes command messages from the configured topic.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- Command, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			received := m.Time
			if received.IsZero() {
				received = time.Now()
			}
			cmd, err := ParseLine(string(m.Value), "kafka", received.UTC())
			if err != nil {
				if logger != nil {
					logger.Warn("kafka command parse error", "err", err, "offset", m.Offset)
				}
				continue
			}
			if cmd == nil {
				continue
			}
			SendNonBlocking(ctx, out, *cmd, logger)
		}
	}()
}
