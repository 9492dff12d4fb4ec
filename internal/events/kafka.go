package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"aura/internal/model"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Publish(ctx context.Context, ev model.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Name),
		Value: body,
		Time:  ev.Timestamp,
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
