package events

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"

	"aura/internal/model"
)

type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

func NewAMQPPublisher(url, exchange, routingKey string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange, routingKey: routingKey}, nil
}

func (p *AMQPPublisher) Name() string { return "amqp" }

func (p *AMQPPublisher) Publish(ctx context.Context, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.channel.Publish(p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        ev.Name,
		Body:        body,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
