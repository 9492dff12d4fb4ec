package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aura/internal/model"
)

// MQTTPublisher publishes each event to <topic>/<event name>.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTTPublisher(broker, clientID, topic string, qos byte, logger *slog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "err", err)
		}
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTTPublisher{client: client, topic: topic, qos: qos}, nil
}

func (m *MQTTPublisher) Name() string { return "mqtt" }

func (m *MQTTPublisher) Publish(ctx context.Context, ev model.Event) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic+"/"+ev.Name, m.qos, false, body)
	wait := 2 * time.Second
	if d, ok := ctx.Deadline(); ok {
		wait = time.Until(d)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (m *MQTTPublisher) Close() error {
	m.client.Disconnect(250)
	return nil
}
