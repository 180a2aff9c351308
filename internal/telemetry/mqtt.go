package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultPublishTimeout = 5 * time.Second

// MQTTConfig describes a broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect opens an auto-reconnecting MQTT client.
func Connect(cfg MQTTConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: empty broker")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// MQTTSink publishes telemetry to an MQTT broker.
type MQTTSink struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// NewMQTTSink constructs a sink over a connected client.
func NewMQTTSink(client mqtt.Client, qos byte) (*MQTTSink, error) {
	if client == nil {
		return nil, errors.New("mqtt sink: nil client")
	}
	if qos > 2 {
		return nil, fmt.Errorf("mqtt sink: invalid qos %d", qos)
	}
	return &MQTTSink{client: client, qos: qos, timeout: defaultPublishTimeout}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Send publishes payload and waits for the broker acknowledgement.
func (s *MQTTSink) Send(ctx context.Context, topic string, payload []byte) error {
	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(s.timeout):
		return fmt.Errorf("failed to publish to topic %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}
