package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/onnwee/emote-tender/telemetry"
)

// publisher is the part of mqtt.Client the sink needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes events as JSON to an MQTT topic.
type MQTTSink struct {
	client     publisher
	topic      string
	qos        byte
	timeout    time.Duration
	log        *slog.Logger
	disconnect func()
}

// DialMQTT connects to broker and returns a sink publishing to topic.
func DialMQTT(broker, clientID, topic string, log *slog.Logger) (*MQTTSink, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "mqtt"))
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", slog.String("broker", broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", slog.Any("err", err))
		})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	s := newMQTTSink(client, topic, log)
	s.disconnect = func() { client.Disconnect(250) }
	return s, nil
}

func newMQTTSink(client publisher, topic string, log *slog.Logger) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, qos: 1, timeout: 5 * time.Second, log: log}
}

// Publish sends one event and waits for the broker acknowledgement.
func (s *MQTTSink) Publish(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, false, b)
	if !token.WaitTimeout(s.timeout) {
		return errors.New("mqtt publish: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Run forwards events from d until ctx is cancelled.
func (s *MQTTSink) Run(ctx context.Context, d *Dispatcher) {
	events, unsubscribe := d.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Publish(ev); err != nil {
				telemetry.IncSinkFailures()
				s.log.Warn("mqtt publish failed", slog.String("event", ev.ID), slog.Any("err", err))
			}
		}
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.disconnect != nil {
		s.disconnect()
	}
}
