// Package mqtt binds the broker connection machinery to real MQTT
// sessions via the paho client.
package mqtt

import (
	"context"
	"fmt"
	"time"

	"telemetry-hub/internal/core/broker"
	"telemetry-hub/pkg/rand"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 10 * time.Second
	keepAlive      = 30 * time.Second
	qosAtMostOnce  = 0
)

// Dialer implements broker.Dialer over MQTT. Auto-reconnect is left to
// the connection's own state machine; paho only reports the loss.
type Dialer struct {
	lg zerolog.Logger
}

func NewDialer(lg zerolog.Logger) *Dialer {
	return &Dialer{lg: lg.With().Str("adapter", "mqtt").Logger()}
}

func (d *Dialer) Dial(ctx context.Context, cfg broker.DialConfig,
	onMessage func(topic string, payload []byte),
	onDown func(error)) (broker.Transport, error) {

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(rand.ClientID("telemetry-hub")).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			onDown(err)
		}).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
			onMessage(m.Topic(), m.Payload())
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Secret)
	}

	cli := pahomqtt.NewClient(opts)
	tok := cli.Connect()
	select {
	case <-ctx.Done():
		cli.Disconnect(0)
		return nil, ctx.Err()
	case <-tok.Done():
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	d.lg.Info().Str("broker_id", cfg.BrokerID).Str("host", cfg.Host).Int("port", cfg.Port).Msg("session up")
	return &session{cli: cli, onMessage: onMessage}, nil
}

type session struct {
	cli       pahomqtt.Client
	onMessage func(topic string, payload []byte)
}

// Publish hands the payload to paho's send queue without waiting for
// the broker ack.
func (s *session) Publish(topic string, payload []byte) error {
	tok := s.cli.Publish(topic, qosAtMostOnce, false, payload)
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (s *session) Subscribe(topic string) error {
	tok := s.cli.Subscribe(topic, qosAtMostOnce, func(_ pahomqtt.Client, m pahomqtt.Message) {
		s.onMessage(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (s *session) Unsubscribe(topic string) error {
	tok := s.cli.Unsubscribe(topic)
	if !tok.WaitTimeout(connectTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (s *session) Close() error {
	s.cli.Disconnect(250) // quiesce ms, flushes in-flight sends
	return nil
}
