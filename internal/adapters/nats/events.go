// Package nats fans connection and telemetry events out to NATS so
// live dashboards can follow them without polling. Publishing is
// fire-and-forget: a down bus never affects broker connections.
package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"telemetry-hub/internal/core/broker"
	"telemetry-hub/internal/core/store"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Events struct {
	nc *natsgo.Conn
	lg zerolog.Logger
}

func New(url string, lg zerolog.Logger) (*Events, error) {
	nc, err := natsgo.Connect(url, natsgo.Name("telemetry-hub"))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Events{nc: nc, lg: lg.With().Str("adapter", "nats").Logger()}, nil
}

type phaseEvent struct {
	BrokerID  string    `json:"broker_id"`
	Phase     string    `json:"phase"`
	LastError string    `json:"last_error,omitempty"`
	At        time.Time `json:"at"`
}

// BrokerPhase implements broker.EventSink.
func (e *Events) BrokerPhase(brokerID string, phase broker.Phase, lastErr error) {
	ev := phaseEvent{
		BrokerID: brokerID,
		Phase:    phase.String(),
		At:       time.Now().UTC(),
	}
	if lastErr != nil {
		ev.LastError = lastErr.Error()
	}
	e.publish("hub.brokers."+brokerID+".phase", ev)
}

// Reading implements route.ReadingSink.
func (e *Events) Reading(r store.SensorReading) {
	e.publish("hub.devices."+r.DeviceID+".reading", r)
}

func (e *Events) publish(subject string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		e.lg.Error().Err(err).Str("subject", subject).Msg("marshal event")
		return
	}
	if err := e.nc.Publish(subject, b); err != nil {
		e.lg.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// Close the connection
func (e *Events) Close() { _ = e.nc.Drain() }
