// Package route resolves broker traffic to logical devices: inbound
// messages become sensor readings, outbound commands find their
// owning broker connection.
package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telemetry-hub/internal/core/broker"
	"telemetry-hub/internal/core/store"

	"github.com/rs/zerolog"
)

var (
	// ErrDeviceNotFound is returned for commands to an unknown device id.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceUnrouted is returned when a device has no assigned broker.
	ErrDeviceUnrouted = errors.New("device has no assigned broker")
)

// Publisher is the slice of a broker connection the router needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ConnSource resolves a broker id to its live connection.
type ConnSource func(brokerID string) (Publisher, error)

// ReadingSink observes decoded readings, e.g. for live dashboard
// fan-out. Optional.
type ReadingSink interface {
	Reading(r store.SensorReading)
}

type Router struct {
	gw       store.Gateway
	conns    ConnSource
	topics   TopicMap
	decoders *Decoders
	sink     ReadingSink
	lg       zerolog.Logger
}

func New(gw store.Gateway, conns ConnSource, topics TopicMap, decoders *Decoders, sink ReadingSink, lg zerolog.Logger) *Router {
	return &Router{
		gw:       gw,
		conns:    conns,
		topics:   topics,
		decoders: decoders,
		sink:     sink,
		lg:       lg.With().Str("component", "router").Logger(),
	}
}

// RouteInbound handles one message received from a broker. Every
// message is appended to the log; a matching device additionally gets
// its last-seen stamp updated and zero or more readings persisted.
// Nothing here ever propagates back to the connection: a malformed
// payload from one device must not halt the router.
func (r *Router) RouteInbound(brokerID, topic string, payload []byte) {
	ctx := context.Background()
	msg := store.Message{
		BrokerID:  brokerID,
		Topic:     topic,
		Payload:   string(payload),
		Direction: store.DirInbound,
		Timestamp: time.Now().UTC(),
	}

	var (
		dev      *store.DeviceConfig
		readings []store.SensorReading
	)
	if deviceID, ok := r.topics.DeviceID(topic); ok {
		var err error
		dev, err = r.gw.GetDevice(ctx, deviceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			dev = nil // unmapped topic; logged below with the message row
		case err != nil:
			r.lg.Error().Err(err).Str("device_id", deviceID).Msg("device lookup")
			dev = nil
		default:
			readings, err = r.decoders.For(dev.DeviceType).Decode(dev.ID, payload)
			if err != nil {
				msg.DecodeError = err.Error()
				readings = nil
				r.lg.Warn().Err(err).Str("device_id", dev.ID).Str("topic", topic).Msg("decode failed")
			}
		}
	}

	if err := r.gw.AppendMessage(ctx, &msg); err != nil {
		r.lg.Error().Err(err).Str("topic", topic).Msg("append message")
	}
	if dev == nil || len(readings) == 0 {
		return
	}

	if err := r.gw.AppendReadings(ctx, readings); err != nil {
		r.lg.Error().Err(err).Str("device_id", dev.ID).Msg("append readings")
		return
	}
	if err := r.gw.TouchDeviceSeen(ctx, dev.ID, msg.Timestamp); err != nil {
		r.lg.Error().Err(err).Str("device_id", dev.ID).Msg("touch device")
	}
	if r.sink != nil {
		for _, reading := range readings {
			r.sink.Reading(reading)
		}
	}
}

// RouteOutbound publishes a command to the broker owning the device.
func (r *Router) RouteOutbound(ctx context.Context, deviceID string, command []byte) error {
	dev, err := r.gw.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	if dev.BrokerID == nil {
		return ErrDeviceUnrouted
	}

	pub, err := r.conns(*dev.BrokerID)
	if errors.Is(err, broker.ErrBrokerNotFound) {
		// The broker row vanished under the device; same user-visible
		// outcome as never having one.
		return ErrDeviceUnrouted
	}
	if err != nil {
		return err
	}

	topic := r.topics.CommandTopic(deviceID)
	if err := pub.Publish(topic, command); err != nil {
		return err
	}

	if err := r.gw.AppendMessage(ctx, &store.Message{
		BrokerID:  *dev.BrokerID,
		Topic:     topic,
		Payload:   string(command),
		Direction: store.DirOutbound,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		r.lg.Error().Err(err).Str("topic", topic).Msg("append message")
	}
	return nil
}
