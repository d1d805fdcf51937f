package route

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"telemetry-hub/internal/core/broker"
	"telemetry-hub/internal/core/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routeGateway fakes the slice of store.Gateway the router touches.
type routeGateway struct {
	mu       sync.Mutex
	devices  map[string]store.DeviceConfig
	messages []store.Message
	readings []store.SensorReading
}

func newRouteGateway() *routeGateway {
	return &routeGateway{devices: make(map[string]store.DeviceConfig)}
}

func (g *routeGateway) ListBrokers(context.Context) ([]store.BrokerConfig, error) { return nil, nil }
func (g *routeGateway) GetBroker(context.Context, string) (*store.BrokerConfig, error) {
	return nil, store.ErrNotFound
}
func (g *routeGateway) CreateBroker(context.Context, *store.BrokerConfig) error { return nil }
func (g *routeGateway) UpdateBroker(context.Context, *store.BrokerConfig) error { return nil }
func (g *routeGateway) DeleteBroker(context.Context, string) error              { return nil }
func (g *routeGateway) ListDevices(context.Context) ([]store.DeviceConfig, error) {
	return nil, nil
}
func (g *routeGateway) CreateDevice(context.Context, *store.DeviceConfig) error { return nil }
func (g *routeGateway) DetachDevices(context.Context, string) error             { return nil }
func (g *routeGateway) RecentMessages(context.Context, int) ([]store.Message, error) {
	return nil, nil
}
func (g *routeGateway) PruneMessages(context.Context, int) error { return nil }

func (g *routeGateway) GetDevice(_ context.Context, id string) (*store.DeviceConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (g *routeGateway) TouchDeviceSeen(_ context.Context, id string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.devices[id]
	d.LastSeenAt = &at
	g.devices[id] = d
	return nil
}

func (g *routeGateway) AppendMessage(_ context.Context, m *store.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, *m)
	return nil
}

func (g *routeGateway) AppendReadings(_ context.Context, rs []store.SensorReading) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readings = append(g.readings, rs...)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	pubs     []store.Message
	failWith error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.pubs = append(p.pubs, store.Message{Topic: topic, Payload: string(payload)})
	return nil
}

func testRouter(gw store.Gateway, pub Publisher, pubErr error) *Router {
	conns := func(string) (Publisher, error) {
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	return New(gw, conns, PatternTopicMap{}, NewDecoders(JSONDecoder{}), nil, zerolog.Nop())
}

func brokerRef(id string) *string { return &id }

func TestInboundMatchedDevicePersistsReading(t *testing.T) {
	gw := newRouteGateway()
	gw.devices["d1"] = store.DeviceConfig{ID: "d1", BrokerID: brokerRef("b1")}
	r := testRouter(gw, &fakePublisher{}, nil)

	r.RouteInbound("b1", "sensors/d1/data",
		[]byte(`{"sensor_type":"temperature","value":21.5,"unit":"C"}`))

	require.Len(t, gw.messages, 1)
	msg := gw.messages[0]
	assert.Equal(t, "b1", msg.BrokerID)
	assert.Equal(t, store.DirInbound, msg.Direction)
	assert.Empty(t, msg.DecodeError)

	require.Len(t, gw.readings, 1)
	reading := gw.readings[0]
	assert.Equal(t, "d1", reading.DeviceID)
	assert.Equal(t, "temperature", reading.SensorType)
	assert.Equal(t, 21.5, reading.Value)
	assert.Equal(t, "C", reading.Unit)

	require.NotNil(t, gw.devices["d1"].LastSeenAt, "last_seen_at must be stamped")
}

func TestInboundUnmappedTopicLogsMessageOnly(t *testing.T) {
	gw := newRouteGateway()
	r := testRouter(gw, &fakePublisher{}, nil)

	r.RouteInbound("b1", "sensors/ghost/data", []byte(`{"value":1}`))

	assert.Len(t, gw.messages, 1)
	assert.Empty(t, gw.readings)
}

func TestInboundForeignTopicLogsMessageOnly(t *testing.T) {
	gw := newRouteGateway()
	r := testRouter(gw, &fakePublisher{}, nil)

	r.RouteInbound("b1", "some/other/topic/entirely", []byte("noise"))

	assert.Len(t, gw.messages, 1)
	assert.Empty(t, gw.readings)
}

func TestInboundDecodeFailureRecordedNotRaised(t *testing.T) {
	gw := newRouteGateway()
	gw.devices["d1"] = store.DeviceConfig{ID: "d1", BrokerID: brokerRef("b1")}
	r := testRouter(gw, &fakePublisher{}, nil)

	r.RouteInbound("b1", "sensors/d1/data", []byte("not json at all"))

	require.Len(t, gw.messages, 1)
	assert.NotEmpty(t, gw.messages[0].DecodeError)
	assert.Empty(t, gw.readings)
	assert.Nil(t, gw.devices["d1"].LastSeenAt)

	// The next valid payload on the same topic must still flow.
	r.RouteInbound("b1", "sensors/d1/data", []byte(`{"sensor_type":"humidity","value":40}`))
	assert.Len(t, gw.readings, 1)
}

func TestOutboundPublishesAndLogs(t *testing.T) {
	gw := newRouteGateway()
	gw.devices["d1"] = store.DeviceConfig{ID: "d1", BrokerID: brokerRef("b1")}
	pub := &fakePublisher{}
	r := testRouter(gw, pub, nil)

	require.NoError(t, r.RouteOutbound(context.Background(), "d1", []byte(`{"led":"on"}`)))

	require.Len(t, pub.pubs, 1)
	assert.Equal(t, "devices/d1/cmd", pub.pubs[0].Topic)

	require.Len(t, gw.messages, 1)
	assert.Equal(t, store.DirOutbound, gw.messages[0].Direction)
	assert.Equal(t, "b1", gw.messages[0].BrokerID)
}

func TestOutboundUnknownDevice(t *testing.T) {
	gw := newRouteGateway()
	pub := &fakePublisher{}
	r := testRouter(gw, pub, nil)

	err := r.RouteOutbound(context.Background(), "ghost", []byte("x"))
	require.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Empty(t, pub.pubs)
}

func TestOutboundUnroutedDeviceDoesNoIO(t *testing.T) {
	gw := newRouteGateway()
	gw.devices["d1"] = store.DeviceConfig{ID: "d1"} // no broker
	pub := &fakePublisher{}
	r := testRouter(gw, pub, nil)

	err := r.RouteOutbound(context.Background(), "d1", []byte("x"))
	require.ErrorIs(t, err, ErrDeviceUnrouted)
	assert.Empty(t, pub.pubs)
	assert.Empty(t, gw.messages)
}

func TestOutboundVanishedBrokerReadsAsUnrouted(t *testing.T) {
	gw := newRouteGateway()
	gw.devices["d1"] = store.DeviceConfig{ID: "d1", BrokerID: brokerRef("gone")}
	r := testRouter(gw, nil, broker.ErrBrokerNotFound)

	err := r.RouteOutbound(context.Background(), "d1", []byte("x"))
	require.ErrorIs(t, err, ErrDeviceUnrouted)
}

func TestOutboundNotConnectedPropagates(t *testing.T) {
	gw := newRouteGateway()
	gw.devices["d1"] = store.DeviceConfig{ID: "d1", BrokerID: brokerRef("b1")}
	pub := &fakePublisher{failWith: broker.ErrNotConnected}
	r := testRouter(gw, pub, nil)

	err := r.RouteOutbound(context.Background(), "d1", []byte("x"))
	require.ErrorIs(t, err, broker.ErrNotConnected)
	assert.Empty(t, gw.messages, "failed publish must not reach the log")
}

func TestJSONDecoderBatch(t *testing.T) {
	dec := JSONDecoder{}
	readings, err := dec.Decode("d1",
		[]byte(`[{"sensor_type":"temperature","value":20},{"sensor_type":"humidity","value":55,"unit":"%"}]`))
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "humidity", readings[1].SensorType)
	assert.Equal(t, "%", readings[1].Unit)
}

func TestJSONDecoderMissingValue(t *testing.T) {
	dec := JSONDecoder{}
	_, err := dec.Decode("d1", []byte(`{"sensor_type":"temperature"}`))
	require.Error(t, err)
}

func TestJSONDecoderUnknownSensorType(t *testing.T) {
	dec := JSONDecoder{}
	readings, err := dec.Decode("d1", []byte(`{"value":3.3}`))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "unknown", readings[0].SensorType)
}

func TestDecodersFallBackToDefault(t *testing.T) {
	errDecoder := decoderFunc(func(string, []byte) ([]store.SensorReading, error) {
		return nil, errors.New("always fails")
	})
	d := NewDecoders(JSONDecoder{})
	d.Register("broken", errDecoder)

	_, err := d.For("broken").Decode("d1", []byte(`{"value":1}`))
	require.Error(t, err)

	readings, err := d.For("anything-else").Decode("d1", []byte(`{"value":1}`))
	require.NoError(t, err)
	assert.Len(t, readings, 1)
}

type decoderFunc func(deviceID string, payload []byte) ([]store.SensorReading, error)

func (f decoderFunc) Decode(deviceID string, payload []byte) ([]store.SensorReading, error) {
	return f(deviceID, payload)
}

func TestPatternTopicMap(t *testing.T) {
	m := PatternTopicMap{}

	id, ok := m.DeviceID("sensors/d1/data")
	require.True(t, ok)
	assert.Equal(t, "d1", id)

	id, ok = m.DeviceID("devices/d2/status")
	require.True(t, ok)
	assert.Equal(t, "d2", id)

	_, ok = m.DeviceID("sensors//data")
	assert.False(t, ok)
	_, ok = m.DeviceID("sensors/d1/other")
	assert.False(t, ok)
	_, ok = m.DeviceID("way/too/many/parts")
	assert.False(t, ok)

	assert.Equal(t, "devices/d1/cmd", m.CommandTopic("d1"))
	assert.Contains(t, m.DataTopics(), "sensors/+/data")
}
