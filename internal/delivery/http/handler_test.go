package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"telemetry-hub/internal/core/broker"
	"telemetry-hub/internal/core/route"
	"telemetry-hub/internal/core/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiGateway is just enough store.Gateway for the handler wiring.
type apiGateway struct {
	mu       sync.Mutex
	brokers  map[string]store.BrokerConfig
	devices  map[string]store.DeviceConfig
	messages []store.Message
}

func newAPIGateway() *apiGateway {
	return &apiGateway{
		brokers: make(map[string]store.BrokerConfig),
		devices: make(map[string]store.DeviceConfig),
	}
}

func (g *apiGateway) ListBrokers(context.Context) ([]store.BrokerConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]store.BrokerConfig, 0, len(g.brokers))
	for _, b := range g.brokers {
		out = append(out, b)
	}
	return out, nil
}

func (g *apiGateway) GetBroker(_ context.Context, id string) (*store.BrokerConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.brokers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (g *apiGateway) CreateBroker(_ context.Context, b *store.BrokerConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.brokers[b.ID] = *b
	return nil
}

func (g *apiGateway) UpdateBroker(_ context.Context, b *store.BrokerConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.brokers[b.ID] = *b
	return nil
}

func (g *apiGateway) DeleteBroker(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.brokers, id)
	return nil
}

func (g *apiGateway) ListDevices(context.Context) ([]store.DeviceConfig, error) { return nil, nil }

func (g *apiGateway) GetDevice(_ context.Context, id string) (*store.DeviceConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (g *apiGateway) CreateDevice(_ context.Context, d *store.DeviceConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.devices[d.ID] = *d
	return nil
}

func (g *apiGateway) DetachDevices(context.Context, string) error { return nil }

func (g *apiGateway) TouchDeviceSeen(context.Context, string, time.Time) error { return nil }

func (g *apiGateway) AppendMessage(_ context.Context, m *store.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, *m)
	return nil
}

func (g *apiGateway) RecentMessages(context.Context, int) ([]store.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.messages, nil
}

func (g *apiGateway) PruneMessages(context.Context, int) error { return nil }

func (g *apiGateway) AppendReadings(context.Context, []store.SensorReading) error { return nil }

// okDialer hands out transports that accept everything.
type okDialer struct{}

type okTransport struct{}

func (okTransport) Publish(string, []byte) error { return nil }
func (okTransport) Subscribe(string) error       { return nil }
func (okTransport) Unsubscribe(string) error     { return nil }
func (okTransport) Close() error                 { return nil }

func (okDialer) Dial(context.Context, broker.DialConfig,
	func(string, []byte), func(error)) (broker.Transport, error) {
	return okTransport{}, nil
}

func testServer(t *testing.T) (*httptest.Server, *broker.Registry, *apiGateway) {
	t.Helper()
	gw := newAPIGateway()
	reg := broker.NewRegistry(gw, okDialer{}, nil, broker.Options{
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, nil, zerolog.Nop())
	rtr := route.New(gw, func(id string) (route.Publisher, error) {
		return reg.Publisher(id)
	}, route.PatternTopicMap{}, route.NewDecoders(route.JSONDecoder{}), nil, zerolog.Nop())
	reg.SetInbound(rtr.RouteInbound)

	srv := httptest.NewServer(New(reg, rtr, gw, zerolog.Nop()))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return srv, reg, gw
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateBrokerAndStatus(t *testing.T) {
	srv, _, gw := testServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/brokers",
		`{"name":"Lab","host":"10.0.0.5","port":1883,"secret":"hunter2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, gw.brokers, 1)

	status := do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, status.StatusCode)

	raw, err := io.ReadAll(status.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, `"Idle"`)
	assert.NotContains(t, body, "hunter2", "secret must never leave the process")
}

func TestCreateBrokerValidationStatusCode(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/brokers",
		`{"name":"Lab","host":"","port":1883}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateLiveBrokerConflicts(t *testing.T) {
	srv, reg, _ := testServer(t)

	cfg, err := reg.CreateBroker(context.Background(),
		store.BrokerConfig{Name: "Lab", Host: "10.0.0.5", Port: 1883})
	require.NoError(t, err)
	require.NoError(t, reg.Control(cfg.ID, "connect"))
	require.Eventually(t, func() bool {
		for _, st := range reg.StatusSnapshot() {
			if st.ID == cfg.ID && st.Phase == broker.PhaseConnected {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	resp := do(t, http.MethodPut, srv.URL+"/brokers/"+cfg.ID, `{"port":1884}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestControlUnknownBrokerIs404(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/brokers/nope/control", `{"action":"connect"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommandToUnroutedDeviceConflicts(t *testing.T) {
	srv, _, gw := testServer(t)
	gw.devices["d1"] = store.DeviceConfig{ID: "d1"}

	resp := do(t, http.MethodPost, srv.URL+"/devices/d1/command", `{"payload":"x"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCommandToUnknownDeviceIs404(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/devices/ghost/command", `{"payload":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
