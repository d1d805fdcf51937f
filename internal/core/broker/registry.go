package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemetry-hub/internal/core/store"
	"telemetry-hub/pkg/rand"

	"github.com/rs/zerolog"
)

// entry pairs one connection with the in-memory copy of its stored
// configuration, so status snapshots never touch the database.
type entry struct {
	cfg  store.BrokerConfig
	conn *Conn
}

// Registry supervises the full set of broker connections. It owns the
// broker_id -> Conn map; the registry lock guards only that map and
// the cached configs, never a network or database call.
type Registry struct {
	gw      store.Gateway
	dialer  Dialer
	sink    EventSink
	opts    Options
	topics  []string // default subscription filters seeded per connection
	lg      zerolog.Logger
	inbound MessageHandler

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(gw store.Gateway, d Dialer, sink EventSink, opts Options, topics []string, lg zerolog.Logger) *Registry {
	return &Registry{
		gw:      gw,
		dialer:  d,
		sink:    sink,
		opts:    opts,
		topics:  topics,
		lg:      lg.With().Str("component", "registry").Logger(),
		entries: make(map[string]*entry),
	}
}

// SetInbound wires the downstream message handler (the device router).
// Must be called before LoadAndStart.
func (r *Registry) SetInbound(h MessageHandler) { r.inbound = h }

func (r *Registry) dispatchInbound(brokerID, topic string, payload []byte) {
	if r.inbound != nil {
		r.inbound(brokerID, topic, payload)
	}
}

// LoadAndStart hydrates one connection per stored broker and connects
// those flagged enabled. One broker failing to start never prevents
// the others from starting.
func (r *Registry) LoadAndStart(ctx context.Context) error {
	brokers, err := r.gw.ListBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list brokers: %w", err)
	}
	for _, cfg := range brokers {
		conn := r.newConn(cfg)
		r.mu.Lock()
		r.entries[cfg.ID] = &entry{cfg: cfg, conn: conn}
		r.mu.Unlock()
		if cfg.Enabled {
			conn.Connect()
		}
		// Seed the desired subscription set; topics are applied on the
		// next successful handshake when not yet connected.
		r.seedSubscriptions(ctx, cfg.ID, conn)
	}
	r.lg.Info().Int("brokers", len(brokers)).Msg("registry started")
	return nil
}

func (r *Registry) newConn(cfg store.BrokerConfig) *Conn {
	return NewConn(DialConfig{
		BrokerID: cfg.ID,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Secret:   cfg.Secret,
	}, r.dialer, r.opts, r.dispatchInbound, r.sink, r.lg)
}

func (r *Registry) seedSubscriptions(ctx context.Context, brokerID string, conn *Conn) {
	for _, topic := range r.topics {
		if err := conn.Subscribe(topic); err != nil {
			r.lg.Warn().Err(err).Str("broker_id", brokerID).Str("topic", topic).Msg("seed subscription")
		}
	}
}

func validate(cfg *store.BrokerConfig) error {
	if cfg.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if cfg.Host == "" {
		return &ValidationError{Field: "host", Reason: "must not be empty"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "must be in 1..65535"}
	}
	return nil
}

// CreateBroker validates and persists a new broker and registers its
// connection in Idle. It does not auto-connect.
func (r *Registry) CreateBroker(ctx context.Context, cfg store.BrokerConfig) (*store.BrokerConfig, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	cfg.ID = rand.ID16()
	if err := r.gw.CreateBroker(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("persist broker: %w", err)
	}
	conn := r.newConn(cfg)
	r.mu.Lock()
	r.entries[cfg.ID] = &entry{cfg: cfg, conn: conn}
	r.mu.Unlock()
	r.seedSubscriptions(ctx, cfg.ID, conn)
	r.lg.Info().Str("broker_id", cfg.ID).Str("host", cfg.Host).Msg("broker created")
	return &cfg, nil
}

// BrokerPatch carries partial updates; nil fields are left untouched.
type BrokerPatch struct {
	Name     *string `json:"name"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Username *string `json:"username"`
	Secret   *string `json:"secret"`
	Enabled  *bool   `json:"enabled"`
}

func (p BrokerPatch) apply(cfg *store.BrokerConfig) {
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Host != nil {
		cfg.Host = *p.Host
	}
	if p.Port != nil {
		cfg.Port = *p.Port
	}
	if p.Username != nil {
		cfg.Username = *p.Username
	}
	if p.Secret != nil {
		cfg.Secret = *p.Secret
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
}

// lookup resolves an entry without holding the lock afterwards.
func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrBrokerNotFound
	}
	return e, nil
}

// busy reports whether the phase forbids config mutation. Idle and
// Backoff are editable (Backoff holds no live session, only a timer).
func busy(p Phase) bool {
	return p == PhaseConnecting || p == PhaseConnected || p == PhaseDisconnecting
}

// UpdateBroker edits a broker's stored configuration. Rejected with
// ErrBrokerBusy while the connection is live; a connection sitting in
// Backoff is disconnected first so the update leaves it Idle.
func (r *Registry) UpdateBroker(ctx context.Context, id string, patch BrokerPatch) (*store.BrokerConfig, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if busy(e.conn.Phase()) {
		return nil, ErrBrokerBusy
	}
	e.conn.Disconnect() // cancels a pending Backoff retry; no-op on Idle

	r.mu.Lock()
	cfg := e.cfg
	r.mu.Unlock()
	patch.apply(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := r.gw.UpdateBroker(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("persist broker: %w", err)
	}

	e.conn.SetConfig(DialConfig{
		BrokerID: cfg.ID,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Secret:   cfg.Secret,
	})
	r.mu.Lock()
	e.cfg = cfg
	r.mu.Unlock()
	r.lg.Info().Str("broker_id", id).Msg("broker updated")
	return &cfg, nil
}

// DeleteBroker removes a broker under the same busy rule as update,
// detaching its devices so their routing falls back to "unrouted".
func (r *Registry) DeleteBroker(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if busy(e.conn.Phase()) {
		return ErrBrokerBusy
	}
	e.conn.Disconnect()

	if err := r.gw.DetachDevices(ctx, id); err != nil {
		return fmt.Errorf("detach devices: %w", err)
	}
	if err := r.gw.DeleteBroker(ctx, id); err != nil {
		return fmt.Errorf("delete broker: %w", err)
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	e.conn.Close()
	r.lg.Info().Str("broker_id", id).Msg("broker deleted")
	return nil
}

// Control translates an administrative connect/disconnect action onto
// the target connection.
func (r *Registry) Control(id, action string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	switch action {
	case "connect":
		e.conn.Connect()
	case "disconnect":
		e.conn.Disconnect()
	default:
		return &ValidationError{Field: "action", Reason: "must be connect or disconnect"}
	}
	return nil
}

// Publisher resolves the connection used to publish toward a broker.
func (r *Registry) Publisher(id string) (*Conn, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// BrokerStatus is one line of the dashboard's status poll. The
// credential never appears here.
type BrokerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Enabled bool   `json:"enabled"`
	RuntimeStatus
}

// StatusSnapshot returns a point-in-time view of every known broker.
// No side effects, no storage reads; cheap enough for frequent polling.
func (r *Registry) StatusSnapshot() []BrokerStatus {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]BrokerStatus, 0, len(entries))
	for _, e := range entries {
		r.mu.Lock()
		cfg := e.cfg
		r.mu.Unlock()
		out = append(out, BrokerStatus{
			ID:            cfg.ID,
			Name:          cfg.Name,
			Host:          cfg.Host,
			Port:          cfg.Port,
			Enabled:       cfg.Enabled,
			RuntimeStatus: e.conn.Status(),
		})
	}
	return out
}

// Shutdown disconnects every broker and stops their pumps. Bounded by
// ctx so a hung teardown cannot wedge process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			e.conn.Disconnect()
			e.conn.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.lg.Warn().Msg("shutdown timed out")
	case <-time.After(10 * time.Second):
		r.lg.Warn().Msg("shutdown timed out")
	}
}
