package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// DialConfig is everything a Dialer needs to open one broker session.
type DialConfig struct {
	BrokerID string
	Host     string
	Port     int
	Username string
	Secret   string
}

// Transport is one live pub/sub session. Publish hands the payload to
// the transport's own send queue and returns; it does not wait for a
// broker-side acknowledgement.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Close() error
}

// Dialer opens transports. onMessage is invoked from the transport's
// read loop for every inbound message; onDown fires once when an
// established session drops.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig,
		onMessage func(topic string, payload []byte),
		onDown func(error)) (Transport, error)
}

// MessageHandler receives inbound traffic, decoupled from the read loop.
type MessageHandler func(brokerID, topic string, payload []byte)

// EventSink observes phase transitions. Implementations must not rely
// on being called inline with the transition; delivery is queued and
// failure-isolated.
type EventSink interface {
	BrokerPhase(brokerID string, phase Phase, lastErr error)
}

// Options tune the reconnect policy and inbound queue of a Conn.
type Options struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	QueueSize   int
}

func (o Options) withDefaults() Options {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

type inbound struct {
	topic   string
	payload []byte
}

type phaseEvent struct {
	phase Phase
	err   error
}

// Conn is the state machine around a single broker session. All state
// is guarded by mu; the mutex is never held across transport I/O.
type Conn struct {
	dialer  Dialer
	onMsg   MessageHandler
	sink    EventSink
	lg      zerolog.Logger
	msgQ    chan inbound
	evtQ    chan phaseEvent
	done    chan struct{}
	closeMu sync.Once

	mu            sync.Mutex
	cfg           DialConfig
	phase         Phase
	desired       bool
	gen           uint64 // bumped on every disconnect/dial start; stale async results check it and bail
	transport     Transport
	subs          map[string]struct{}
	retryCount    int
	lastErr       error
	lastConnected time.Time
	retryTimer    *time.Timer
	cancelDial    context.CancelFunc
	bo            *backoff.ExponentialBackOff
	dropped       uint64
}

func NewConn(cfg DialConfig, d Dialer, opts Options, onMsg MessageHandler, sink EventSink, lg zerolog.Logger) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		dialer: d,
		onMsg:  onMsg,
		sink:   sink,
		lg:     lg.With().Str("component", "conn").Str("broker_id", cfg.BrokerID).Logger(),
		msgQ:   make(chan inbound, opts.QueueSize),
		evtQ:   make(chan phaseEvent, 16),
		done:   make(chan struct{}),
		cfg:    cfg,
		phase:  PhaseIdle,
		subs:   make(map[string]struct{}),
		bo:     newBackoffPolicy(opts.BackoffBase, opts.BackoffCap),
	}
	go c.pump()
	return c
}

func newBackoffPolicy(base, cap time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.MaxInterval = cap
	bo.RandomizationFactor = 0 // retry delays must be reproducible
	bo.MaxElapsedTime = 0      // retry forever while desired
	bo.Reset()
	return bo
}

// Connect flips desired state to connected. Idempotent: while a dial,
// session or retry is already in flight it does nothing.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = true
	if c.phase == PhaseIdle {
		c.startDialLocked()
	}
}

// Disconnect flips desired state to disconnected and atomically cancels
// any in-flight dial and any pending retry timer, so a reconnect can
// never win a race against an explicit disconnect. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.desired = false
	switch c.phase {
	case PhaseIdle, PhaseDisconnecting:
		c.mu.Unlock()
		return
	case PhaseConnecting, PhaseBackoff:
		c.invalidateLocked()
		c.setPhaseLocked(PhaseDisconnecting)
		c.setPhaseLocked(PhaseIdle)
		c.mu.Unlock()
		return
	case PhaseConnected:
		c.invalidateLocked()
		t := c.transport
		c.transport = nil
		c.setPhaseLocked(PhaseDisconnecting)
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		c.mu.Lock()
		c.setPhaseLocked(PhaseIdle)
		if c.desired { // Connect raced the teardown; honor it
			c.startDialLocked()
		}
		c.mu.Unlock()
	}
}

// invalidateLocked cuts every async path loose from the current
// attempt: stale dial results, lost-session callbacks and retry timers
// all compare their generation and bail.
func (c *Conn) invalidateLocked() {
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

func (c *Conn) startDialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setPhaseLocked(PhaseConnecting)
	go c.dial(ctx, gen)
}

func (c *Conn) dial(ctx context.Context, gen uint64) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	t, err := c.dialer.Dial(ctx, cfg,
		c.enqueue,
		func(cause error) { c.sessionDown(gen, cause) })

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close() // dial lost the race against a disconnect
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial() // handshake finished, release the dial context
		c.cancelDial = nil
	}
	if err != nil {
		c.enterBackoffLocked(err)
		c.mu.Unlock()
		return
	}
	c.transport = t
	c.retryCount = 0
	c.bo.Reset()
	c.lastErr = nil
	c.lastConnected = time.Now().UTC()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.setPhaseLocked(PhaseConnected)
	c.mu.Unlock()

	// Re-establish the desired subscription set outside the lock.
	for _, topic := range topics {
		if serr := t.Subscribe(topic); serr != nil {
			c.lg.Warn().Err(serr).Str("topic", topic).Msg("resubscribe")
		}
	}
}

// sessionDown handles a mid-session transport failure.
func (c *Conn) sessionDown(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseConnected {
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.transport = nil
	c.enterBackoffLocked(cause)
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (c *Conn) enterBackoffLocked(cause error) {
	c.retryCount++
	c.lastErr = cause
	delay := c.bo.NextBackOff()
	gen := c.gen
	c.retryTimer = time.AfterFunc(delay, func() { c.retryFire(gen) })
	c.setPhaseLocked(PhaseBackoff)
	c.lg.Warn().Err(cause).Int("retry", c.retryCount).Dur("delay", delay).Msg("backoff")
}

func (c *Conn) retryFire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.phase != PhaseBackoff {
		return
	}
	c.retryTimer = nil
	if !c.desired {
		c.setPhaseLocked(PhaseIdle)
		return
	}
	c.startDialLocked()
}

// Publish hands payload to the transport. Fails fast with
// ErrNotConnected outside the Connected phase.
func (c *Conn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	if c.phase != PhaseConnected || c.transport == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	t := c.transport
	c.mu.Unlock()
	return t.Publish(topic, payload)
}

// Subscribe adds topic to the desired subscription set. Applied on the
// live session when Connected, otherwise on the next handshake.
func (c *Conn) Subscribe(topic string) error {
	c.mu.Lock()
	c.subs[topic] = struct{}{}
	var t Transport
	if c.phase == PhaseConnected {
		t = c.transport
	}
	c.mu.Unlock()
	if t != nil {
		return t.Subscribe(topic)
	}
	return nil
}

func (c *Conn) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	var t Transport
	if c.phase == PhaseConnected {
		t = c.transport
	}
	c.mu.Unlock()
	if t != nil {
		return t.Unsubscribe(topic)
	}
	return nil
}

// Phase reports the current phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RuntimeStatus is the ephemeral half of a broker's status line.
type RuntimeStatus struct {
	Phase           Phase      `json:"phase"`
	RetryCount      int        `json:"retry_count"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	LastError       string     `json:"last_error,omitempty"`
}

// Status takes a point-in-time snapshot, safe to call frequently.
func (c *Conn) Status() RuntimeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := RuntimeStatus{
		Phase:      c.phase,
		RetryCount: c.retryCount,
	}
	if !c.lastConnected.IsZero() {
		t := c.lastConnected
		st.LastConnectedAt = &t
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// SetConfig swaps the dial parameters. Only meaningful while Idle; the
// registry enforces that with its busy check.
func (c *Conn) SetConfig(cfg DialConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Close stops the delivery pump. The connection must already be
// disconnected; Close does not tear down a live session.
func (c *Conn) Close() {
	c.closeMu.Do(func() { close(c.done) })
}

// setPhaseLocked records the transition and queues it for the sink.
func (c *Conn) setPhaseLocked(p Phase) {
	c.phase = p
	c.lg.Debug().Stringer("phase", p).Msg("phase")
	if c.sink == nil {
		return
	}
	select {
	case c.evtQ <- phaseEvent{phase: p, err: c.lastErr}:
	default: // sink lagging; status polling still sees the live phase
	}
}

// enqueue is called from the transport read loop. It must never block:
// a slow downstream consumer sheds load here instead of stalling the
// network read path.
func (c *Conn) enqueue(topic string, payload []byte) {
	select {
	case c.msgQ <- inbound{topic: topic, payload: payload}:
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		c.lg.Warn().Uint64("dropped_total", n).Str("topic", topic).Msg("inbound queue full")
	}
}

// pump is the single consumer goroutine: it preserves per-connection
// FIFO for inbound delivery and isolates handler/sink panics from the
// connection's own control flow.
func (c *Conn) pump() {
	id := c.cfg.BrokerID
	for {
		select {
		case m := <-c.msgQ:
			c.deliver(func() { c.onMsg(id, m.topic, m.payload) })
		case e := <-c.evtQ:
			c.deliver(func() { c.sink.BrokerPhase(id, e.phase, e.err) })
		case <-c.done:
			return
		}
	}
}

func (c *Conn) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.lg.Error().Interface("panic", r).Msg("handler panic")
		}
	}()
	fn()
}
