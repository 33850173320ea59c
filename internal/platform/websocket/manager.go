// Package websocket provides the dashboard's realtime transport: a single
// managed upstream push connection, a ref-counted subscription registry on
// top of it, and a hub that fans updates out to downstream UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

var (
	ErrNotConnected       = errors.New("websocket: not connected")
	ErrAuthRejected       = errors.New("websocket: credential rejected")
	ErrReconnectExhausted = errors.New("websocket: reconnect attempts exhausted")
	ErrMalformedMessage   = errors.New("websocket: malformed message")
	ErrClosed             = errors.New("websocket: manager closed")
)

// State is the lifecycle state of the upstream connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State         State         `json:"state"`
	Generation    uint64        `json:"generation"`
	Attempt       int           `json:"attempt"`
	RetryIn       time.Duration `json:"retryIn,omitempty"`
	NeedsReauth   bool          `json:"needsReauth"`
	LastError     string        `json:"lastError,omitempty"`
	LastHeartbeat time.Time     `json:"lastHeartbeat,omitempty"`
}

// Observer receives connection state changes and inbound envelopes. All
// observers of a manager are called from a single delivery queue, one event
// at a time, in the order the events happened.
type Observer interface {
	OnStateChange(Status)
	OnEnvelope(Envelope)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// URL is the push endpoint base; see BuildURL.
	URL string
	// Token returns the credential to present on the next dial.
	Token  func() string
	Dialer Dialer
	Clock  clock.Clock

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int // 0 means unlimited
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

// Manager owns the single upstream connection. Its state is guarded by mu,
// which is only held for non-blocking transitions. Dials and reads run on
// their own goroutines and re-enter through generation-checked methods, so
// results from a superseded connection are discarded.
type Manager struct {
	cfg     ManagerConfig
	clock   clock.Clock
	logger  zerolog.Logger
	backoff *backoff.ExponentialBackOff

	mu            sync.Mutex
	state         State
	gen           uint64
	attempt       int
	retryIn       time.Duration
	explicitClose bool
	closed        bool
	needsReauth   bool
	lastErr       error
	lastHeartbeat time.Time
	conn          Conn
	cancelDial    context.CancelFunc
	reconnect     clock.Timer
	reconnectSeq  uint64
	heartbeat     clock.Timer

	observers  []observerEntry
	observerID int
	queue      []event
	draining   bool

	writeMu sync.Mutex
}

type observerEntry struct {
	id int
	o  Observer
}

type event struct {
	status *Status
	env    *Envelope
}

type dialJob struct {
	gen uint64
	ctx context.Context
}

// NewManager creates a disconnected Manager.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{HandshakeTimeout: cfg.DialTimeout}
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger.With().Str("component", "ws-manager").Logger(),
		backoff: newReconnectBackOff(cfg.BaseDelay, cfg.MaxDelay),
		state:   StateDisconnected,
	}
}

// Observe registers o. Observers are called in registration order. The
// returned func removes the registration.
func (m *Manager) Observe(o Observer) (cancel func()) {
	m.mu.Lock()
	m.observerID++
	id := m.observerID
	m.observers = append(m.observers, observerEntry{id: id, o: o})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, e := range m.observers {
				if e.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Connect opens the upstream connection. It is a no-op while connecting or
// connected and fails with ErrClosed after Close.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.explicitClose = false
	m.cancelReconnectLocked()
	job := m.openLocked()
	m.mu.Unlock()

	m.drain()
	go m.dial(job)
	return nil
}

// Disconnect closes the connection and suppresses the automatic reconnect
// until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicitClose = true
	conn := m.disconnectLocked(false)
	m.mu.Unlock()

	closeConn(conn)
	m.drain()
}

// Reconnect tears down the current connection and dials again with a fresh
// backoff and the current credential.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.needsReauth = false
	m.lastErr = nil
	m.attempt = 0
	m.backoff.Reset()
	conn := m.disconnectLocked(false)
	m.explicitClose = false
	job := m.openLocked()
	m.mu.Unlock()

	closeConn(conn)
	m.drain()
	go m.dial(job)
	return nil
}

// RequireReauth disconnects and flags that a new credential is needed before
// the manager may connect again.
func (m *Manager) RequireReauth(cause error) {
	m.mu.Lock()
	m.explicitClose = true
	m.needsReauth = true
	if cause != nil {
		m.lastErr = cause
	}
	conn := m.disconnectLocked(true)
	m.mu.Unlock()

	closeConn(conn)
	m.drain()
}

// Close disposes the manager. No timer fires and no Connect succeeds
// afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.explicitClose = true
	conn := m.disconnectLocked(false)
	m.mu.Unlock()

	closeConn(conn)
	m.drain()
}

// Send encodes v as JSON and writes it to the current connection. It returns
// ErrNotConnected unless the manager is connected.
func (m *Manager) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = m.write(0, data)
	return err
}

// sendOn writes v only if the connection of generation gen is still current.
// A gen of 0 accepts any connected generation. It returns the generation the
// message was written to.
func (m *Manager) sendOn(gen uint64, v interface{}) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	return m.write(gen, data)
}

func (m *Manager) write(gen uint64, data []byte) (uint64, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil || (gen != 0 && gen != m.gen) {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}
	conn, cur := m.conn, m.gen
	m.mu.Unlock()

	m.writeMu.Lock()
	err := conn.WriteMessage(gorillawebsocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("write message: %w", err)
	}
	return cur, nil
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (m *Manager) openLocked() dialJob {
	m.gen++
	m.state = StateConnecting
	m.retryIn = 0
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	m.enqueueStatusLocked()
	return dialJob{gen: m.gen, ctx: ctx}
}

func (m *Manager) dial(job dialJob) {
	rawURL, err := BuildURL(m.cfg.URL, m.cfg.Token())
	if err != nil {
		m.opened(job.gen, nil, err)
		return
	}
	m.logger.Debug().Str("url", RedactURL(rawURL)).Uint64("generation", job.gen).Msg("dialing")
	conn, err := m.cfg.Dialer.Dial(job.ctx, rawURL)
	m.opened(job.gen, conn, err)
}

func (m *Manager) opened(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		closeConn(conn)
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	if err != nil {
		m.state = StateDisconnected
		m.lastErr = err
		if errors.Is(err, ErrAuthRejected) {
			m.needsReauth = true
			m.logger.Warn().Err(err).Uint64("generation", gen).Msg("credential rejected; waiting for a new credential")
		} else {
			m.logger.Warn().Err(err).Uint64("generation", gen).Msg("dial failed")
			m.scheduleReconnectLocked()
		}
		m.enqueueStatusLocked()
		m.mu.Unlock()
		m.drain()
		return
	}

	m.conn = conn
	m.state = StateConnected
	m.attempt = 0
	m.retryIn = 0
	m.backoff.Reset()
	m.lastErr = nil
	m.needsReauth = false
	m.scheduleHeartbeatLocked(gen)
	m.enqueueStatusLocked()
	m.logger.Info().Uint64("generation", gen).Msg("connected")
	m.mu.Unlock()

	go m.readLoop(gen, conn)
	m.drain()
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.closedUnexpectedly(gen, err)
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			m.logger.Warn().Err(err).Uint64("generation", gen).Msg("dropping inbound frame")
			continue
		}
		env.Generation = gen
		m.received(env)
	}
}

func (m *Manager) received(env Envelope) {
	m.mu.Lock()
	if env.Generation != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if env.Type == TypeHeartbeat {
		m.lastHeartbeat = m.clock.Now()
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, event{env: &env})
	m.mu.Unlock()
	m.drain()
}

func (m *Manager) closedUnexpectedly(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = StateDisconnected
	m.lastErr = cause
	m.logger.Warn().Err(cause).Uint64("generation", gen).Msg("connection closed unexpectedly")
	if !m.explicitClose && !m.closed {
		m.scheduleReconnectLocked()
	}
	m.enqueueStatusLocked()
	m.mu.Unlock()

	closeConn(conn)
	m.drain()
}

// disconnectLocked cancels every pending operation and returns the
// connection to close once mu is released.
func (m *Manager) disconnectLocked(forceNotify bool) Conn {
	changed := m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.state != StateDisconnected {
		m.gen++
		m.state = StateDisconnected
		changed = true
	}
	m.retryIn = 0
	conn := m.conn
	m.conn = nil
	if changed || forceNotify {
		m.enqueueStatusLocked()
	}
	return conn
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.explicitClose || m.needsReauth {
		return
	}
	if m.cfg.MaxAttempts > 0 && m.attempt >= m.cfg.MaxAttempts {
		m.lastErr = ErrReconnectExhausted
		m.logger.Error().Int("attempts", m.attempt).Msg("giving up reconnecting")
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop || delay <= 0 {
		delay = m.cfg.BaseDelay
	}
	m.attempt++
	m.retryIn = delay
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnect = m.clock.AfterFunc(delay, func() { m.fireReconnect(seq) })
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// cancelReconnectLocked reports whether a reconnect was pending.
func (m *Manager) cancelReconnectLocked() bool {
	m.reconnectSeq++
	if m.reconnect == nil {
		return false
	}
	m.reconnect.Stop()
	m.reconnect = nil
	return true
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.closed || m.explicitClose || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	job := m.openLocked()
	m.mu.Unlock()

	m.drain()
	go m.dial(job)
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.sendHeartbeat(gen) })
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.scheduleHeartbeatLocked(gen)
	now := m.clock.Now()
	m.mu.Unlock()

	env, err := NewEnvelope(TypeHeartbeat, nil, now)
	if err != nil {
		return
	}
	if _, err := m.sendOn(gen, env); err != nil {
		m.logger.Debug().Err(err).Uint64("generation", gen).Msg("heartbeat not sent")
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func (m *Manager) statusLocked() Status {
	st := Status{
		State:         m.state,
		Generation:    m.gen,
		Attempt:       m.attempt,
		RetryIn:       m.retryIn,
		NeedsReauth:   m.needsReauth,
		LastHeartbeat: m.lastHeartbeat,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) enqueueStatusLocked() {
	st := m.statusLocked()
	m.queue = append(m.queue, event{status: &st})
}

// drain delivers queued events to observers without holding mu. Only one
// goroutine drains at a time; events queued meanwhile are picked up by it.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue = m.queue[1:]
		observers := make([]Observer, len(m.observers))
		for i, e := range m.observers {
			observers[i] = e.o
		}
		m.mu.Unlock()

		for _, o := range observers {
			if ev.status != nil {
				o.OnStateChange(*ev.status)
			} else {
				o.OnEnvelope(*ev.env)
			}
		}

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
