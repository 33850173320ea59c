package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn is an in-memory upstream connection.
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	gate      chan struct{}
	blocked   int
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	gate := c.gate
	if gate != nil {
		c.blocked++
	}
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return errConnClosed
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

// holdWrites makes every later write wait until gate is closed.
func (c *fakeConn) holdWrites(gate chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
}

func (c *fakeConn) blockedWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) controls() []ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ControlMessage
	for _, w := range c.written {
		var msg ControlMessage
		if err := json.Unmarshal(w, &msg); err == nil && msg.Action != "" {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeConn) envelopes(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.written {
		var env Envelope
		if err := json.Unmarshal(w, &env); err == nil && env.Type == typ {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeConns. Queued errors are returned in order before
// dials start succeeding. A non-nil hold blocks every dial until closed.
type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	errs  []error
	hold  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	envs     []Envelope
}

func (r *recorder) OnStateChange(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) OnEnvelope(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, st := range r.statuses {
		out[i] = st.State
	}
	return out
}

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, *fakeDialer, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	dialer := &fakeDialer{}
	cfg := ManagerConfig{
		URL:       "http://dashboard.test",
		Token:     func() string { return "tok" },
		Dialer:    dialer,
		Clock:     clk,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, zerolog.Nop())
	t.Cleanup(m.Close)
	return m, dialer, clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, m *Manager, want State) Status {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return m.Status().State == want })
	return m.Status()
}

func connectAndWait(t *testing.T, m *Manager) Status {
	t.Helper()
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return waitState(t, m, StateConnected)
}
