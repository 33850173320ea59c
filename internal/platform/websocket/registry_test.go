package websocket

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func countActions(controls []ControlMessage, entityID string) (subs, unsubs int) {
	for _, c := range controls {
		if c.EntityID != entityID {
			continue
		}
		switch c.Action {
		case ActionSubscribe:
			subs++
		case ActionUnsubscribe:
			unsubs++
		}
	}
	return subs, unsubs
}

func TestRegistry_SubscribeSendsOncePerEntity(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())
	connectAndWait(t, m)
	conn := dialer.conn(0)

	r.Subscribe("p1")
	r.Subscribe("p1")
	if subs, _ := countActions(conn.controls(), "p1"); subs != 1 {
		t.Fatalf("expected 1 subscribe, got %d", subs)
	}
	if r.RefCount("p1") != 2 {
		t.Fatalf("expected refcount 2, got %d", r.RefCount("p1"))
	}

	r.Unsubscribe("p1")
	if _, unsubs := countActions(conn.controls(), "p1"); unsubs != 0 {
		t.Fatalf("expected no unsubscribe while referenced, got %d", unsubs)
	}

	r.Unsubscribe("p1")
	if _, unsubs := countActions(conn.controls(), "p1"); unsubs != 1 {
		t.Fatalf("expected 1 unsubscribe, got %d", unsubs)
	}

	r.Unsubscribe("p1")
	if r.RefCount("p1") != 0 {
		t.Fatalf("expected refcount 0, got %d", r.RefCount("p1"))
	}
	if _, unsubs := countActions(conn.controls(), "p1"); unsubs != 1 {
		t.Fatalf("unsubscribe of absent entity must be a no-op, got %d unsubscribes", unsubs)
	}
}

func TestRegistry_PendingSubscribeSentOnConnect(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())

	r.Subscribe("p1")
	if r.Active("p1") {
		t.Fatal("subscription must not be active before connecting")
	}

	connectAndWait(t, m)
	waitFor(t, "replayed subscribe", func() bool { return len(dialer.conn(0).controls()) == 1 })
	if !r.Active("p1") {
		t.Fatal("expected subscription active after connect")
	}
}

func TestRegistry_PendingUnsubscribeIsDropped(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())
	rec := &recorder{}
	m.Observe(rec)

	r.Subscribe("p1")
	r.Unsubscribe("p1")

	connectAndWait(t, m)
	waitFor(t, "connected delivered", func() bool {
		states := rec.states()
		return len(states) > 0 && states[len(states)-1] == StateConnected
	})
	if controls := dialer.conn(0).controls(); len(controls) != 0 {
		t.Fatalf("expected no control messages, got %+v", controls)
	}
	if len(r.Entities()) != 0 {
		t.Fatalf("expected no entities, got %v", r.Entities())
	}
}

func TestRegistry_ReplaysAfterReconnect(t *testing.T) {
	m, dialer, clk := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())
	connectAndWait(t, m)

	r.Subscribe("p2")
	r.Subscribe("p1")

	dialer.conn(0).Close()
	waitState(t, m, StateDisconnected)
	if r.Active("p1") {
		t.Fatal("subscription must be inactive while disconnected")
	}

	clk.Advance(100 * time.Millisecond)
	waitFor(t, "second connection", func() bool { return dialer.connCount() == 2 })
	second := dialer.conn(1)
	waitFor(t, "replay", func() bool { return len(second.controls()) == 2 })

	controls := second.controls()
	if controls[0].EntityID != "p1" || controls[1].EntityID != "p2" {
		t.Fatalf("expected replay in entity order, got %+v", controls)
	}
	for _, c := range controls {
		if c.Action != ActionSubscribe {
			t.Fatalf("expected subscribe, got %s", c.Action)
		}
	}

	r.Unsubscribe("p1")
	if _, unsubs := countActions(second.controls(), "p1"); unsubs != 1 {
		t.Fatalf("expected unsubscribe on the new connection, got %d", unsubs)
	}
}

func TestRegistry_ConnectNotificationDoesNotDuplicate(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())
	connectAndWait(t, m)

	r.Subscribe("p1")
	r.OnStateChange(m.Status())

	if subs, _ := countActions(dialer.conn(0).controls(), "p1"); subs != 1 {
		t.Fatalf("expected 1 subscribe, got %d", subs)
	}
}

func TestRegistry_RandomInterleavingKeepsBalance(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())
	connectAndWait(t, m)
	conn := dialer.conn(0)

	rng := rand.New(rand.NewSource(7))
	ref := 0
	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			r.Subscribe("p1")
			ref++
		} else {
			r.Unsubscribe("p1")
			if ref > 0 {
				ref--
			}
		}

		if got := r.RefCount("p1"); got != ref {
			t.Fatalf("op %d: expected refcount %d, got %d", i, ref, got)
		}
		subs, unsubs := countActions(conn.controls(), "p1")
		net := subs - unsubs
		if ref > 0 && net != 1 {
			t.Fatalf("op %d: refcount %d but %d net subscribes", i, ref, net)
		}
		if ref == 0 && net != 0 {
			t.Fatalf("op %d: refcount 0 but %d net subscribes", i, net)
		}
	}
}

func TestRegistry_ReadsDoNotWaitOnBlockedWrite(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())
	connectAndWait(t, m)
	conn := dialer.conn(0)

	gate := make(chan struct{})
	conn.holdWrites(gate)
	done := make(chan struct{})
	go func() {
		r.Subscribe("p1")
		close(done)
	}()
	waitFor(t, "blocked subscribe write", func() bool { return conn.blockedWrites() == 1 })

	counts := make(chan int, 1)
	go func() {
		_ = r.Entities()
		counts <- r.RefCount("p1")
	}()
	select {
	case n := <-counts:
		if n != 1 {
			t.Fatalf("expected refcount 1 during the write, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected RefCount to return while the subscribe write is blocked")
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Subscribe to return after the write was released")
	}
	if subs, _ := countActions(conn.controls(), "p1"); subs != 1 {
		t.Fatalf("expected 1 subscribe, got %d", subs)
	}
	if !r.Active("p1") {
		t.Fatalf("expected p1 active once the write completed")
	}
}

func TestRegistry_HoldReleasesOnce(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	r := NewRegistry(m, zerolog.Nop())

	release := r.Hold("p1")
	r.Subscribe("p1")
	if r.RefCount("p1") != 2 {
		t.Fatalf("expected refcount 2, got %d", r.RefCount("p1"))
	}

	release()
	release()
	if r.RefCount("p1") != 1 {
		t.Fatalf("expected refcount 1 after double release, got %d", r.RefCount("p1"))
	}
}
