package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

type reconnectorSpy struct {
	mu          sync.Mutex
	reconnects  int
	disconnects int
	reauths     []error
}

func (s *reconnectorSpy) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *reconnectorSpy) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *reconnectorSpy) RequireReauth(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reauths = append(s.reauths, cause)
}

func (s *reconnectorSpy) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects, s.disconnects, len(s.reauths)
}

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(expires)}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
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

func TestParse_ReadsJWTClaims(t *testing.T) {
	exp := now.Add(time.Hour).Truncate(time.Second)
	cred := Parse(signedToken(t, "nurse-7", exp))

	if cred.Subject != "nurse-7" {
		t.Fatalf("expected subject nurse-7, got %q", cred.Subject)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %s, got %s", exp, cred.ExpiresAt)
	}
	if cred.Expired(now) {
		t.Fatal("token should not be expired yet")
	}
	if !cred.Expired(exp) {
		t.Fatal("token should be expired at its exp")
	}
}

func TestParse_OpaqueToken(t *testing.T) {
	cred := Parse("  opaque-session-id \n")
	if cred.Token != "opaque-session-id" {
		t.Fatalf("expected trimmed token, got %q", cred.Token)
	}
	if cred.Subject != "" || !cred.ExpiresAt.IsZero() || cred.Expired(now) {
		t.Fatalf("opaque tokens carry no claims: %+v", cred)
	}
}

func TestWatcher_ApplyReconnectsOnChangeOnly(t *testing.T) {
	spy := &reconnectorSpy{}
	w := NewWatcher(NewStaticSource(""), spy, clock.NewFake(now), zerolog.Nop())

	if !w.Apply("token-a") {
		t.Fatal("expected first token to be applied")
	}
	if w.Apply("token-a") {
		t.Fatal("expected duplicate token to be ignored")
	}
	w.Apply("token-b")

	reconnects, disconnects, reauths := spy.counts()
	if reconnects != 2 || disconnects != 0 || reauths != 0 {
		t.Fatalf("expected 2 reconnects only, got %d/%d/%d", reconnects, disconnects, reauths)
	}
	if w.Token() != "token-b" {
		t.Fatalf("expected token-b, got %s", w.Token())
	}
}

func TestWatcher_EmptyTokenDisconnects(t *testing.T) {
	spy := &reconnectorSpy{}
	w := NewWatcher(NewStaticSource(""), spy, clock.NewFake(now), zerolog.Nop())

	w.Apply("token-a")
	w.Apply("")

	_, disconnects, _ := spy.counts()
	if disconnects != 1 {
		t.Fatalf("expected 1 disconnect, got %d", disconnects)
	}
	if w.Token() != "" {
		t.Fatalf("expected empty token, got %q", w.Token())
	}
}

func TestWatcher_ExpiredTokenRequiresReauth(t *testing.T) {
	spy := &reconnectorSpy{}
	w := NewWatcher(NewStaticSource(""), spy, clock.NewFake(now), zerolog.Nop())

	w.Apply(signedToken(t, "nurse-7", now.Add(-time.Minute)))

	reconnects, _, reauths := spy.counts()
	if reconnects != 0 || reauths != 1 {
		t.Fatalf("expected reauth without reconnect, got %d reconnects %d reauths", reconnects, reauths)
	}
	if !errors.Is(spy.reauths[0], ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", spy.reauths[0])
	}
}

func TestWatcher_RunFollowsSource(t *testing.T) {
	spy := &reconnectorSpy{}
	src := NewStaticSource("token-a")
	w := NewWatcher(src, spy, clock.NewFake(now), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "initial token", func() bool { return w.Token() == "token-a" })

	src.Set("token-a")
	src.Set("token-b")
	waitFor(t, "rotated token", func() bool { return w.Token() == "token-b" })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	reconnects, _, _ := spy.counts()
	if reconnects != 2 {
		t.Fatalf("expected 2 reconnects, got %d", reconnects)
	}
}
