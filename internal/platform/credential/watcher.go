package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard-realtime/internal/platform/clock"
)

// Reconnector is the connection the watcher keeps in step with the
// credential. websocket.Manager implements it.
type Reconnector interface {
	Reconnect() error
	Disconnect()
	RequireReauth(cause error)
}

// Watcher applies credential changes to a Reconnector.
type Watcher struct {
	source Source
	target Reconnector
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	current Credential
	applied bool
}

// NewWatcher creates a Watcher. Nothing happens until Run or Apply.
func NewWatcher(source Source, target Reconnector, clk clock.Clock, logger zerolog.Logger) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Watcher{
		source: source,
		target: target,
		clock:  clk,
		logger: logger.With().Str("component", "credential-watcher").Logger(),
	}
}

// Token returns the active token.
func (w *Watcher) Token() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Token
}

// Credential returns the active credential.
func (w *Watcher) Credential() Credential {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run applies the source's current token and then every change until ctx is
// done or the source stops.
func (w *Watcher) Run(ctx context.Context) error {
	changes, err := w.source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch credential source: %w", err)
	}

	token, err := w.source.Current(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("reading current credential")
	} else {
		w.Apply(token)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case token, ok := <-changes:
			if !ok {
				return nil
			}
			w.Apply(token)
		}
	}
}

// Apply makes token the active credential. Re-applying the active token is
// ignored. It reports whether the connection was acted upon.
func (w *Watcher) Apply(token string) bool {
	token = strings.TrimSpace(token)

	w.mu.Lock()
	if w.applied && token == w.current.Token {
		w.mu.Unlock()
		return false
	}
	cred := Parse(token)
	w.current = cred
	w.applied = true
	w.mu.Unlock()

	log := w.logger.With().Str("subject", cred.Subject).Logger()
	switch {
	case token == "":
		log.Info().Msg("credential cleared; disconnecting")
		w.target.Disconnect()
	case cred.Expired(w.clock.Now()):
		log.Warn().Time("expires_at", cred.ExpiresAt).Msg("credential already expired")
		w.target.RequireReauth(ErrCredentialExpired)
	default:
		log.Info().Msg("credential changed; reconnecting")
		if err := w.target.Reconnect(); err != nil {
			log.Error().Err(err).Msg("reconnect after credential change")
		}
	}
	return true
}
