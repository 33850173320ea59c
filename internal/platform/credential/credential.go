// Package credential tracks the session credential used by the realtime
// layer and forces a managed reconnect whenever it changes.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrCredentialExpired = errors.New("credential: token expired")

// Credential is a bearer token plus whatever could be read from it. Tokens
// are never verified here; the upstream server is the authority.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Parse inspects token. JWTs have their sub and exp claims extracted without
// signature verification; any other token is kept opaque.
func Parse(token string) Credential {
	token = strings.TrimSpace(token)
	cred := Credential{Token: token}
	if strings.Count(token, ".") != 2 {
		return cred
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return cred
	}
	cred.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred
}

// Expired reports whether the credential carries an expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

// Source is an external credential store observed for changes.
type Source interface {
	// Current returns the present token, or "" when none is available.
	Current(ctx context.Context) (string, error)
	// Watch emits the token each time the store reports a change. The
	// channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan string, error)
}
