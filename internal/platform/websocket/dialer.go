package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the upstream transport.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// GorillaDialer dials the upstream push endpoint with gorilla/websocket.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a connection. A 401 or 403 handshake response is reported as
// ErrAuthRejected.
func (d GorillaDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := gorillawebsocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", RedactURL(rawURL), err)
	}
	return &gorillaConnAdapter{ws}, nil
}

// BuildURL derives the push endpoint from a base URL: http becomes ws, https
// becomes wss, an empty path becomes /ws and the token is passed as the
// token query parameter.
func BuildURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse websocket base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("websocket url %q has no host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	} else {
		q.Del("token")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RedactURL hides the token query parameter for logging.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	q := u.Query()
	if q.Get("token") != "" {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
