// Package transport is the duplex, message-oriented link to the game server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Close codes with a meaning to the client.
const (
	CodeNormalClosure   = 1000
	CodeGoingAway       = 1001
	CodeAbnormalClosure = 1006
	CodeTLSHandshake    = 1015
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Conn is one open connection. Read must only be called from one goroutine;
// Write, Ping and Close may be called concurrently with it.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
	Kind() string
}

// Dialer opens connections. token may be empty.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// CloseError describes why a connection ended.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection closed (%d)", e.Code)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Clean reports an expected closure that must not trigger a reconnect.
func (e *CloseError) Clean() bool {
	return e.Code == CodeNormalClosure || e.Code == CodeGoingAway
}

// Diagnostic is the human-readable reason shown as the connection's last
// error. Clean closures have none.
func (e *CloseError) Diagnostic() string {
	switch e.Code {
	case CodeNormalClosure, CodeGoingAway:
		return ""
	case CodeAbnormalClosure:
		return "server unavailable"
	case CodeTLSHandshake:
		return "TLS handshake failed"
	default:
		return fmt.Sprintf("connection closed (%d)", e.Code)
	}
}

// AsClose extracts a CloseError from err. Errors that carry no close status
// are reported as abnormal closures.
func AsClose(err error) *CloseError {
	if err == nil {
		return nil
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	return &CloseError{Code: CodeAbnormalClosure, Err: err}
}

// Endpoint validates a ws:// or wss:// URL and adds the auth token as the
// token query parameter.
func Endpoint(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: scheme %q, want ws or wss", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Redact strips the query string so tokens never reach the logs.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
