package connection

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

var (
	ErrNotConnected       = errors.New("not connected to game server")
	ErrMaxRetriesExceeded = errors.New("maximum reconnection attempts reached")
	ErrServerUnavailable  = errors.New("server unavailable")
	ErrClosed             = errors.New("connection manager closed")
	ErrInvalidAmount      = errors.New("bet amount must be a positive number")
	ErrInvalidBetID       = errors.New("bet id is required")
)

const networkLost = "network connection lost"

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// State is the manager's view of the link. Transport is set only while
// connected.
type State struct {
	Status    Status `json:"status"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
	Transport string `json:"transport,omitempty"`
}

func (s State) Connected() bool { return s.Status == StatusConnected }

// busy reports a state in which a new connect cycle must not start.
func (s State) busy() bool {
	return s.Status == StatusConnected || s.Status == StatusConnecting
}

type Options struct {
	Endpoint       string
	Token          string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// PingInterval of zero disables liveness pings.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Preflight, when set, runs before the first dial of every Initialize
	// cycle. A failure ends the cycle in StatusFailed without dialing.
	Preflight func(ctx context.Context) error
}

func DefaultOptions() Options {
	return Options{
		Endpoint:       "ws://localhost:8001/ws/game",
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		MaxRetries:     5,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   3 * time.Second,
		PingInterval:   15 * time.Second,
		PingTimeout:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval > 0 && o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout
	}
	return o
}

// Delay returns min(base * 2^attempt, maxDelay).
func Delay(base, maxDelay time.Duration, attempt int) time.Duration {
	b := &backoff.Backoff{Min: base, Max: maxDelay, Factor: 2}
	return b.ForAttempt(float64(attempt))
}
