// Package health reports connection stats on a schedule and probes the game
// server's HTTP health endpoint before dialing.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/connection"
)

const DefaultInterval = 5 * time.Second

var ErrUnavailable = errors.New("server unavailable")

// Stats is the payload of bus.TopicConnectionStats.
type Stats struct {
	Connected bool              `json:"connected"`
	Status    connection.Status `json:"status"`
	Attempt   int               `json:"attempt"`
	LastError string            `json:"last_error,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

type Source interface {
	Stats() connection.State
}

type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, payload any) error
}

type Monitor struct {
	src      Source
	pub      Publisher
	interval time.Duration
	logger   *zap.Logger
}

func NewMonitor(src Source, pub Publisher, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{src: src, pub: pub, interval: interval, logger: logger.Named("health")}
}

// Snapshot reads the manager's current state.
func (m *Monitor) Snapshot() Stats {
	st := m.src.Stats()
	return Stats{
		Connected: st.Connected(),
		Status:    st.Status,
		Attempt:   st.Attempt,
		LastError: st.LastError,
		Transport: st.Transport,
	}
}

// Run publishes a snapshot every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			m.logger.Debug("connection stats", zap.String("status", string(s.Status)), zap.Int("attempt", s.Attempt))
			if err := m.pub.Publish(ctx, bus.TopicConnectionStats, s); err != nil {
				m.logger.Warn("subscriber failed", zap.Error(err))
			}
		}
	}
}

// HealthURL derives the server's /health URL from its websocket endpoint.
func HealthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if i := strings.Index(u.Path, "/ws"); i >= 0 {
		u.Path = u.Path[:i]
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/health"
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

// Probe fails with ErrUnavailable when the health endpoint cannot be reached
// or answers with a server error.
func Probe(ctx context.Context, client *http.Client, wsURL string) error {
	if client == nil {
		client = http.DefaultClient
	}
	target, err := HealthURL(wsURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, target, resp.StatusCode)
	}
	return nil
}

// Preflight adapts Probe to connection.Options.Preflight.
func Preflight(client *http.Client, wsURL string, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return Probe(ctx, client, wsURL)
	}
}
