// Package hub wires one instance of every client component together.
package hub

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/config"
	"github.com/DoyleJ11/crash-client/internal/connection"
	"github.com/DoyleJ11/crash-client/internal/health"
	"github.com/DoyleJ11/crash-client/internal/history"
	"github.com/DoyleJ11/crash-client/internal/metrics"
	"github.com/DoyleJ11/crash-client/internal/projector"
	"github.com/DoyleJ11/crash-client/internal/transport"
)

const memoryHistory = 200

// Deps overrides the defaults New would build. Zero fields are filled in.
type Deps struct {
	Logger     *zap.Logger
	Dialer     transport.Dialer
	Store      history.Store
	Registry   *prometheus.Registry
	HTTPClient *http.Client
}

type Hub struct {
	Config    *config.Config
	Bus       *bus.Bus
	Projector *projector.Projector
	Manager   *connection.Manager
	Monitor   *health.Monitor
	Metrics   *metrics.Collector
	Recorder  *history.Recorder
	Registry  *prometheus.Registry

	store  history.Store
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(parent context.Context, cfg *config.Config, deps Deps) (*Hub, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Dialer == nil {
		deps.Dialer = transport.WebsocketDialer{HTTPClient: deps.HTTPClient}
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	if deps.Store == nil {
		store, err := openStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.Store = store
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		Config:   cfg,
		Bus:      bus.New(),
		Registry: deps.Registry,
		store:    deps.Store,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	h.Projector = projector.New(h.Bus, logger)

	opts := cfg.ConnectionOptions()
	if cfg.Preflight {
		opts.Preflight = health.Preflight(deps.HTTPClient, cfg.WSURL, cfg.ConnectTimeout)
	}
	h.Manager = connection.New(ctx, opts, deps.Dialer, h.Projector, h.Bus, logger)

	h.Monitor = health.NewMonitor(h.Manager, h.Bus, cfg.HealthInterval, logger)
	h.Metrics = metrics.New(h.Registry)
	h.Metrics.Register(h.Bus)
	h.Recorder = history.NewRecorder(h.store, logger)
	h.Recorder.Register(h.Bus)

	logger.Debug("client wired",
		zap.Int("state_subscribers", h.Bus.Subscribers(bus.TopicGameState)),
		zap.Int("status_subscribers", h.Bus.Subscribers(bus.TopicConnectionStatus)),
	)
	return h, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (history.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, keeping round history in memory")
		return history.NewMemoryStore(memoryHistory), nil
	}
	return history.Open(cfg.DatabaseURL)
}

// Start launches the background workers and begins connecting.
func (h *Hub) Start() error {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.Monitor.Run(h.ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.Recorder.Run(h.ctx)
	}()
	return h.Manager.Initialize(h.Config.AuthToken)
}

// Shutdown disconnects, stops every worker and releases the store. Safe to
// call more than once.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		_ = h.Manager.Disconnect()
		h.Manager.Close()
		h.cancel()
		h.wg.Wait()
		if c, ok := h.store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				h.logger.Warn("close history store", zap.Error(err))
			}
		}
		h.logger.Info("client stopped")
	})
}
