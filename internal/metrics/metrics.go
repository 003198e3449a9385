// Package metrics exposes Prometheus collectors fed from the bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/connection"
	"github.com/DoyleJ11/crash-client/internal/engine"
	"github.com/DoyleJ11/crash-client/internal/projector"
)

const namespace = "crash_client"

const (
	LabelStatus = "status"
	LabelTopic  = "topic"
	LabelReason = "reason"
)

// CrashPointBuckets covers the usual spread of crash multipliers.
var CrashPointBuckets = []float64{1, 1.2, 1.5, 2, 3, 5, 10, 20, 50, 100}

var statuses = []connection.Status{
	connection.StatusDisconnected,
	connection.StatusConnecting,
	connection.StatusConnected,
	connection.StatusReconnecting,
	connection.StatusFailed,
}

var eventTopics = []engine.EventType{
	engine.EvtRoundStarted,
	engine.EvtMultiplierTick,
	engine.EvtRoundCrashed,
	engine.EvtBetAccepted,
	engine.EvtBetRejected,
	engine.EvtCashoutAccepted,
	engine.EvtCashoutRejected,
}

type Collector struct {
	ConnectionStatus *prometheus.GaugeVec
	DialAttempts     prometheus.Counter
	Frames           *prometheus.CounterVec
	FramesRejected   *prometheus.CounterVec
	Multiplier       prometheus.Gauge
	CrashPoint       prometheus.Histogram
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		ConnectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 for the others",
		}, []string{LabelStatus}),
		DialAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Total number of connection attempts",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of domain events decoded from inbound frames",
		}, []string{LabelTopic}),
		FramesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Total number of inbound frames dropped",
		}, []string{LabelReason}),
		Multiplier: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "multiplier",
			Help:      "Current round multiplier",
		}),
		CrashPoint: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crash_point",
			Help:      "Crash point of finished rounds",
			Buckets:   CrashPointBuckets,
		}),
	}
}

// Register subscribes the collector to every topic it records.
func (c *Collector) Register(b *bus.Bus) []bus.Subscription {
	subs := []bus.Subscription{
		b.SubscribeFunc(bus.TopicConnectionStatus, c.handleStatus),
		b.SubscribeFunc(bus.TopicFrameRejected, c.handleRejected),
		b.SubscribeFunc(bus.TopicGameState, c.handleGameState),
	}
	for _, et := range eventTopics {
		subs = append(subs, b.SubscribeFunc(bus.Topic(et), c.handleEvent))
	}
	return subs
}

func (c *Collector) handleStatus(_ context.Context, msg bus.Message) {
	st, ok := msg.Payload.(connection.State)
	if !ok {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == st.Status {
			v = 1
		}
		c.ConnectionStatus.WithLabelValues(string(s)).Set(v)
	}
	if st.Status == connection.StatusConnecting {
		c.DialAttempts.Inc()
	}
}

func (c *Collector) handleRejected(_ context.Context, msg bus.Message) {
	if r, ok := msg.Payload.(projector.Rejection); ok {
		c.FramesRejected.WithLabelValues(r.Reason).Inc()
	}
}

func (c *Collector) handleGameState(_ context.Context, msg bus.Message) {
	if s, ok := msg.Payload.(engine.State); ok {
		c.Multiplier.Set(s.Multiplier)
	}
}

func (c *Collector) handleEvent(_ context.Context, msg bus.Message) {
	c.Frames.WithLabelValues(string(msg.Topic)).Inc()
	if e, ok := msg.Payload.(engine.RoundCrashed); ok {
		c.CrashPoint.Observe(e.CrashPoint)
	}
}
