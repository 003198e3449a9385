package projector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/engine"
	"github.com/DoyleJ11/crash-client/internal/router"
)

type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, payload any) error
}

// Rejection is published on bus.TopicFrameRejected for every dropped frame.
type Rejection struct {
	Tag    string
	Reason string
	Err    error
}

const reasonOutOfOrder = "out_of_order"

// Projector runs the per-frame pipeline: decode, reduce, publish. Frames are
// handled one at a time, so two frames never interleave mid-reduction.
type Projector struct {
	mu     sync.Mutex
	state  atomic.Pointer[engine.State]
	pub    Publisher
	logger *zap.Logger
}

func New(pub Publisher, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Projector{pub: pub, logger: logger.Named("projector")}
	p.logger.Debug("decoding frames", zap.Strings("types", router.Tags()))
	initial := engine.NewState()
	p.state.Store(&initial)
	return p
}

// State returns the current snapshot. It is safe to call from any goroutine.
func (p *Projector) State() engine.State {
	return *p.state.Load()
}

// HandleFrame decodes and applies one raw frame. Bad frames are logged,
// reported on the bus and dropped.
func (p *Projector) HandleFrame(ctx context.Context, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev, tag, err := router.Decode(raw)
	if err != nil {
		if errors.Is(err, router.ErrNoEvent) {
			p.logger.Debug("frame without event", zap.String("type", tag))
			return
		}
		p.logger.Warn("dropping inbound frame",
			zap.String("type", tag),
			zap.String("reason", router.Reason(err)),
			zap.Error(err),
		)
		p.publish(ctx, bus.TopicFrameRejected, Rejection{Tag: tag, Reason: router.Reason(err), Err: err})
		return
	}

	p.logger.Debug("frame decoded", zap.String("type", tag), zap.String("event", string(ev.Type())))
	_ = p.apply(ctx, ev)
}

// Apply feeds an already-decoded event through the same pipeline.
func (p *Projector) Apply(ctx context.Context, ev engine.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apply(ctx, ev)
}

func (p *Projector) apply(ctx context.Context, ev engine.Event) error {
	cur := *p.state.Load()
	next, err := engine.Apply(cur, ev)
	if err != nil {
		reason := router.Reason(err)
		if errors.Is(err, engine.ErrOutOfOrderTick) {
			reason = reasonOutOfOrder
		}
		p.logger.Warn("dropping event",
			zap.String("event", eventName(ev)),
			zap.Float64("current_multiplier", cur.Multiplier),
			zap.Error(err),
		)
		p.publish(ctx, bus.TopicFrameRejected, Rejection{Tag: eventName(ev), Reason: reason, Err: err})
		return err
	}

	changed := engine.ChangesState(ev.Type()) && next != cur
	if changed {
		p.state.Store(&next)
		if next.Phase != cur.Phase {
			p.logger.Info("phase changed",
				zap.String("from", string(cur.Phase)),
				zap.String("to", string(next.Phase)),
				zap.String("round_id", next.RoundID),
				zap.Float64("multiplier", next.Multiplier),
			)
		}
	}

	p.publish(ctx, bus.Topic(ev.Type()), ev)
	if changed {
		p.publish(ctx, bus.TopicGameState, next)
	}
	return nil
}

func (p *Projector) publish(ctx context.Context, topic bus.Topic, payload any) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(ctx, topic, payload); err != nil {
		p.logger.Warn("subscriber failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func eventName(ev engine.Event) string {
	if ev == nil {
		return ""
	}
	return string(ev.Type())
}
