package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/bus"
)

// statusFeed publishes state changes from its own goroutine, in order. The
// loop never waits on subscribers, so a subscriber may call back into the
// manager.
type statusFeed struct {
	pub    Publisher
	mu     sync.Mutex
	queue  []State
	signal chan struct{}
}

func newStatusFeed(pub Publisher) *statusFeed {
	return &statusFeed{pub: pub, signal: make(chan struct{}, 1)}
}

func (f *statusFeed) push(s State) {
	if f.pub == nil {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, s)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *statusFeed) take() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.queue
	f.queue = nil
	return out
}

func (f *statusFeed) run(ctx context.Context, logger *zap.Logger) {
	if f.pub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.signal:
			for _, s := range f.take() {
				if err := f.pub.Publish(ctx, bus.TopicConnectionStatus, s); err != nil {
					logger.Warn("subscriber failed", zap.String("topic", string(bus.TopicConnectionStatus)), zap.Error(err))
				}
			}
		}
	}
}
