package history

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/engine"
)

const (
	dedupeSize   = 256
	dedupeTTL    = time.Hour
	queueSize    = 64
	saveDeadline = 5 * time.Second
)

// Recorder turns crashed game states into records. The bus handler only
// enqueues; Run does the writes, so a slow store never stalls frame handling.
type Recorder struct {
	store  Store
	seen   *expirable.LRU[string, struct{}]
	queue  chan RoundRecord
	now    func() time.Time
	logger *zap.Logger
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		seen:   expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
		queue:  make(chan RoundRecord, queueSize),
		now:    time.Now,
		logger: logger.Named("history"),
	}
}

func (r *Recorder) Register(b *bus.Bus) bus.Subscription {
	return b.SubscribeFunc(bus.TopicGameState, r.handle)
}

func (r *Recorder) handle(_ context.Context, msg bus.Message) {
	s, ok := msg.Payload.(engine.State)
	if !ok || s.Phase != engine.PhaseCrashed {
		return
	}
	// A round is recorded once, however many crash frames announce it.
	if s.RoundID != "" {
		if r.seen.Contains(s.RoundID) {
			return
		}
		r.seen.Add(s.RoundID, struct{}{})
	}

	rec := RoundRecord{
		RoundID:    s.RoundID,
		CrashPoint: s.CrashPoint,
		DurationMS: s.ElapsedTime.Milliseconds(),
		CrashedAt:  r.now().UTC(),
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("history queue full, dropping round", zap.String("round_id", s.RoundID))
	}
}

// Run saves queued records until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.queue:
			sctx, cancel := context.WithTimeout(ctx, saveDeadline)
			err := r.store.Save(sctx, rec)
			cancel()
			if err != nil {
				r.logger.Error("save round", zap.String("round_id", rec.RoundID), zap.Error(err))
				continue
			}
			r.logger.Debug("round recorded", zap.String("round_id", rec.RoundID), zap.Float64("crash_point", rec.CrashPoint))
		}
	}
}

func (r *Recorder) Recent(ctx context.Context, limit int) ([]RoundRecord, error) {
	return r.store.Recent(ctx, limit)
}
