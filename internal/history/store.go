// Package history keeps the crash result of every finished round.
package history

import (
	"context"
	"sync"
	"time"
)

const DefaultLimit = 20

// RoundRecord is one crashed round. It doubles as the gorm model.
type RoundRecord struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RoundID    string    `gorm:"size:64;index" json:"round_id,omitempty"`
	CrashPoint float64   `gorm:"not null" json:"crash_point"`
	DurationMS int64     `gorm:"not null;default:0" json:"duration_ms"`
	CrashedAt  time.Time `gorm:"index;not null" json:"crashed_at"`
}

func (RoundRecord) TableName() string { return "crash_rounds" }

type Store interface {
	Save(ctx context.Context, rec RoundRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]RoundRecord, error)
}

// MemoryStore is a bounded ring used when no database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	buf  []RoundRecord
	next int
	full bool
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryStore{buf: make([]RoundRecord, capacity)}
}

func (s *MemoryStore) Save(_ context.Context, rec RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[s.next] = rec
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]RoundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]RoundRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out, nil
}
