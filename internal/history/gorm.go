package history

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore persists rounds to Postgres.
type GormStore struct {
	db *gorm.DB
}

// Open connects to Postgres at dsn and migrates the rounds table.
func Open(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("database url is not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("db connection is nil")
	}
	if err := db.AutoMigrate(&RoundRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, rec RoundRecord) error {
	rec.ID = 0
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *GormStore) Recent(ctx context.Context, limit int) ([]RoundRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []RoundRecord
	err := s.db.WithContext(ctx).
		Order("crashed_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
