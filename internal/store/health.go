package store

import (
	"context"
	"fmt"

	"github.com/forgeline/director/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Health interface {
	InitialMigration(ctx context.Context) error
	Upsert(ctx context.Context, h model.BackendHealth) error
	List(ctx context.Context) ([]model.BackendHealth, error)
}

type HealthStore struct {
	db *gorm.DB
}

// Make sure we conform to Health interface
var _ Health = (*HealthStore)(nil)

func NewHealthStore(db *gorm.DB) Health {
	return &HealthStore{db: db}
}

func (s *HealthStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.BackendHealth{})
}

func (s *HealthStore) Upsert(ctx context.Context, h model.BackendHealth) error {
	err := s.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lane"}},
		DoUpdates: clause.AssignmentColumns([]string{"healthy", "error", "latency_ms", "checked_at"}),
	}).Create(&h).Error
	if err != nil {
		return fmt.Errorf("storing backend health: %w", err)
	}
	return nil
}

func (s *HealthStore) List(ctx context.Context) ([]model.BackendHealth, error) {
	var rows []model.BackendHealth
	if err := s.getDB(ctx).Order("lane").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing backend health: %w", err)
	}
	return rows, nil
}

func (s *HealthStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
