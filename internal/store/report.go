package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgeline/director/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Report interface {
	InitialMigration(ctx context.Context) error
	Create(ctx context.Context, report model.StageReport) (*model.StageReport, error)
	Get(ctx context.Context, id uint) (*model.StageReport, error)
	List(ctx context.Context, taskID uint) ([]model.StageReport, error)
	MarkDiscarded(ctx context.Context, id uint) error
}

type ReportStore struct {
	db *gorm.DB
}

// Make sure we conform to Report interface
var _ Report = (*ReportStore)(nil)

func NewReportStore(db *gorm.DB) Report {
	return &ReportStore{db: db}
}

func (s *ReportStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.StageReport{})
}

func (s *ReportStore) Create(ctx context.Context, report model.StageReport) (*model.StageReport, error) {
	report.ID = 0
	if err := s.getDB(ctx).Clauses(clause.Returning{}).Create(&report).Error; err != nil {
		return nil, fmt.Errorf("inserting stage report: %w", err)
	}
	return &report, nil
}

func (s *ReportStore) Get(ctx context.Context, id uint) (*model.StageReport, error) {
	var report model.StageReport
	if err := s.getDB(ctx).First(&report, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying stage report: %w", err)
	}
	return &report, nil
}

// List returns every report of a task, discarded ones included, oldest first.
func (s *ReportStore) List(ctx context.Context, taskID uint) ([]model.StageReport, error) {
	var reports []model.StageReport
	if err := s.getDB(ctx).Where("task_id = ?", taskID).Order("id").Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("listing stage reports: %w", err)
	}
	return reports, nil
}

func (s *ReportStore) MarkDiscarded(ctx context.Context, id uint) error {
	result := s.getDB(ctx).Model(&model.StageReport{}).Where("id = ?", id).Update("discarded", true)
	if result.Error != nil {
		return fmt.Errorf("discarding stage report: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ReportStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
