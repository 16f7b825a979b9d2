package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline/director/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransitionRequest moves a task from an expected (stage, version) to a new stage and appends
// the history entry in the same transaction.
type TransitionRequest struct {
	TaskID           uint
	ExpectedStage    string
	ExpectedVersion  int
	ToStage          string
	Status           string
	StatusInfo       *string
	IncrementRetry   bool
	ClearOutstanding bool
	Actor            string
	Note             string
	ReportID         *uint
}

// StatusRequest changes the task status without touching the stage. No history is written.
type StatusRequest struct {
	TaskID           uint
	ExpectedVersion  int
	Status           string
	StatusInfo       string
	IncrementRetry   bool
	ResetRetry       bool
	ClearOutstanding bool
}

type Task interface {
	InitialMigration(ctx context.Context) error
	Create(ctx context.Context, task model.Task) (*model.Task, error)
	Get(ctx context.Context, id uint) (*model.Task, error)
	List(ctx context.Context, filter *TaskQueryFilter) (model.TaskList, error)
	Transition(ctx context.Context, req TransitionRequest) (*model.Task, error)
	UpdateStatus(ctx context.Context, req StatusRequest) (*model.Task, error)
	SetStatusInfo(ctx context.Context, id uint, info string) error
	SetOutstandingJob(ctx context.Context, id uint, stage string, version int, jobID uint) error
	ClearOutstandingJob(ctx context.Context, id, jobID uint) error
	SetDependencies(ctx context.Context, id uint, dependsOn []uint) error
	DependencyGraph(ctx context.Context) (map[uint][]uint, error)
	History(ctx context.Context, id uint) ([]model.StageTransition, error)
	CountByStage(ctx context.Context) (map[string]int64, error)
	Delete(ctx context.Context, id uint) error
}

type TaskStore struct {
	db *gorm.DB
}

// Make sure we conform to Task interface
var _ Task = (*TaskStore)(nil)

func NewTaskStore(db *gorm.DB) Task {
	return &TaskStore{db: db}
}

func (s *TaskStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Task{}, &model.TaskDependency{}, &model.StageTransition{})
}

func (s *TaskStore) Create(ctx context.Context, task model.Task) (*model.Task, error) {
	deps := task.Dependencies
	task.Dependencies = nil
	task.Version = 1

	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Returning{}).Create(&task).Error; err != nil {
			return err
		}
		for _, d := range deps {
			if d.DependsOnID == task.ID {
				continue
			}
			if err := tx.Create(&model.TaskDependency{TaskID: task.ID, DependsOnID: d.DependsOnID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	return s.Get(ctx, task.ID)
}

func (s *TaskStore) Get(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	result := s.getDB(ctx).Preload("Dependencies").First(&task, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying task: %w", result.Error)
	}
	return &task, nil
}

func (s *TaskStore) List(ctx context.Context, filter *TaskQueryFilter) (model.TaskList, error) {
	var tasks model.TaskList
	tx := s.getDB(ctx).Model(&tasks).Preload("Dependencies").Order("priority, id")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if result := tx.Find(&tasks); result.Error != nil {
		return nil, result.Error
	}
	return tasks, nil
}

// Transition is the only write that changes a task's stage. The update is guarded by the
// expected stage and version; when another writer got there first nothing is written and
// ErrStaleStage is returned.
func (s *TaskStore) Transition(ctx context.Context, req TransitionRequest) (*model.Task, error) {
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"stage":      req.ToStage,
			"status":     req.Status,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		}
		if req.StatusInfo != nil {
			updates["status_info"] = *req.StatusInfo
		}
		if req.IncrementRetry {
			updates["retry_count"] = gorm.Expr("retry_count + 1")
		}
		if req.ClearOutstanding {
			updates["outstanding_job_id"] = nil
		}

		result := tx.Model(&model.Task{}).
			Where("id = ? AND stage = ? AND version = ?", req.TaskID, req.ExpectedStage, req.ExpectedVersion).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleStage
		}

		entry := model.StageTransition{
			TaskID:    req.TaskID,
			FromStage: req.ExpectedStage,
			ToStage:   req.ToStage,
			Actor:     req.Actor,
			Note:      req.Note,
			ReportID:  req.ReportID,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		if errors.Is(err, ErrStaleStage) {
			return nil, err
		}
		return nil, fmt.Errorf("transitioning task: %w", err)
	}

	return s.Get(ctx, req.TaskID)
}

func (s *TaskStore) UpdateStatus(ctx context.Context, req StatusRequest) (*model.Task, error) {
	updates := map[string]any{
		"status":      req.Status,
		"status_info": req.StatusInfo,
		"version":     gorm.Expr("version + 1"),
		"updated_at":  time.Now().UTC(),
	}
	switch {
	case req.ResetRetry:
		updates["retry_count"] = 0
	case req.IncrementRetry:
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if req.ClearOutstanding {
		updates["outstanding_job_id"] = nil
	}

	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND version = ?", req.TaskID, req.ExpectedVersion).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("updating task status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrStaleStage
	}

	return s.Get(ctx, req.TaskID)
}

func (s *TaskStore) SetStatusInfo(ctx context.Context, id uint, info string) error {
	result := s.getDB(ctx).Model(&model.Task{}).Where("id = ?", id).Update("status_info", info)
	if result.Error != nil {
		return fmt.Errorf("updating task status info: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SetOutstandingJob records the job scheduled for the task's stage. It only applies while the
// task is still at the stage and version the job was built for and has no outstanding job, so
// two schedulers cannot both attach one and a job cannot outlive the stage it was made for.
func (s *TaskStore) SetOutstandingJob(ctx context.Context, id uint, stage string, version int, jobID uint) error {
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND stage = ? AND version = ? AND outstanding_job_id IS NULL", id, stage, version).
		Updates(map[string]any{"outstanding_job_id": jobID, "status_info": ""})
	if result.Error != nil {
		return fmt.Errorf("setting outstanding job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleStage
	}
	return nil
}

func (s *TaskStore) ClearOutstandingJob(ctx context.Context, id, jobID uint) error {
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND outstanding_job_id = ?", id, jobID).
		Update("outstanding_job_id", nil)
	if result.Error != nil {
		return fmt.Errorf("clearing outstanding job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleStage
	}
	return nil
}

// SetDependencies replaces the dependency set of a task.
func (s *TaskStore) SetDependencies(ctx context.Context, id uint, dependsOn []uint) error {
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.TaskDependency{}).Error; err != nil {
			return err
		}
		for _, dep := range dependsOn {
			if err := tx.Create(&model.TaskDependency{TaskID: id, DependsOnID: dep}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DependencyGraph returns task id -> ids it depends on for every edge in the table.
func (s *TaskStore) DependencyGraph(ctx context.Context) (map[uint][]uint, error) {
	var edges []model.TaskDependency
	if err := s.getDB(ctx).Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("reading dependencies: %w", err)
	}

	graph := make(map[uint][]uint, len(edges))
	for _, e := range edges {
		graph[e.TaskID] = append(graph[e.TaskID], e.DependsOnID)
	}
	return graph, nil
}

func (s *TaskStore) History(ctx context.Context, id uint) ([]model.StageTransition, error) {
	var history []model.StageTransition
	if err := s.getDB(ctx).Where("task_id = ?", id).Order("id").Find(&history).Error; err != nil {
		return nil, fmt.Errorf("reading stage history: %w", err)
	}
	return history, nil
}

func (s *TaskStore) CountByStage(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Stage string
		Count int64
	}
	if err := s.getDB(ctx).Model(&model.Task{}).Select("stage, COUNT(*) AS count").Group("stage").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Stage] = r.Count
	}
	return counts, nil
}

// Delete archives the task. History and reports are kept.
func (s *TaskStore) Delete(ctx context.Context, id uint) error {
	result := s.getDB(ctx).Delete(&model.Task{}, id)
	if result.Error != nil {
		return fmt.Errorf("archiving task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *TaskStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
