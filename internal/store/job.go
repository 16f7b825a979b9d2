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

// ClaimRequest describes the lane asking for work.
type ClaimRequest struct {
	Lane     string
	LaneID   string
	JobTypes []model.JobType
	// SingleConcurrency refuses the claim while another row of the same lane class is running.
	SingleConcurrency bool
}

// FinishRequest is a conditional terminal write: it only applies while the row is in From.
type FinishRequest struct {
	From   string
	To     string
	Result model.Payload
	Error  string
	Killed bool
}

// Job interface for queue related database operations
type Job interface {
	InitialMigration(ctx context.Context) error
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id uint) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error)
	ClaimNext(ctx context.Context, req ClaimRequest) (*model.Job, error)
	Finish(ctx context.Context, id uint, req FinishRequest) (int64, error)
	Cancel(ctx context.Context, id uint) (int64, error)
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
	FailOrphans(ctx context.Context, lane, reason string) (int64, error)
	CountByTypeAndStatus(ctx context.Context) ([]model.JobCount, error)
	Running(ctx context.Context) (model.JobList, error)
	AverageWait(ctx context.Context, since time.Time) (time.Duration, error)
}

// JobStore implements the Job interface
type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Job{})
}

func (s *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	job.ID = 0
	job.Status = model.JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	result := s.getDB(ctx).Clauses(clause.Returning{}).Create(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("inserting job: %w", result.Error)
	}

	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	result := s.getDB(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}

	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).Model(&jobs).Order("id")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if result := tx.Find(&jobs); result.Error != nil {
		return nil, result.Error
	}
	return jobs, nil
}

// ClaimNext flips the best pending row to running in one conditional statement. Losing a
// race against another caller is indistinguishable from an empty queue and yields ErrNoJobs.
func (s *JobStore) ClaimNext(ctx context.Context, req ClaimRequest) (*model.Job, error) {
	if len(req.JobTypes) == 0 {
		return nil, ErrNoJobs
	}

	db := s.getDB(ctx)
	now := time.Now().UTC()

	types := make([]string, 0, len(req.JobTypes))
	for _, t := range req.JobTypes {
		types = append(types, string(t))
	}

	lockClause := ""
	if isPostgres(db) {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}

	guard := ""
	args := []any{now, req.Lane, req.LaneID, now, types}
	if req.SingleConcurrency {
		guard = "AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.lane = ? AND r.status = 'running')"
		args = append(args, req.Lane)
	}

	query := fmt.Sprintf(`UPDATE jobs SET status = 'running', started_at = ?, lane = ?, lane_id = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND job_type IN ? %s
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1 %s
		) AND status = 'pending'
		RETURNING *`, guard, lockClause)

	var claimed []model.Job
	result := db.Raw(query, args...).Scan(&claimed)
	if result.Error != nil {
		return nil, fmt.Errorf("claiming job: %w", result.Error)
	}
	if len(claimed) == 0 {
		return nil, ErrNoJobs
	}

	return &claimed[0], nil
}

func (s *JobStore) Finish(ctx context.Context, id uint, req FinishRequest) (int64, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       req.To,
		"completed_at": now,
		"updated_at":   now,
		"killed":       req.Killed,
	}
	if req.Result != nil {
		updates["result"] = req.Result
	}
	if req.Error != "" {
		updates["error"] = req.Error
	}

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, req.From).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("finishing job: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *JobStore) Cancel(ctx context.Context, id uint) (int64, error) {
	return s.Finish(ctx, id, FinishRequest{From: model.JobStatusPending, To: model.JobStatusCancelled})
}

// Sweep deletes terminal rows finished before olderThan. Pending and running rows are never
// touched.
func (s *JobStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.getDB(ctx).
		Where("status IN ? AND completed_at < ?", model.TerminalJobStatuses, olderThan.UTC()).
		Delete(&model.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("sweeping jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// FailOrphans fails the rows a previous instance of the lane class left running.
func (s *JobStore) FailOrphans(ctx context.Context, lane, reason string) (int64, error) {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("lane = ? AND status = ?", lane, model.JobStatusRunning).
		Updates(map[string]any{
			"status":       model.JobStatusFailed,
			"error":        reason,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failing orphaned jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) CountByTypeAndStatus(ctx context.Context) ([]model.JobCount, error) {
	var counts []model.JobCount
	result := s.getDB(ctx).Model(&model.Job{}).
		Select("job_type, status, COUNT(*) AS count").
		Group("job_type, status").
		Order("job_type, status").
		Scan(&counts)
	if result.Error != nil {
		return nil, fmt.Errorf("counting jobs: %w", result.Error)
	}
	return counts, nil
}

func (s *JobStore) Running(ctx context.Context) (model.JobList, error) {
	return s.List(ctx, NewJobQueryFilter().ByStatus(model.JobStatusRunning))
}

// AverageWait is the mean time between creation and claim of jobs completed since the given
// instant. Zero when there are none.
func (s *JobStore) AverageWait(ctx context.Context, since time.Time) (time.Duration, error) {
	var rows []struct {
		CreatedAt time.Time
		StartedAt *time.Time
	}
	result := s.getDB(ctx).Model(&model.Job{}).
		Select("created_at, started_at").
		Where("status = ? AND completed_at >= ? AND started_at IS NOT NULL", model.JobStatusCompleted, since.UTC()).
		Scan(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("computing average wait: %w", result.Error)
	}

	if len(rows) == 0 {
		return 0, nil
	}

	var total time.Duration
	for _, r := range rows {
		total += r.StartedAt.Sub(r.CreatedAt)
	}
	return total / time.Duration(len(rows)), nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
