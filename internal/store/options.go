package store

import (
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByStatus(status ...string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", status)
	})
	return qf
}

func (qf *JobQueryFilter) ByType(jobType ...string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("job_type IN ?", jobType)
	})
	return qf
}

func (qf *JobQueryFilter) ByTaskID(taskID uint) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("task_id = ?", taskID)
	})
	return qf
}

func (qf *JobQueryFilter) ByLane(lane string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("lane = ?", lane)
	})
	return qf
}

func (qf *JobQueryFilter) WithLimit(limit int) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return qf
}

type TaskQueryFilter BaseQuerier

func NewTaskQueryFilter() *TaskQueryFilter {
	return &TaskQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *TaskQueryFilter) ByStatus(status ...string) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", status)
	})
	return qf
}

func (qf *TaskQueryFilter) ByStage(stage ...string) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("stage IN ?", stage)
	})
	return qf
}

func (qf *TaskQueryFilter) ByID(ids ...uint) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return qf
}

// WithOutstandingJob keeps tasks that reference a job, finished or not.
func (qf *TaskQueryFilter) WithOutstandingJob() *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("outstanding_job_id IS NOT NULL")
	})
	return qf
}

// Actionable keeps in-progress tasks sitting at one of stages with no outstanding job and
// with every dependency done. A dependency that no longer exists counts as not done.
func (qf *TaskQueryFilter) Actionable(stages []string) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.
			Where("status = ?", "in_progress").
			Where("stage IN ?", stages).
			Where("outstanding_job_id IS NULL").
			Where(`NOT EXISTS (
				SELECT 1 FROM task_dependencies d
				WHERE d.task_id = tasks.id
				AND NOT EXISTS (SELECT 1 FROM tasks dep WHERE dep.id = d.depends_on_id AND dep.status = 'done')
			)`)
	})
	return qf
}

func (qf *TaskQueryFilter) WithArchived() *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Unscoped()
	})
	return qf
}
