package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/forgeline/director/internal/events"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
	"github.com/forgeline/director/pkg/metrics"
)

// DefaultTimeouts apply when a job is enqueued without a timeout.
var DefaultTimeouts = map[model.JobType]int{
	model.JobTypeComplete:      120,
	model.JobTypeChat:          120,
	model.JobTypeVisionAnalyze: 300,
	model.JobTypeAgentRun:      1800,
}

type EnqueueRequest struct {
	JobType        model.JobType
	Payload        json.RawMessage
	Priority       int
	TimeoutSeconds int
	TaskID         *uint
	SessionID      string
	Stage          string
}

// LanePredicate identifies the lane asking for work and what it accepts.
type LanePredicate struct {
	Lane              string
	LaneID            string
	JobTypes          []model.JobType
	SingleConcurrency bool
}

type RunningJob struct {
	model.Job
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type QueueSnapshot struct {
	// Counts is job type -> status -> number of jobs.
	Counts             map[model.JobType]map[string]int64 `json:"counts"`
	Running            []RunningJob                       `json:"running"`
	AverageWaitSeconds float64                            `json:"average_wait_seconds"`
	Backends           []model.BackendHealth              `json:"backends"`
	GeneratedAt        time.Time                          `json:"generated_at"`
}

type QueueService struct {
	store  store.Store
	events events.Emitter
	logger *log.StructuredLogger
}

func NewQueueService(s store.Store, e events.Emitter) *QueueService {
	return &QueueService{
		store:  s,
		events: e,
		logger: log.NewDebugLogger("queue_service"),
	}
}

// Enqueue durably inserts a pending job. Priority 0 means normal and a zero timeout takes the
// job type default.
func (qs *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Job, error) {
	tracer := qs.logger.WithContext(ctx).
		Operation("enqueue").
		WithString("job_type", string(req.JobType)).
		WithInt("priority", req.Priority).
		Build()

	if !req.JobType.Valid() {
		return nil, NewErrInvalidJobType(string(req.JobType))
	}

	priority := req.Priority
	if priority == 0 {
		priority = model.PriorityNormal
	}
	if priority < model.PriorityCritical || priority > model.PriorityLow {
		return nil, NewErrInvalidPriority(req.Priority)
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeouts[req.JobType]
	}

	job, err := qs.store.Job().Create(ctx, model.Job{
		JobType:        req.JobType,
		Priority:       priority,
		Payload:        model.Payload(req.Payload),
		TimeoutSeconds: timeout,
		TaskID:         req.TaskID,
		SessionID:      req.SessionID,
		Stage:          req.Stage,
	})
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	metrics.IncreaseJobsEnqueuedMetric(string(job.JobType))
	tracer.Success().WithInt("job_id", int(job.ID)).Log()

	return job, nil
}

// ClaimNext returns nil, nil when the lane has nothing to do, including when another caller
// won the race for the same row.
func (qs *QueueService) ClaimNext(ctx context.Context, p LanePredicate) (*model.Job, error) {
	job, err := qs.store.Job().ClaimNext(ctx, store.ClaimRequest{
		Lane:              p.Lane,
		LaneID:            p.LaneID,
		JobTypes:          p.JobTypes,
		SingleConcurrency: p.SingleConcurrency,
	})
	if err != nil {
		if errors.Is(err, store.ErrNoJobs) {
			return nil, nil
		}
		return nil, err
	}

	if job.StartedAt != nil {
		metrics.ObserveJobWait(p.Lane, job.StartedAt.Sub(job.CreatedAt))
	}

	qs.logger.WithContext(ctx).
		Operation("claim_next").
		WithString("lane_id", p.LaneID).
		Build().
		Success().
		WithInt("job_id", int(job.ID)).
		WithString("job_type", string(job.JobType)).
		WithInt("priority", job.Priority).
		Log()

	return job, nil
}

// Complete stores the result of a running job. A repeated call on a job that already
// finished is a no-op and reports false.
func (qs *QueueService) Complete(ctx context.Context, id uint, result json.RawMessage) (bool, error) {
	return qs.finish(ctx, "complete", id, store.FinishRequest{
		From:   model.JobStatusRunning,
		To:     model.JobStatusCompleted,
		Result: model.Payload(result),
	})
}

// Fail records the adapter error verbatim.
func (qs *QueueService) Fail(ctx context.Context, id uint, message string) (bool, error) {
	return qs.finish(ctx, "fail", id, store.FinishRequest{
		From:  model.JobStatusRunning,
		To:    model.JobStatusFailed,
		Error: message,
	})
}

func (qs *QueueService) Timeout(ctx context.Context, id uint, message string) (bool, error) {
	return qs.finish(ctx, "timeout", id, store.FinishRequest{
		From:  model.JobStatusRunning,
		To:    model.JobStatusTimeout,
		Error: message,
	})
}

func (qs *QueueService) finish(ctx context.Context, op string, id uint, req store.FinishRequest) (bool, error) {
	tracer := qs.logger.WithContext(ctx).Operation(op).WithInt("job_id", int(id)).Build()

	n, err := qs.store.Job().Finish(ctx, id, req)
	if err != nil {
		tracer.Error(err).Log()
		return false, err
	}

	if n == 0 {
		job, err := qs.store.Job().Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return false, NewErrJobNotFound(id)
			}
			return false, err
		}
		if !job.IsTerminal() {
			return false, NewErrJobNotRunning(id, job.Status)
		}
		tracer.Step("noop").WithString("status", job.Status).Log()
		return false, nil
	}

	job, err := qs.store.Job().Get(ctx, id)
	if err == nil {
		metrics.IncreaseJobsFinishedMetric(string(job.JobType), req.To)
	}

	tracer.Success().WithString("status", req.To).Log()
	return true, nil
}

// Cancel removes a pending job from future claims.
func (qs *QueueService) Cancel(ctx context.Context, id uint) (*model.Job, error) {
	tracer := qs.logger.WithContext(ctx).Operation("cancel").WithInt("job_id", int(id)).Build()

	n, err := qs.store.Job().Cancel(ctx, id)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	job, err := qs.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	if n == 0 {
		return nil, NewErrJobNotPending(id, job.Status)
	}

	metrics.IncreaseJobsFinishedMetric(string(job.JobType), model.JobStatusCancelled)
	qs.events.EmitJob(ctx, events.JobEvent{JobID: id, Kind: events.JobCancelled})
	tracer.Success().Log()

	return job, nil
}

// Kill force-fails a running job. The row is failed immediately; the owning lane sees the
// change on its next watch tick and aborts or abandons the backend call.
func (qs *QueueService) Kill(ctx context.Context, id uint, reason string) (*model.Job, error) {
	tracer := qs.logger.WithContext(ctx).Operation("kill").WithInt("job_id", int(id)).WithString("reason", reason).Build()

	n, err := qs.store.Job().Finish(ctx, id, store.FinishRequest{
		From:   model.JobStatusRunning,
		To:     model.JobStatusFailed,
		Error:  reason,
		Killed: true,
	})
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	job, err := qs.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	if n == 0 {
		return nil, NewErrJobNotRunning(id, job.Status)
	}

	metrics.IncreaseJobsFinishedMetric(string(job.JobType), model.JobStatusFailed)
	qs.events.EmitJob(ctx, events.JobEvent{JobID: id, Kind: events.JobKilled, Lane: job.Lane, Reason: reason})
	tracer.Success().WithString("lane_id", job.LaneID).Log()

	return job, nil
}

// Sweep deletes finished jobs older than maxAgeHours.
func (qs *QueueService) Sweep(ctx context.Context, maxAgeHours int) (int64, error) {
	tracer := qs.logger.WithContext(ctx).Operation("sweep").WithInt("max_age_hours", maxAgeHours).Build()

	n, err := qs.store.Job().Sweep(ctx, time.Now().Add(-time.Duration(maxAgeHours)*time.Hour))
	if err != nil {
		tracer.Error(err).Log()
		return 0, err
	}

	tracer.Success().WithInt("deleted", int(n)).Log()
	return n, nil
}

func (qs *QueueService) FailOrphans(ctx context.Context, lane, reason string) (int64, error) {
	return qs.store.Job().FailOrphans(ctx, lane, reason)
}

func (qs *QueueService) GetJob(ctx context.Context, id uint) (*model.Job, error) {
	job, err := qs.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (qs *QueueService) ListJobs(ctx context.Context, filter *store.JobQueryFilter) (model.JobList, error) {
	return qs.store.Job().List(ctx, filter)
}

// StatusSnapshot is read only: counts, running jobs, recent average wait and backend health.
func (qs *QueueService) StatusSnapshot(ctx context.Context) (*QueueSnapshot, error) {
	now := time.Now()

	counts, err := qs.store.Job().CountByTypeAndStatus(ctx)
	if err != nil {
		return nil, err
	}

	running, err := qs.store.Job().Running(ctx)
	if err != nil {
		return nil, err
	}

	wait, err := qs.store.Job().AverageWait(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	backends, err := qs.store.Health().List(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &QueueSnapshot{
		Counts:             make(map[model.JobType]map[string]int64),
		Running:            make([]RunningJob, 0, len(running)),
		AverageWaitSeconds: wait.Seconds(),
		Backends:           backends,
		GeneratedAt:        now.UTC(),
	}
	for _, c := range counts {
		if _, ok := snapshot.Counts[c.JobType]; !ok {
			snapshot.Counts[c.JobType] = make(map[string]int64)
		}
		snapshot.Counts[c.JobType][c.Status] = c.Count
	}
	for _, job := range running {
		snapshot.Running = append(snapshot.Running, RunningJob{Job: job, ElapsedSeconds: job.Elapsed(now).Seconds()})
	}

	return snapshot, nil
}
