package lane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline/director/internal/adapter"
	"github.com/forgeline/director/internal/events"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
	"github.com/forgeline/director/pkg/metrics"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

const (
	timeoutMessage  = "timeout"
	shutdownMessage = "lane stopped while the job was running"
	orphanMessage   = "lane restarted while the job was running"
)

// Queue is the part of the queue service a lane needs.
type Queue interface {
	ClaimNext(ctx context.Context, p service.LanePredicate) (*model.Job, error)
	Complete(ctx context.Context, id uint, result json.RawMessage) (bool, error)
	Fail(ctx context.Context, id uint, message string) (bool, error)
	Timeout(ctx context.Context, id uint, message string) (bool, error)
	GetJob(ctx context.Context, id uint) (*model.Job, error)
	FailOrphans(ctx context.Context, lane, reason string) (int64, error)
}

// Lane drains the jobs of one backend class. Jobs are executed one at a time, which is what
// keeps a single-consumer backend from ever seeing two concurrent calls.
type Lane struct {
	name              string
	id                string
	jobTypes          []model.JobType
	adapter           adapter.Adapter
	queue             Queue
	events            events.Emitter
	pollInterval      time.Duration
	killCheckInterval time.Duration
	log               *zap.SugaredLogger
	tracer            *log.StructuredLogger
}

func New(b adapter.Binding, q Queue, e events.Emitter, pollInterval, killCheckInterval time.Duration) *Lane {
	return &Lane{
		name:              b.Lane,
		id:                fmt.Sprintf("%s-%s", b.Lane, uuid.NewString()[:8]),
		jobTypes:          b.JobTypes,
		adapter:           b.Adapter,
		queue:             q,
		events:            e,
		pollInterval:      pollInterval,
		killCheckInterval: killCheckInterval,
		log:               zap.S().Named("lane").With("lane", b.Lane),
		tracer:            log.NewDebugLogger("lane_" + b.Lane),
	}
}

func (l *Lane) Name() string {
	return l.name
}

func (l *Lane) ID() string {
	return l.id
}

// Run recovers jobs a previous instance of this lane left running, then polls until ctx is
// done. It returns only after the job in flight, if any, is finished.
func (l *Lane) Run(ctx context.Context) error {
	n, err := l.queue.FailOrphans(ctx, l.name, orphanMessage)
	if err != nil {
		return fmt.Errorf("lane %s: recovering orphaned jobs: %w", l.name, err)
	}
	if n > 0 {
		l.log.Warnw("failed orphaned jobs", "count", n)
		l.events.EmitJob(ctx, events.JobEvent{Kind: events.JobOrphaned, Lane: l.name, Reason: fmt.Sprintf("%d jobs failed at lane start", n)})
	}

	l.log.Infow("lane started", "lane_id", l.id, "job_types", l.jobTypes)
	defer l.log.Infow("lane stopped", "lane_id", l.id)

	ticker := jitterbug.New(l.pollInterval, &jitterbug.Norm{Stdev: l.pollInterval / 10, Mean: 0})
	defer ticker.Stop()

	for {
		l.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain claims and executes jobs until the queue has nothing for this lane.
func (l *Lane) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := l.queue.ClaimNext(ctx, service.LanePredicate{
			Lane:              l.name,
			LaneID:            l.id,
			JobTypes:          l.jobTypes,
			SingleConcurrency: true,
		})
		if err != nil {
			if ctx.Err() == nil {
				l.log.Errorw("failed to claim job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		l.execute(ctx, job)
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

func (l *Lane) execute(ctx context.Context, job *model.Job) {
	tracer := l.tracer.WithContext(ctx).
		Operation("execute").
		WithInt("job_id", int(job.ID)).
		WithString("job_type", string(job.JobType)).
		WithString("lane_id", l.id).
		Build()

	metrics.SetLaneBusy(l.name, true)
	defer metrics.SetLaneBusy(l.name, false)

	start := time.Now()
	defer func() {
		metrics.ObserveJobExec(l.name, time.Since(start))
	}()

	// final writes must land even when the lane is being stopped
	writeCtx := context.WithoutCancel(ctx)

	execCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		result, err := l.adapter.Execute(execCtx, job.JobType, job.Payload.Raw())
		done <- outcome{result: result, err: err}
	}()

	deadline := time.NewTimer(job.Timeout())
	defer deadline.Stop()
	watch := time.NewTicker(l.killCheckInterval)
	defer watch.Stop()

	for {
		select {
		case out := <-done:
			l.finish(writeCtx, tracer, job, execCtx, out)
			return

		case <-deadline.C:
			if _, err := l.queue.Timeout(writeCtx, job.ID, timeoutMessage); err != nil {
				tracer.Error(err).Log()
			}
			l.events.EmitJob(writeCtx, events.JobEvent{JobID: job.ID, Kind: events.JobTimedOut, Lane: l.name})
			tracer.Warn("job timed out").WithInt("timeout_seconds", job.TimeoutSeconds).Log()
			l.abandon(tracer, cancel, done)
			return

		case <-watch.C:
			current, err := l.queue.GetJob(writeCtx, job.ID)
			if err != nil {
				var notFound *service.ErrResourceNotFound
				if !errors.As(err, &notFound) {
					tracer.Error(err).Log()
					continue
				}
			} else if current.Status == model.JobStatusRunning {
				continue
			}
			tracer.Warn("job was terminated outside the lane").Log()
			l.abandon(tracer, cancel, done)
			return

		case <-ctx.Done():
			if _, err := l.queue.Fail(writeCtx, job.ID, shutdownMessage); err != nil {
				tracer.Error(err).Log()
			}
			l.abandon(tracer, cancel, done)
			return
		}
	}
}

func (l *Lane) finish(ctx context.Context, tracer *log.Tracer, job *model.Job, execCtx context.Context, out outcome) {
	var (
		written bool
		err     error
	)

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		written, err = l.queue.Timeout(ctx, job.ID, timeoutMessage)
		if written {
			l.events.EmitJob(ctx, events.JobEvent{JobID: job.ID, Kind: events.JobTimedOut, Lane: l.name})
		}
	case out.err != nil:
		written, err = l.queue.Fail(ctx, job.ID, out.err.Error())
	default:
		written, err = l.queue.Complete(ctx, job.ID, out.result)
	}

	if err != nil {
		tracer.Error(err).Log()
		return
	}
	if !written {
		// killed or stalled while the backend was still answering
		tracer.Warn("late result discarded").Log()
		return
	}
	if out.err != nil {
		tracer.Step("adapter_error").WithString("error", out.err.Error()).Log()
		return
	}
	tracer.Success().Log()
}

// abandon stops waiting on the backend. An interruptible adapter is cancelled; otherwise the
// call runs to completion and its result is dropped. Either way the lane does not claim again
// until the adapter has returned.
func (l *Lane) abandon(tracer *log.Tracer, cancel context.CancelFunc, done <-chan outcome) {
	if l.adapter.Interruptible() {
		cancel()
	}
	out := <-done
	if out.err == nil {
		tracer.Step("result_discarded").Log()
	}
}
