package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgeline/director/internal/adapter"
	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/events"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/policy"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
	"github.com/forgeline/director/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

const (
	stalledMessage  = "lane stalled"
	rejectionPrefix = "rejected by enforcement rules: "
)

type Options struct {
	Interval       time.Duration
	HealthInterval time.Duration
	SweepSchedule  string
	SweepMaxAge    int
	AutoRetry      bool
	StallFactor    int
	PoliciesDir    string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:       cfg.Supervisor.Interval,
		HealthInterval: cfg.Supervisor.HealthInterval,
		SweepSchedule:  cfg.Supervisor.SweepSchedule,
		SweepMaxAge:    cfg.Supervisor.SweepMaxAge,
		AutoRetry:      cfg.Supervisor.AutoRetry,
		StallFactor:    cfg.Supervisor.StallFactor,
		PoliciesDir:    cfg.Service.PoliciesDir,
	}
}

// Director is the reconciliation loop. It holds no state between cycles: everything it acts on
// is read from the store at the start of each cycle.
type Director struct {
	store    store.Store
	queue    *service.QueueService
	pipeline *service.PipelineService
	registry *adapter.Registry
	events   events.Emitter
	opts     Options
	log      *zap.SugaredLogger
	tracer   *log.StructuredLogger
}

func New(s store.Store, q *service.QueueService, p *service.PipelineService, r *adapter.Registry, e events.Emitter, opts Options) *Director {
	if opts.StallFactor <= 0 {
		opts.StallFactor = 2
	}
	return &Director{
		store:    s,
		queue:    q,
		pipeline: p,
		registry: r,
		events:   e,
		opts:     opts,
		log:      zap.S().Named("director"),
		tracer:   log.NewDebugLogger("director"),
	}
}

// Run drives the cycle, the health probe and the sweep schedule until ctx is done.
func (d *Director) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.opts.SweepSchedule, func() { d.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", d.opts.SweepSchedule, err)
	}
	c.Start()
	defer c.Stop()

	go d.healthLoop(ctx)

	ticker := jitterbug.New(d.opts.Interval, &jitterbug.Norm{Stdev: d.opts.Interval / 20, Mean: 0})
	defer ticker.Stop()

	d.log.Infow("director started", "interval", d.opts.Interval, "auto_retry", d.opts.AutoRetry)
	for {
		if err := d.Cycle(ctx); err != nil && ctx.Err() == nil {
			d.log.Errorw("cycle finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			d.log.Info("director stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one reconciliation pass. Step failures are collected and returned together; one
// failing task does not stop the others from being handled.
func (d *Director) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ObserveSupervisorCycle(time.Since(start))
	}()

	tracer := d.tracer.WithContext(ctx).Operation("cycle").Build()

	engine, err := d.loadRules(ctx)
	if err != nil {
		tracer.Error(err).Log()
		return err
	}
	prompts, err := d.store.Rule().LatestPrompts(ctx)
	if err != nil {
		tracer.Error(err).Log()
		return err
	}

	var errs []error
	errs = append(errs, d.failStalled(ctx)...)
	errs = append(errs, d.reconcile(ctx)...)
	errs = append(errs, d.handleFailures(ctx)...)
	errs = append(errs, d.schedule(ctx, engine, prompts)...)

	if counts, err := d.store.Task().CountByStage(ctx); err != nil {
		errs = append(errs, err)
	} else {
		metrics.UpdateTasksByStageMetric(counts)
	}

	agg := utilerrors.NewAggregate(errs)
	if agg != nil {
		tracer.Error(agg).Log()
		return agg
	}
	tracer.Success().Log()
	return nil
}

// loadRules builds the enforcement engine from the policies directory and the latest stored
// rule versions. Stored rules that do not compile are logged and skipped.
func (d *Director) loadRules(ctx context.Context) (*policy.Engine, error) {
	sources, err := policy.ReadDir(d.opts.PoliciesDir)
	if err != nil {
		return nil, err
	}

	rules, err := d.store.Rule().ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	sources = append(sources, policy.FromRules(rules)...)

	engine, errs := policy.NewEngine(ctx, sources)
	if engine == nil {
		return nil, utilerrors.NewAggregate(errs)
	}
	for _, err := range errs {
		d.log.Warnw("skipping enforcement rule", "error", err)
	}
	return engine, nil
}

// failStalled times out running jobs well past their deadline. Their lane is gone or stuck,
// so nobody else will ever finish the row.
func (d *Director) failStalled(ctx context.Context) []error {
	running, err := d.store.Job().Running(ctx)
	if err != nil {
		return []error{err}
	}

	var errs []error
	now := time.Now()
	for _, job := range running {
		limit := time.Duration(d.opts.StallFactor) * job.Timeout()
		if job.Elapsed(now) <= limit {
			continue
		}

		written, err := d.queue.Timeout(ctx, job.ID, stalledMessage)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", job.ID, err))
			continue
		}
		if written {
			d.log.Warnw("timed out stalled job", "job_id", job.ID, "lane_id", job.LaneID, "elapsed", job.Elapsed(now))
			d.events.EmitJob(ctx, events.JobEvent{JobID: job.ID, Kind: events.JobStalled, Lane: job.Lane, Reason: stalledMessage})
		}
	}
	return errs
}

// reconcile turns finished outstanding jobs into stage reports.
func (d *Director) reconcile(ctx context.Context) []error {
	tasks, err := d.pipeline.ListTasks(ctx, store.NewTaskQueryFilter().ByStatus(model.TaskStatusInProgress).WithOutstandingJob())
	if err != nil {
		return []error{err}
	}

	var errs []error
	for i := range tasks {
		if err := d.reconcileTask(ctx, &tasks[i]); err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", tasks[i].ID, err))
		}
	}
	return errs
}

func (d *Director) reconcileTask(ctx context.Context, task *model.Task) error {
	jobID := *task.OutstandingJobID

	job, err := d.store.Job().Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			d.log.Warnw("outstanding job no longer exists", "task_id", task.ID, "job_id", jobID)
			return ignoreStale(d.store.Task().ClearOutstandingJob(ctx, task.ID, jobID))
		}
		return err
	}

	if job.Status == model.JobStatusCancelled {
		if err := ignoreStale(d.store.Task().ClearOutstandingJob(ctx, task.ID, jobID)); err != nil {
			return err
		}
		_, err := d.pipeline.Block(ctx, task.ID, fmt.Sprintf("outstanding job %d was cancelled", jobID))
		return err
	}

	stage := job.Stage
	if stage == "" {
		stage = task.Stage
	}
	report, ok := pipeline.ReportFromJob(stage, job)
	if !ok {
		return nil
	}

	updated, err := d.pipeline.SubmitStageReport(ctx, task.ID, service.StageReportRequest{
		Stage:   report.Stage,
		Status:  report.Status,
		Summary: report.Summary,
		Details: report.Details,
		Actor:   service.ActorDirector,
		JobID:   &jobID,
	})
	if err != nil {
		var stale *service.ErrStaleReport
		if errors.As(err, &stale) {
			return ignoreStale(d.store.Task().ClearOutstandingJob(ctx, task.ID, jobID))
		}
		return err
	}

	// a pending verdict leaves the job attached; free the task for a new attempt
	if updated.OutstandingJobID != nil && *updated.OutstandingJobID == jobID {
		return ignoreStale(d.store.Task().ClearOutstandingJob(ctx, task.ID, jobID))
	}
	return nil
}

// handleFailures retries tasks sitting in a failure stage when automatic retry is on, and
// hands them to an operator once the retry budget is spent.
func (d *Director) handleFailures(ctx context.Context) []error {
	if !d.opts.AutoRetry {
		return nil
	}

	def := d.pipeline.Machine().Definition()
	tasks, err := d.pipeline.ListTasks(ctx, store.NewTaskQueryFilter().ByStatus(model.TaskStatusInProgress).ByStage(def.FailureStages()...))
	if err != nil {
		return []error{err}
	}

	var errs []error
	for i := range tasks {
		task := &tasks[i]
		if d.pipeline.RetryAllowed(task) {
			_, err = d.pipeline.Retry(ctx, task.ID, service.ActorDirector)
		} else {
			_, err = d.pipeline.Block(ctx, task.ID, fmt.Sprintf("retry limit reached after %d retries", task.RetryCount))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", task.ID, err))
		}
	}
	return errs
}

// schedule enqueues the next job for every actionable task that passes the enforcement rules.
func (d *Director) schedule(ctx context.Context, engine *policy.Engine, prompts map[string]model.StagePrompt) []error {
	def := d.pipeline.Machine().Definition()
	tasks, err := d.pipeline.ListTasks(ctx, store.NewTaskQueryFilter().Actionable(def.WorkStages()))
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, task := range tasks {
		spec, ok := def.Stage(task.Stage)
		if !ok {
			continue
		}
		if err := d.scheduleTask(ctx, engine, task, spec, prompts); err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", task.ID, err))
		}
	}
	return errs
}

func (d *Director) scheduleTask(ctx context.Context, engine *policy.Engine, task model.Task, spec pipeline.StageSpec, prompts map[string]model.StagePrompt) error {
	tracer := d.tracer.WithContext(ctx).
		Operation("schedule").
		WithInt("task_id", int(task.ID)).
		WithString("stage", task.Stage).
		Build()

	var stored *model.StagePrompt
	if p, ok := prompts[spec.Name]; ok {
		stored = &p
	}
	prompt, err := renderPrompt(task, spec, stored)
	if err != nil {
		if prompt == "" {
			return err
		}
		tracer.Warn("stored prompt failed, using the built-in one").WithString("error", err.Error()).Log()
	}

	payload, err := buildPayload(task, spec, prompt)
	if err != nil {
		return err
	}

	priority := spec.Priority
	if priority == 0 {
		priority = model.PriorityHigh
	}

	proposed := model.Job{
		JobType:        spec.JobType,
		Priority:       priority,
		Payload:        model.Payload(payload),
		TimeoutSeconds: spec.TimeoutSeconds,
		TaskID:         &task.ID,
		Stage:          spec.Name,
	}
	violations, err := engine.Evaluate(ctx, policy.Input{Task: task, Job: proposed})
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		reason := rejectionPrefix + strings.Join(violations, "; ")
		if task.StatusInfo == reason {
			return nil
		}
		if err := d.store.Task().SetStatusInfo(ctx, task.ID, reason); err != nil {
			return err
		}
		tracer.Warn("scheduling rejected").WithParam("violations", violations).Log()
		d.events.EmitTask(ctx, events.TaskEvent{TaskID: task.ID, Kind: events.TaskRejected, From: task.Stage, Actor: service.ActorDirector, Reason: reason})
		return nil
	}

	job, err := d.queue.Enqueue(ctx, service.EnqueueRequest{
		JobType:        proposed.JobType,
		Payload:        payload,
		Priority:       proposed.Priority,
		TimeoutSeconds: proposed.TimeoutSeconds,
		TaskID:         proposed.TaskID,
		Stage:          proposed.Stage,
	})
	if err != nil {
		return err
	}

	if err := d.store.Task().SetOutstandingJob(ctx, task.ID, task.Stage, task.Version, job.ID); err != nil {
		// the task got a job or moved since it was listed; take ours back
		if _, cerr := d.queue.Cancel(ctx, job.ID); cerr != nil {
			tracer.Error(cerr).Log()
		}
		return ignoreStale(err)
	}

	tracer.Success().WithInt("job_id", int(job.ID)).Log()
	d.events.EmitTask(ctx, events.TaskEvent{TaskID: task.ID, Kind: events.TaskScheduled, From: task.Stage, Actor: service.ActorDirector, JobID: &job.ID})
	return nil
}

func (d *Director) sweep(ctx context.Context) {
	n, err := d.queue.Sweep(ctx, d.opts.SweepMaxAge)
	if err != nil {
		d.log.Errorw("sweep failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Infow("swept finished jobs", "count", n, "max_age_hours", d.opts.SweepMaxAge)
	}
}

func ignoreStale(err error) error {
	if errors.Is(err, store.ErrStaleStage) {
		return nil
	}
	return err
}
