package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgeline/director/internal/events"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	ActorOperator = "operator"
	ActorDirector = "director"

	retryLimitReached = "retry limit reached"
	awaitingApproval  = "awaiting approval"
)

type CreateTaskRequest struct {
	Title       string
	Description string
	Priority    int
	BlockedBy   []uint
	Context     json.RawMessage
}

type StageReportRequest struct {
	Stage   string
	Status  string
	Summary string
	Details map[string]any
	Actor   string
	JobID   *uint
}

// PipelineService applies stage reports and operator actions to tasks. Every stage change goes
// through store.Task.Transition so the history entry is written with it.
type PipelineService struct {
	store      store.Store
	machine    *pipeline.Machine
	events     events.Emitter
	retryLimit int
	logger     *log.StructuredLogger
}

func NewPipelineService(s store.Store, m *pipeline.Machine, e events.Emitter) *PipelineService {
	return &PipelineService{
		store:   s,
		machine: m,
		events:  e,
		logger:  log.NewDebugLogger("pipeline_service"),
	}
}

// WithRetryLimit caps automatic retries (reschedules of a failed ungated stage and supervisor
// retries out of a failure stage). Zero means unlimited.
func (ps *PipelineService) WithRetryLimit(limit int) *PipelineService {
	ps.retryLimit = limit
	return ps
}

func (ps *PipelineService) Machine() *pipeline.Machine {
	return ps.machine
}

// RetryAllowed reports whether the task still has automatic retries left.
func (ps *PipelineService) RetryAllowed(task *model.Task) bool {
	return ps.retryLimit <= 0 || task.RetryCount < ps.retryLimit
}

func (ps *PipelineService) CreateTask(ctx context.Context, req CreateTaskRequest) (*model.Task, error) {
	tracer := ps.logger.WithContext(ctx).Operation("create_task").WithString("title", req.Title).Build()

	priority := req.Priority
	if priority == 0 {
		priority = model.PriorityNormal
	}
	if priority < model.PriorityCritical || priority > model.PriorityLow {
		return nil, NewErrInvalidPriority(req.Priority)
	}

	for _, dep := range sets.List(sets.New(req.BlockedBy...)) {
		if _, err := ps.store.Task().Get(ctx, dep); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return nil, NewErrInvalidDependency(0, fmt.Sprintf("dependency %d does not exist", dep))
			}
			return nil, err
		}
	}

	task := model.Task{
		Title:       req.Title,
		Description: req.Description,
		Stage:       pipeline.StageBacklog,
		Status:      model.TaskStatusBacklog,
		Priority:    priority,
		Context:     model.Payload(req.Context),
	}
	for _, dep := range sets.List(sets.New(req.BlockedBy...)) {
		task.Dependencies = append(task.Dependencies, model.TaskDependency{DependsOnID: dep})
	}

	created, err := ps.store.Task().Create(ctx, task)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithInt("task_id", int(created.ID)).Log()
	return created, nil
}

func (ps *PipelineService) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	task, err := ps.store.Task().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrTaskNotFound(id)
		}
		return nil, err
	}
	return task, nil
}

func (ps *PipelineService) ListTasks(ctx context.Context, filter *store.TaskQueryFilter) (model.TaskList, error) {
	return ps.store.Task().List(ctx, filter)
}

func (ps *PipelineService) History(ctx context.Context, id uint) ([]model.StageTransition, error) {
	if _, err := ps.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return ps.store.Task().History(ctx, id)
}

func (ps *PipelineService) Reports(ctx context.Context, id uint) ([]model.StageReport, error) {
	if _, err := ps.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return ps.store.Report().List(ctx, id)
}

// StartTask moves a backlog task into the first working stage.
func (ps *PipelineService) StartTask(ctx context.Context, id uint, actor string) (*model.Task, error) {
	task, err := ps.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := ps.machine.Start(task)
	if err != nil {
		return nil, NewErrInvalidTransition(id, err)
	}

	updated, err := ps.apply(ctx, "start_task", task, decision, actorOr(actor, ActorOperator), nil, false)
	if err != nil {
		return nil, err
	}

	ps.events.EmitTask(ctx, events.TaskEvent{TaskID: id, Kind: events.TaskStarted, From: decision.From, To: decision.To, Actor: actor})
	return updated, nil
}

// SubmitStageReport is the only path by which stage outcomes reach a task. The report is
// always stored. A report for a stage the task already left, or one that loses the race
// against another writer, is kept as discarded and ErrStaleReport is returned. The report row
// and the task change it causes are written in one transaction.
func (ps *PipelineService) SubmitStageReport(ctx context.Context, taskID uint, req StageReportRequest) (*model.Task, error) {
	tracer := ps.logger.WithContext(ctx).
		Operation("submit_stage_report").
		WithInt("task_id", int(taskID)).
		WithString("stage", req.Stage).
		WithString("status", req.Status).
		Build()

	if !isReportStatus(req.Status) {
		return nil, NewErrInvalidTransition(taskID, fmt.Errorf("%w: unknown report status %q", pipeline.ErrInvalidTransition, req.Status))
	}

	details, err := model.MakePayload(req.Details)
	if err != nil {
		return nil, err
	}

	ctx, err = ps.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = store.Rollback(ctx)
	}()

	task, err := ps.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	report, err := ps.store.Report().Create(ctx, model.StageReport{
		TaskID:  taskID,
		Stage:   req.Stage,
		Status:  req.Status,
		Summary: req.Summary,
		Details: details,
		Actor:   req.Actor,
		JobID:   req.JobID,
	})
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	decision, err := ps.machine.Advance(task, pipeline.Report{
		Stage:   req.Stage,
		Status:  req.Status,
		Summary: req.Summary,
		Details: req.Details,
	})
	if err != nil {
		if derr := ps.discard(ctx, report.ID); derr != nil {
			return nil, derr
		}
		if errors.Is(err, pipeline.ErrStaleReport) {
			tracer.Warn("stale report discarded").WithString("current_stage", task.Stage).Log()
			err = NewErrStaleReport(taskID, req.Stage, task.Stage)
		} else {
			err = NewErrInvalidTransition(taskID, err)
		}
		if _, cerr := store.Commit(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	if !decision.Move && !decision.Reschedule {
		if _, err := store.Commit(ctx); err != nil {
			return nil, err
		}
		tracer.Step("no_transition").WithString("note", decision.Note).Log()
		return task, nil
	}

	var updated *model.Task
	if decision.Reschedule {
		updated, err = ps.reschedule(ctx, task, decision)
	} else {
		updated, err = ps.apply(ctx, "submit_stage_report", task, decision, actorOr(req.Actor, ActorDirector), &report.ID, false)
	}
	if err != nil {
		if !errors.Is(err, store.ErrStaleStage) {
			return nil, err
		}
		if derr := ps.discard(ctx, report.ID); derr != nil {
			return nil, derr
		}
		current := task.Stage
		if fresh, gerr := ps.store.Task().Get(ctx, taskID); gerr == nil {
			current = fresh.Stage
		}
		if _, cerr := store.Commit(ctx); cerr != nil {
			return nil, cerr
		}
		tracer.Warn("report lost the race for the task").WithString("current_stage", current).Log()
		return nil, NewErrStaleReport(taskID, req.Stage, current)
	}

	if _, err := store.Commit(ctx); err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	switch {
	case decision.Reschedule && updated.Status == model.TaskStatusBlocked:
		ps.events.EmitTask(ctx, events.TaskEvent{TaskID: taskID, Kind: events.TaskBlocked, Reason: updated.StatusInfo})
	case decision.GateFailed:
		ps.events.EmitTask(ctx, events.TaskEvent{TaskID: taskID, Kind: events.TaskGateFailed, From: decision.From, To: decision.To, Actor: req.Actor, Reason: decision.Note, JobID: req.JobID})
	case decision.Move:
		ps.events.EmitTask(ctx, events.TaskEvent{TaskID: taskID, Kind: events.TaskAdvanced, From: decision.From, To: decision.To, Actor: req.Actor, JobID: req.JobID})
	}

	tracer.Success().WithString("to", updated.Stage).WithString("task_status", updated.Status).Log()
	return updated, nil
}

// reschedule keeps the task at its stage and frees it for a new job. When the automatic retry
// budget is spent the task is blocked for an operator instead.
func (ps *PipelineService) reschedule(ctx context.Context, task *model.Task, decision pipeline.Decision) (*model.Task, error) {
	req := store.StatusRequest{
		TaskID:           task.ID,
		ExpectedVersion:  task.Version,
		Status:           model.TaskStatusInProgress,
		StatusInfo:       decision.Note,
		IncrementRetry:   true,
		ClearOutstanding: true,
	}
	if !ps.RetryAllowed(task) {
		req.Status = model.TaskStatusBlocked
		req.StatusInfo = fmt.Sprintf("%s: %s", retryLimitReached, decision.Note)
		req.IncrementRetry = false
	}

	return ps.store.Task().UpdateStatus(ctx, req)
}

// Retry moves a task from a failure stage back to the stage its gate retries to. The gate note
// stays in status_info so the next attempt sees why the last one failed. Operator retries are
// never capped; the supervisor checks RetryAllowed before calling it. A blocked task must be
// resumed first.
func (ps *PipelineService) Retry(ctx context.Context, id uint, actor string) (*model.Task, error) {
	task, err := ps.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := ps.machine.Retry(task)
	if err != nil {
		return nil, NewErrInvalidTransition(id, err)
	}

	updated, err := ps.apply(ctx, "retry", task, decision, actorOr(actor, ActorOperator), nil, true)
	if err != nil {
		return nil, err
	}

	ps.events.EmitTask(ctx, events.TaskEvent{TaskID: id, Kind: events.TaskRetried, From: decision.From, To: decision.To, Actor: actor})
	return updated, nil
}

// Approve is the only way from complete to done, and only once every dependency is done.
func (ps *PipelineService) Approve(ctx context.Context, id uint, actor string) (*model.Task, error) {
	task, err := ps.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := ps.machine.Approve(task)
	if err != nil {
		return nil, NewErrInvalidTransition(id, err)
	}

	if pending, err := ps.unfinishedDependencies(ctx, task); err != nil {
		return nil, err
	} else if len(pending) > 0 {
		return nil, NewErrDependenciesNotDone(id, pending)
	}

	updated, err := ps.apply(ctx, "approve", task, decision, actorOr(actor, ActorOperator), nil, false)
	if err != nil {
		return nil, err
	}

	ps.events.EmitTask(ctx, events.TaskEvent{TaskID: id, Kind: events.TaskApproved, From: decision.From, To: decision.To, Actor: actor})
	return updated, nil
}

// Block takes a task out of scheduling until Resume. The stage is untouched.
func (ps *PipelineService) Block(ctx context.Context, id uint, reason string) (*model.Task, error) {
	task, err := ps.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskStatusDone {
		return nil, NewErrInvalidTransition(id, fmt.Errorf("%w: task is done", pipeline.ErrInvalidTransition))
	}

	updated, err := ps.store.Task().UpdateStatus(ctx, store.StatusRequest{
		TaskID:          id,
		ExpectedVersion: task.Version,
		Status:          model.TaskStatusBlocked,
		StatusInfo:      reason,
	})
	if err != nil {
		return nil, ps.staleAsTransition(id, err)
	}

	ps.logger.WithContext(ctx).Operation("block").WithInt("task_id", int(id)).Build().
		Success().WithString("reason", reason).Log()
	ps.events.EmitTask(ctx, events.TaskEvent{TaskID: id, Kind: events.TaskBlocked, Reason: reason})
	return updated, nil
}

// Resume returns a blocked task to scheduling with a fresh retry budget.
func (ps *PipelineService) Resume(ctx context.Context, id uint, actor string) (*model.Task, error) {
	task, err := ps.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusBlocked {
		return nil, NewErrInvalidTransition(id, fmt.Errorf("%w: task is %s, not blocked", pipeline.ErrInvalidTransition, task.Status))
	}

	status := model.TaskStatusInProgress
	if task.Stage == pipeline.StageBacklog {
		status = model.TaskStatusBacklog
	}

	updated, err := ps.store.Task().UpdateStatus(ctx, store.StatusRequest{
		TaskID:          id,
		ExpectedVersion: task.Version,
		Status:          status,
		ResetRetry:      true,
	})
	if err != nil {
		return nil, ps.staleAsTransition(id, err)
	}

	ps.events.EmitTask(ctx, events.TaskEvent{TaskID: id, Kind: events.TaskResumed, Actor: actor})
	return updated, nil
}

// SetDependencies replaces the dependency set. Unknown ids, self dependencies and cycles are
// rejected.
func (ps *PipelineService) SetDependencies(ctx context.Context, id uint, dependsOn []uint) (*model.Task, error) {
	if _, err := ps.GetTask(ctx, id); err != nil {
		return nil, err
	}

	deps := sets.List(sets.New(dependsOn...))
	for _, dep := range deps {
		if dep == id {
			return nil, NewErrInvalidDependency(id, "a task cannot depend on itself")
		}
		if _, err := ps.store.Task().Get(ctx, dep); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return nil, NewErrInvalidDependency(id, fmt.Sprintf("dependency %d does not exist", dep))
			}
			return nil, err
		}
	}

	graph, err := ps.store.Task().DependencyGraph(ctx)
	if err != nil {
		return nil, err
	}
	delete(graph, id)
	if pipeline.CreatesCycle(graph, id, deps) {
		return nil, NewErrInvalidDependency(id, "dependencies would form a cycle")
	}

	if err := ps.store.Task().SetDependencies(ctx, id, deps); err != nil {
		return nil, err
	}
	return ps.GetTask(ctx, id)
}

// ArchiveTask soft deletes the task; history and reports stay.
func (ps *PipelineService) ArchiveTask(ctx context.Context, id uint) error {
	if err := ps.store.Task().Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return NewErrTaskNotFound(id)
		}
		return err
	}
	return nil
}

// apply writes a moving decision: stage, status, history entry and outstanding job clear in
// one conditional transaction.
func (ps *PipelineService) apply(ctx context.Context, op string, task *model.Task, d pipeline.Decision, actor string, reportID *uint, incrementRetry bool) (*model.Task, error) {
	tracer := ps.logger.WithContext(ctx).
		Operation(op).
		WithInt("task_id", int(task.ID)).
		WithString("from", d.From).
		WithString("to", d.To).
		Build()

	info := ""
	switch {
	case d.AwaitingApproval:
		info = awaitingApproval
	case d.GateFailed:
		info = d.Note
	case d.PreviousFailure != "":
		info = d.PreviousFailure
	}

	updated, err := ps.store.Task().Transition(ctx, store.TransitionRequest{
		TaskID:           task.ID,
		ExpectedStage:    task.Stage,
		ExpectedVersion:  task.Version,
		ToStage:          d.To,
		Status:           d.Status,
		StatusInfo:       &info,
		IncrementRetry:   incrementRetry,
		ClearOutstanding: true,
		Actor:            actor,
		Note:             d.Note,
		ReportID:         reportID,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleStage) {
			tracer.Warn("task changed concurrently").Log()
			if op == "submit_stage_report" {
				return nil, err
			}
			return nil, ps.staleAsTransition(task.ID, err)
		}
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithString("task_status", updated.Status).Log()
	return updated, nil
}

func (ps *PipelineService) unfinishedDependencies(ctx context.Context, task *model.Task) ([]uint, error) {
	deps := task.DependencyIDs()
	if len(deps) == 0 {
		return nil, nil
	}

	doneTasks, err := ps.store.Task().List(ctx, store.NewTaskQueryFilter().WithArchived().ByID(deps...).ByStatus(model.TaskStatusDone))
	if err != nil {
		return nil, err
	}

	done := sets.New[uint]()
	for _, t := range doneTasks {
		done.Insert(t.ID)
	}
	return pipeline.Unfinished(deps, done), nil
}

func (ps *PipelineService) discard(ctx context.Context, reportID uint) error {
	if err := ps.store.Report().MarkDiscarded(ctx, reportID); err != nil {
		ps.logger.WithContext(ctx).Operation("discard_report").WithInt("report_id", int(reportID)).Build().Error(err).Log()
		return err
	}
	return nil
}

func (ps *PipelineService) staleAsTransition(id uint, err error) error {
	if errors.Is(err, store.ErrStaleStage) {
		return NewErrInvalidTransition(id, fmt.Errorf("%w: task changed concurrently, reload and try again", pipeline.ErrInvalidTransition))
	}
	return err
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}

func isReportStatus(s string) bool {
	for _, rs := range model.ReportStatuses {
		if s == rs {
			return true
		}
	}
	return false
}
