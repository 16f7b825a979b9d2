package v1alpha1

import (
	"net/http"
	"strings"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/handlers/validator"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
)

// (POST /api/v1/tasks)
func (h *ServiceHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("task_handler").WithContext(r.Context()).Operation("create_task").Build()

	var form v1alpha1.TaskCreate
	if err := decode(r, &form, false); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validator.NewValidator().Struct(form); err != nil {
		respondError(w, r, err)
		return
	}

	task, err := h.pipelineSrv.CreateTask(r.Context(), service.CreateTaskRequest{
		Title:       form.Title,
		Description: form.Description,
		Priority:    form.Priority,
		BlockedBy:   form.BlockedBy,
		Context:     form.Context,
	})
	if err != nil {
		logger.Error(err).Log()
		respondError(w, r, err)
		return
	}

	logger.Success().WithInt("task_id", int(task.ID)).Log()
	respond(w, r, http.StatusCreated, task)
}

// (GET /api/v1/tasks)
func (h *ServiceHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.NewTaskQueryFilter()
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		filter = filter.ByStatus(strings.Split(status, ",")...)
	}
	if stage := q.Get("stage"); stage != "" {
		filter = filter.ByStage(strings.Split(stage, ",")...)
	}
	if q.Get("archived") == "true" {
		filter = filter.WithArchived()
	}

	tasks, err := h.pipelineSrv.ListTasks(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, tasks)
}

// (GET /api/v1/tasks/{id})
func (h *ServiceHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	task, err := h.pipelineSrv.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, task)
}

// (DELETE /api/v1/tasks/{id})
func (h *ServiceHandler) ArchiveTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.pipelineSrv.ArchiveTask(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// (GET /api/v1/tasks/{id}/history)
func (h *ServiceHandler) GetTaskHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	history, err := h.pipelineSrv.History(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, history)
}

// (GET /api/v1/tasks/{id}/reports)
func (h *ServiceHandler) ListStageReports(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	reports, err := h.pipelineSrv.Reports(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, reports)
}

// (POST /api/v1/tasks/{id}/reports)
func (h *ServiceHandler) CreateStageReport(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	logger := log.NewDebugLogger("task_handler").WithContext(r.Context()).Operation("create_stage_report").WithInt("task_id", int(id)).Build()

	var form v1alpha1.StageReportCreate
	if err := decode(r, &form, false); err != nil {
		respondError(w, r, err)
		return
	}

	v := validator.NewValidator()
	v.Register(validator.NewTaskValidationRules()...)
	if err := v.Struct(form); err != nil {
		respondError(w, r, err)
		return
	}

	task, err := h.pipelineSrv.SubmitStageReport(r.Context(), id, service.StageReportRequest{
		Stage:   form.Stage,
		Status:  form.Status,
		Summary: form.Summary,
		Details: form.Details,
		Actor:   form.Actor,
		JobID:   form.JobId,
	})
	if err != nil {
		logger.Error(err).Log()
		respondError(w, r, err)
		return
	}

	logger.Success().WithString("stage", task.Stage).Log()
	respond(w, r, http.StatusOK, task)
}

// (POST /api/v1/tasks/{id}/start)
func (h *ServiceHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id uint, form v1alpha1.TaskAction) (*model.Task, error) {
		return h.pipelineSrv.StartTask(r.Context(), id, form.Actor)
	})
}

// (POST /api/v1/tasks/{id}/approve)
func (h *ServiceHandler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id uint, form v1alpha1.TaskAction) (*model.Task, error) {
		return h.pipelineSrv.Approve(r.Context(), id, form.Actor)
	})
}

// (POST /api/v1/tasks/{id}/retry)
func (h *ServiceHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id uint, form v1alpha1.TaskAction) (*model.Task, error) {
		return h.pipelineSrv.Retry(r.Context(), id, form.Actor)
	})
}

// (POST /api/v1/tasks/{id}/block)
func (h *ServiceHandler) BlockTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id uint, form v1alpha1.TaskAction) (*model.Task, error) {
		reason := form.Reason
		if reason == "" {
			reason = "blocked by operator"
		}
		return h.pipelineSrv.Block(r.Context(), id, reason)
	})
}

// (POST /api/v1/tasks/{id}/resume)
func (h *ServiceHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id uint, form v1alpha1.TaskAction) (*model.Task, error) {
		return h.pipelineSrv.Resume(r.Context(), id, form.Actor)
	})
}

// (PUT /api/v1/tasks/{id}/dependencies)
func (h *ServiceHandler) SetDependencies(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var form v1alpha1.DependenciesUpdate
	if err := decode(r, &form, false); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validator.NewValidator().Struct(form); err != nil {
		respondError(w, r, err)
		return
	}

	task, err := h.pipelineSrv.SetDependencies(r.Context(), id, form.DependsOn)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, task)
}

func (h *ServiceHandler) taskAction(w http.ResponseWriter, r *http.Request, action func(id uint, form v1alpha1.TaskAction) (*model.Task, error)) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var form v1alpha1.TaskAction
	if err := decode(r, &form, true); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validator.NewValidator().Struct(form); err != nil {
		respondError(w, r, err)
		return
	}
	if form.Actor == "" {
		form.Actor = service.ActorOperator
	}

	task, err := action(id, form)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, task)
}
