package v1alpha1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/handlers/validator"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/log"
)

// (POST /api/v1/jobs)
func (h *ServiceHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("create_job").Build()

	var form v1alpha1.JobCreate
	if err := decode(r, &form, false); err != nil {
		respondError(w, r, err)
		return
	}

	v := validator.NewValidator()
	v.Register(validator.NewJobValidationRules()...)
	if err := v.Struct(form); err != nil {
		respondError(w, r, err)
		return
	}

	// an operator waiting on the answer goes ahead of pipeline work
	priority := model.PriorityCritical
	if form.Priority != nil {
		priority = *form.Priority
	}

	job, err := h.queueSrv.Enqueue(r.Context(), service.EnqueueRequest{
		JobType:        model.JobType(form.Type),
		Payload:        form.Payload,
		Priority:       priority,
		TimeoutSeconds: form.TimeoutSeconds,
		TaskID:         form.TaskId,
		SessionID:      form.SessionId,
		Stage:          form.Stage,
	})
	if err != nil {
		logger.Error(err).Log()
		respondError(w, r, err)
		return
	}

	logger.Success().WithInt("job_id", int(job.ID)).Log()
	respond(w, r, http.StatusCreated, job)
}

// (GET /api/v1/jobs)
func (h *ServiceHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.NewJobQueryFilter()
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		filter = filter.ByStatus(strings.Split(status, ",")...)
	}
	if jobType := q.Get("type"); jobType != "" {
		filter = filter.ByType(strings.Split(jobType, ",")...)
	}
	if lane := q.Get("lane"); lane != "" {
		filter = filter.ByLane(lane)
	}
	if taskID := q.Get("task_id"); taskID != "" {
		id, err := strconv.ParseUint(taskID, 10, 64)
		if err != nil {
			respondError(w, r, validator.NewErrInvalidForm("invalid task_id %q", taskID))
			return
		}
		filter = filter.ByTaskID(uint(id))
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			respondError(w, r, validator.NewErrInvalidForm("invalid limit %q", limit))
			return
		}
		filter = filter.WithLimit(n)
	}

	jobs, err := h.queueSrv.ListJobs(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, jobs)
}

// (GET /api/v1/jobs/{id})
func (h *ServiceHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	job, err := h.queueSrv.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, job)
}

// (POST /api/v1/jobs/{id}/cancel)
func (h *ServiceHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	job, err := h.queueSrv.Cancel(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, job)
}

// (POST /api/v1/jobs/{id}/kill)
func (h *ServiceHandler) KillJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var form v1alpha1.JobKill
	if err := decode(r, &form, true); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validator.NewValidator().Struct(form); err != nil {
		respondError(w, r, err)
		return
	}
	if form.Reason == "" {
		form.Reason = "killed by operator"
	}

	job, err := h.queueSrv.Kill(r.Context(), id, form.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, job)
}

// (GET /api/v1/queue)
func (h *ServiceHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.queueSrv.StatusSnapshot(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, snapshot)
}
