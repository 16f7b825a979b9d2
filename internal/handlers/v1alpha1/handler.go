package v1alpha1

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/handlers/validator"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/pkg/requestid"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type ServiceHandler struct {
	queueSrv    *service.QueueService
	pipelineSrv *service.PipelineService
	ruleSrv     *service.RuleService
}

func NewServiceHandler(queueService *service.QueueService, pipelineService *service.PipelineService, ruleService *service.RuleService) *ServiceHandler {
	return &ServiceHandler{
		queueSrv:    queueService,
		pipelineSrv: pipelineService,
		ruleSrv:     ruleService,
	}
}

// Routes mounts the v1 API on r.
func (h *ServiceHandler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Post("/{id}/kill", h.KillJob)
		})
		r.Get("/queue", h.GetQueue)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/", h.ListTasks)
			r.Get("/{id}", h.GetTask)
			r.Delete("/{id}", h.ArchiveTask)
			r.Get("/{id}/history", h.GetTaskHistory)
			r.Get("/{id}/reports", h.ListStageReports)
			r.Post("/{id}/reports", h.CreateStageReport)
			r.Post("/{id}/start", h.StartTask)
			r.Post("/{id}/approve", h.ApproveTask)
			r.Post("/{id}/retry", h.RetryTask)
			r.Post("/{id}/block", h.BlockTask)
			r.Post("/{id}/resume", h.ResumeTask)
			r.Put("/{id}/dependencies", h.SetDependencies)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Get("/", h.ListRules)
		})
		r.Route("/prompts", func(r chi.Router) {
			r.Post("/", h.CreatePrompt)
			r.Get("/", h.ListPrompts)
		})
	})
}

func idParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, validator.NewErrInvalidForm("invalid id %q", chi.URLParam(r, "id"))
	}
	return uint(id), nil
}

// decode reads a JSON body into v. An empty body leaves v untouched when optional is set.
func decode(r *http.Request, v any, optional bool) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return validator.NewErrInvalidForm("failed to decode body: %v", err)
	}
	return nil
}

func statusFor(err error) int {
	var (
		notFound         *service.ErrResourceNotFound
		invalidPriority  *service.ErrInvalidPriority
		invalidJobType   *service.ErrInvalidJobType
		invalidDep       *service.ErrInvalidDependency
		invalidRule      *service.ErrInvalidRule
		invalidPrompt    *service.ErrInvalidPrompt
		invalidForm      *validator.ErrInvalidForm
		notRunning       *service.ErrJobNotRunning
		notPending       *service.ErrJobNotPending
		badTransition    *service.ErrInvalidTransition
		staleReport      *service.ErrStaleReport
		dependenciesOpen *service.ErrDependenciesNotDone
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalidPriority), errors.As(err, &invalidJobType), errors.As(err, &invalidDep),
		errors.As(err, &invalidRule), errors.As(err, &invalidPrompt), errors.As(err, &invalidForm):
		return http.StatusBadRequest
	case errors.As(err, &notRunning), errors.As(err, &notPending), errors.As(err, &badTransition),
		errors.As(err, &staleReport), errors.As(err, &dependenciesOpen):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = fmt.Sprintf("internal error: %v", err)
	}
	render.Status(r, status)
	render.JSON(w, r, v1alpha1.Error{Message: message, RequestId: requestid.FromContextPtr(r.Context())})
}

func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}
