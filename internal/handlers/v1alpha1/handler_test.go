package v1alpha1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/events"
	handlers "github.com/forgeline/director/internal/handlers/v1alpha1"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/middleware"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("v1 api", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		qs     *service.QueueService
		router chi.Router
	)

	call := func(method, path, body string) *httptest.ResponseRecorder {
		var reader *bytes.Reader
		if body == "" {
			reader = bytes.NewReader(nil)
		} else {
			reader = bytes.NewReader([]byte(body))
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	decode := func(rr *httptest.ResponseRecorder, v any) {
		Expect(json.Unmarshal(rr.Body.Bytes(), v)).To(Succeed())
	}

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
	})

	BeforeEach(func() {
		producer := events.NewEventProducer(events.NewMemoryWriter())
		def := pipeline.DefaultDefinition()
		qs = service.NewQueueService(s, producer)
		ps := service.NewPipelineService(s, pipeline.NewMachine(def), producer)
		rs := service.NewRuleService(s, def)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		handlers.NewServiceHandler(qs, ps, rs).Routes(r)
		router = r
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM stage_transitions;")
		gormdb.Exec("DELETE FROM stage_reports;")
		gormdb.Exec("DELETE FROM task_dependencies;")
		gormdb.Exec("DELETE FROM tasks;")
		gormdb.Exec("DELETE FROM jobs;")
		gormdb.Exec("DELETE FROM enforcement_rules;")
		gormdb.Exec("DELETE FROM stage_prompts;")
	})

	AfterAll(func() {
		s.Close()
	})

	Context("jobs", func() {
		It("enqueues at critical priority by default", func() {
			rr := call(http.MethodPost, "/api/v1/jobs", `{"type":"complete","payload":{"prompt":"hi"}}`)
			Expect(rr.Code).To(Equal(http.StatusCreated))

			var job model.Job
			decode(rr, &job)
			Expect(job.ID).NotTo(BeZero())
			Expect(job.Priority).To(Equal(model.PriorityCritical))
			Expect(job.Status).To(Equal(model.JobStatusPending))
		})

		It("keeps an explicit priority", func() {
			rr := call(http.MethodPost, "/api/v1/jobs", `{"type":"chat","payload":{},"priority":4}`)
			Expect(rr.Code).To(Equal(http.StatusCreated))

			var job model.Job
			decode(rr, &job)
			Expect(job.Priority).To(Equal(model.PriorityLow))
		})

		It("rejects unknown job types with a request id", func() {
			rr := call(http.MethodPost, "/api/v1/jobs", `{"type":"teleport","payload":{}}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			var body map[string]any
			decode(rr, &body)
			Expect(body["message"]).To(ContainSubstring("jobtype"))
			Expect(body["requestId"]).To(Equal(rr.Header().Get("X-Request-Id")))
		})

		It("rejects malformed bodies", func() {
			rr := call(http.MethodPost, "/api/v1/jobs", `{"type":`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for missing jobs", func() {
			rr := call(http.MethodGet, "/api/v1/jobs/4242", "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for non numeric ids", func() {
			rr := call(http.MethodGet, "/api/v1/jobs/abc", "")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("refuses to cancel a running job and kills it instead", func() {
			rr := call(http.MethodPost, "/api/v1/jobs", `{"type":"complete","payload":{}}`)
			var job model.Job
			decode(rr, &job)

			claimed, err := qs.ClaimNext(context.TODO(), service.LanePredicate{Lane: "inference", LaneID: "inference-test", JobTypes: []model.JobType{model.JobTypeComplete}})
			Expect(err).To(BeNil())
			Expect(claimed.ID).To(Equal(job.ID))

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", job.ID), "")
			Expect(rr.Code).To(Equal(http.StatusConflict))

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/kill", job.ID), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			decode(rr, &job)
			Expect(job.Status).To(Equal(model.JobStatusFailed))
			Expect(job.Killed).To(BeTrue())
			Expect(job.Error).To(ContainSubstring("killed by operator"))
		})

		It("cancels pending jobs", func() {
			rr := call(http.MethodPost, "/api/v1/jobs", `{"type":"complete","payload":{}}`)
			var job model.Job
			decode(rr, &job)

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", job.ID), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			decode(rr, &job)
			Expect(job.Status).To(Equal(model.JobStatusCancelled))
		})

		It("filters the job list", func() {
			call(http.MethodPost, "/api/v1/jobs", `{"type":"complete","payload":{}}`)
			call(http.MethodPost, "/api/v1/jobs", `{"type":"agent_run","payload":{}}`)

			rr := call(http.MethodGet, "/api/v1/jobs?type=agent_run", "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var jobs []model.Job
			decode(rr, &jobs)
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].JobType).To(Equal(model.JobTypeAgentRun))

			rr = call(http.MethodGet, "/api/v1/jobs?limit=0", "")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("reports the queue snapshot", func() {
			call(http.MethodPost, "/api/v1/jobs", `{"type":"complete","payload":{}}`)

			rr := call(http.MethodGet, "/api/v1/queue", "")
			Expect(rr.Code).To(Equal(http.StatusOK))

			var snapshot service.QueueSnapshot
			decode(rr, &snapshot)
			Expect(snapshot.Counts[model.JobTypeComplete][model.JobStatusPending]).To(Equal(int64(1)))
		})
	})

	Context("tasks", func() {
		createTask := func(body string) model.Task {
			rr := call(http.MethodPost, "/api/v1/tasks", body)
			Expect(rr.Code).To(Equal(http.StatusCreated))
			var task model.Task
			decode(rr, &task)
			return task
		}

		It("drives a task through reports", func() {
			task := createTask(`{"title":"checkout","context":{"repo":"web"}}`)
			Expect(task.Stage).To(Equal(pipeline.StageBacklog))

			rr := call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/start", task.ID), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			decode(rr, &task)
			Expect(task.Stage).To(Equal(pipeline.StagePM))

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/reports", task.ID), `{"stage":"pm","status":"pass","summary":"planned"}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			decode(rr, &task)
			Expect(task.Stage).To(Equal(pipeline.StageDev))

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/reports", task.ID), `{"stage":"pm","status":"pass"}`)
			Expect(rr.Code).To(Equal(http.StatusConflict))

			rr = call(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/history", task.ID), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var history []model.StageTransition
			decode(rr, &history)
			Expect(history).To(HaveLen(2))
			Expect(history[0].Actor).To(Equal(service.ActorOperator))

			rr = call(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/reports", task.ID), "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var reports []model.StageReport
			decode(rr, &reports)
			Expect(reports).NotTo(BeEmpty())
		})

		It("validates report bodies", func() {
			task := createTask(`{"title":"checkout"}`)

			rr := call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/reports", task.ID), `{"stage":"pm","status":"maybe"}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/reports", task.ID), `{"stage":"PM!","status":"pass"}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("requires a title", func() {
			rr := call(http.MethodPost, "/api/v1/tasks", `{"description":"no title"}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("blocks and resumes", func() {
			task := createTask(`{"title":"checkout"}`)
			call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/start", task.ID), "")

			rr := call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/block", task.ID), `{"reason":"waiting on design"}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			decode(rr, &task)
			Expect(task.Status).To(Equal(model.TaskStatusBlocked))
			Expect(task.StatusInfo).To(Equal("waiting on design"))

			rr = call(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/resume", task.ID), `{"actor":"alice"}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			decode(rr, &task)
			Expect(task.Status).To(Equal(model.TaskStatusInProgress))
		})

		It("replaces dependencies and refuses cycles", func() {
			dep := createTask(`{"title":"schema"}`)
			task := createTask(fmt.Sprintf(`{"title":"api","blocked_by":[%d]}`, dep.ID))

			var got model.Task
			decode(call(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", task.ID), ""), &got)
			Expect(got.DependencyIDs()).To(ConsistOf(dep.ID))

			rr := call(http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d/dependencies", dep.ID), fmt.Sprintf(`{"depends_on":[%d]}`, task.ID))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			rr = call(http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d/dependencies", task.ID), `{"depends_on":[]}`)
			Expect(rr.Code).To(Equal(http.StatusOK))
			var cleared model.Task
			decode(rr, &cleared)
			Expect(cleared.DependencyIDs()).To(BeEmpty())
		})

		It("rejects self dependencies", func() {
			task := createTask(`{"title":"loop"}`)
			rr := call(http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d/dependencies", task.ID), fmt.Sprintf(`{"depends_on":[%d]}`, task.ID))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("archives tasks out of the default listing", func() {
			task := createTask(`{"title":"old"}`)

			rr := call(http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", task.ID), "")
			Expect(rr.Code).To(Equal(http.StatusNoContent))

			var tasks []model.Task
			decode(call(http.MethodGet, "/api/v1/tasks", ""), &tasks)
			Expect(tasks).To(BeEmpty())

			decode(call(http.MethodGet, "/api/v1/tasks?archived=true", ""), &tasks)
			Expect(tasks).To(HaveLen(1))
		})

		It("returns 404 for missing tasks", func() {
			rr := call(http.MethodPost, "/api/v1/tasks/999/approve", "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("rules and prompts", func() {
		It("stores rules and lists versions", func() {
			rule := "package director.enforcement\n\ndeny contains \"frozen\" if {\n\tinput.job.stage == \"pm\"\n}\n"
			body, _ := json.Marshal(map[string]any{"name": "freeze", "rego": rule})

			rr := call(http.MethodPost, "/api/v1/rules", string(body))
			Expect(rr.Code).To(Equal(http.StatusCreated))

			rr = call(http.MethodPost, "/api/v1/rules", `{"name":"freeze","enabled":false}`)
			Expect(rr.Code).To(Equal(http.StatusCreated))

			var rules []model.EnforcementRule
			decode(call(http.MethodGet, "/api/v1/rules", ""), &rules)
			Expect(rules).To(HaveLen(1))
			Expect(rules[0].Version).To(Equal(2))
			Expect(rules[0].Enabled).To(BeFalse())

			decode(call(http.MethodGet, "/api/v1/rules?all=true", ""), &rules)
			Expect(rules).To(HaveLen(2))
		})

		It("rejects rules that do not compile", func() {
			rr := call(http.MethodPost, "/api/v1/rules", `{"name":"broken","rego":"package director.enforcement\ndeny contains"}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			rr = call(http.MethodPost, "/api/v1/rules", `{"name":"bad name!","rego":""}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("stores prompts per stage", func() {
			rr := call(http.MethodPost, "/api/v1/prompts", `{"stage":"dev","template":"build {{ .Task.Title }}"}`)
			Expect(rr.Code).To(Equal(http.StatusCreated))

			rr = call(http.MethodPost, "/api/v1/prompts", `{"stage":"backlog","template":"nothing"}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			var prompts []model.StagePrompt
			decode(call(http.MethodGet, "/api/v1/prompts", ""), &prompts)
			Expect(prompts).To(HaveLen(1))
			Expect(prompts[0].Stage).To(Equal(pipeline.StageDev))
		})
	})
})
