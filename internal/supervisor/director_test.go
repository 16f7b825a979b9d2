package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/forgeline/director/internal/adapter"
	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/events"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/internal/supervisor"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("director", Ordered, func() {
	var (
		s        store.Store
		gormdb   *gorm.DB
		w        *events.MemoryWriter
		ps       *service.PipelineService
		qs       *service.QueueService
		registry *adapter.Registry
		opts     supervisor.Options
	)

	newDirector := func() *supervisor.Director {
		return supervisor.New(s, qs, ps, registry, events.NewEventProducer(w), opts)
	}

	withRepo := json.RawMessage(`{"repo":"web"}`)

	// startAt creates a task and walks it to stage with operator reports.
	startAt := func(stage string, taskContext json.RawMessage) *model.Task {
		task, err := ps.CreateTask(context.TODO(), service.CreateTaskRequest{Title: "checkout flow", Context: taskContext})
		Expect(err).To(BeNil())
		task, err = ps.StartTask(context.TODO(), task.ID, "tester")
		Expect(err).To(BeNil())
		for task.Stage != stage {
			task, err = ps.SubmitStageReport(context.TODO(), task.ID, service.StageReportRequest{Stage: task.Stage, Status: model.ReportStatusPass, Actor: "tester"})
			Expect(err).To(BeNil())
		}
		return task
	}

	getTask := func(id uint) *model.Task {
		task, err := ps.GetTask(context.TODO(), id)
		Expect(err).To(BeNil())
		return task
	}

	outstanding := func(id uint) *model.Job {
		task := getTask(id)
		Expect(task.OutstandingJobID).ToNot(BeNil())
		job, err := qs.GetJob(context.TODO(), *task.OutstandingJobID)
		Expect(err).To(BeNil())
		return job
	}

	// finish plays the lane: claim the job and store result.
	finish := func(job *model.Job, result string) {
		claimed, err := qs.ClaimNext(context.TODO(), service.LanePredicate{Lane: "test", LaneID: "test-1", JobTypes: []model.JobType{job.JobType}})
		Expect(err).To(BeNil())
		Expect(claimed.ID).To(Equal(job.ID))
		written, err := qs.Complete(context.TODO(), job.ID, json.RawMessage(result))
		Expect(err).To(BeNil())
		Expect(written).To(BeTrue())
	}

	countKind := func(kind string) func() int {
		return func() int {
			n := 0
			for _, k := range w.TaskKinds() {
				if k == kind {
					n++
				}
			}
			return n
		}
	}

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
	})

	BeforeEach(func() {
		w = events.NewMemoryWriter()
		producer := events.NewEventProducer(w)
		ps = service.NewPipelineService(s, pipeline.NewMachine(pipeline.DefaultDefinition()), producer).WithRetryLimit(2)
		qs = service.NewQueueService(s, producer)

		var err error
		registry, err = adapter.NewRegistryFromConfig(config.NewDefault())
		Expect(err).To(BeNil())

		opts = supervisor.Options{
			Interval:       20 * time.Millisecond,
			HealthInterval: time.Hour,
			SweepSchedule:  "@every 1h",
			SweepMaxAge:    72,
			StallFactor:    2,
			PoliciesDir:    "../../policies",
		}
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM stage_transitions;")
		gormdb.Exec("DELETE FROM stage_reports;")
		gormdb.Exec("DELETE FROM task_dependencies;")
		gormdb.Exec("DELETE FROM tasks;")
		gormdb.Exec("DELETE FROM jobs;")
		gormdb.Exec("DELETE FROM enforcement_rules;")
		gormdb.Exec("DELETE FROM stage_prompts;")
		gormdb.Exec("DELETE FROM backend_health;")
	})

	AfterAll(func() {
		s.Close()
	})

	Context("scheduling", func() {
		It("enqueues one job for the stage a task sits at", func() {
			task := startAt(pipeline.StagePM, withRepo)
			d := newDirector()

			Expect(d.Cycle(context.TODO())).To(BeNil())

			job := outstanding(task.ID)
			Expect(job.Status).To(Equal(model.JobStatusPending))
			Expect(job.JobType).To(Equal(model.JobTypeComplete))
			Expect(job.Stage).To(Equal(pipeline.StagePM))
			Expect(job.Priority).To(Equal(model.PriorityHigh))
			Expect(job.TimeoutSeconds).To(Equal(300))
			Expect(*job.TaskID).To(Equal(task.ID))

			var payload map[string]any
			Expect(json.Unmarshal(job.Payload, &payload)).To(Succeed())
			Expect(payload["prompt"]).To(ContainSubstring("checkout flow"))
			Expect(payload["format"]).To(Equal("json"))

			// a second cycle does not schedule the same stage twice
			Expect(d.Cycle(context.TODO())).To(BeNil())
			jobs, err := qs.ListJobs(context.TODO(), store.NewJobQueryFilter().ByTaskID(task.ID))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Eventually(countKind(events.TaskScheduled)).Should(Equal(1))
			Consistently(countKind(events.TaskScheduled), 100*time.Millisecond).Should(Equal(1))
		})

		It("advances on a passing job and schedules the next stage", func() {
			task := startAt(pipeline.StageDev, withRepo)
			d := newDirector()

			Expect(d.Cycle(context.TODO())).To(BeNil())
			devJob := outstanding(task.ID)
			Expect(devJob.JobType).To(Equal(model.JobTypeAgentRun))

			finish(devJob, `{"status":"pass","summary":"implemented"}`)
			Expect(d.Cycle(context.TODO())).To(BeNil())

			updated := getTask(task.ID)
			Expect(updated.Stage).To(Equal(pipeline.StageQA))
			qaJob := outstanding(task.ID)
			Expect(qaJob.ID).ToNot(Equal(devJob.ID))
			Expect(qaJob.Stage).To(Equal(pipeline.StageQA))

			reports, err := ps.Reports(context.TODO(), task.ID)
			Expect(err).To(BeNil())
			last := reports[len(reports)-1]
			Expect(last.Stage).To(Equal(pipeline.StageDev))
			Expect(last.Status).To(Equal(model.ReportStatusPass))
		})

		It("moves a task to the failure stage when the gated job fails", func() {
			task := startAt(pipeline.StageQA, withRepo)
			d := newDirector()

			Expect(d.Cycle(context.TODO())).To(BeNil())
			finish(outstanding(task.ID), `{"status":"fail","summary":"3 tests failing"}`)
			Expect(d.Cycle(context.TODO())).To(BeNil())

			updated := getTask(task.ID)
			Expect(updated.Stage).To(Equal("qa_failed"))
			Expect(updated.OutstandingJobID).To(BeNil())
			Eventually(w.TaskKinds).Should(ContainElement(events.TaskGateFailed))
		})

		It("schedules a fresh attempt after a pending verdict", func() {
			task := startAt(pipeline.StagePM, withRepo)
			d := newDirector()

			Expect(d.Cycle(context.TODO())).To(BeNil())
			first := outstanding(task.ID)
			finish(first, `{"status":"pending","summary":"still thinking"}`)

			Expect(d.Cycle(context.TODO())).To(BeNil())
			Expect(getTask(task.ID).Stage).To(Equal(pipeline.StagePM))
			Expect(outstanding(task.ID).ID).ToNot(Equal(first.ID))
		})

		It("leaves tasks with unfinished dependencies alone", func() {
			dependency, err := ps.CreateTask(context.TODO(), service.CreateTaskRequest{Title: "schema", Context: withRepo})
			Expect(err).To(BeNil())
			dependency, err = ps.StartTask(context.TODO(), dependency.ID, "tester")
			Expect(err).To(BeNil())

			dependent, err := ps.CreateTask(context.TODO(), service.CreateTaskRequest{Title: "api", Context: withRepo, BlockedBy: []uint{dependency.ID}})
			Expect(err).To(BeNil())
			dependent, err = ps.StartTask(context.TODO(), dependent.ID, "tester")
			Expect(err).To(BeNil())

			Expect(newDirector().Cycle(context.TODO())).To(BeNil())

			Expect(getTask(dependency.ID).OutstandingJobID).ToNot(BeNil())
			Expect(getTask(dependent.ID).OutstandingJobID).To(BeNil())
		})

		It("renders the latest stored prompt for the stage", func() {
			_, err := s.Rule().CreatePrompt(context.TODO(), model.StagePrompt{Stage: pipeline.StagePM, Template: "plan {{ .Task.Title }} for {{ .Context.repo }}"})
			Expect(err).To(BeNil())
			task := startAt(pipeline.StagePM, withRepo)

			Expect(newDirector().Cycle(context.TODO())).To(BeNil())

			var payload map[string]any
			Expect(json.Unmarshal(outstanding(task.ID).Payload, &payload)).To(Succeed())
			Expect(payload["prompt"]).To(Equal("plan checkout flow for web"))
		})
	})

	Context("enforcement", func() {
		It("rejects work the rules deny and reports it once", func() {
			task := startAt(pipeline.StageDev, nil)
			d := newDirector()

			Expect(d.Cycle(context.TODO())).To(BeNil())

			updated := getTask(task.ID)
			Expect(updated.OutstandingJobID).To(BeNil())
			Expect(updated.StatusInfo).To(HavePrefix("rejected by enforcement rules: "))
			Expect(updated.StatusInfo).To(ContainSubstring("repo"))

			Expect(d.Cycle(context.TODO())).To(BeNil())
			Eventually(countKind(events.TaskRejected)).Should(Equal(1))
			Consistently(countKind(events.TaskRejected), 100*time.Millisecond).Should(Equal(1))

			jobs, err := qs.ListJobs(context.TODO(), store.NewJobQueryFilter().ByTaskID(task.ID))
			Expect(err).To(BeNil())
			Expect(jobs).To(BeEmpty())
		})

		It("applies stored rules and skips the ones that do not compile", func() {
			_, err := s.Rule().CreateRule(context.TODO(), model.EnforcementRule{
				Name:    "no-planning",
				Enabled: true,
				Rego: `package director.enforcement

deny contains "planning is frozen" if {
	input.job.stage == "pm"
}`,
			})
			Expect(err).To(BeNil())
			_, err = s.Rule().CreateRule(context.TODO(), model.EnforcementRule{Name: "broken", Enabled: true, Rego: "package director.enforcement\ndeny contains"})
			Expect(err).To(BeNil())

			task := startAt(pipeline.StagePM, withRepo)
			Expect(newDirector().Cycle(context.TODO())).To(BeNil())
			Expect(getTask(task.ID).StatusInfo).To(Equal("rejected by enforcement rules: planning is frozen"))

			// a disabled version turns the rule off
			_, err = s.Rule().CreateRule(context.TODO(), model.EnforcementRule{Name: "no-planning", Enabled: false, Rego: "package director.enforcement"})
			Expect(err).To(BeNil())
			Expect(newDirector().Cycle(context.TODO())).To(BeNil())
			Expect(getTask(task.ID).OutstandingJobID).ToNot(BeNil())
		})
	})

	Context("job failures", func() {
		It("times out jobs left running past their deadline", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat, TimeoutSeconds: 60, Payload: json.RawMessage(`{}`)})
			Expect(err).To(BeNil())
			_, err = qs.ClaimNext(context.TODO(), service.LanePredicate{Lane: "inference", LaneID: "inference-gone", JobTypes: []model.JobType{model.JobTypeChat}})
			Expect(err).To(BeNil())
			gormdb.Exec("UPDATE jobs SET started_at = ? WHERE id = ?", time.Now().Add(-10*time.Minute), job.ID)

			fresh, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat, TimeoutSeconds: 60, Payload: json.RawMessage(`{}`)})
			Expect(err).To(BeNil())
			_, err = qs.ClaimNext(context.TODO(), service.LanePredicate{Lane: "inference", LaneID: "inference-live", JobTypes: []model.JobType{model.JobTypeChat}})
			Expect(err).To(BeNil())

			Expect(newDirector().Cycle(context.TODO())).To(BeNil())

			stalled, err := qs.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stalled.Status).To(Equal(model.JobStatusTimeout))
			Expect(stalled.Error).To(Equal("lane stalled"))

			running, err := qs.GetJob(context.TODO(), fresh.ID)
			Expect(err).To(BeNil())
			Expect(running.Status).To(Equal(model.JobStatusRunning))

			Eventually(w.JobKinds).Should(ContainElement(events.JobStalled))
		})

		It("blocks a task whose job was cancelled", func() {
			task := startAt(pipeline.StagePM, withRepo)
			d := newDirector()
			Expect(d.Cycle(context.TODO())).To(BeNil())

			job := outstanding(task.ID)
			_, err := qs.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())

			Expect(d.Cycle(context.TODO())).To(BeNil())

			updated := getTask(task.ID)
			Expect(updated.Status).To(Equal(model.TaskStatusBlocked))
			Expect(updated.OutstandingJobID).To(BeNil())
			Expect(updated.StatusInfo).To(ContainSubstring("was cancelled"))
		})

		It("leaves failure stages to the operator without auto retry", func() {
			task := startAt(pipeline.StageQA, withRepo)
			_, err := ps.SubmitStageReport(context.TODO(), task.ID, service.StageReportRequest{Stage: pipeline.StageQA, Status: model.ReportStatusFail, Actor: "tester"})
			Expect(err).To(BeNil())

			Expect(newDirector().Cycle(context.TODO())).To(BeNil())
			Expect(getTask(task.ID).Stage).To(Equal("qa_failed"))
		})

		It("retries failed gates automatically until the limit", func() {
			opts.AutoRetry = true
			d := newDirector()

			task := startAt(pipeline.StageQA, withRepo)
			_, err := ps.SubmitStageReport(context.TODO(), task.ID, service.StageReportRequest{Stage: pipeline.StageQA, Status: model.ReportStatusFail, Actor: "tester"})
			Expect(err).To(BeNil())

			Expect(d.Cycle(context.TODO())).To(BeNil())
			updated := getTask(task.ID)
			Expect(updated.Stage).To(Equal(pipeline.StageDev))
			Expect(updated.RetryCount).To(Equal(1))
			retried := outstanding(task.ID)
			Expect(retried.Stage).To(Equal(pipeline.StageDev))

			var payload map[string]any
			Expect(json.Unmarshal(retried.Payload, &payload)).To(Succeed())
			Expect(payload["prompt"]).To(ContainSubstring("Stage: dev (attempt 2)"))
			Expect(payload["prompt"]).To(ContainSubstring("The previous attempt did not pass: gate"))

			exhausted := startAt(pipeline.StageQA, withRepo)
			gormdb.Exec("UPDATE tasks SET retry_count = 2 WHERE id = ?", exhausted.ID)
			_, err = ps.SubmitStageReport(context.TODO(), exhausted.ID, service.StageReportRequest{Stage: pipeline.StageQA, Status: model.ReportStatusFail, Actor: "tester"})
			Expect(err).To(BeNil())

			Expect(d.Cycle(context.TODO())).To(BeNil())
			blocked := getTask(exhausted.ID)
			Expect(blocked.Status).To(Equal(model.TaskStatusBlocked))
			Expect(blocked.Stage).To(Equal("qa_failed"))
			Expect(blocked.StatusInfo).To(ContainSubstring("retry limit reached"))
		})
	})

	Context("health", func() {
		It("stores one probe result per lane", func() {
			var err error
			registry, err = adapter.NewRegistry(
				adapter.Binding{Lane: adapter.LaneInference, JobTypes: []model.JobType{model.JobTypeComplete, model.JobTypeChat}, Adapter: adapter.NewMockAdapter("inference")},
				adapter.Binding{Lane: adapter.LaneAgent, JobTypes: []model.JobType{model.JobTypeAgentRun}, Adapter: adapter.NewMockAdapter("agent", adapter.WithPingError(errors.New("agent binary not found")))},
			)
			Expect(err).To(BeNil())

			newDirector().CheckHealth(context.TODO())

			rows, err := s.Health().List(context.TODO())
			Expect(err).To(BeNil())
			Expect(rows).To(HaveLen(2))
			for _, h := range rows {
				switch h.Lane {
				case adapter.LaneInference:
					Expect(h.Healthy).To(BeTrue())
				case adapter.LaneAgent:
					Expect(h.Healthy).To(BeFalse())
					Expect(h.Error).To(Equal("agent binary not found"))
				}
			}

			snapshot, err := qs.StatusSnapshot(context.TODO())
			Expect(err).To(BeNil())
			Expect(snapshot.Backends).To(HaveLen(2))
		})
	})

	It("runs cycles until stopped", func() {
		task := startAt(pipeline.StagePM, withRepo)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- newDirector().Run(ctx)
		}()

		Eventually(func() *uint { return getTask(task.ID).OutstandingJobID }, 5*time.Second).ShouldNot(BeNil())
		Eventually(func() int {
			rows, err := s.Health().List(context.TODO())
			Expect(err).To(BeNil())
			return len(rows)
		}, 5*time.Second).Should(Equal(3))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("refuses a malformed sweep schedule", func() {
		opts.SweepSchedule = "every now and then"
		Expect(newDirector().Run(context.TODO())).ToNot(Succeed())
	})
})
