package service_test

import (
	"context"
	"encoding/json"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/events"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("queue service", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		w      *events.MemoryWriter
		qs     *service.QueueService
		lane   = service.LanePredicate{Lane: "inference", LaneID: "inference-test", JobTypes: []model.JobType{model.JobTypeComplete, model.JobTypeChat}, SingleConcurrency: true}
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
	})

	BeforeEach(func() {
		w = events.NewMemoryWriter()
		qs = service.NewQueueService(s, events.NewEventProducer(w))
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM jobs;")
		gormdb.Exec("DELETE FROM backend_health;")
	})

	AfterAll(func() {
		s.Close()
	})

	Context("enqueue", func() {
		It("defaults priority and timeout", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeVisionAnalyze, Payload: json.RawMessage(`{"image":"a.png"}`)})
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusPending))
			Expect(job.Priority).To(Equal(model.PriorityNormal))
			Expect(job.TimeoutSeconds).To(Equal(300))
		})

		It("keeps an explicit timeout", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeAgentRun, Priority: model.PriorityHigh, TimeoutSeconds: 600})
			Expect(err).To(BeNil())
			Expect(job.TimeoutSeconds).To(Equal(600))
			Expect(job.Priority).To(Equal(model.PriorityHigh))
		})

		It("rejects an unknown priority", func() {
			_, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat, Priority: 5})
			Expect(err).To(BeAssignableToTypeOf(&service.ErrInvalidPriority{}))
		})

		It("rejects an unknown job type", func() {
			_, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: "transcribe"})
			Expect(err).To(BeAssignableToTypeOf(&service.ErrInvalidJobType{}))
		})
	})

	Context("claim", func() {
		It("returns nothing on an empty queue", func() {
			job, err := qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())
			Expect(job).To(BeNil())
		})

		It("claims in priority order", func() {
			ids := []uint{}
			for _, p := range []int{4, 1, 3, 2, 1} {
				job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeComplete, Priority: p})
				Expect(err).To(BeNil())
				ids = append(ids, job.ID)
			}

			order := []uint{}
			for range ids {
				job, err := qs.ClaimNext(context.TODO(), lane)
				Expect(err).To(BeNil())
				Expect(job).ToNot(BeNil())
				Expect(job.LaneID).To(Equal("inference-test"))
				order = append(order, job.ID)

				_, err = qs.Complete(context.TODO(), job.ID, json.RawMessage(`{"text":"ok"}`))
				Expect(err).To(BeNil())
			}
			Expect(order).To(Equal([]uint{ids[1], ids[4], ids[3], ids[2], ids[0]}))
		})
	})

	Context("terminal writes", func() {
		It("completes once and then is a no-op", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat})
			Expect(err).To(BeNil())
			_, err = qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())

			ok, err := qs.Complete(context.TODO(), job.ID, json.RawMessage(`{"text":"hi"}`))
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			ok, err = qs.Complete(context.TODO(), job.ID, json.RawMessage(`{"text":"hi"}`))
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			stored, err := qs.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusCompleted))
			Expect(string(stored.Result)).To(MatchJSON(`{"text":"hi"}`))
		})

		It("refuses to finish a pending job", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat})
			Expect(err).To(BeNil())

			_, err = qs.Fail(context.TODO(), job.ID, "boom")
			Expect(err).To(BeAssignableToTypeOf(&service.ErrJobNotRunning{}))
		})

		It("reports an unknown job", func() {
			_, err := qs.Complete(context.TODO(), 4242, nil)
			Expect(err).To(BeAssignableToTypeOf(&service.ErrResourceNotFound{}))
		})

		It("records a timeout", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeComplete, TimeoutSeconds: 300})
			Expect(err).To(BeNil())
			_, err = qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())

			ok, err := qs.Timeout(context.TODO(), job.ID, "timeout")
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			stored, err := qs.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusTimeout))
		})
	})

	Context("cancel and kill", func() {
		It("cancels a pending job", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat})
			Expect(err).To(BeNil())

			cancelled, err := qs.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(cancelled.Status).To(Equal(model.JobStatusCancelled))

			next, err := qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())
			Expect(next).To(BeNil())

			Eventually(w.JobKinds).Should(Equal([]string{events.JobCancelled}))
		})

		It("does not cancel a running job", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat})
			Expect(err).To(BeNil())
			_, err = qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())

			_, err = qs.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeAssignableToTypeOf(&service.ErrJobNotPending{}))
		})

		It("kills a running job and ignores its late result", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeComplete})
			Expect(err).To(BeNil())
			_, err = qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())

			killed, err := qs.Kill(context.TODO(), job.ID, "operator abort")
			Expect(err).To(BeNil())
			Expect(killed.Status).To(Equal(model.JobStatusFailed))
			Expect(killed.Error).To(Equal("operator abort"))
			Expect(killed.Killed).To(BeTrue())

			ok, err := qs.Complete(context.TODO(), job.ID, json.RawMessage(`{"text":"late"}`))
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			stored, err := qs.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusFailed))
			Expect(stored.Error).To(Equal("operator abort"))

			Eventually(w.JobKinds).Should(Equal([]string{events.JobKilled}))
		})

		It("does not kill a pending job", func() {
			job, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeComplete})
			Expect(err).To(BeNil())

			_, err = qs.Kill(context.TODO(), job.ID, "operator abort")
			Expect(err).To(BeAssignableToTypeOf(&service.ErrJobNotRunning{}))
		})
	})

	Context("snapshot", func() {
		It("aggregates counts, running jobs and backend health", func() {
			for i := 0; i < 3; i++ {
				_, err := qs.Enqueue(context.TODO(), service.EnqueueRequest{JobType: model.JobTypeChat})
				Expect(err).To(BeNil())
			}
			running, err := qs.ClaimNext(context.TODO(), lane)
			Expect(err).To(BeNil())
			Expect(s.Health().Upsert(context.TODO(), model.BackendHealth{Lane: "inference", Healthy: false, Error: "connection refused"})).To(Succeed())

			snapshot, err := qs.StatusSnapshot(context.TODO())
			Expect(err).To(BeNil())
			Expect(snapshot.Counts[model.JobTypeChat][model.JobStatusPending]).To(BeEquivalentTo(2))
			Expect(snapshot.Counts[model.JobTypeChat][model.JobStatusRunning]).To(BeEquivalentTo(1))
			Expect(snapshot.Running).To(HaveLen(1))
			Expect(snapshot.Running[0].ID).To(Equal(running.ID))
			Expect(snapshot.Backends).To(HaveLen(1))
			Expect(snapshot.Backends[0].Healthy).To(BeFalse())
		})
	})
})
