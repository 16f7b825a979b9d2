package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("job store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	newJob := func(jobType model.JobType, priority int) *model.Job {
		job, err := s.Job().Create(context.TODO(), model.Job{
			JobType:        jobType,
			Priority:       priority,
			TimeoutSeconds: 60,
			Payload:        model.Payload(`{"prompt":"hello"}`),
		})
		Expect(err).To(BeNil())
		return job
	}

	claim := func(lane string, single bool, types ...model.JobType) (*model.Job, error) {
		return s.Job().ClaimNext(context.TODO(), store.ClaimRequest{
			Lane:              lane,
			LaneID:            lane + "-1",
			JobTypes:          types,
			SingleConcurrency: single,
		})
	}

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	Context("create", func() {
		It("always inserts a pending row", func() {
			job, err := s.Job().Create(context.TODO(), model.Job{
				JobType:        model.JobTypeComplete,
				Status:         model.JobStatusCompleted,
				Priority:       model.PriorityHigh,
				TimeoutSeconds: 120,
			})
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusPending))

			stored, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusPending))
			Expect(stored.Priority).To(Equal(model.PriorityHigh))
		})

		It("returns not found for a missing job", func() {
			_, err := s.Job().Get(context.TODO(), 4242)
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("claim", func() {
		It("claims jobs by priority then creation order", func() {
			ids := []uint{}
			for _, p := range []int{4, 1, 3, 2, 1} {
				ids = append(ids, newJob(model.JobTypeComplete, p).ID)
			}

			claimed := []uint{}
			for range ids {
				job, err := claim("inference", false, model.JobTypeComplete)
				Expect(err).To(BeNil())
				claimed = append(claimed, job.ID)
			}

			Expect(claimed).To(Equal([]uint{ids[1], ids[4], ids[3], ids[2], ids[0]}))

			_, err := claim("inference", false, model.JobTypeComplete)
			Expect(err).To(MatchError(store.ErrNoJobs))
		})

		It("stamps the claiming lane and start time", func() {
			job := newJob(model.JobTypeChat, model.PriorityNormal)

			claimed, err := claim("inference", true, model.JobTypeComplete, model.JobTypeChat)
			Expect(err).To(BeNil())
			Expect(claimed.ID).To(Equal(job.ID))
			Expect(claimed.Status).To(Equal(model.JobStatusRunning))
			Expect(claimed.Lane).To(Equal("inference"))
			Expect(claimed.LaneID).To(Equal("inference-1"))
			Expect(claimed.StartedAt).ToNot(BeNil())
			Expect(string(claimed.Payload)).To(MatchJSON(`{"prompt":"hello"}`))
		})

		It("only claims the lane's job types", func() {
			newJob(model.JobTypeAgentRun, model.PriorityCritical)

			_, err := claim("vision", false, model.JobTypeVisionAnalyze)
			Expect(err).To(MatchError(store.ErrNoJobs))
		})

		It("hands a job to exactly one of many concurrent callers", func() {
			job := newJob(model.JobTypeVisionAnalyze, model.PriorityNormal)

			const callers = 10
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []uint
				misses  int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					got, err := s.Job().ClaimNext(context.TODO(), store.ClaimRequest{
						Lane:     "vision",
						LaneID:   fmt.Sprintf("vision-%d", i),
						JobTypes: []model.JobType{model.JobTypeVisionAnalyze},
					})
					mu.Lock()
					defer mu.Unlock()
					if errors.Is(err, store.ErrNoJobs) {
						misses++
						return
					}
					Expect(err).To(BeNil())
					winners = append(winners, got.ID)
				}(i)
			}
			wg.Wait()

			Expect(winners).To(Equal([]uint{job.ID}))
			Expect(misses).To(Equal(callers - 1))
		})

		It("refuses a second running job on a single concurrency lane", func() {
			newJob(model.JobTypeAgentRun, model.PriorityNormal)
			newJob(model.JobTypeAgentRun, model.PriorityNormal)

			first, err := claim("agent", true, model.JobTypeAgentRun)
			Expect(err).To(BeNil())

			_, err = claim("agent", true, model.JobTypeAgentRun)
			Expect(err).To(MatchError(store.ErrNoJobs))

			n, err := s.Job().Finish(context.TODO(), first.ID, store.FinishRequest{From: model.JobStatusRunning, To: model.JobStatusCompleted})
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(1))

			second, err := claim("agent", true, model.JobTypeAgentRun)
			Expect(err).To(BeNil())
			Expect(second.ID).ToNot(Equal(first.ID))
		})
	})

	Context("terminal writes", func() {
		It("applies a completion once", func() {
			newJob(model.JobTypeChat, model.PriorityNormal)
			job, err := claim("inference", true, model.JobTypeChat)
			Expect(err).To(BeNil())

			req := store.FinishRequest{From: model.JobStatusRunning, To: model.JobStatusCompleted, Result: model.Payload(`{"status":"pass"}`)}
			n, err := s.Job().Finish(context.TODO(), job.ID, req)
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(1))

			n, err = s.Job().Finish(context.TODO(), job.ID, req)
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			stored, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusCompleted))
			Expect(stored.CompletedAt).ToNot(BeNil())
			Expect(string(stored.Result)).To(MatchJSON(`{"status":"pass"}`))
		})

		It("does not overwrite a killed job with a late result", func() {
			newJob(model.JobTypeChat, model.PriorityNormal)
			job, err := claim("inference", true, model.JobTypeChat)
			Expect(err).To(BeNil())

			n, err := s.Job().Finish(context.TODO(), job.ID, store.FinishRequest{From: model.JobStatusRunning, To: model.JobStatusFailed, Error: "operator abort", Killed: true})
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(1))

			n, err = s.Job().Finish(context.TODO(), job.ID, store.FinishRequest{From: model.JobStatusRunning, To: model.JobStatusCompleted, Result: model.Payload(`{}`)})
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			stored, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusFailed))
			Expect(stored.Error).To(Equal("operator abort"))
			Expect(stored.Killed).To(BeTrue())
		})

		It("cancels only pending jobs", func() {
			pending := newJob(model.JobTypeChat, model.PriorityLow)
			n, err := s.Job().Cancel(context.TODO(), pending.ID)
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(1))

			newJob(model.JobTypeChat, model.PriorityNormal)
			running, err := claim("inference", true, model.JobTypeChat)
			Expect(err).To(BeNil())
			n, err = s.Job().Cancel(context.TODO(), running.ID)
			Expect(err).To(BeNil())
			Expect(n).To(BeZero())

			_, err = claim("inference", false, model.JobTypeChat)
			Expect(err).To(MatchError(store.ErrNoJobs))
		})
	})

	Context("housekeeping", func() {
		It("sweeps old terminal rows only", func() {
			old := time.Now().UTC().Add(-100 * time.Hour)
			for _, status := range []string{"completed", "failed", "timeout", "cancelled"} {
				tx := gormdb.Exec("INSERT INTO jobs (job_type, status, priority, timeout_seconds, created_at, completed_at, killed) VALUES ('chat', ?, 3, 60, ?, ?, false)", status, old, old)
				Expect(tx.Error).To(BeNil())
			}
			newJob(model.JobTypeChat, model.PriorityNormal)
			newJob(model.JobTypeChat, model.PriorityNormal)
			_, err := claim("inference", false, model.JobTypeChat)
			Expect(err).To(BeNil())

			recent := newJob(model.JobTypeComplete, model.PriorityNormal)
			_, err = claim("inference", false, model.JobTypeComplete)
			Expect(err).To(BeNil())
			_, err = s.Job().Finish(context.TODO(), recent.ID, store.FinishRequest{From: model.JobStatusRunning, To: model.JobStatusCompleted})
			Expect(err).To(BeNil())

			n, err := s.Job().Sweep(context.TODO(), time.Now().Add(-72*time.Hour))
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(4))

			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter())
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(3))
		})

		It("fails rows orphaned by a previous lane instance", func() {
			newJob(model.JobTypeAgentRun, model.PriorityNormal)
			_, err := claim("agent", true, model.JobTypeAgentRun)
			Expect(err).To(BeNil())
			newJob(model.JobTypeChat, model.PriorityNormal)
			_, err = claim("inference", true, model.JobTypeChat)
			Expect(err).To(BeNil())

			n, err := s.Job().FailOrphans(context.TODO(), "agent", "lane restarted")
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(1))

			running, err := s.Job().Running(context.TODO())
			Expect(err).To(BeNil())
			Expect(running).To(HaveLen(1))
			Expect(running[0].Lane).To(Equal("inference"))
		})

		It("aggregates counts and wait time", func() {
			newJob(model.JobTypeChat, model.PriorityNormal)
			newJob(model.JobTypeChat, model.PriorityNormal)
			newJob(model.JobTypeComplete, model.PriorityNormal)
			job, err := claim("inference", false, model.JobTypeComplete)
			Expect(err).To(BeNil())
			_, err = s.Job().Finish(context.TODO(), job.ID, store.FinishRequest{From: model.JobStatusRunning, To: model.JobStatusCompleted})
			Expect(err).To(BeNil())

			counts, err := s.Job().CountByTypeAndStatus(context.TODO())
			Expect(err).To(BeNil())
			Expect(counts).To(ConsistOf(
				model.JobCount{JobType: model.JobTypeChat, Status: model.JobStatusPending, Count: 2},
				model.JobCount{JobType: model.JobTypeComplete, Status: model.JobStatusCompleted, Count: 1},
			))

			wait, err := s.Job().AverageWait(context.TODO(), time.Now().Add(-time.Hour))
			Expect(err).To(BeNil())
			Expect(wait).To(BeNumerically(">=", 0))
			Expect(wait).To(BeNumerically("<", time.Minute))
		})
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM jobs;")
	})
})
