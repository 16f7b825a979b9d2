package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/forgeline/director/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// queueStatsCollector reads the queue table on every scrape, so the numbers survive restarts
// and are shared by every process using the same store.
type queueStatsCollector struct {
	store       store.Store
	jobs        *prometheus.Desc
	runningAge  *prometheus.Desc
	averageWait *prometheus.Desc
}

func newQueueStatsCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_queue_%s", director, name)
	}

	return &queueStatsCollector{
		store: s,
		jobs: prometheus.NewDesc(
			fqName("jobs"),
			"Number of jobs per type and status currently stored.",
			[]string{jobTypeLabel, jobStatusLabel},
			prometheus.Labels{},
		),
		runningAge: prometheus.NewDesc(
			fqName("running_job_age_seconds"),
			"Elapsed time of each running job.",
			[]string{laneLabel, "job_id"},
			prometheus.Labels{},
		),
		averageWait: prometheus.NewDesc(
			fqName("average_wait_seconds"),
			"Average wait of jobs completed in the last hour.",
			nil,
			prometheus.Labels{},
		),
	}
}

// RegisterQueueCollector exposes the store backed queue gauges.
func RegisterQueueCollector(s store.Store) {
	prometheus.MustRegister(newQueueStatsCollector(s))
}

func (c *queueStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.runningAge
	ch <- c.averageWait
}

// Collect implements Collector.
func (c *queueStatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.Job().CountByTypeAndStatus(ctx)
	if err != nil {
		zap.S().Named("queue_collector").Errorf("failed to collect queue statistics: %s", err)
		return
	}
	for _, count := range counts {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(count.Count), string(count.JobType), count.Status)
	}

	running, err := c.store.Job().Running(ctx)
	if err != nil {
		zap.S().Named("queue_collector").Errorf("failed to collect running jobs: %s", err)
		return
	}
	now := time.Now()
	for _, job := range running {
		ch <- prometheus.MustNewConstMetric(c.runningAge, prometheus.GaugeValue, job.Elapsed(now).Seconds(), job.Lane, strconv.FormatUint(uint64(job.ID), 10))
	}

	wait, err := c.store.Job().AverageWait(ctx, now.Add(-time.Hour))
	if err != nil {
		zap.S().Named("queue_collector").Errorf("failed to collect average wait: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.averageWait, prometheus.GaugeValue, wait.Seconds())
}
