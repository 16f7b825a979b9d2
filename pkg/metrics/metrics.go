package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	director = "director"

	// Queue metrics
	jobsEnqueuedTotal = "jobs_enqueued_total"
	jobsFinishedTotal = "jobs_finished_total"
	jobWaitSeconds    = "job_wait_seconds"
	jobExecSeconds    = "job_exec_seconds"

	// Lane metrics
	laneBusy  = "lane_busy"
	backendUp = "backend_up"

	// Pipeline metrics
	tasksByStage           = "tasks_by_stage"
	supervisorCycleSeconds = "supervisor_cycle_seconds"

	// Labels
	jobTypeLabel   = "type"
	jobStatusLabel = "status"
	laneLabel      = "lane"
	stageLabel     = "stage"
)

var jobSecondsBuckets = []float64{0.5, 1, 5, 15, 60, 300, 900, 1800}

/**
* Metrics definition
**/
var jobsEnqueuedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: director,
		Name:      jobsEnqueuedTotal,
		Help:      "number of jobs enqueued",
	},
	[]string{jobTypeLabel},
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: director,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{jobTypeLabel, jobStatusLabel},
)

var jobWaitSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: director,
		Name:      jobWaitSeconds,
		Help:      "time a job spent pending before a lane claimed it",
		Buckets:   jobSecondsBuckets,
	},
	[]string{laneLabel},
)

var jobExecSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: director,
		Name:      jobExecSeconds,
		Help:      "time a lane spent inside the backend adapter",
		Buckets:   jobSecondsBuckets,
	},
	[]string{laneLabel},
)

var laneBusyMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: director,
		Name:      laneBusy,
		Help:      "1 while the lane is executing a job",
	},
	[]string{laneLabel},
)

var backendUpMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: director,
		Name:      backendUp,
		Help:      "result of the last backend health probe",
	},
	[]string{laneLabel},
)

var tasksByStageMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: director,
		Name:      tasksByStage,
		Help:      "number of tasks at each pipeline stage",
	},
	[]string{stageLabel},
)

var supervisorCycleSecondsMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: director,
		Name:      supervisorCycleSeconds,
		Help:      "duration of a supervisor reconciliation cycle",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	},
)

func IncreaseJobsEnqueuedMetric(jobType string) {
	jobsEnqueuedTotalMetric.With(prometheus.Labels{jobTypeLabel: jobType}).Inc()
}

func IncreaseJobsFinishedMetric(jobType, status string) {
	jobsFinishedTotalMetric.With(prometheus.Labels{
		jobTypeLabel:   jobType,
		jobStatusLabel: status,
	}).Inc()
}

func ObserveJobWait(lane string, d time.Duration) {
	jobWaitSecondsMetric.With(prometheus.Labels{laneLabel: lane}).Observe(d.Seconds())
}

func ObserveJobExec(lane string, d time.Duration) {
	jobExecSecondsMetric.With(prometheus.Labels{laneLabel: lane}).Observe(d.Seconds())
}

func SetLaneBusy(lane string, busy bool) {
	laneBusyMetric.With(prometheus.Labels{laneLabel: lane}).Set(boolToFloat(busy))
}

func SetBackendUp(lane string, up bool) {
	backendUpMetric.With(prometheus.Labels{laneLabel: lane}).Set(boolToFloat(up))
}

// UpdateTasksByStageMetric replaces the per stage gauge so stages that emptied drop to zero.
func UpdateTasksByStageMetric(counts map[string]int64) {
	tasksByStageMetric.Reset()
	for stage, count := range counts {
		tasksByStageMetric.With(prometheus.Labels{stageLabel: stage}).Set(float64(count))
	}
}

func ObserveSupervisorCycle(d time.Duration) {
	supervisorCycleSecondsMetric.Observe(d.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsEnqueuedTotalMetric)
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(jobWaitSecondsMetric)
	prometheus.MustRegister(jobExecSecondsMetric)
	prometheus.MustRegister(laneBusyMetric)
	prometheus.MustRegister(backendUpMetric)
	prometheus.MustRegister(tasksByStageMetric)
	prometheus.MustRegister(supervisorCycleSecondsMetric)
}
