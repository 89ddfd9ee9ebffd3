package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	runStatusExecuted = "executed"
	runStatusSkipped  = "skipped"
	runStatusFailed   = "failed"
)

var (
	schedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimlock_scheduler_runs_total",
			Help: "Total number of scheduled task runs by outcome",
		},
		[]string{"task", "status"},
	)

	schedulerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimlock_scheduler_inflight",
			Help: "Current number of scheduled task runs in progress",
		},
		[]string{"task"},
	)

	schedulerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimlock_scheduler_run_duration_seconds",
			Help:    "Duration of scheduled task runs that acquired their lock",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"task"},
	)
)

func recordSchedulerRun(taskName, status string, elapsed time.Duration) {
	task := normalizeSchedulerLabel(taskName)
	schedulerRunsTotal.WithLabelValues(task, normalizeSchedulerLabel(status)).Inc()
	if status != runStatusSkipped {
		schedulerRunDuration.WithLabelValues(task).Observe(elapsed.Seconds())
	}
}

func incrementSchedulerInFlight(taskName string) {
	schedulerInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Inc()
}

func decrementSchedulerInFlight(taskName string) {
	schedulerInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Dec()
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
