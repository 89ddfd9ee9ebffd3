package lock

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	acquireResultInserted  = "inserted"
	acquireResultUpdated   = "updated"
	acquireResultContended = "contended"
	acquireResultError     = "error"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimlock_acquire_total",
			Help: "Total number of lock acquisition attempts by result",
		},
		[]string{"lock", "result"},
	)

	lockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimlock_release_total",
			Help: "Total number of lock releases",
		},
		[]string{"lock", "status"},
	)

	lockExtendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimlock_extend_total",
			Help: "Total number of explicit lock extensions",
		},
		[]string{"lock", "status"},
	)

	lockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimlock_lock_renew_total",
			Help: "Total number of keep-alive lock renewals",
		},
		[]string{"lock", "status"},
	)

	taskExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimlock_task_execution_total",
			Help: "Total number of tasks handled by the lock executor",
		},
		[]string{"lock", "status"},
	)
)

func recordAcquire(name, result string) {
	lockAcquireTotal.WithLabelValues(normalizeLabel(name), normalizeLabel(result)).Inc()
}

func recordRelease(name, status string) {
	lockReleaseTotal.WithLabelValues(normalizeLabel(name), normalizeLabel(status)).Inc()
}

func recordExtend(name, status string) {
	lockExtendTotal.WithLabelValues(normalizeLabel(name), normalizeLabel(status)).Inc()
}

func recordRenew(name, status string) {
	lockRenewTotal.WithLabelValues(normalizeLabel(name), normalizeLabel(status)).Inc()
}

func recordTaskExecution(name, status string) {
	taskExecutionTotal.WithLabelValues(normalizeLabel(name), normalizeLabel(status)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func statusLabel(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "success"
	default:
		return "lost"
	}
}

func startSpan(ctx context.Context, tracer trace.Tracer, operation string, cfg Configuration) (context.Context, trace.Span) {
	return tracing.StartLockSpan(ctx, tracer, operation, cfg.Name(),
		attribute.String("lock.at_most_until", cfg.LockAtMostUntil().String()),
		attribute.String("lock.at_least_until", cfg.LockAtLeastUntil().String()),
	)
}

func endSpan(span trace.Span, err error) {
	tracing.End(span, err)
}
