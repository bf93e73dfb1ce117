// Package observability wires Spine's core services to Prometheus metrics,
// grounded on the teacher's internal/app/metrics package: one shared
// Registry, a handful of named collectors, and a generic
// ObservationHooks(namespace, subsystem, name) factory other packages can
// reuse without depending on Prometheus themselves.
package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	service "github.com/spine-run/spine/internal/core/service"
)

// Registry holds Spine's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "executions",
			Name:      "transitions_total",
			Help:      "Total number of Execution state transitions.",
		},
		[]string{"pipeline", "to_status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spine",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of a pipeline invocation, start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~6.8min
		},
		[]string{"pipeline", "status"},
	)

	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "dlq",
			Name:      "entries_total",
			Help:      "Total number of executions written to the dead-letter queue.",
		},
		[]string{"pipeline", "error_kind"},
	)

	workflowStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Total number of workflow step attempts.",
		},
		[]string{"workflow", "step", "status"},
	)

	scheduleFiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "scheduler",
			Name:      "firings_total",
			Help:      "Total number of schedule tick firings.",
		},
		[]string{"schedule", "result"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		executionsTotal,
		executionDuration,
		deadLettersTotal,
		workflowStepsTotal,
		scheduleFiringsTotal,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered Prometheus metrics over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordExecutionTransition records one Execution moving to to_status, and
// its terminal duration when to_status is itself terminal.
func RecordExecutionTransition(pipelineName, toStatus string, sinceStart time.Duration) {
	executionsTotal.WithLabelValues(pipelineName, toStatus).Inc()
	if sinceStart > 0 {
		executionDuration.WithLabelValues(pipelineName, toStatus).Observe(sinceStart.Seconds())
	}
}

// RecordDeadLetter records one execution written to the dead-letter queue.
func RecordDeadLetter(pipelineName, errorKind string) {
	if errorKind == "" {
		errorKind = "unknown"
	}
	deadLettersTotal.WithLabelValues(pipelineName, errorKind).Inc()
}

// RecordWorkflowStep records one workflow step attempt's outcome.
func RecordWorkflowStep(workflowName, stepName, status string) {
	workflowStepsTotal.WithLabelValues(workflowName, stepName, status).Inc()
}

// RecordScheduleFiring records one scheduler tick's outcome for a schedule
// (submitted, skipped, or misfired).
func RecordScheduleFiring(scheduleName, result string) {
	scheduleFiringsTotal.WithLabelValues(scheduleName, result).Inc()
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks builds core service.ObservationHooks backed by a
// namespaced in-flight gauge and duration histogram, reused across callers
// keyed by (namespace, subsystem, name) so repeated construction (e.g. one
// per Descriptor) shares the same collector.
func ObservationHooks(namespace, subsystem, name string) service.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return service.ObservationHooks{
		OnStart: func(_ context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	for _, key := range []string{"pipeline", "execution_id", "schedule_id", "op"} {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return "unknown"
}

// DispatcherHooks builds ObservationHooks for dispatcher admission/run spans.
func DispatcherHooks() service.ObservationHooks { return ObservationHooks("spine", "dispatcher", "submit") }

// LedgerHooks builds ObservationHooks for ledger transition spans.
func LedgerHooks() service.ObservationHooks { return ObservationHooks("spine", "ledger", "transition") }

// PipelineRuntimeHooks builds ObservationHooks for pipeline invocation spans.
func PipelineRuntimeHooks() service.ObservationHooks {
	return ObservationHooks("spine", "pipeline", "invoke")
}

// WorkflowHooks builds ObservationHooks for workflow run spans.
func WorkflowHooks() service.ObservationHooks { return ObservationHooks("spine", "workflow", "run") }

// SchedulerHooks builds ObservationHooks for scheduler tick spans.
func SchedulerHooks() service.ObservationHooks { return ObservationHooks("spine", "scheduler", "fire") }
