package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excavctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "excavctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excavctl",
			Name:      "cycle_total",
			Help:      "Excavation cycles by result.",
		},
		[]string{"result"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "excavctl",
			Name:      "cycle_duration_seconds",
			Help:      "Excavation cycle wall time in seconds.",
			Buckets:   []float64{1, 5, 10, 15, 20, 30, 45, 60, 120},
		},
	)
	stages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excavctl",
			Name:      "stage_total",
			Help:      "Excavation stages by name and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	convergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "excavctl",
			Name:      "converge_duration_seconds",
			Help:      "Convergence call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 6},
		},
		[]string{"timed_out"},
	)
	misalignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excavctl",
			Name:      "misalignment_total",
			Help:      "Ticks where the lift pair was realigned, by severity.",
		},
		[]string{"severity"},
	)
	telemetryUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excavctl",
			Name:      "telemetry_updates_total",
			Help:      "Tilt offset samples accepted, by source.",
		},
		[]string{"source"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			cycles,
			cycleDuration,
			stages,
			convergeDuration,
			misalignments,
			telemetryUpdates,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCycle(success bool, duration time.Duration) {
	RegisterMetrics()
	result := "failure"
	if success {
		result = "success"
	}
	cycles.WithLabelValues(result).Inc()
	cycleDuration.Observe(duration.Seconds())
}

func RecordStage(stage, outcome string) {
	RegisterMetrics()
	stages.WithLabelValues(stage, outcome).Inc()
}

func RecordConverge(duration time.Duration, timedOut bool) {
	RegisterMetrics()
	convergeDuration.WithLabelValues(strconv.FormatBool(timedOut)).Observe(duration.Seconds())
}

func RecordMisalignment(severe bool) {
	RegisterMetrics()
	severity := "minor"
	if severe {
		severity = "severe"
	}
	misalignments.WithLabelValues(severity).Inc()
}

func RecordTelemetryUpdate(source string) {
	RegisterMetrics()
	telemetryUpdates.WithLabelValues(source).Inc()
}
