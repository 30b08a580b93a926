// Package monitor exports run metrics, watches host load and raises alerts.
package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/t77yq/backtest-automator/internal/model"
)

const namespace = "automator"

// Metrics records results and run snapshots as Prometheus series
type Metrics struct {
	attempts      *prometheus.CounterVec
	finalized     *prometheus.CounterVec
	duration      prometheus.Histogram
	activeWorkers *prometheus.GaugeVec
	pending       *prometheus.GaugeVec
	hostCPU       prometheus.Gauge
	hostMemory    prometheus.Gauge
}

// NewMetrics registers the series with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Execution attempts by outcome.",
		}, []string{"outcome"}),
		finalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finalized_total",
			Help:      "Tasks that reached a final status.",
		}, []string{"status"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of execution attempts.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		activeWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Worker loops currently running.",
		}, []string{"run_id"}),
		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Tasks of a run not yet finalized.",
		}, []string{"run_id"}),
		hostCPU: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU usage seen by the load sampler.",
		}),
		hostMemory: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_percent",
			Help:      "Host memory usage seen by the load sampler.",
		}),
	}
}

func outcome(r model.TaskResult) string {
	if r.Success {
		return "success"
	}
	if r.FailureKind == model.FailureNone {
		return "unknown"
	}
	return string(r.FailureKind)
}

func (m *Metrics) TaskFinished(_ context.Context, result model.TaskResult) error {
	m.attempts.WithLabelValues(outcome(result)).Inc()
	m.duration.Observe(result.Duration().Seconds())
	if result.Final {
		status := model.TaskStatusCompleted
		if !result.Success {
			status = model.TaskStatusFailed
		}
		m.finalized.WithLabelValues(string(status)).Inc()
	}
	return nil
}

func (m *Metrics) RunUpdated(_ context.Context, stats model.RunStats) error {
	switch stats.Status {
	case model.RunStatusCompleted, model.RunStatusStopped:
		m.activeWorkers.DeleteLabelValues(stats.RunID)
		m.pending.DeleteLabelValues(stats.RunID)
	default:
		m.activeWorkers.WithLabelValues(stats.RunID).Set(float64(stats.ActiveWorkers))
		m.pending.WithLabelValues(stats.RunID).Set(float64(stats.Pending))
	}
	return nil
}

// ObserveHost records a host load sample
func (m *Metrics) ObserveHost(cpuPercent, memPercent float64) {
	m.hostCPU.Set(cpuPercent)
	m.hostMemory.Set(memPercent)
}
