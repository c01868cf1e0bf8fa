// Package metrics exposes the dispatcher's operational gauges and keeps them
// fresh from the task store. Exposition is pull via /metrics; an optional
// push loop mirrors the registry to a remote endpoint with basic auth.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sandbox/internal/logging"
	"sandbox/internal/store"
)

const namespace = "sandbox"

// SampleInterval is the cadence of both the sampler and the push loop.
const SampleInterval = 10 * time.Second

// Metrics owns the registry and the gauges derived from store counters.
type Metrics struct {
	registry *prometheus.Registry

	tasksState     *prometheus.GaugeVec
	taskPendingMax prometheus.Gauge
	workersActive  prometheus.Gauge
	logger         logging.Logger
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_state",
			Help:      "Number of tasks per lifecycle state.",
		}, []string{"state"}),
		taskPendingMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_pending_time_max",
			Help:      "Age in seconds of the oldest pending task.",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active_total",
			Help:      "Workers that pinged within the liveness window.",
		}),
		logger: logging.NewComponentLogger("Metrics"),
	}
	m.registry.MustRegister(m.tasksState, m.taskPendingMax, m.workersActive)
	return m
}

// Registry exposes the underlying registry for the /metrics handler and the
// push loop.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe writes one counter sample into the gauges.
func (m *Metrics) Observe(c store.Counters) {
	m.tasksState.WithLabelValues("pending").Set(float64(c.PendingTasks))
	m.tasksState.WithLabelValues("in_progress").Set(float64(c.InProgressTasks))
	m.tasksState.WithLabelValues("finished").Set(float64(c.FinishedTasksLastDay))
	m.taskPendingMax.Set(c.MaxPendingAge.Seconds())
	m.workersActive.Set(float64(c.ActiveWorkers))
}

// RunSampler recomputes the gauges from the store every SampleInterval until
// the context is cancelled. Store errors are logged and the loop keeps going.
func (m *Metrics) RunSampler(ctx context.Context, s store.Store) {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()

	for {
		counters, err := s.Counters(ctx)
		if err != nil {
			m.logger.Warn("Failed to sample task counters: %v", err)
		} else {
			m.Observe(counters)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
