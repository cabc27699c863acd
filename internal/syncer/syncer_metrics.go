package syncer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for source syncs.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ItemsProcessed *prometheus.CounterVec
}

// NewMetrics registers and returns sync metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_sync_runs_total",
			Help: "Sync runs by source and outcome.",
		}, []string{"source", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}, []string{"source"}),
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_sync_items_total",
			Help: "Conversations ingested by sync runs.",
		}, []string{"source"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDuration, m.ItemsProcessed)
	return m
}

// Hooks returns RunnerHooks that record into m.
func (m *Metrics) Hooks() RunnerHooks {
	return RunnerHooks{
		OnRun: func(src Source, status string, dur float64, processed int) {
			m.RunsTotal.WithLabelValues(string(src), status).Inc()
			if status == "skipped" {
				return
			}
			m.RunDuration.WithLabelValues(string(src)).Observe(dur)
			m.ItemsProcessed.WithLabelValues(string(src)).Add(float64(processed))
		},
	}
}
