package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	TriagesTotal      *prometheus.CounterVec
	TriageDuration    *prometheus.HistogramVec
	LayerDuration     *prometheus.HistogramVec
	LayerErrorsTotal  *prometheus.CounterVec
	OracleFallbacks   prometheus.Counter
	LLMCallsTotal     prometheus.Counter
	LLMTokensIn       prometheus.Counter
	LLMTokensOut      prometheus.Counter
	LLMDuration       prometheus.Histogram
	ToolCallsTotal    *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	ToolOutputBytes   *prometheus.HistogramVec
	DecisionsByBucket *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_triages_total",
			Help: "Total triage runs by deciding layer and final state.",
		}, []string{"layer", "state"}),
		TriageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_triage_duration_seconds",
			Help:    "Duration of full triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"layer"}),
		LayerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_triage_layer_duration_seconds",
			Help:    "Duration of individual triage layers in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
		}, []string{"stage"}),
		LayerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_triage_layer_errors_total",
			Help: "Triage layer failures absorbed by the engine.",
		}, []string{"stage"}),
		OracleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_oracle_fallbacks_total",
			Help: "Runs where verification failed and the deterministic result was kept.",
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_tool_calls_total",
			Help: "Total oracle tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_tool_duration_seconds",
			Help:    "Duration of oracle tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		DecisionsByBucket: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_triage_decisions_total",
			Help: "Persisted triage decisions by category and priority.",
		}, []string{"category", "priority"}),
	}

	reg.MustRegister(
		m.TriagesTotal,
		m.TriageDuration,
		m.LayerDuration,
		m.LayerErrorsTotal,
		m.OracleFallbacks,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolOutputBytes,
		m.DecisionsByBucket,
	)

	return m
}

// Hooks returns an EngineHooks that updates the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, _, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
		OnLayer: func(stage string, duration float64, err error) {
			m.LayerDuration.WithLabelValues(stage).Observe(duration)
			if err != nil {
				m.LayerErrorsTotal.WithLabelValues(stage).Inc()
			}
		},
		OnComplete: func(e *CompleteEvent) {
			m.TriagesTotal.WithLabelValues(string(e.Layer), string(e.Final)).Inc()
			m.TriageDuration.WithLabelValues(string(e.Layer)).Observe(e.Duration)
			m.DecisionsByBucket.WithLabelValues(string(e.Category), string(e.Priority)).Inc()
			if e.OracleFailed {
				m.OracleFallbacks.Inc()
			}
		},
	}
}
