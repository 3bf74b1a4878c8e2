package events

import (
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus sink. Label cardinality stays bounded: statuses
// and error kinds, never unit or run ids.
type Metrics struct {
	runs             *prometheus.CounterVec
	executions       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
	waves            prometheus.Counter
	retries          prometheus.Counter
	escalations      prometheus.Counter
	omissions        prometheus.Counter
	inFlight         prometheus.Gauge
	pendingApprovals prometheus.Gauge
}

// NewMetrics builds the engine's metric set under the agentflow namespace.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "runs_total",
				Help:      "runs reaching a terminal status",
			}, []string{"status"}),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "unit_executions_total",
				Help:      "settled unit execution attempts",
			}, []string{"status", "kind"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "unit_duration_seconds",
				Help:      "wall time of unit execution attempts",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "tokens_total",
				Help:      "tokens consumed by executions",
			}, []string{"direction"}),
		waves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "waves_total",
				Help:      "completed scheduling waves",
			}),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "retries_total",
				Help:      "retry attempts dispatched",
			}),
		escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "escalations_total",
				Help:      "units handed to their escalation target",
			}),
		omissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "context_omissions_total",
				Help:      "context candidates dropped by the assembler",
			}),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "in_flight_units",
				Help:      "unit executions currently running",
			}),
		pendingApprovals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentflow",
				Subsystem: "engine",
				Name:      "pending_approvals",
				Help:      "approval requests awaiting resolution",
			}),
	}
}

// Register registers every metric with the given registry.
func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.runs,
		m.executions,
		m.duration,
		m.tokens,
		m.waves,
		m.retries,
		m.escalations,
		m.omissions,
		m.inFlight,
		m.pendingApprovals,
	)
}

func (m *Metrics) Emit(e Event) {
	switch e.Type {
	case RunCompleted:
		m.runs.WithLabelValues("completed").Inc()
	case RunFailed:
		m.runs.WithLabelValues("failed").Inc()
	case RunCancelled:
		m.runs.WithLabelValues("cancelled").Inc()

	case UnitStarted:
		m.inFlight.Inc()
		if e.Attempt > 1 {
			m.retries.Inc()
		}
	case UnitCompleted:
		m.inFlight.Dec()
		m.executions.WithLabelValues("completed", "").Inc()
		m.duration.WithLabelValues("completed").Observe(e.Duration.Seconds())
		m.tokens.WithLabelValues("input").Add(float64(e.InputTokens))
		m.tokens.WithLabelValues("output").Add(float64(e.OutputTokens))
	case UnitFailed:
		m.inFlight.Dec()
		m.executions.WithLabelValues("failed", string(e.ErrorKind)).Inc()
		m.duration.WithLabelValues("failed").Observe(e.Duration.Seconds())
		m.tokens.WithLabelValues("input").Add(float64(e.InputTokens))
		m.tokens.WithLabelValues("output").Add(float64(e.OutputTokens))
	case UnitSkipped:
		m.executions.WithLabelValues("skipped", "").Inc()
	case UnitAwaitingApproval:
		m.inFlight.Dec()
		m.pendingApprovals.Inc()
		m.duration.WithLabelValues("awaiting_approval").Observe(e.Duration.Seconds())
		m.tokens.WithLabelValues("input").Add(float64(e.InputTokens))
		m.tokens.WithLabelValues("output").Add(float64(e.OutputTokens))
	case UnitEscalated:
		m.escalations.Inc()

	case ApprovalResolved:
		m.pendingApprovals.Dec()
		// the gated attempt settles here, not through UnitCompleted/UnitFailed
		if e.ErrorKind == models.ApprovalRejectedErrorKind {
			m.executions.WithLabelValues("failed", string(e.ErrorKind)).Inc()
		} else {
			m.executions.WithLabelValues("completed", "").Inc()
		}
	case WaveCompleted:
		m.waves.Inc()
	case ContextDegraded:
		m.omissions.Add(float64(e.Omissions))
	}
}
