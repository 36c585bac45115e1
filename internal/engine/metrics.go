package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: исполненные действия по исходу (SUCCESS, FAILED, CANCELLED)
	ExecutionsTotal *prometheus.CounterVec

	// Errors: отказы в авторизации по виду ошибки
	RejectionsTotal *prometheus.CounterVec

	// Latency: время работы исполнителя
	ExecutionDuration *prometheus.HistogramVec

	// Журнал трейсов отказал в записи (нарушение инварианта, должно быть 0)
	TraceAppendFailures prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge

	RevokedIssuers prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ExecutionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "able_executions_total",
			Help: "Total number of consumed authority units by execution outcome.",
		}, []string{"status"}),

		RejectionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "able_rejections_total",
			Help: "Total number of rejected execution attempts by error kind.",
		}, []string{"kind"}), // not_found, already_consumed, scope_mismatch, expired, invalid_delegation

		ExecutionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "able_execution_duration_seconds",
			Help:    "Histogram of executor latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),

		TraceAppendFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "able_trace_append_failures_total",
			Help: "Decision traces the in-process log refused to append.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "able_circuit_breaker_state",
			Help: "Current state of the executor circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"connector_id"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "able_journal_buffer_utilization",
			Help: "Current number of entries waiting in the journal buffer.",
		}),

		RevokedIssuers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "able_revoked_issuers",
			Help: "Number of delegation roots currently revoked.",
		}),
	}
}
