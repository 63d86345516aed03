package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "avs"

const (
	Outcome_Accepted         = "accepted"
	Outcome_InvalidSignature = "invalid_signature"
	Outcome_UnknownOperator  = "unknown_operator"
	Outcome_UnknownTask      = "unknown_task"
	Outcome_TaskTerminal     = "task_terminal"
	Outcome_Malformed        = "malformed"
	Outcome_Error            = "error"

	Outcome_Success   = "success"
	Outcome_Failed    = "failed"
	Outcome_Retried   = "retried"
	Outcome_Abandoned = "abandoned"
)

// Metrics holds every collector the processes export, registered on a private
// registry so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	ClaimsReceived         *prometheus.CounterVec
	Verdicts               *prometheus.CounterVec
	FinalizationAttempts   prometheus.Counter
	FinalizationFailures   prometheus.Counter
	StageQueueDepth        *prometheus.GaugeVec
	AccumulatorEntries     prometheus.Gauge
	OperatorSetSize        prometheus.Gauge
	OperatorTasksProcessed *prometheus.CounterVec
	Submissions            *prometheus.CounterVec
	TaskExecutionDuration  prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ClaimsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "claims_received_total",
			Help:      "Claims received by the aggregator, by admission outcome",
		}, []string{"outcome"}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "verdicts_total",
			Help:      "Verdicts reached, by status",
		}, []string{"status"}),
		FinalizationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "finalization_attempts_total",
			Help:      "Finalization transactions attempted",
		}),
		FinalizationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "finalization_failures_total",
			Help:      "Verdicts whose finalization exhausted every retry",
		}),
		StageQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "stage_queue_depth",
			Help:      "Items waiting in each pipeline stage channel",
		}, []string{"stage"}),
		AccumulatorEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "accumulator_entries",
			Help:      "Tasks currently held by the claim accumulator",
		}),
		OperatorSetSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "operator_set_size",
			Help:      "Operators in the current membership snapshot",
		}),
		OperatorTasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operator",
			Name:      "tasks_processed_total",
			Help:      "Tasks processed by the operator, by outcome",
		}, []string{"outcome"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operator",
			Name:      "submissions_total",
			Help:      "Claim submissions to the aggregator, by outcome",
		}, []string{"outcome"}),
		TaskExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operator",
			Name:      "task_execution_duration_seconds",
			Help:      "Wall time spent executing a task",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
