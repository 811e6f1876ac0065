package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// Prometheus holds all Prometheus metrics for the simulator.
// A nil *Prometheus is valid and records nothing.
type Prometheus struct {
	// Execution
	TxTotal        *prometheus.CounterVec
	GasUsed        *prometheus.CounterVec
	ExecutionTime  prometheus.Histogram
	BlocksSealed   *prometheus.CounterVec
	LogsBroadcast  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	EnvState       *prometheus.GaugeVec

	// Event logging
	RecordsWritten *prometheus.CounterVec
}

// NewPrometheus creates and registers all metrics with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Prometheus{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmsim_transactions_total",
				Help: "Executed transactions by environment and status",
			},
			[]string{"environment", "status"},
		),

		GasUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmsim_gas_used_total",
				Help: "Gas consumed by executed transactions",
			},
			[]string{"environment"},
		),

		ExecutionTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evmsim_execution_seconds",
				Help:    "Wall time spent executing a single transaction",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		BlocksSealed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmsim_blocks_sealed_total",
				Help: "Blocks sealed per environment",
			},
			[]string{"environment"},
		),

		LogsBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmsim_logs_broadcast_total",
				Help: "Logs broadcast to subscribers",
			},
			[]string{"environment"},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmsim_subscriber_dropped_total",
				Help: "Blocks discarded from full subscriber buffers",
			},
			[]string{"environment"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evmsim_queue_depth",
				Help: "Submitted transactions waiting for execution",
			},
			[]string{"environment"},
		),

		EnvState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evmsim_environment_state",
				Help: "Environment lifecycle state (1 for the current state, 0 otherwise)",
			},
			[]string{"environment", "state"},
		),

		RecordsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmsim_eventlog_records_total",
				Help: "Event records written by output format",
			},
			[]string{"format"},
		),
	}
}

// RecordTx records one executed transaction.
func (m *Prometheus) RecordTx(env string, success bool, gasUsed uint64, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.TxTotal.WithLabelValues(env, status).Inc()
	m.GasUsed.WithLabelValues(env).Add(float64(gasUsed))
	m.ExecutionTime.Observe(seconds)
}

// RecordRejected records a transaction that failed validation before execution.
func (m *Prometheus) RecordRejected(env string) {
	if m == nil {
		return
	}
	m.TxTotal.WithLabelValues(env, "rejected").Inc()
}

// RecordBlock records a sealed block and the logs it carried.
func (m *Prometheus) RecordBlock(env string, logs int) {
	if m == nil {
		return
	}
	m.BlocksSealed.WithLabelValues(env).Inc()
	m.LogsBroadcast.WithLabelValues(env).Add(float64(logs))
}

// RecordDropped records blocks evicted from subscriber buffers.
func (m *Prometheus) RecordDropped(env string, n int) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(env).Add(float64(n))
}

// SetQueueDepth updates the queue depth gauge.
func (m *Prometheus) SetQueueDepth(env string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(env).Set(float64(depth))
}

// SetState marks state as current for env.
func (m *Prometheus) SetState(env string, state types.State) {
	if m == nil {
		return
	}
	for _, s := range []types.State{types.StateInitialization, types.StateRunning, types.StatePaused, types.StateStopped} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.EnvState.WithLabelValues(env, s.String()).Set(v)
	}
}

// RecordWritten records event records written in one format.
func (m *Prometheus) RecordWritten(format types.FileType, n int) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(string(format)).Add(float64(n))
}

// Forget removes every series labelled with env.
func (m *Prometheus) Forget(env string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"environment": env}
	m.TxTotal.DeletePartialMatch(labels)
	m.GasUsed.DeletePartialMatch(labels)
	m.BlocksSealed.DeletePartialMatch(labels)
	m.LogsBroadcast.DeletePartialMatch(labels)
	m.EventsDropped.DeletePartialMatch(labels)
	m.QueueDepth.DeletePartialMatch(labels)
	m.EnvState.DeletePartialMatch(labels)
}
