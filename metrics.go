package gocoral

import (
	"github.com/prometheus/client_golang/prometheus"
)

// agentMetrics are in-process instruments. They register against the
// Registerer supplied in Config; with none given they still count, just
// unexported by any handler.
type agentMetrics struct {
	ops           *prometheus.CounterVec
	opLatency     prometheus.Histogram
	retries       prometheus.Counter
	configUpdates prometheus.Counter
	dialFailures  prometheus.Counter
}

func newAgentMetrics(reg prometheus.Registerer) *agentMetrics {
	m := &agentMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocoral",
			Name:      "kv_ops_total",
			Help:      "KV operations by opcode and outcome.",
		}, []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gocoral",
			Name:      "kv_op_duration_seconds",
			Help:      "KV operation latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gocoral",
			Name:      "kv_retries_total",
			Help:      "Retried KV attempts.",
		}),
		configUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gocoral",
			Name:      "config_updates_total",
			Help:      "Cluster map revisions applied.",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gocoral",
			Name:      "kv_dial_failures_total",
			Help:      "Failed connection attempts to data nodes.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ops, m.opLatency, m.retries, m.configUpdates, m.dialFailures)
	}
	return m
}
