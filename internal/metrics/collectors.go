package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestTransitions counts access request status changes.
	RequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jit_request_transitions_total",
		Help: "Access request status transitions",
	}, []string{"from", "to"})

	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jit_policy_decisions_total",
		Help: "Validator outcomes by kind (allowed, violation, security_alert)",
	}, []string{"outcome"})

	// ProxyStatements counts statements seen by the execution proxy.
	ProxyStatements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jit_proxy_statements_total",
		Help: "Statements handled by the execution proxy by tier and outcome",
	}, []string{"tier", "outcome"})

	ProxyStatementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jit_proxy_statement_duration_seconds",
		Help:    "Time spent executing allowed statements against the target database",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	BrokerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jit_broker_operations_total",
		Help: "Secrets authority and cloud provisioning calls by operation and outcome",
	}, []string{"op", "outcome"})

	ReaperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jit_reaper_expired_total",
		Help: "Grants expired by the reaper",
	})

	ReaperFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jit_reaper_failures_total",
		Help: "Expired grants the reaper failed to revoke",
	})

	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jit_reaper_sweep_duration_seconds",
		Help:    "Duration of one reaper sweep",
		Buckets: prometheus.DefBuckets,
	})
)

// Outcome returns "ok" or "error" for err.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
