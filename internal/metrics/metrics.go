// Package metrics holds the Prometheus collectors for the settlement node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UsageUnits counts usage units reported by the inference layer.
	UsageUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_usage_units_total",
			Help: "Usage units reported",
		},
	)

	// Checkpoints counts checkpoint attempts by result.
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_checkpoints_total",
			Help: "Checkpoint attempts by result",
		},
		[]string{"result"}, // success, failed, timeout, credit, reconciled
	)

	// TokensClaimed counts tokens claimed on-chain per chain.
	TokensClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_tokens_claimed_total",
			Help: "Tokens claimed through submitProofOfWork",
		},
		[]string{"chain_id"},
	)

	// Submissions counts ledger submissions by chain, kind and result.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_submissions_total",
			Help: "Ledger submissions by chain, kind and result",
		},
		[]string{"chain_id", "kind", "result"}, // kind: proof, complete
	)

	// SubmissionSeconds observes submit-to-confirmation latency.
	SubmissionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_submission_seconds",
			Help:    "Latency from broadcast to confirmation",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"chain_id", "kind"},
	)

	// ActiveSessions tracks open sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlement_active_sessions",
			Help: "Sessions currently open",
		},
	)

	// HostBalanceWei tracks the host gas balance per chain.
	HostBalanceWei = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_host_balance_wei",
			Help: "Host native token balance, float approximation",
		},
		[]string{"chain_id"},
	)

	// SessionEndRetries counts queued session-end retries by outcome.
	SessionEndRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_session_end_retries_total",
			Help: "Session-end retry outcomes",
		},
		[]string{"result"}, // success, requeued, dlq
	)

	// SlashPolls counts registry polls by result.
	SlashPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_slash_polls_total",
			Help: "Node registry polls by result",
		},
		[]string{"result"},
	)

	// SlashEvents counts slash-related events observed for this host.
	SlashEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_slash_events_total",
			Help: "Slash events observed for the host",
		},
		[]string{"kind"}, // slash, deregistered
	)
)
