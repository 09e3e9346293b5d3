package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NoncesIssued tracks the number of proof nonces issued
	NoncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refcore_nonces_issued_total",
		Help: "The total number of proof nonces issued",
	})

	// NonceConsumptions tracks nonce consumption attempts by status
	NonceConsumptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refcore_nonce_consumptions_total",
			Help: "The total number of nonce consumption attempts",
		},
		[]string{"status"}, // consumed, rejected
	)

	// ProofVerifications tracks proof verification attempts by outcome
	ProofVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refcore_proof_verifications_total",
			Help: "The total number of TON proof verification attempts",
		},
		[]string{"outcome"}, // verified, or the rejection reason
	)

	// IntentsCreated tracks referral intent creation by outcome
	IntentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refcore_intents_total",
			Help: "The total number of referral intent requests",
		},
		[]string{"outcome"}, // created, replayed, or the rejection reason
	)

	// PayoutDecisions tracks payout request lifecycle events
	PayoutDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refcore_payout_decisions_total",
			Help: "The total number of payout lifecycle events",
		},
		[]string{"decision"}, // requested, sent, rejected, refused
	)

	// RiskEvents tracks recorded risk events by kind
	RiskEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refcore_risk_events_total",
			Help: "The total number of risk events recorded",
		},
		[]string{"kind"},
	)

	// RateLimitHits tracks rate limiter rejections
	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refcore_rate_limit_hits_total",
		Help: "The total number of requests rejected by the rate limiter",
	})
)

// RecordNonceConsumption records a nonce consumption attempt
func RecordNonceConsumption(status string) {
	NonceConsumptions.WithLabelValues(status).Inc()
}

// RecordProofVerification records a proof verification outcome
func RecordProofVerification(outcome string) {
	ProofVerifications.WithLabelValues(outcome).Inc()
}

// RecordIntent records a referral intent outcome
func RecordIntent(outcome string) {
	IntentsCreated.WithLabelValues(outcome).Inc()
}

// RecordPayoutDecision records a payout lifecycle event
func RecordPayoutDecision(decision string) {
	PayoutDecisions.WithLabelValues(decision).Inc()
}

// RecordRiskEvent records a risk event by kind
func RecordRiskEvent(kind string) {
	RiskEvents.WithLabelValues(kind).Inc()
}
