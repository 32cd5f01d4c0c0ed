package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Allocation outcomes used as the "outcome" label.
const (
	outcomeClaimed   = "claimed"
	outcomeReplayed  = "replayed"
	outcomeExhausted = "exhausted"
	outcomeDuplicate = "duplicate_receipt"
	outcomeStalled   = "stalled"
	outcomeError     = "error"
)

var (
	// allocations counts Allocate calls by outcome.
	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_allocations_total",
			Help: "Activation code allocation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// receiptValidations counts validator verdicts; result is "ok", "amount",
	// "date", "duplicate" or "unreadable".
	receiptValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_validations_total",
			Help: "Receipt validation results.",
		},
		[]string{"result"},
	)

	ledgerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_append_failures_total",
			Help: "Ledger mirror appends that failed after a committed allocation.",
		},
	)

	conversationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_conflicts_total",
			Help: "Conditional conversation writes that lost against a concurrent update.",
		},
	)

	// codesAvailable is refreshed after every allocation and by the admin stats endpoint.
	codesAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "activation_codes_available",
			Help: "Activation codes that can still be claimed.",
		},
	)
)

func init() {
	prometheus.MustRegister(allocations, receiptValidations, ledgerFailures, conversationConflicts, codesAvailable)
}

// SetAvailableCodes updates the availability gauge.
func SetAvailableCodes(n int64) { codesAvailable.Set(float64(n)) }
