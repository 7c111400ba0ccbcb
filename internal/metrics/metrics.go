package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Attempts counts verification attempts by the state they ended in.
	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_attempts_total",
		Help: "Verification attempts by terminal state.",
	}, []string{"state"})

	// OracleDuration observes face service latency by verdict kind.
	OracleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faceattend_oracle_duration_seconds",
		Help:    "Face comparison call latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"result"})

	// LedgerDuplicates counts check-ins that lost the race for a present record.
	LedgerDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_ledger_duplicates_total",
		Help: "Present records rejected by the duplicate check at append time.",
	})

	// EvidenceArchived counts capture archive jobs by result.
	EvidenceArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_evidence_archived_total",
		Help: "Capture evidence archive jobs by result.",
	}, []string{"result"})
)
