package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wafleet_sessions",
			Help: "Sessions currently in each state",
		},
		[]string{"state"}, // "connecting", "open", "closed"
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wafleet_reconnect_attempts_total",
			Help: "Total reconnect dials after a transient close",
		},
	)

	SessionCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_session_closes_total",
			Help: "Total connection closes by disconnect code",
		},
		[]string{"code"},
	)

	FatalTeardowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wafleet_fatal_teardowns_total",
			Help: "Total sessions destroyed after a fatal disconnect or logout",
		},
	)

	PairingCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_pairing_codes_total",
			Help: "Total pairing code requests",
		},
		[]string{"outcome"}, // "issued" or "failed"
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wafleet_persist_failures_total",
			Help: "Total credential bundle persistence failures",
		},
	)

	// Broadcast metrics
	BroadcastJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_broadcast_jobs_total",
			Help: "Total broadcast destination jobs",
		},
		[]string{"outcome"}, // "delivered", "not_found", "failed"
	)

	BroadcastRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wafleet_broadcast_run_duration_seconds",
			Help:    "Wall time of complete broadcast runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// Anti-echo metrics
	Revocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_antiecho_revocations_total",
			Help: "Total revocations of self-originated messages",
		},
		[]string{"outcome"}, // "ok" or "failed"
	)
)

// Outcome labels.
const (
	OutcomeIssued    = "issued"
	OutcomeFailed    = "failed"
	OutcomeOK        = "ok"
	OutcomeDelivered = "delivered"
	OutcomeNotFound  = "not_found"
)
