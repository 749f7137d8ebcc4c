package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Huddle.
// Using promauto for automatic registration with default registry.
var (
	// --- Party Metrics ---

	// JoinsTotal counts join attempts by outcome.
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "parties",
			Name:      "joins_total",
			Help:      "Total number of join attempts by outcome",
		},
		[]string{"outcome"},
	)

	// StandbyTogglesTotal counts standby toggles by resulting direction.
	StandbyTogglesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "parties",
			Name:      "standby_toggles_total",
			Help:      "Total number of standby toggles by direction",
		},
		[]string{"direction"},
	)

	// --- Round Metrics ---

	// RoundsCreatedTotal counts rounds created by trigger.
	RoundsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "rounds",
			Name:      "created_total",
			Help:      "Total number of rounds created by trigger",
		},
		[]string{"trigger"},
	)

	// RoundsClosedTotal counts rounds closed by the sweeper.
	RoundsClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "rounds",
			Name:      "closed_total",
			Help:      "Total number of rounds closed by the sweeper",
		},
	)

	// VotesTotal counts vote attempts by outcome.
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "votes",
			Name:      "total",
			Help:      "Total number of vote attempts by outcome",
		},
		[]string{"outcome"},
	)

	// --- Generation Metrics ---

	// GenerationDuration tracks question-provider call duration.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "huddle",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Duration of question generation calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"status"},
	)

	// --- Notification Metrics ---

	// EventsPublished counts published events by type.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "notify",
			Name:      "events_published_total",
			Help:      "Total number of events published by type",
		},
		[]string{"type"},
	)

	// PollWaiters tracks long-poll requests currently parked.
	PollWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "notify",
			Name:      "poll_waiters",
			Help:      "Number of long-poll requests currently waiting",
		},
	)

	// StreamSubscribers tracks open push connections by topic kind.
	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "notify",
			Name:      "stream_subscribers",
			Help:      "Number of open event-stream connections by topic kind",
		},
		[]string{"kind"},
	)
)

// RecordJoin records a join attempt.
func RecordJoin(outcome string) {
	JoinsTotal.WithLabelValues(outcome).Inc()
}

// RecordVote records a vote attempt.
func RecordVote(outcome string) {
	VotesTotal.WithLabelValues(outcome).Inc()
}

// RecordGeneration records a question-provider call.
func RecordGeneration(status string, durationSeconds float64) {
	GenerationDuration.WithLabelValues(status).Observe(durationSeconds)
}
