// Package metrics provides Prometheus instrumentation for the Duologue
// matchmaking engine. It exposes gauges for queue depth and active dialogs,
// counters for matches, terminations and rejected actions, and histograms
// for wait times.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks the current number of waiting entries, labeled by
	// scope and tier.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "duologue_queue_depth",
		Help: "Current number of users waiting for a match",
	}, []string{"scope", "tier"})

	// ActiveDialogs tracks the current number of active dialog sessions.
	ActiveDialogs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duologue_active_dialogs",
		Help: "Current number of active dialog sessions",
	})

	// MatchesTotal counts opened dialogs, labeled by the scope the
	// counterpart was found in.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duologue_matches_total",
		Help: "Total number of dialogs opened by the matcher",
	}, []string{"scope"})

	// TerminationsTotal counts dialog terminations by reason:
	// "left", "complaint", "timeout".
	TerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duologue_terminations_total",
		Help: "Total number of dialog terminations",
	}, []string{"reason"})

	// MatchWaitSeconds records the time a matched user spent in the queue.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duologue_match_wait_seconds",
		Help:    "Time from enqueue to match",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	// DedupRejectsTotal counts actions rejected by the dedup guard,
	// labeled by action fingerprint.
	DedupRejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duologue_dedup_rejects_total",
		Help: "Total number of actions rejected as duplicates",
	}, []string{"fingerprint"})

	// RatingsTotal counts rating submissions by outcome:
	// "applied", "flagged", "rejected".
	RatingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duologue_ratings_total",
		Help: "Total number of rating submissions",
	}, []string{"outcome"})

	// AlertsTotal counts fire-and-forget alerts by category.
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duologue_alerts_total",
		Help: "Total number of alerts emitted",
	}, []string{"category"})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		ActiveDialogs,
		MatchesTotal,
		TerminationsTotal,
		MatchWaitSeconds,
		DedupRejectsTotal,
		RatingsTotal,
		AlertsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
