// Package metrics holds the Prometheus collectors for mining invocations.
//
// Exposed series:
//   - icp_miner_invocations_total{outcome} (Counter)
//   - icp_miner_pages_fetched_total{result} (Counter): ok, error, empty
//   - icp_miner_matches_found_total (Counter)
//   - icp_miner_targets_processed_total (Counter)
//   - icp_miner_page_fetch_duration_seconds (Histogram)
//   - icp_miner_hydrations_total{result} (Counter): hydrated, miss, error
//   - icp_miner_profiles{status} (Gauge): set by the status collector
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Invocations counts dispatch invocations by outcome.
	Invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icp_miner_invocations_total",
			Help: "Total mining invocations by outcome",
		},
		[]string{"outcome"},
	)

	// PagesFetched counts provider page fetches by result.
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icp_miner_pages_fetched_total",
			Help: "Total provider page fetches by result",
		},
		[]string{"result"},
	)

	// MatchesFound counts qualifying matches reported by the provider.
	MatchesFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icp_miner_matches_found_total",
			Help: "Total qualifying matches found",
		},
	)

	// TargetsProcessed counts candidates the provider processed.
	TargetsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icp_miner_targets_processed_total",
			Help: "Total candidates processed",
		},
	)

	// PageFetchDuration observes provider latency per page.
	PageFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icp_miner_page_fetch_duration_seconds",
			Help:    "Provider page fetch duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Hydrations counts probe fetches by result.
	Hydrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icp_miner_hydrations_total",
			Help: "Total hydration probes by result",
		},
		[]string{"result"},
	)

	// Profiles reports the number of profiles per status.
	Profiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icp_miner_profiles",
			Help: "Mining profiles by status",
		},
		[]string{"status"},
	)
)

// ObservePage records one page fetch.
func ObservePage(result string, d time.Duration, processed, found int) {
	PagesFetched.WithLabelValues(result).Inc()
	PageFetchDuration.Observe(d.Seconds())
	if processed > 0 {
		TargetsProcessed.Add(float64(processed))
	}
	if found > 0 {
		MatchesFound.Add(float64(found))
	}
}
