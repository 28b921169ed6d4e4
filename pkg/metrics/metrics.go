package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KV store metrics
	KVCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jacquard_kv_commits_total",
			Help: "Total number of KV store commits by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	KVCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jacquard_kv_commit_duration_seconds",
			Help:    "Time taken to commit a KV transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	KVRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jacquard_kv_retries_total",
			Help: "Total number of transactions retried after an optimistic-concurrency conflict",
		},
		[]string{"backend"},
	)

	// Bucket ring metrics
	BucketsOccupied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jacquard_buckets_occupied",
			Help: "Number of buckets currently carrying at least one entry",
		},
	)

	ActiveExperimentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jacquard_active_experiments_total",
			Help: "Number of experiments currently active",
		},
	)

	ConcludedExperimentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jacquard_concluded_experiments_total",
			Help: "Number of experiments concluded to date",
		},
	)

	// Release/close metrics
	ReleaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jacquard_release_duration_seconds",
			Help:    "Time taken to run a release (bucket allocation) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jacquard_releases_total",
			Help: "Total number of release attempts by outcome",
		},
		[]string{"outcome"},
	)

	CloseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jacquard_close_duration_seconds",
			Help:    "Time taken to run a close (bucket retraction) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Settings resolution metrics
	SettingsResolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jacquard_settings_resolution_duration_seconds",
			Help:    "Time taken to resolve a user's settings in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Directory capability metrics
	DirectoryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jacquard_directory_lookups_total",
			Help: "Total number of directory lookups by outcome",
		},
		[]string{"outcome"},
	)

	DirectoryLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jacquard_directory_lookup_duration_seconds",
			Help:    "Time taken for a directory lookup in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register KV metrics
	prometheus.MustRegister(KVCommitsTotal)
	prometheus.MustRegister(KVCommitDuration)
	prometheus.MustRegister(KVRetriesTotal)

	// Register bucket/experiment gauges
	prometheus.MustRegister(BucketsOccupied)
	prometheus.MustRegister(ActiveExperimentsTotal)
	prometheus.MustRegister(ConcludedExperimentsTotal)

	// Register release/close metrics
	prometheus.MustRegister(ReleaseDuration)
	prometheus.MustRegister(ReleasesTotal)
	prometheus.MustRegister(CloseDuration)

	// Register settings resolution metrics
	prometheus.MustRegister(SettingsResolutionDuration)

	// Register directory metrics
	prometheus.MustRegister(DirectoryLookupsTotal)
	prometheus.MustRegister(DirectoryLookupDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
