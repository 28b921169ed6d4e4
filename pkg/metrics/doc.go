/*
Package metrics provides Prometheus metrics collection and exposition for
Jacquard's control plane: the KV store, release/close algorithm, and
settings resolution pipeline are the components worth watching in
production, since they are the only places a caller can observe contention
(retries), latency, or unexpected store growth.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  KV store: commits, retries, commit latency │          │
	│  │  Bucket ring: buckets occupied               │          │
	│  │  Experiments: active/concluded counts        │          │
	│  │  Release/close: duration, outcome            │          │
	│  │  Settings: resolution latency                │          │
	│  │  Directory: lookup count, latency            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: metrics.Handler()               │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init via MustRegister
  - Thread-safe for concurrent updates from parallel request threads

Gauge Metrics:
  - BucketsOccupied, ActiveExperimentsTotal, ConcludedExperimentsTotal
  - Sampled periodically by Collector from a metrics.StatsProvider
    (pkg/control.Config), never updated inline on the hot path

Counter Metrics:
  - KVCommitsTotal{backend,outcome}, KVRetriesTotal{backend}
  - ReleasesTotal{outcome}, DirectoryLookupsTotal{outcome}

Histogram Metrics:
  - KVCommitDuration{backend}, ReleaseDuration, CloseDuration
  - SettingsResolutionDuration, DirectoryLookupDuration

Timer Helper:
  - NewTimer() captures a start instant; ObserveDuration/ObserveDurationVec
    record the elapsed time to a histogram, the same pattern pkg/buckets
    and pkg/settings use around their respective operations.

# Usage

Recording a KV commit outcome:

	timer := metrics.NewTimer()
	err := tx.Commit(ctx, changes, deletions)
	outcome := "success"
	if err == kv.ErrRetry {
		outcome = "retry"
	} else if err != nil {
		outcome = "failure"
	}
	metrics.KVCommitsTotal.WithLabelValues(backend, outcome).Inc()
	timer.ObserveDurationVec(metrics.KVCommitDuration, backend)

Timing a release:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReleaseDuration)
	err := buckets.Release(ctx, store, name, constraints, branches)

Sampling occupancy gauges in the background:

	collector := metrics.NewCollector(controlConfig) // implements StatsProvider
	collector.Start()
	defer collector.Stop()

Exposing the scrape endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(":9090", nil)

# Integration Points

This package integrates with:

  - pkg/buckets: release/close duration and release outcome

KVCommitsTotal, KVCommitDuration, DirectoryLookupsTotal and
DirectoryLookupDuration are registered, but no package in this repository
records them.
  - pkg/settings: settings-resolution latency
  - pkg/retry: retry counts by backend
  - pkg/control: StatsProvider for the background Collector
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on a duplicate
    name, which is deliberate — a collision means two metrics would
    otherwise silently alias.

Label Discipline:
  - Labels are bounded: backend name (a handful of values) and outcome
    (success/failure/retry). No experiment id, user id, or bucket index is
    ever used as a label — those are unbounded cardinality and belong in
    structured log fields instead (see pkg/log).

Gauges Sampled, Not Pushed:
  - Occupancy gauges (buckets occupied, active/concluded experiment counts)
    are updated by Collector's periodic sample, not by every write command,
    since recomputing them requires a full bucket-ring scan
    (control.countOccupiedBuckets) that's too expensive to run per request.

# Troubleshooting

Missing Metrics:
  - Check the metric is registered in init() and the variable is exported.

High Retry Rate:
  - jacquard_kv_retries_total climbing relative to jacquard_kv_commits_total
    for one backend points at write contention on a small number of hot
    keys (often the same bucket index being released into repeatedly) or a
    backend whose optimistic-concurrency window is too coarse.

Stale Occupancy Gauges:
  - jacquard_buckets_occupied lags reality by up to the Collector's sample
    interval; check Collector.Start was actually called during process
    bring-up.

# Monitoring

Prometheus queries (PromQL):

KV health:
  - Commit retry ratio: rate(jacquard_kv_retries_total[5m]) / rate(jacquard_kv_commits_total[5m])
  - p95 commit latency: histogram_quantile(0.95, jacquard_kv_commit_duration_seconds_bucket)

Release/close:
  - Release failure rate: rate(jacquard_releases_total{outcome="failure"}[5m])
  - p95 release duration: histogram_quantile(0.95, jacquard_release_duration_seconds_bucket)

Settings resolution:
  - p99 resolution latency: histogram_quantile(0.99, jacquard_settings_resolution_duration_seconds_bucket)

Directory:
  - Lookup error rate: rate(jacquard_directory_lookups_total{outcome="failure"}[5m])

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
