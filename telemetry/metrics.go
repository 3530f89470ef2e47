// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SweepsStarted    prometheus.Counter
	SweepsCompleted  prometheus.Counter
	SweepsAborted    prometheus.Counter
	FetchesSucceeded prometheus.Counter
	FetchesFailed    *prometheus.CounterVec // label: reason
	JoinsGranted     prometheus.Counter
	SightingsCreated prometheus.Counter
	SightingsDuped   prometheus.Counter
	IngestConflicts  prometheus.Counter
	ClassifierPasses prometheus.Counter
	ClassifierErrors prometheus.Counter
	AccountsEnriched prometheus.Counter

	// Histograms (seconds)
	FetchDuration  prometheus.Observer
	JoinWait       prometheus.Observer
	SweepDuration  prometheus.Observer
	IngestDuration prometheus.Observer

	// Gauges
	FetchQueueDepthGauge prometheus.Gauge
	ActiveSweepsGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SweepsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_sweeps_started_total", Help: "Number of sweeps started"})
		SweepsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_sweeps_completed_total", Help: "Number of sweeps completed"})
		SweepsAborted = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_sweeps_aborted_total", Help: "Number of sweeps aborted"})
		FetchesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_fetches_succeeded_total", Help: "Number of viewer-list fetches completed"})
		FetchesFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scan_fetches_failed_total", Help: "Number of viewer-list fetches failed"}, []string{"reason"})
		JoinsGranted = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_joins_granted_total", Help: "Number of channel-join slots granted by the rate limiter"})
		SightingsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_sightings_created_total", Help: "Number of viewer sightings recorded"})
		SightingsDuped = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_sightings_duplicate_total", Help: "Number of sighting writes skipped as already recorded"})
		IngestConflicts = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_ingest_conflicts_total", Help: "Number of sighting keys re-ingested with divergent payloads"})
		ClassifierPasses = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_classifier_passes_total", Help: "Number of classifier batch passes"})
		ClassifierErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_classifier_account_errors_total", Help: "Number of accounts skipped by the classifier due to errors"})
		AccountsEnriched = promauto.NewCounter(prometheus.CounterOpts{Name: "scan_accounts_enriched_total", Help: "Number of accounts enriched from Helix"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scan_fetch_duration_seconds", Help: "Viewer-list fetch duration seconds", Buckets: prometheus.DefBuckets})
		JoinWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scan_join_wait_seconds", Help: "Time spent waiting for a join slot", Buckets: prometheus.DefBuckets})
		SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scan_sweep_duration_seconds", Help: "End-to-end sweep duration seconds", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}})
		IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scan_ingest_duration_seconds", Help: "Roster ingestion duration seconds", Buckets: prometheus.DefBuckets})
		FetchQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "scan_fetch_queue_depth", Help: "Fetch tasks dispatched but not yet terminal"})
		ActiveSweepsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "scan_active_sweeps", Help: "Sweeps currently in a non-terminal state"})
	})
}

// CountJoinsGranted records n granted join slots.
func CountJoinsGranted(n int) {
	if JoinsGranted != nil {
		JoinsGranted.Add(float64(n))
	}
}

// ObserveJoinWait records how long a caller waited on the join limiter.
func ObserveJoinWait(d time.Duration) {
	if JoinWait != nil {
		JoinWait.Observe(d.Seconds())
	}
}

// CountFetchFailure increments the failure counter for a reason label.
func CountFetchFailure(reason string) {
	if FetchesFailed != nil {
		FetchesFailed.WithLabelValues(reason).Inc()
	}
}

// SetFetchQueueDepth records the number of in-flight fetch tasks.
func SetFetchQueueDepth(n int) {
	if FetchQueueDepthGauge != nil {
		FetchQueueDepthGauge.Set(float64(n))
	}
}

// AddActiveSweeps adjusts the active-sweep gauge by delta.
func AddActiveSweeps(delta int) {
	if ActiveSweepsGauge != nil {
		ActiveSweepsGauge.Add(float64(delta))
	}
}

// Inc increments a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to a counter if metrics are initialized.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// Observe records v on obs if metrics are initialized.
func Observe(obs prometheus.Observer, v float64) {
	if obs != nil {
		obs.Observe(v)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
