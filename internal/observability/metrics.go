// Package observability builds the process logger and the Prometheus
// metrics recorded by sync runs.
package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "nwplake"

// Metrics holds the counters and histograms of sync runs.
type Metrics struct {
	Registry *prometheus.Registry

	Runs            *prometheus.CounterVec   // labels: job, outcome={success,partial,failed}
	Units           *prometheus.CounterVec   // labels: job, outcome={success,failure}
	UnitsPending    *prometheus.GaugeVec     // labels: job
	UnitDuration    *prometheus.HistogramVec // labels: job
	RunDuration     *prometheus.HistogramVec // labels: job
	LastSuccess     *prometheus.GaugeVec     // labels: job
	Retries         *prometheus.CounterVec   // labels: operation
	BytesDownloaded prometheus.Counter
	Partitions      *prometheus.CounterVec // labels: dataset
}

// NewMetrics creates the metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := newMetrics()
	m.Registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// NewMetricsForTesting creates the metrics without runtime collectors.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by job and outcome.",
		}, []string{"job", "outcome"}),
		Units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_units_total",
			Help:      "Processed units by job and outcome.",
		}, []string{"job", "outcome"}),
		UnitsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_units_pending",
			Help:      "Units pending at the start of the last run.",
		}, []string{"job"}),
		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_unit_duration_seconds",
			Help:      "Time to fetch, transform and write one unit.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Duration of a complete sync run.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"job"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last run without unit failures.",
		}, []string{"job"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts by operation.",
		}, []string{"operation"}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_downloaded_total",
			Help:      "Bytes of raw forecast files downloaded.",
		}),
		Partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_written_total",
			Help:      "Partition files written by dataset.",
		}, []string{"dataset"}),
	}
	m.Registry.MustRegister(
		m.Runs,
		m.Units,
		m.UnitsPending,
		m.UnitDuration,
		m.RunDuration,
		m.LastSuccess,
		m.Retries,
		m.BytesDownloaded,
		m.Partitions,
	)
	return m
}

// RetryHook returns a callback counting retries of operation.
func (m *Metrics) RetryHook(operation string) func(int, error) {
	c := m.Retries.WithLabelValues(operation)
	return func(int, error) { c.Inc() }
}

// Push sends every metric to a Prometheus Pushgateway under job. Short
// lived sync processes use this instead of being scraped.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
