// Package metrics exposes Prometheus instrumentation for the sync pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the scanner's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	UpstreamRequests  *prometheus.CounterVec
	UpstreamRetries   prometheus.Counter
	RecordsFetched    prometheus.Counter
	RecordsRejected   prometheus.Counter
	Partitions        *prometheus.CounterVec
	GapsRecorded      *prometheus.CounterVec
	Merges            *prometheus.CounterVec
	AddressChanges    *prometheus.CounterVec
	Alerts            *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheRefreshes    *prometheus.CounterVec
	RunsFinished      *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	PartitionsRunning prometheus.Gauge
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_upstream_requests_total",
			Help: "Upstream registry requests by outcome",
		}, []string{"outcome"}),
		UpstreamRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_upstream_retries_total",
			Help: "Upstream requests retried after a transient failure",
		}),
		RecordsFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_records_fetched_total",
			Help: "Raw records received from the upstream registry",
		}),
		RecordsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_records_rejected_total",
			Help: "Raw records dropped by the normalizer",
		}),
		Partitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_partitions_total",
			Help: "Partitions processed by outcome",
		}, []string{"outcome"}),
		GapsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_gaps_total",
			Help: "Coverage gaps recorded by reason",
		}, []string{"reason"}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_merges_total",
			Help: "Entity merges by outcome",
		}, []string{"outcome"}),
		AddressChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_address_changes_total",
			Help: "Address timeline changes by address kind",
		}, []string{"kind"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_movement_alerts_total",
			Help: "Movement alerts upserted by risk level",
		}, []string{"risk"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_cache_lookups_total",
			Help: "Staleness cache lookups by result",
		}, []string{"result"}),
		CacheRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_cache_refreshes_total",
			Help: "Staleness cache refresh jobs by outcome",
		}, []string{"outcome"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_sync_runs_total",
			Help: "Finished sync runs by kind and status",
		}, []string{"kind", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_sync_run_duration_seconds",
			Help:    "Sync run wall time",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"kind"}),
		PartitionsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "registry_partitions_running",
			Help: "Partitions currently being fetched",
		}),
	}
}

func (m *Metrics) UpstreamRequest(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UpstreamRetry() {
	if m == nil {
		return
	}
	m.UpstreamRetries.Inc()
}

func (m *Metrics) Fetched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsFetched.Add(float64(n))
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.RecordsRejected.Inc()
}

func (m *Metrics) Partition(outcome string) {
	if m == nil {
		return
	}
	m.Partitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PartitionStarted() {
	if m == nil {
		return
	}
	m.PartitionsRunning.Inc()
}

func (m *Metrics) PartitionDone() {
	if m == nil {
		return
	}
	m.PartitionsRunning.Dec()
}

func (m *Metrics) Gap(reason string) {
	if m == nil {
		return
	}
	m.GapsRecorded.WithLabelValues(reason).Inc()
}

func (m *Metrics) Merge(outcome string) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddressChange(kind string) {
	if m == nil {
		return
	}
	m.AddressChanges.WithLabelValues(kind).Inc()
}

func (m *Metrics) Alert(risk string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(risk).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheRefresh(outcome string) {
	if m == nil {
		return
	}
	m.CacheRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RunFinished(kind, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(kind, status).Inc()
	m.RunDuration.WithLabelValues(kind).Observe(took.Seconds())
}
