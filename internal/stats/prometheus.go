package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter publishes cache snapshots as Prometheus metrics. It pulls a
// fresh snapshot on every scrape instead of keeping a second set of
// counters in sync.
type Exporter struct {
	source func() []TierDims
	stats  *Collector

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	entries     *prometheus.Desc
	usageBytes  *prometheus.Desc
	budgetBytes *prometheus.Desc
	hitRate     *prometheus.Desc
	avgLatency  *prometheus.Desc
	rawBytes    *prometheus.Desc
	storedBytes *prometheus.Desc
}

// NewExporter builds the exporter over stats, reading tier residency
// through source at scrape time. An empty namespace defaults to
// searchcache.
func NewExporter(stats *Collector, source func() []TierDims, namespace string) *Exporter {
	ns := namespace
	if ns == "" {
		ns = "searchcache"
	}
	tierLabels := []string{"tier"}
	return &Exporter{
		source: source,
		stats:  stats,
		hits: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "hits_total"),
			"Lookups served by each tier.", tierLabels, nil),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "misses_total"),
			"Probes of each tier that did not find the entry.", tierLabels, nil),
		evictions: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "evictions_total"),
			"Capacity evictions in each tier.", tierLabels, nil),
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "entries"),
			"Resident entries in each tier.", tierLabels, nil),
		usageBytes: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "usage_bytes"),
			"Payload bytes resident in each tier.", tierLabels, nil),
		budgetBytes: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "budget_bytes"),
			"Configured byte budget of each tier.", tierLabels, nil),
		hitRate: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "hit_rate"),
			"Fraction of lookups served from any tier.", nil, nil),
		avgLatency: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "lookup_latency_avg_ms"),
			"Average lookup latency over the sample window.", nil, nil),
		rawBytes: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "uncompressed_bytes_total"),
			"Payload bytes before compression.", nil, nil),
		storedBytes: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "compressed_bytes_total"),
			"Payload bytes after compression.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.hits
	ch <- e.misses
	ch <- e.evictions
	ch <- e.entries
	ch <- e.usageBytes
	ch <- e.budgetBytes
	ch <- e.hitRate
	ch <- e.avgLatency
	ch <- e.rawBytes
	ch <- e.storedBytes
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.stats.Snapshot(e.source())

	for tier, ts := range snap.PerTier {
		ch <- prometheus.MustNewConstMetric(e.hits, prometheus.CounterValue, float64(ts.Hits), tier)
		ch <- prometheus.MustNewConstMetric(e.misses, prometheus.CounterValue, float64(ts.Misses), tier)
		ch <- prometheus.MustNewConstMetric(e.evictions, prometheus.CounterValue, float64(ts.Evictions), tier)
		ch <- prometheus.MustNewConstMetric(e.entries, prometheus.GaugeValue, float64(ts.Entries), tier)
		ch <- prometheus.MustNewConstMetric(e.usageBytes, prometheus.GaugeValue, float64(ts.UsageBytes), tier)
		ch <- prometheus.MustNewConstMetric(e.budgetBytes, prometheus.GaugeValue, float64(ts.BudgetBytes), tier)
	}

	ch <- prometheus.MustNewConstMetric(e.hitRate, prometheus.GaugeValue, snap.HitRate)
	ch <- prometheus.MustNewConstMetric(e.avgLatency, prometheus.GaugeValue, snap.AvgLatencyMS)
	ch <- prometheus.MustNewConstMetric(e.rawBytes, prometheus.CounterValue, float64(snap.Compression.UncompressedBytes))
	ch <- prometheus.MustNewConstMetric(e.storedBytes, prometheus.CounterValue, float64(snap.Compression.CompressedBytes))
}
