// Package stats aggregates cache counters into point-in-time snapshots and
// exposes them to Prometheus.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchcache/searchcache/pkg/types"
)

const (
	// reservoirSize bounds the latency samples kept per tier. Old
	// samples are overwritten ring-buffer style.
	reservoirSize = 1024

	// maxTrackedKeys bounds the hot-key map. When it fills up the
	// lowest-count half is dropped.
	maxTrackedKeys = 4096
)

// tierCounters holds the per-tier atomics.
type tierCounters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

// reservoir keeps a fixed window of latency samples.
type reservoir struct {
	mu      sync.Mutex
	samples [reservoirSize]time.Duration
	next    int
	filled  int
}

func (r *reservoir) record(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % reservoirSize
	if r.filled < reservoirSize {
		r.filled++
	}
	r.mu.Unlock()
}

// quantiles returns the average and p99 of the current window.
func (r *reservoir) quantiles() (avg, p99 time.Duration) {
	r.mu.Lock()
	n := r.filled
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return 0, 0
	}
	var total time.Duration
	for _, d := range window {
		total += d
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := (n * 99) / 100
	if idx >= n {
		idx = n - 1
	}
	return total / time.Duration(n), window[idx]
}

// Collector accumulates hit, miss, latency, hot-key and compression
// counters. All record methods are safe for concurrent use.
type Collector struct {
	tiers   [3]tierCounters
	fills   atomic.Uint64
	lookups reservoir
	perTier [3]reservoir

	uncompressedBytes atomic.Uint64
	compressedBytes   atomic.Uint64

	keyMu     sync.Mutex
	keyCounts map[string]uint64
	topN      int
}

// NewCollector returns a collector tracking the topN most accessed keys.
func NewCollector(topN int) *Collector {
	if topN <= 0 {
		topN = 10
	}
	return &Collector{
		keyCounts: make(map[string]uint64),
		topN:      topN,
	}
}

// RecordHit counts a hit served by tier and its lookup latency.
func (c *Collector) RecordHit(tier types.TierID, latency time.Duration) {
	c.tiers[tier].hits.Add(1)
	c.lookups.record(latency)
	c.perTier[tier].record(latency)
}

// RecordMiss counts a probe of tier that did not produce the entry.
func (c *Collector) RecordMiss(tier types.TierID) {
	c.tiers[tier].misses.Add(1)
}

// RecordFill counts a full miss that went to the fill function, with the
// end-to-end latency including the fill itself.
func (c *Collector) RecordFill(latency time.Duration) {
	c.fills.Add(1)
	c.lookups.record(latency)
}

// RecordAccess bumps the hot-key counter for key.
func (c *Collector) RecordAccess(key types.Key) {
	name := key.String()

	c.keyMu.Lock()
	c.keyCounts[name]++
	if len(c.keyCounts) > maxTrackedKeys {
		c.trimLocked()
	}
	c.keyMu.Unlock()
}

// trimLocked drops the lower half of tracked keys by count. Callers hold
// c.keyMu.
func (c *Collector) trimLocked() {
	counts := make([]uint64, 0, len(c.keyCounts))
	for _, n := range c.keyCounts {
		counts = append(counts, n)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	cutoff := counts[len(counts)/2]

	for name, n := range c.keyCounts {
		if n <= cutoff && len(c.keyCounts) > maxTrackedKeys/2 {
			delete(c.keyCounts, name)
		}
	}
}

// RecordCompression accumulates the byte sizes of one compressed payload.
func (c *Collector) RecordCompression(uncompressed, compressed uint64) {
	c.uncompressedBytes.Add(uncompressed)
	c.compressedBytes.Add(compressed)
}

// hotKeys returns the topN tracked keys ordered by access count.
func (c *Collector) hotKeys() []string {
	c.keyMu.Lock()
	type kc struct {
		name  string
		count uint64
	}
	ranked := make([]kc, 0, len(c.keyCounts))
	for name, n := range c.keyCounts {
		ranked = append(ranked, kc{name, n})
	}
	c.keyMu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > c.topN {
		ranked = ranked[:c.topN]
	}
	keys := make([]string, len(ranked))
	for i, r := range ranked {
		keys[i] = r.name
	}
	return keys
}

// TierDims carries the residency figures only the tier itself knows.
type TierDims struct {
	ID          types.TierID
	Entries     int
	UsageBytes  uint64
	BudgetBytes uint64
	Evictions   uint64
}

// Snapshot assembles the current counters and the supplied tier residency
// figures into one view. Counters are read without a global lock, so the
// totals are self-consistent only approximately under load.
func (c *Collector) Snapshot(dims []TierDims) types.Snapshot {
	snap := types.Snapshot{
		PerTier:           make(map[string]types.TierStats, len(dims)),
		PerTierUsageBytes: make(map[string]uint64, len(dims)),
		HotKeys:           c.hotKeys(),
	}

	for _, d := range dims {
		tc := &c.tiers[d.ID]
		avg, p99 := c.perTier[d.ID].quantiles()
		ts := types.TierStats{
			Hits:        tc.hits.Load(),
			Misses:      tc.misses.Load(),
			Evictions:   d.Evictions,
			Entries:     d.Entries,
			UsageBytes:  d.UsageBytes,
			BudgetBytes: d.BudgetBytes,
			AvgLatency:  avg,
			P99Latency:  p99,
		}
		name := d.ID.String()
		snap.PerTier[name] = ts
		snap.PerTierUsageBytes[name] = d.UsageBytes
		snap.Hits += ts.Hits
	}

	// A lookup that misses every tier is one logical miss, counted once
	// when the fill runs regardless of how many tiers were probed.
	snap.Misses = c.fills.Load()
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}

	avg, _ := c.lookups.quantiles()
	snap.AvgLatencyMS = float64(avg) / float64(time.Millisecond)

	uncompressed := c.uncompressedBytes.Load()
	compressed := c.compressedBytes.Load()
	snap.Compression = types.CompressionStats{
		UncompressedBytes: uncompressed,
		CompressedBytes:   compressed,
	}
	if compressed > 0 {
		snap.Compression.Ratio = float64(uncompressed) / float64(compressed)
	}
	return snap
}
