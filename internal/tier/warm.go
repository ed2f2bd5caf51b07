package tier

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchcache/searchcache/pkg/cacheerr"
	"github.com/searchcache/searchcache/pkg/types"
)

// Warm holds compressed entries and evicts by a blended recency/frequency
// score, so warm data survives longer than hot data per byte of memory
// spent. The lowest-scoring entry is evicted first; ties evict the
// lexicographically smaller key.
type Warm struct {
	mu        sync.Mutex
	budget    uint64
	usage     uint64
	items     map[types.Key]*types.Entry
	evictions atomic.Uint64

	// Scoring weights, exposed as configuration:
	// score = (freqWeight * access_count) / (1 + recencyWeight * age_seconds).
	freqWeight    float64
	recencyWeight float64
}

// NewWarm creates a warm tier with the given byte budget and score weights.
func NewWarm(budget uint64, freqWeight, recencyWeight float64) *Warm {
	if freqWeight <= 0 {
		freqWeight = 1.0
	}
	if recencyWeight < 0 {
		recencyWeight = 1.0
	}
	return &Warm{
		budget:        budget,
		items:         make(map[types.Key]*types.Entry),
		freqWeight:    freqWeight,
		recencyWeight: recencyWeight,
	}
}

// ID implements Tier.
func (w *Warm) ID() types.TierID { return types.TierWarm }

// Score computes the eviction priority of an entry at the given instant.
// Higher scores survive longer.
func (w *Warm) Score(e *types.Entry, now time.Time) float64 {
	age := now.Sub(e.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return (w.freqWeight * float64(e.AccessCount)) / (1 + w.recencyWeight*age)
}

// Get returns a copy of the entry. The payload stays compressed; the
// caller decompresses by the entry's codec tag.
func (w *Warm) Get(key types.Key) (*types.Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.items[key]
	if !ok {
		return nil, false
	}

	now := time.Now()
	if e.Expired(now) {
		w.removeLocked(key)
		return nil, false
	}

	e.Touch(now)
	return e.Clone(), true
}

// Put inserts or overwrites, evicting lowest-scoring entries until the
// entry fits.
func (w *Warm) Put(e *types.Entry) (types.EvictionReport, error) {
	var report types.EvictionReport

	if e.Size() > w.budget {
		return report, cacheerr.ErrEntryTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.items[e.Key]; ok {
		w.usage -= existing.Size()
		delete(w.items, e.Key)
	}

	if w.usage+e.Size() > w.budget {
		needed := w.usage + e.Size() - w.budget
		report.Evicted = w.evictLowestLocked(needed)
	}

	e.Tier = types.TierWarm
	w.items[e.Key] = e
	w.usage += e.Size()
	return report, nil
}

// Remove deletes and returns the resident entry.
func (w *Warm) Remove(key types.Key) (*types.Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.items[key]
	if !ok {
		return nil, false
	}
	delete(w.items, key)
	w.usage -= e.Size()
	return e, true
}

// WouldDisplaceHigher reports whether admitting e would force out a
// resident entry of equal or higher score. The migrator drops a demotion
// instead of letting it displace better data.
func (w *Warm) WouldDisplaceHigher(e *types.Entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.usage+e.Size() <= w.budget {
		return false
	}

	now := time.Now()
	candidate := w.Score(e, now)
	needed := w.usage + e.Size() - w.budget

	// Walk victims lowest-score first; if freeing enough room would evict
	// anything scoring at or above the candidate, the demotion loses.
	var freed uint64
	for _, victim := range w.rankedLocked(now) {
		if freed >= needed {
			return false
		}
		if victim.score >= candidate {
			return true
		}
		freed += w.items[victim.key].Size()
	}
	return freed < needed
}

// UsageBytes returns the sum of resident payload sizes.
func (w *Warm) UsageBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usage
}

// Len returns the resident entry count.
func (w *Warm) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Evictions returns the number of capacity evictions so far.
func (w *Warm) Evictions() uint64 {
	return w.evictions.Load()
}

// Clear drops every resident entry.
func (w *Warm) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = make(map[types.Key]*types.Entry)
	w.usage = 0
}

// ReapExpired examines up to limit entries. Map iteration starts at a
// different offset each call, so successive sweeps cover the whole tier.
func (w *Warm) ReapExpired(now time.Time, limit int) (removed, examined int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, e := range w.items {
		if examined >= limit {
			break
		}
		examined++
		if e.Expired(now) {
			w.removeLocked(key)
			removed++
		}
	}
	return removed, examined
}

type scoredKey struct {
	key   types.Key
	score float64
}

// rankedLocked returns resident keys ordered lowest score first, ties by
// smaller key. Callers hold w.mu.
func (w *Warm) rankedLocked(now time.Time) []scoredKey {
	ranked := make([]scoredKey, 0, len(w.items))
	for key, e := range w.items {
		ranked = append(ranked, scoredKey{key: key, score: w.Score(e, now)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return bytes.Compare(ranked[i].key[:], ranked[j].key[:]) < 0
	})
	return ranked
}

// evictLowestLocked frees at least needed bytes and returns the victims.
// Callers hold w.mu.
func (w *Warm) evictLowestLocked(needed uint64) []*types.Entry {
	var evicted []*types.Entry
	var freed uint64
	for _, victim := range w.rankedLocked(time.Now()) {
		if freed >= needed {
			break
		}
		e := w.items[victim.key]
		freed += e.Size()
		w.removeLocked(victim.key)
		w.evictions.Add(1)
		evicted = append(evicted, e)
	}
	return evicted
}

// removeLocked drops key. Callers hold w.mu and count capacity evictions
// themselves; expiry removals are not evictions.
func (w *Warm) removeLocked(key types.Key) {
	e, ok := w.items[key]
	if !ok {
		return
	}
	delete(w.items, key)
	w.usage -= e.Size()
}
