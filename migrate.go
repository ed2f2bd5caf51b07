package searchcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/searchcache/searchcache/internal/codec"
	"github.com/searchcache/searchcache/internal/tier"
	"github.com/searchcache/searchcache/pkg/types"
)

// counterShards splits the promotion counters so foreground hits on
// disjoint keys do not serialize on one lock.
const counterShards = 16

// promotion is a queued move one tier up.
type promotion struct {
	key  types.Key
	from types.TierID
}

// demotion is a queued move one tier down, carrying the evicted entry.
type demotion struct {
	entry *types.Entry
	from  types.TierID
}

// accessWindow counts hits inside a rolling promotion window.
type accessWindow struct {
	count   uint32
	started time.Time
}

type counterShard struct {
	mu      sync.Mutex
	windows map[types.Key]*accessWindow
}

// migrator moves entries between tiers asynchronously. The read path only
// bumps a sharded counter and, at the threshold, drops a task on a bounded
// queue; it never waits for the move itself.
type migrator struct {
	hot      *tier.Hot
	warm     *tier.Warm
	cold     *tier.Cold
	registry *codec.Registry
	stats    statsRecorder
	logger   *slog.Logger

	threshold uint32
	window    time.Duration

	shards [counterShards]counterShard

	promoteCh chan promotion
	demoteCh  chan demotion
}

// statsRecorder is the slice of the stats collector the migrator needs.
type statsRecorder interface {
	RecordCompression(uncompressed, compressed uint64)
}

func newMigrator(hot *tier.Hot, warm *tier.Warm, cold *tier.Cold, registry *codec.Registry,
	stats statsRecorder, logger *slog.Logger, threshold uint32, window time.Duration, queueSize int) *migrator {
	m := &migrator{
		hot:       hot,
		warm:      warm,
		cold:      cold,
		registry:  registry,
		stats:     stats,
		logger:    logger,
		threshold: threshold,
		window:    window,
		promoteCh: make(chan promotion, queueSize),
		demoteCh:  make(chan demotion, queueSize),
	}
	for i := range m.shards {
		m.shards[i].windows = make(map[types.Key]*accessWindow)
	}
	return m
}

// run drains the queues until ctx is cancelled, periodically dropping
// counter windows whose promotion window has rolled over so keys that are
// never hit again do not accumulate state.
func (m *migrator) run(ctx context.Context) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.promoteCh:
			m.promote(p)
		case d := <-m.demoteCh:
			m.demote(d)
		case <-ticker.C:
			m.sweepWindows(time.Now())
		}
	}
}

// sweepWindows drops every counter window older than the promotion window.
func (m *migrator) sweepWindows(now time.Time) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, w := range s.windows {
			if now.Sub(w.started) > m.window {
				delete(s.windows, key)
			}
		}
		s.mu.Unlock()
	}
}

func (m *migrator) shard(key types.Key) *counterShard {
	return &m.shards[xxhash.Sum64(key[:])%counterShards]
}

// NoteHit records a warm or cold hit and queues a promotion once the
// key's access count inside the window crosses the threshold.
func (m *migrator) NoteHit(key types.Key, from types.TierID) {
	if from == types.TierHot {
		return
	}

	s := m.shard(key)
	now := time.Now()

	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.started) > m.window {
		w = &accessWindow{started: now}
		s.windows[key] = w
	}
	w.count++
	crossed := w.count >= m.threshold
	if crossed {
		delete(s.windows, key)
	}
	s.mu.Unlock()

	if crossed {
		m.enqueuePromotion(promotion{key: key, from: from})
	}
}

// NoteEvictions queues demotions for entries a Put displaced.
func (m *migrator) NoteEvictions(report types.EvictionReport, from types.TierID) {
	for _, e := range report.Evicted {
		if from == types.TierCold || len(e.Payload) == 0 {
			// Nothing lives below cold, and a payload-less report entry
			// cannot be rebuilt in another tier.
			continue
		}
		m.enqueueDemotion(demotion{entry: e, from: from})
	}
}

// enqueuePromotion adds the task, dropping the oldest queued one when the
// queue is full. Losing a promotion only delays the move.
func (m *migrator) enqueuePromotion(p promotion) {
	for {
		select {
		case m.promoteCh <- p:
			return
		default:
		}
		select {
		case <-m.promoteCh:
		default:
		}
	}
}

func (m *migrator) enqueueDemotion(d demotion) {
	for {
		select {
		case m.demoteCh <- d:
			return
		default:
		}
		select {
		case <-m.demoteCh:
		default:
		}
	}
}

// promote moves one entry a tier up, converting the payload to the
// destination's storage format.
func (m *migrator) promote(p promotion) {
	switch p.from {
	case types.TierWarm:
		e, ok := m.warm.Remove(p.key)
		if !ok {
			return
		}
		raw, err := m.registry.Decompress(codec.ID(e.Codec), e.Payload)
		if err != nil {
			m.logger.Debug("promotion dropped corrupt entry", "key", p.key.String(), "error", err)
			return
		}
		promoted := e.Clone()
		promoted.Payload = raw
		promoted.Codec = uint8(codec.Identity)
		report, err := m.hot.Put(promoted)
		if err != nil {
			// Entry does not fit the hot budget; put it back compressed.
			if rep, perr := m.warm.Put(e); perr == nil {
				m.NoteEvictions(rep, types.TierWarm)
			}
			return
		}
		m.NoteEvictions(report, types.TierHot)

	case types.TierCold:
		if m.cold == nil {
			return
		}
		e, ok := m.cold.Remove(p.key)
		if !ok {
			return
		}
		report, err := m.warm.Put(e)
		if err != nil {
			m.logger.Debug("promotion rejected by warm tier", "key", p.key.String(), "error", err)
			return
		}
		m.NoteEvictions(report, types.TierWarm)
	}
}

// demote moves an evicted entry one tier down unless that would displace
// an entry of equal or higher standing there.
func (m *migrator) demote(d demotion) {
	switch d.from {
	case types.TierHot:
		id, compressed, err := m.registry.Compress(d.entry.Payload)
		if err != nil {
			return
		}
		m.stats.RecordCompression(d.entry.Size(), uint64(len(compressed)))

		demoted := d.entry.Clone()
		demoted.Payload = compressed
		demoted.Codec = uint8(id)
		if m.warm.WouldDisplaceHigher(demoted) {
			m.logger.Debug("demotion dropped", "key", d.entry.Key.String(), "to", "warm")
			return
		}
		report, err := m.warm.Put(demoted)
		if err != nil {
			return
		}
		m.NoteEvictions(report, types.TierWarm)

	case types.TierWarm:
		if m.cold == nil || !m.cold.Available() {
			return
		}
		if m.cold.WouldDisplaceHigher(d.entry) {
			m.logger.Debug("demotion dropped", "key", d.entry.Key.String(), "to", "cold")
			return
		}
		if _, err := m.cold.Put(d.entry); err != nil {
			m.logger.Debug("demotion failed", "key", d.entry.Key.String(), "error", err)
		}
	}
}

// Forget drops the promotion counter for key after an invalidation.
func (m *migrator) Forget(key types.Key) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
}

// Reset drops every promotion counter.
func (m *migrator) Reset() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.windows = make(map[types.Key]*accessWindow)
		s.mu.Unlock()
	}
}
