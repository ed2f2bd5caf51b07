package tier

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchcache/searchcache/internal/storage"
	"github.com/searchcache/searchcache/pkg/cacheerr"
	"github.com/searchcache/searchcache/pkg/types"
)

// Cold persists compressed entries through a BlobStore and keeps an
// in-memory index of residency metadata. Eviction is least-recently-
// accessed. Storage failures degrade the tier to always-miss; the breaker
// inside the store sheds load until the backend recovers.
type Cold struct {
	mu        sync.Mutex
	budget    uint64
	usage     uint64
	index     map[types.Key]*coldMeta
	store     *storage.ResilientStore
	logger    *slog.Logger
	evictions atomic.Uint64
}

// coldMeta is the index entry for one persisted record. Payload bytes live
// only in the store.
type coldMeta struct {
	size           uint64
	codec          uint8
	createdAt      time.Time
	ttl            time.Duration
	accessCount    uint64
	lastAccessedAt time.Time
}

// NewCold opens the cold tier and rebuilds its index from the
// self-describing records already in the store, so a restart keeps the
// tier warm. Unreadable records are dropped.
func NewCold(budget uint64, store *storage.ResilientStore, logger *slog.Logger) *Cold {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cold{
		budget: budget,
		index:  make(map[types.Key]*coldMeta),
		store:  store,
		logger: logger,
	}
	c.rebuildIndex()
	return c
}

func (c *Cold) rebuildIndex() {
	names, err := c.store.Keys()
	if err != nil {
		c.logger.Warn("cold index rebuild skipped", "error", err)
		return
	}

	for _, name := range names {
		var key types.Key
		raw, err := hex.DecodeString(name)
		if err != nil || len(raw) != len(key) {
			_ = c.store.Delete(name)
			continue
		}
		copy(key[:], raw)

		rec, err := c.store.Get(name)
		if err != nil {
			if errors.Is(err, cacheerr.ErrCorruptEntry) {
				_ = c.store.Delete(name)
			}
			continue
		}
		c.index[key] = &coldMeta{
			size:           uint64(len(rec.Payload)),
			codec:          rec.CodecID,
			createdAt:      rec.CreatedAt,
			ttl:            rec.TTL,
			accessCount:    rec.AccessCount,
			lastAccessedAt: rec.LastAccessedAt,
		}
		c.usage += uint64(len(rec.Payload))
	}

	if len(c.index) > 0 {
		c.logger.Info("cold index rebuilt",
			"entries", len(c.index),
			"usage_bytes", c.usage)
	}
}

// ID implements Tier.
func (c *Cold) ID() types.TierID { return types.TierCold }

// Available reports whether the backing store currently admits requests.
func (c *Cold) Available() bool {
	return c.store.Available()
}

// Get reads the record for key. Corrupt records are removed and reported
// as a miss; an unavailable store is a miss for every key.
func (c *Cold) Get(key types.Key) (*types.Entry, bool) {
	c.mu.Lock()
	meta, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	now := time.Now()
	if meta.expired(now) {
		c.removeMetaLocked(key)
		c.mu.Unlock()
		_ = c.store.Delete(key.String())
		return nil, false
	}
	c.mu.Unlock()

	// Store I/O happens outside the index lock.
	rec, err := c.store.Get(key.String())
	if err != nil {
		c.dropAfterReadFailure(key, err)
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok = c.index[key]
	if !ok {
		return nil, false
	}
	meta.accessCount++
	if now.After(meta.lastAccessedAt) {
		meta.lastAccessedAt = now
	}

	return &types.Entry{
		Key:            key,
		Payload:        rec.Payload,
		Codec:          rec.CodecID,
		CreatedAt:      meta.createdAt,
		TTL:            meta.ttl,
		AccessCount:    meta.accessCount,
		LastAccessedAt: meta.lastAccessedAt,
		Tier:           types.TierCold,
	}, true
}

// dropAfterReadFailure removes a record that can no longer serve reads.
// Unavailable storage keeps the index entry: the record may still exist
// once the backend recovers.
func (c *Cold) dropAfterReadFailure(key types.Key, err error) {
	switch {
	case errors.Is(err, cacheerr.ErrCorruptEntry), errors.Is(err, cacheerr.ErrNotFound):
		c.mu.Lock()
		c.removeMetaLocked(key)
		c.mu.Unlock()
		_ = c.store.Delete(key.String())
		c.logger.Debug("cold record dropped", "key", key.String(), "error", err)
	default:
		c.logger.Debug("cold read degraded to miss", "key", key.String(), "error", err)
	}
}

// Put persists the entry and indexes it, evicting the least recently
// accessed residents until it fits.
func (c *Cold) Put(e *types.Entry) (types.EvictionReport, error) {
	var report types.EvictionReport

	if e.Size() > c.budget {
		return report, cacheerr.ErrEntryTooLarge
	}

	rec := &storage.Record{
		CodecID:        e.Codec,
		Payload:        e.Payload,
		CreatedAt:      e.CreatedAt,
		TTL:            e.TTL,
		AccessCount:    e.AccessCount,
		LastAccessedAt: e.LastAccessedAt,
	}
	rec.Seal()
	if err := c.store.Put(e.Key.String(), rec); err != nil {
		return report, err
	}

	c.mu.Lock()
	if existing, ok := c.index[e.Key]; ok {
		c.usage -= existing.size
	}
	c.index[e.Key] = &coldMeta{
		size:           e.Size(),
		codec:          e.Codec,
		createdAt:      e.CreatedAt,
		ttl:            e.TTL,
		accessCount:    e.AccessCount,
		lastAccessedAt: e.LastAccessedAt,
	}
	c.usage += e.Size()

	var victims []types.Key
	for c.usage > c.budget {
		victim, ok := c.oldestLocked(e.Key)
		if !ok {
			break
		}
		entry := c.entryFromMetaLocked(victim)
		c.removeMetaLocked(victim)
		c.evictions.Add(1)
		victims = append(victims, victim)
		report.Evicted = append(report.Evicted, entry)
	}
	c.mu.Unlock()

	for _, victim := range victims {
		_ = c.store.Delete(victim.String())
	}

	e.Tier = types.TierCold
	return report, nil
}

// Remove deletes the record and returns the full entry when the store can
// still produce the payload.
func (c *Cold) Remove(key types.Key) (*types.Entry, bool) {
	c.mu.Lock()
	meta, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	entry := &types.Entry{
		Key:            key,
		Codec:          meta.codec,
		CreatedAt:      meta.createdAt,
		TTL:            meta.ttl,
		AccessCount:    meta.accessCount,
		LastAccessedAt: meta.lastAccessedAt,
		Tier:           types.TierCold,
	}
	c.removeMetaLocked(key)
	c.mu.Unlock()

	rec, err := c.store.Get(key.String())
	_ = c.store.Delete(key.String())
	if err != nil {
		return nil, false
	}
	entry.Payload = rec.Payload
	return entry, true
}

// WouldDisplaceHigher reports whether admitting e would evict a resident
// accessed at least as recently as e.
func (c *Cold) WouldDisplaceHigher(e *types.Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.usage+e.Size() <= c.budget {
		return false
	}
	oldest, ok := c.oldestLocked(e.Key)
	if !ok {
		return true
	}
	return !c.index[oldest].lastAccessedAt.Before(e.LastAccessedAt)
}

// UsageBytes returns the sum of indexed payload sizes.
func (c *Cold) UsageBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Len returns the indexed entry count.
func (c *Cold) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Evictions returns the number of capacity evictions so far.
func (c *Cold) Evictions() uint64 {
	return c.evictions.Load()
}

// Clear drops the index and every persisted record.
func (c *Cold) Clear() {
	c.mu.Lock()
	c.index = make(map[types.Key]*coldMeta)
	c.usage = 0
	c.mu.Unlock()

	if err := c.store.Clear(); err != nil {
		c.logger.Warn("cold store clear failed", "error", err)
	}
}

// ReapExpired examines up to limit indexed entries and removes the expired
// ones from index and store.
func (c *Cold) ReapExpired(now time.Time, limit int) (removed, examined int) {
	c.mu.Lock()
	var expired []types.Key
	for key, meta := range c.index {
		if examined >= limit {
			break
		}
		examined++
		if meta.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeMetaLocked(key)
		removed++
	}
	c.mu.Unlock()

	for _, key := range expired {
		_ = c.store.Delete(key.String())
	}
	return removed, examined
}

// Close closes the backing store.
func (c *Cold) Close() error {
	return c.store.Close()
}

func (m *coldMeta) expired(now time.Time) bool {
	return m.ttl > 0 && now.After(m.createdAt.Add(m.ttl))
}

// oldestLocked returns the least recently accessed key, excluding exclude.
// Equal access times break toward the lexicographically smaller key.
// Callers hold c.mu.
func (c *Cold) oldestLocked(exclude types.Key) (types.Key, bool) {
	var (
		oldest types.Key
		found  bool
	)
	for key, meta := range c.index {
		if key == exclude {
			continue
		}
		if !found {
			oldest = key
			found = true
			continue
		}
		best := c.index[oldest].lastAccessedAt
		if meta.lastAccessedAt.Before(best) ||
			(meta.lastAccessedAt.Equal(best) && bytes.Compare(key[:], oldest[:]) < 0) {
			oldest = key
		}
	}
	return oldest, found
}

// entryFromMetaLocked builds a payload-less entry for eviction reports.
// Callers hold c.mu.
func (c *Cold) entryFromMetaLocked(key types.Key) *types.Entry {
	meta := c.index[key]
	return &types.Entry{
		Key:            key,
		Codec:          meta.codec,
		CreatedAt:      meta.createdAt,
		TTL:            meta.ttl,
		AccessCount:    meta.accessCount,
		LastAccessedAt: meta.lastAccessedAt,
		Tier:           types.TierCold,
	}
}

// removeMetaLocked drops the index entry. Callers hold c.mu.
func (c *Cold) removeMetaLocked(key types.Key) {
	meta, ok := c.index[key]
	if !ok {
		return
	}
	delete(c.index, key)
	c.usage -= meta.size
}
