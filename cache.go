// Package searchcache is a tiered result cache for search backends. A
// lookup probes an uncompressed hot tier, a compressed warm tier, and a
// persisted cold tier before running the caller's fill function, with
// adaptive promotion and demotion between the tiers.
package searchcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/searchcache/searchcache/internal/codec"
	"github.com/searchcache/searchcache/internal/config"
	"github.com/searchcache/searchcache/internal/keys"
	"github.com/searchcache/searchcache/internal/stats"
	"github.com/searchcache/searchcache/internal/storage"
	"github.com/searchcache/searchcache/internal/tier"
	"github.com/searchcache/searchcache/pkg/cacheerr"
	"github.com/searchcache/searchcache/pkg/types"
)

// FillFunc computes the value for a key the cache does not hold. It runs
// outside every tier lock; its error is propagated to the caller verbatim
// and nothing is cached.
type FillFunc func(ctx context.Context) ([]byte, error)

// Option adjusts construction of a Cache.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	blobStore  storage.BlobStore
	registerer prometheus.Registerer
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBlobStore injects a cold-tier store, overriding the configured
// backend.
func WithBlobStore(store storage.BlobStore) Option {
	return func(o *options) { o.blobStore = store }
}

// WithRegisterer registers the Prometheus exporter with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Cache is the caller-facing facade over the three tiers. One instance is
// built at startup and shared; all methods are safe for concurrent use.
type Cache struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *codec.Registry

	hot  *tier.Hot
	warm *tier.Warm
	cold *tier.Cold

	stats    *stats.Collector
	migrator *migrator
	group    singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds a cache from cfg. A disabled cache passes every call to the
// fill function and never touches storage.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Cache, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Cache{
		cfg:    cfg,
		logger: o.logger,
		stats:  stats.NewCollector(cfg.HotKeyTopN),
	}
	if !cfg.Enabled {
		c.logger.Info("cache disabled, lookups pass through")
		return c, nil
	}

	registry, err := codec.NewRegistry(cfg.Codec)
	if err != nil {
		return nil, err
	}
	c.registry = registry

	c.hot = tier.NewHot(cfg.HotBudgetBytes)
	c.warm = tier.NewWarm(cfg.WarmBudgetBytes, cfg.WarmFrequencyWeight, cfg.WarmRecencyWeight)

	if cfg.ColdBudgetBytes > 0 {
		store, err := c.openColdStore(ctx, o.blobStore)
		if err != nil {
			return nil, err
		}
		if store != nil {
			c.cold = tier.NewCold(cfg.ColdBudgetBytes, store, o.logger)
		}
	}

	c.migrator = newMigrator(c.hot, c.warm, c.cold, registry, c.stats, o.logger,
		cfg.PromotionThreshold, cfg.PromotionWindow, cfg.MigrationQueueSize)

	registerer := o.registerer
	if registerer == nil && cfg.Metrics.Enabled {
		registerer = prometheus.DefaultRegisterer
	}
	if registerer != nil {
		exporter := stats.NewExporter(c.stats, c.tierDims, cfg.Metrics.Namespace)
		if err := registerer.Register(exporter); err != nil {
			return nil, err
		}
	}

	bg, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.migrator.run(bg)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		newReaper(c.tiers(), cfg.ReaperInterval, cfg.ReaperBatchSize, o.logger).run(bg)
	}()

	c.logger.Info("cache ready",
		"codec", registry.Active().ID().String(),
		"hot_budget", cfg.HotBudgetBytes,
		"warm_budget", cfg.WarmBudgetBytes,
		"cold_budget", cfg.ColdBudgetBytes,
		"cold_backend", cfg.Storage.Backend)
	return c, nil
}

func (c *Cache) openColdStore(ctx context.Context, injected storage.BlobStore) (*storage.ResilientStore, error) {
	if injected != nil {
		return storage.NewResilientStore(injected, c.cfg.Storage, c.logger), nil
	}
	return storage.Open(ctx, c.cfg.Storage, c.logger)
}

func (c *Cache) tiers() []tier.Tier {
	tiers := []tier.Tier{c.hot, c.warm}
	if c.cold != nil {
		tiers = append(tiers, c.cold)
	}
	return tiers
}

// GetOrCompute returns the cached payload for params, running fill on a
// miss. A non-positive ttl uses the configured default. Concurrent misses
// for the same key coalesce onto one fill.
func (c *Cache) GetOrCompute(ctx context.Context, params Params, ttl time.Duration, fill FillFunc) ([]byte, error) {
	if !c.cfg.Enabled {
		return fill(ctx)
	}
	if c.closed.Load() {
		return nil, cacheerr.ErrClosed
	}

	key := keys.Derive(params)
	start := time.Now()

	if payload, ok := c.lookup(key, start); ok {
		return payload, nil
	}

	// The fill attempt counts as a miss whether or not it succeeds, so an
	// erroring backend still shows up in the hit rate.
	payload, err := c.coalescedFill(ctx, key, ttl, fill)
	c.stats.RecordFill(time.Since(start))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// lookup probes the tiers top down. A warm or cold hit is returned
// decompressed and signals the migrator.
func (c *Cache) lookup(key types.Key, start time.Time) ([]byte, bool) {
	if e, ok := c.hot.Get(key); ok {
		c.stats.RecordHit(types.TierHot, time.Since(start))
		c.stats.RecordAccess(key)
		return e.Payload, true
	}
	c.stats.RecordMiss(types.TierHot)

	if e, ok := c.warm.Get(key); ok {
		if raw, err := c.registry.Decompress(codec.ID(e.Codec), e.Payload); err == nil {
			c.stats.RecordHit(types.TierWarm, time.Since(start))
			c.stats.RecordAccess(key)
			c.migrator.NoteHit(key, types.TierWarm)
			return raw, true
		}
		// Undecodable payloads are a miss, and the entry goes away.
		c.warm.Remove(key)
		c.logger.Warn("dropped corrupt warm entry", "key", key.String())
	}
	c.stats.RecordMiss(types.TierWarm)

	if c.cold != nil {
		if e, ok := c.cold.Get(key); ok {
			if raw, err := c.registry.Decompress(codec.ID(e.Codec), e.Payload); err == nil {
				c.stats.RecordHit(types.TierCold, time.Since(start))
				c.stats.RecordAccess(key)
				c.migrator.NoteHit(key, types.TierCold)
				return raw, true
			}
			c.cold.Remove(key)
			c.logger.Warn("dropped corrupt cold entry", "key", key.String())
		}
		c.stats.RecordMiss(types.TierCold)
	}
	return nil, false
}

// coalescedFill runs at most one fill per in-flight key. When the shared
// result is the leader's cancellation, a waiter whose own context is
// still live re-attempts the fill itself instead of inheriting the
// failure.
func (c *Cache) coalescedFill(ctx context.Context, key types.Key, ttl time.Duration, fill FillFunc) ([]byte, error) {
	name := key.String()
	result, err, shared := c.group.Do(name, func() (interface{}, error) {
		return c.runFill(ctx, key, ttl, fill)
	})
	if err != nil {
		if shared && isCancellation(err) && ctx.Err() == nil {
			return c.runFill(ctx, key, ttl, fill)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runFill invokes fill and admits the result into the hot tier. Fill
// errors propagate verbatim; admission errors do not, the value is simply
// not cached.
func (c *Cache) runFill(ctx context.Context, key types.Key, ttl time.Duration, fill FillFunc) ([]byte, error) {
	payload, err := fill(ctx)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()
	entry := &types.Entry{
		Key:            key,
		Payload:        payload,
		Codec:          uint8(codec.Identity),
		CreatedAt:      now,
		TTL:            ttl,
		AccessCount:    1,
		LastAccessedAt: now,
	}

	report, err := c.hot.Put(entry.Clone())
	if err != nil {
		c.logger.Debug("fill result not cached", "key", key.String(), "error", err)
		return payload, nil
	}
	c.stats.RecordAccess(key)
	c.migrator.NoteEvictions(report, types.TierHot)
	return payload, nil
}

// Invalidate removes the entry for params from every tier. It reports
// whether anything was removed.
func (c *Cache) Invalidate(params Params) bool {
	if !c.cfg.Enabled || c.closed.Load() {
		return false
	}

	key := keys.Derive(params)
	_, inHot := c.hot.Remove(key)
	_, inWarm := c.warm.Remove(key)
	inCold := false
	if c.cold != nil {
		_, inCold = c.cold.Remove(key)
	}
	c.migrator.Forget(key)
	return inHot || inWarm || inCold
}

// ClearAll empties every tier, including persisted cold records.
func (c *Cache) ClearAll() {
	if !c.cfg.Enabled || c.closed.Load() {
		return
	}
	c.hot.Clear()
	c.warm.Clear()
	if c.cold != nil {
		c.cold.Clear()
	}
	c.migrator.Reset()
	c.logger.Info("cache cleared")
}

func (c *Cache) tierDims() []stats.TierDims {
	dims := []stats.TierDims{
		{
			ID:          types.TierHot,
			Entries:     c.hot.Len(),
			UsageBytes:  c.hot.UsageBytes(),
			BudgetBytes: c.cfg.HotBudgetBytes,
			Evictions:   c.hot.Evictions(),
		},
		{
			ID:          types.TierWarm,
			Entries:     c.warm.Len(),
			UsageBytes:  c.warm.UsageBytes(),
			BudgetBytes: c.cfg.WarmBudgetBytes,
			Evictions:   c.warm.Evictions(),
		},
	}
	if c.cold != nil {
		dims = append(dims, stats.TierDims{
			ID:          types.TierCold,
			Entries:     c.cold.Len(),
			UsageBytes:  c.cold.UsageBytes(),
			BudgetBytes: c.cfg.ColdBudgetBytes,
			Evictions:   c.cold.Evictions(),
		})
	}
	return dims
}

// Stats returns a point-in-time snapshot of counters and residency.
func (c *Cache) Stats() types.Snapshot {
	if !c.cfg.Enabled {
		return types.Snapshot{}
	}
	return c.stats.Snapshot(c.tierDims())
}

// Close stops the background workers and closes the cold store. Lookups
// after Close fail with ErrClosed.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.cfg.Enabled {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	if c.cold != nil {
		return c.cold.Close()
	}
	return nil
}
