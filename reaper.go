package searchcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/searchcache/searchcache/internal/tier"
)

// reaper sweeps expired entries out of every tier on a fixed schedule.
// Each sweep works in bounded batches so a tier lock is never held for a
// full scan.
type reaper struct {
	tiers     []tier.Tier
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func newReaper(tiers []tier.Tier, interval time.Duration, batchSize int, logger *slog.Logger) *reaper {
	return &reaper{
		tiers:     tiers,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// run sweeps on every tick until ctx is cancelled.
func (r *reaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, time.Now())
		}
	}
}

// sweep walks each tier in batches. A batch that comes back short means
// the tier had nothing more to examine this tick.
func (r *reaper) sweep(ctx context.Context, now time.Time) {
	for _, t := range r.tiers {
		var totalRemoved, totalExamined int

		// Cap the passes so concurrent inserts cannot extend a sweep
		// indefinitely.
		maxPasses := t.Len()/r.batchSize + 1
		for pass := 0; pass < maxPasses; pass++ {
			if ctx.Err() != nil {
				return
			}
			removed, examined := t.ReapExpired(now, r.batchSize)
			totalRemoved += removed
			totalExamined += examined
			if examined < r.batchSize {
				break
			}
		}

		if totalRemoved > 0 {
			r.logger.Debug("reaped expired entries",
				"tier", t.ID().String(),
				"removed", totalRemoved,
				"examined", totalExamined)
		}
	}
}
