// Package tier implements the hot, warm, and cold storage tiers.
//
// Tiers share one contract: a bounded key -> entry store with its own byte
// budget and eviction order. A key resides in at most one tier at a time;
// moving an entry between tiers is a remove from the source followed by a
// put into the destination, driven by the migrator.
package tier

import (
	"time"

	"github.com/searchcache/searchcache/pkg/types"
)

// Tier is the contract shared by the hot, warm, and cold tiers.
type Tier interface {
	ID() types.TierID

	// Get returns a copy of the resident entry. An expired entry found
	// during lookup is removed and reported as a miss.
	Get(key types.Key) (*types.Entry, bool)

	// Put inserts or overwrites an entry, evicting lowest-priority
	// residents first if the insert would exceed the byte budget. The
	// report lists what was displaced so the migrator can demote rather
	// than discard. An entry larger than the whole budget is rejected.
	Put(e *types.Entry) (types.EvictionReport, error)

	// Remove deletes and returns the resident entry.
	Remove(key types.Key) (*types.Entry, bool)

	UsageBytes() uint64
	Len() int
	Evictions() uint64
	Clear()

	// ReapExpired examines up to limit resident entries and removes the
	// expired ones, releasing the tier lock when it returns. The reaper
	// calls it repeatedly so no single call starves readers.
	ReapExpired(now time.Time, limit int) (removed, examined int)
}
