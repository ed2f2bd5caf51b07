package tier

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchcache/searchcache/pkg/cacheerr"
	"github.com/searchcache/searchcache/pkg/types"
)

// Hot is the uncompressed in-memory tier with strict least-recently-used
// eviction.
type Hot struct {
	mu        sync.Mutex
	budget    uint64
	usage     uint64
	items     map[types.Key]*hotItem
	evictList *list.List
	evictions atomic.Uint64
}

type hotItem struct {
	entry   *types.Entry
	element *list.Element
}

// NewHot creates a hot tier with the given byte budget.
func NewHot(budget uint64) *Hot {
	return &Hot{
		budget:    budget,
		items:     make(map[types.Key]*hotItem),
		evictList: list.New(),
	}
}

// ID implements Tier.
func (h *Hot) ID() types.TierID { return types.TierHot }

// Get returns a copy of the entry and refreshes its LRU position.
func (h *Hot) Get(key types.Key) (*types.Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	item, ok := h.items[key]
	if !ok {
		return nil, false
	}

	now := time.Now()
	if item.entry.Expired(now) {
		h.removeLocked(key)
		return nil, false
	}

	item.entry.Touch(now)
	h.evictList.MoveToFront(item.element)
	return item.entry.Clone(), true
}

// Put inserts or overwrites, evicting from the LRU tail until the entry
// fits.
func (h *Hot) Put(e *types.Entry) (types.EvictionReport, error) {
	var report types.EvictionReport

	if e.Size() > h.budget {
		return report, cacheerr.ErrEntryTooLarge
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.items[e.Key]; ok {
		h.usage -= existing.entry.Size()
		h.evictList.Remove(existing.element)
		delete(h.items, e.Key)
	}

	// Make room before inserting so usage never exceeds the budget.
	for h.usage+e.Size() > h.budget {
		tail := h.evictList.Back()
		if tail == nil {
			break
		}
		victim := tail.Value.(types.Key)
		if entry := h.removeLocked(victim); entry != nil {
			h.evictions.Add(1)
			report.Evicted = append(report.Evicted, entry)
		}
	}

	e.Tier = types.TierHot
	element := h.evictList.PushFront(e.Key)
	h.items[e.Key] = &hotItem{entry: e, element: element}
	h.usage += e.Size()
	return report, nil
}

// Remove deletes and returns the resident entry.
func (h *Hot) Remove(key types.Key) (*types.Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	item, ok := h.items[key]
	if !ok {
		return nil, false
	}
	entry := item.entry
	h.evictList.Remove(item.element)
	delete(h.items, key)
	h.usage -= entry.Size()
	return entry, true
}

// UsageBytes returns the sum of resident payload sizes.
func (h *Hot) UsageBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// Len returns the resident entry count.
func (h *Hot) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Evictions returns the number of capacity evictions so far.
func (h *Hot) Evictions() uint64 {
	return h.evictions.Load()
}

// Clear drops every resident entry.
func (h *Hot) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = make(map[types.Key]*hotItem)
	h.evictList.Init()
	h.usage = 0
}

// ReapExpired examines up to limit entries. Map iteration starts at a
// different offset each call, so successive sweeps cover the whole tier
// regardless of LRU position.
func (h *Hot) ReapExpired(now time.Time, limit int) (removed, examined int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []types.Key
	for key, item := range h.items {
		if examined >= limit {
			break
		}
		examined++
		if item.entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		h.removeLocked(key)
		removed++
	}
	return removed, examined
}

// removeLocked drops key and returns the entry. Callers hold h.mu and
// count capacity evictions themselves; expiry removals are not evictions.
func (h *Hot) removeLocked(key types.Key) *types.Entry {
	item, ok := h.items[key]
	if !ok {
		return nil
	}
	h.evictList.Remove(item.element)
	delete(h.items, key)
	h.usage -= item.entry.Size()
	return item.entry
}
