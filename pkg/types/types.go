// Package types defines the shared value types of the cache engine.
package types

import (
	"encoding/hex"
	"time"
)

// TierID identifies the tier an entry currently resides in.
type TierID int

const (
	TierHot TierID = iota
	TierWarm
	TierCold
)

// String returns the tier name used in stats and logs.
func (t TierID) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Key is a fixed-width cache key derived from the full parameter set of a
// query. Keys are immutable and have no lifecycle of their own.
type Key [32]byte

// String returns the hex form of the key, used for content addressing,
// fill coalescing, and hot-key tracking.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Entry is the unit stored in every tier. The payload is raw in the hot
// tier and compressed (tagged with Codec) in the warm and cold tiers.
type Entry struct {
	Key            Key
	Payload        []byte
	Codec          uint8
	CreatedAt      time.Time
	TTL            time.Duration
	AccessCount    uint64
	LastAccessedAt time.Time
	Tier           TierID
}

// Size returns the payload size counted against a tier's byte budget.
func (e *Entry) Size() uint64 {
	return uint64(len(e.Payload))
}

// ExpiresAt returns the authoritative expiry instant.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its expiry instant. A zero TTL
// means the entry never expires.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.ExpiresAt())
}

// Touch records an access. AccessCount and LastAccessedAt only ever move
// forward while the entry exists.
func (e *Entry) Touch(now time.Time) {
	e.AccessCount++
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
}

// Clone returns a deep copy so callers never share payload memory with a
// tier's resident entry.
func (e *Entry) Clone() *Entry {
	dup := *e
	dup.Payload = make([]byte, len(e.Payload))
	copy(dup.Payload, e.Payload)
	return &dup
}

// EvictionReport lists the entries a Put displaced to stay within the
// tier's byte budget. The migrator uses it to demote instead of discard.
type EvictionReport struct {
	Evicted []*Entry
}

// TierStats is the per-tier view inside a Snapshot.
type TierStats struct {
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Entries     int           `json:"entries"`
	UsageBytes  uint64        `json:"usage_bytes"`
	BudgetBytes uint64        `json:"budget_bytes"`
	AvgLatency  time.Duration `json:"avg_latency"`
	P99Latency  time.Duration `json:"p99_latency"`
}

// CompressionStats reports how much the codec chain is saving.
type CompressionStats struct {
	UncompressedBytes uint64  `json:"uncompressed_bytes"`
	CompressedBytes   uint64  `json:"compressed_bytes"`
	Ratio             float64 `json:"ratio"`
}

// Snapshot is a point-in-time statistics view. It is assembled from
// per-counter atomics; cross-tier consistency is not guaranteed.
type Snapshot struct {
	Hits              uint64               `json:"hits"`
	Misses            uint64               `json:"misses"`
	HitRate           float64              `json:"hit_rate"`
	AvgLatencyMS      float64              `json:"avg_latency_ms"`
	PerTier           map[string]TierStats `json:"per_tier"`
	PerTierUsageBytes map[string]uint64    `json:"per_tier_usage_bytes"`
	HotKeys           []string             `json:"hot_keys"`
	Compression       CompressionStats     `json:"compression"`
}
