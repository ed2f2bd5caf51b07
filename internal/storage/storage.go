// Package storage provides the cold tier's persistence backends.
//
// A BlobStore holds one record per key, content-addressed by the key's hex
// form. Records are self-describing: the codec that encoded the payload is
// embedded in the record, so a store written under one codec configuration
// stays readable after the configuration changes.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/searchcache/searchcache/pkg/cacheerr"
)

// Record is the persisted form of a cold-tier entry.
type Record struct {
	CodecID        uint8         `json:"codec_id"`
	Payload        []byte        `json:"payload"`
	Checksum       string        `json:"checksum"`
	CreatedAt      time.Time     `json:"created_at"`
	TTL            time.Duration `json:"ttl"`
	AccessCount    uint64        `json:"access_count"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
}

// BlobStore persists one record per key.
type BlobStore interface {
	Get(key string) (*Record, error)
	Put(key string, rec *Record) error
	Delete(key string) error
	Keys() ([]string, error)
	Clear() error
	Close() error
}

// Seal computes and stores the payload checksum. Call before Put.
func (r *Record) Seal() {
	sum := sha256.Sum256(r.Payload)
	r.Checksum = hex.EncodeToString(sum[:])
}

// Verify reports whether the payload still matches its checksum.
func (r *Record) Verify() bool {
	sum := sha256.Sum256(r.Payload)
	return hex.EncodeToString(sum[:]) == r.Checksum
}

// EncodeRecord serializes a record for storage.
func EncodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

// DecodeRecord deserializes and verifies a stored record. Any decode or
// checksum failure is reported as a corrupt entry.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CodeCorruptEntry, "storage.decode", err)
	}
	if !rec.Verify() {
		return nil, cacheerr.New(cacheerr.CodeCorruptEntry, "storage.decode",
			"record checksum mismatch")
	}
	return &rec, nil
}
