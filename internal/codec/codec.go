// Package codec provides the pluggable payload compression chain.
//
// Codecs are registered once at startup in a fixed priority order, fastest
// and least-compressing first. The codec that encoded a payload is recorded
// next to it as a CodecID, so decompression never depends on the currently
// configured codec: changing the active codec cannot break reads of
// previously written entries.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/searchcache/searchcache/pkg/cacheerr"
)

// ID identifies a codec on the wire. Values are persisted in cold-tier
// records and must never be renumbered.
type ID uint8

const (
	// Identity stores the payload uncompressed. Used by the hot tier.
	Identity ID = 0
	// Snappy is the fast, least-compressing rung.
	Snappy ID = 1
	// Gzip is the balanced rung.
	Gzip ID = 2
	// Zstd is the high-ratio, slowest rung.
	Zstd ID = 3
)

// String returns the codec name as used in configuration.
func (id ID) String() string {
	switch id {
	case Identity:
		return "identity"
	case Snappy:
		return "snappy"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(id))
	}
}

// Codec compresses and decompresses payloads.
type Codec interface {
	ID() ID
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Registry holds the available codecs and the active one chosen at startup.
type Registry struct {
	byID   map[ID]Codec
	chain  []Codec
	active Codec
}

// NewRegistry builds the codec chain and activates the codec named in
// configuration. An empty or unknown name falls back to the first codec in
// priority order.
func NewRegistry(preferred string) (*Registry, error) {
	zc, err := newZstdCodec()
	if err != nil {
		return nil, fmt.Errorf("init zstd codec: %w", err)
	}

	// Priority order: fastest first, most-compressing last.
	chain := []Codec{
		snappyCodec{},
		gzipCodec{},
		zc,
	}

	r := &Registry{
		byID:  make(map[ID]Codec, len(chain)+1),
		chain: chain,
	}
	r.byID[Identity] = identityCodec{}
	for _, c := range chain {
		r.byID[c.ID()] = c
	}

	r.active = chain[0]
	for _, c := range chain {
		if c.ID().String() == preferred {
			r.active = c
			break
		}
	}
	return r, nil
}

// Active returns the codec used for new writes.
func (r *Registry) Active() Codec {
	return r.active
}

// Lookup resolves a codec by its persisted ID.
func (r *Registry) Lookup(id ID) (Codec, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Compress encodes src with the active codec and returns the ID to store
// alongside the payload.
func (r *Registry) Compress(src []byte) (ID, []byte, error) {
	out, err := r.active.Compress(src)
	if err != nil {
		return Identity, nil, err
	}
	return r.active.ID(), out, nil
}

// Decompress decodes a payload by its stored ID. An unknown ID or a failed
// decode is a corrupt entry: the caller treats it as a miss and evicts the
// record, never surfacing the failure.
func (r *Registry) Decompress(id ID, src []byte) ([]byte, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, cacheerr.Wrap(cacheerr.CodeCorruptEntry, "codec.decompress",
			fmt.Errorf("unknown codec id %d", uint8(id)))
	}
	out, err := c.Decompress(src)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.CodeCorruptEntry, "codec.decompress", err)
	}
	return out, nil
}

type identityCodec struct{}

func (identityCodec) ID() ID { return Identity }

func (identityCodec) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (identityCodec) Decompress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) ID() ID { return Snappy }

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

type gzipCodec struct{}

func (gzipCodec) ID() ID { return Gzip }

func (gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// zstdCodec reuses one encoder and one decoder; EncodeAll/DecodeAll are
// safe for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) ID() ID { return Zstd }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}
