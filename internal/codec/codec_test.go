package codec

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/searchcache/searchcache/pkg/cacheerr"
)

func testPayloads() map[string][]byte {
	random := make([]byte, 64*1024)
	rand.New(rand.NewSource(42)).Read(random)

	return map[string][]byte{
		"empty":   {},
		"single":  {0x7f},
		"text":    bytes.Repeat([]byte("search result payload "), 512),
		"zeros":   make([]byte, 32*1024),
		"random":  random,
		"unicode": []byte("天气预报 погода météo"),
	}
}

// TestRoundTripAllCodecs verifies decompress(compress(x)) == x for every
// registered codec, including empty payloads.
func TestRoundTripAllCodecs(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, id := range []ID{Identity, Snappy, Gzip, Zstd} {
		c, ok := r.Lookup(id)
		if !ok {
			t.Fatalf("codec %s not registered", id)
		}
		for name, payload := range testPayloads() {
			t.Run(id.String()+"/"+name, func(t *testing.T) {
				compressed, err := c.Compress(payload)
				if err != nil {
					t.Fatalf("compress: %v", err)
				}
				restored, err := c.Decompress(compressed)
				if err != nil {
					t.Fatalf("decompress: %v", err)
				}
				if !bytes.Equal(restored, payload) {
					t.Fatalf("round trip mismatch: got %d bytes, want %d", len(restored), len(payload))
				}
			})
		}
	}
}

// TestRegistrySelection verifies the configured name wins and unknown names
// fall back to the fastest codec.
func TestRegistrySelection(t *testing.T) {
	tests := []struct {
		preferred string
		want      ID
	}{
		{"", Snappy},
		{"snappy", Snappy},
		{"gzip", Gzip},
		{"zstd", Zstd},
		{"lz77-turbo", Snappy},
	}

	for _, tt := range tests {
		r, err := NewRegistry(tt.preferred)
		if err != nil {
			t.Fatalf("NewRegistry(%q): %v", tt.preferred, err)
		}
		if got := r.Active().ID(); got != tt.want {
			t.Errorf("NewRegistry(%q): active = %s, want %s", tt.preferred, got, tt.want)
		}
	}
}

// TestDecompressStoredID verifies old payloads stay readable after the
// active codec changes.
func TestDecompressStoredID(t *testing.T) {
	writer, err := NewRegistry("zstd")
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("persisted before codec change "), 100)
	id, compressed, err := writer.Compress(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if id != Zstd {
		t.Fatalf("expected zstd write, got %s", id)
	}

	// A later process configured for snappy must still read the record.
	reader, err := NewRegistry("snappy")
	if err != nil {
		t.Fatal(err)
	}
	restored, err := reader.Decompress(id, compressed)
	if err != nil {
		t.Fatalf("decompress with stored id: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Fatal("payload mismatch after codec switch")
	}
}

// TestDecompressCorrupt verifies corrupt payloads and unknown codec IDs
// surface as ErrCorruptEntry, never as a raw codec error.
func TestDecompressCorrupt(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02}
	for _, id := range []ID{Snappy, Gzip, Zstd} {
		if _, err := r.Decompress(id, garbage); !errors.Is(err, cacheerr.ErrCorruptEntry) {
			t.Errorf("%s: corrupt payload error = %v, want ErrCorruptEntry", id, err)
		}
	}

	if _, err := r.Decompress(ID(250), []byte("x")); !errors.Is(err, cacheerr.ErrCorruptEntry) {
		t.Errorf("unknown id error = %v, want ErrCorruptEntry", err)
	}
}

func BenchmarkCompress(b *testing.B) {
	payload := bytes.Repeat([]byte(`{"title":"result","url":"https://example.com","snippet":"..."}`), 256)
	for _, name := range []string{"snappy", "gzip", "zstd"} {
		r, err := NewRegistry(name)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(name, func(b *testing.B) {
			b.SetBytes(int64(len(payload)))
			for i := 0; i < b.N; i++ {
				if _, _, err := r.Compress(payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
