package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/searchcache/searchcache/pkg/cacheerr"
)

const recordSuffix = ".rec"

// FSStore keeps one file per key in a flat directory. Writes go through a
// temporary file and an atomic rename so a crash never leaves a partial
// record behind.
type FSStore struct {
	directory string
}

// NewFSStore creates the store directory if needed.
func NewFSStore(directory string) (*FSStore, error) {
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FSStore{directory: directory}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.directory, key+recordSuffix)
}

// Get reads and verifies the record for key.
func (s *FSStore) Get(key string) (*Record, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cacheerr.ErrNotFound
		}
		return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "fs.get", err)
	}
	return DecodeRecord(data)
}

// Put writes the record atomically.
func (s *FSStore) Put(key string, rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "fs.put", err)
	}

	final := s.path(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "fs.put", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "fs.put", err)
	}
	return nil
}

// Delete removes the record for key. Deleting an absent key is not an error.
func (s *FSStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "fs.delete", err)
	}
	return nil
}

// Keys lists every stored key.
func (s *FSStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "fs.keys", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordSuffix))
	}
	return keys, nil
}

// Clear removes every record.
func (s *FSStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the store holds no open handles between calls.
func (s *FSStore) Close() error {
	return nil
}
