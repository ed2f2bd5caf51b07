package storage

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/searchcache/searchcache/pkg/cacheerr"
)

// BadgerStore persists records in an embedded BadgerDB. Better suited than
// the flat-file store for cold tiers holding many small records, since
// records share a log-structured value store instead of one file each.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database under directory.
func NewBadgerStore(directory string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(directory).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get reads and verifies the record for key.
func (s *BadgerStore) Get(key string) (*Record, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, cacheerr.ErrNotFound
		}
		return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "badger.get", err)
	}
	return DecodeRecord(data)
}

// Put writes the record for key.
func (s *BadgerStore) Put(key string, rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "badger.put", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "badger.put", err)
	}
	return nil
}

// Delete removes the record for key. Absent keys are not an error.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "badger.delete", err)
	}
	return nil
}

// Keys lists every stored key without touching values.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "badger.keys", err)
	}
	return keys, nil
}

// Clear drops every record.
func (s *BadgerStore) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "badger.clear", err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
