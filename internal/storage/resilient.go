package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/searchcache/searchcache/internal/config"
)

// ResilientStore wraps a BlobStore with retry below a circuit breaker, so a
// failing backend degrades the cold tier to always-miss instead of failing
// or stalling lookups.
type ResilientStore struct {
	inner   BlobStore
	breaker *Breaker
	retry   *Retryer
	logger  *slog.Logger
}

// NewResilientStore wires the breaker and retryer around inner.
func NewResilientStore(inner BlobStore, cfg config.StorageConfig, logger *slog.Logger) *ResilientStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ResilientStore{
		inner:  inner,
		retry:  NewRetryer(cfg.Retry),
		logger: logger,
	}
	s.breaker = NewBreaker(cfg.Breaker, func(from, to BreakerState) {
		logger.Warn("cold store breaker state change",
			"from", from.String(),
			"to", to.String())
	})
	return s
}

// Available reports whether the breaker currently admits requests.
func (s *ResilientStore) Available() bool {
	return s.breaker.State() != StateOpen
}

// Get reads a record, retrying transient failures.
func (s *ResilientStore) Get(key string) (*Record, error) {
	var rec *Record
	err := s.breaker.Execute(func() error {
		return s.retry.Do(func() error {
			var err error
			rec, err = s.inner.Get(key)
			return err
		})
	})
	return rec, err
}

// Put writes a record, retrying transient failures.
func (s *ResilientStore) Put(key string, rec *Record) error {
	return s.breaker.Execute(func() error {
		return s.retry.Do(func() error {
			return s.inner.Put(key, rec)
		})
	})
}

// Delete removes a record.
func (s *ResilientStore) Delete(key string) error {
	return s.breaker.Execute(func() error {
		return s.retry.Do(func() error {
			return s.inner.Delete(key)
		})
	})
}

// Keys lists stored keys.
func (s *ResilientStore) Keys() ([]string, error) {
	var keys []string
	err := s.breaker.Execute(func() error {
		return s.retry.Do(func() error {
			var err error
			keys, err = s.inner.Keys()
			return err
		})
	})
	return keys, err
}

// Clear drops every record.
func (s *ResilientStore) Clear() error {
	return s.breaker.Execute(func() error {
		return s.inner.Clear()
	})
}

// Close closes the wrapped store.
func (s *ResilientStore) Close() error {
	return s.inner.Close()
}

// Open builds the configured backend wrapped in a ResilientStore. A "none"
// backend returns nil; the caller runs without a cold tier.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*ResilientStore, error) {
	var (
		inner BlobStore
		err   error
	)
	switch cfg.Backend {
	case "fs":
		inner, err = NewFSStore(cfg.Directory)
	case "badger":
		inner, err = NewBadgerStore(cfg.Directory)
	case "s3":
		inner, err = NewS3Store(ctx, cfg.S3, logger)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewResilientStore(inner, cfg, logger), nil
}
