// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memo provides lazily computed, memoized values keyed by input
// fingerprints.
//
// A Cell computes its value at most once per process when the computation
// succeeds. Concurrent first calls are collapsed with singleflight. When the
// owning Memo has a Store, values are read through and written back as JSON,
// so a result computed by an earlier process is reused.
//
// Errors are never memoized: a failed or cancelled computation is retried on
// the next call.
package memo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store persists encoded values by key.
type Store interface {
	// Get returns the value for key. found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) error
}

// MemoryStore is an in-process Store.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// -----------------------------------------------------------------------------
// Memo
// -----------------------------------------------------------------------------

// Stats counts cell resolutions.
type Stats struct {
	// Computes is the number of computations that ran.
	Computes int64

	// StoreHits is the number of values decoded from the Store.
	StoreHits int64
}

// Memo owns the shared singleflight group and optional Store of its cells.
//
// Thread Safety: Safe for concurrent use.
type Memo struct {
	store  Store
	logger *slog.Logger
	flight singleflight.Group

	computes  atomic.Int64
	storeHits atomic.Int64
}

// New creates a Memo. store and logger may be nil.
func New(store Store, logger *slog.Logger) *Memo {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Memo{store: store, logger: logger}
}

// Stats returns a snapshot of the counters.
func (m *Memo) Stats() Stats {
	return Stats{Computes: m.computes.Load(), StoreHits: m.storeHits.Load()}
}

// Cell is one lazily computed value.
//
// Thread Safety: Safe for concurrent use.
type Cell[T any] struct {
	memo    *Memo
	key     string
	compute func(ctx context.Context) (T, error)

	mu    sync.RWMutex
	done  bool
	value T
}

// NewCell creates a cell resolved by compute under key.
func NewCell[T any](m *Memo, key string, compute func(ctx context.Context) (T, error)) *Cell[T] {
	return &Cell[T]{memo: m, key: key, compute: compute}
}

// Key returns the cell key.
func (c *Cell[T]) Key() string { return c.key }

// Get returns the value, computing it on first use.
//
// Description:
//
//	Fast path: a resolved cell returns its value. Otherwise the call joins
//	the singleflight for the key, which consults the Store, computes on a
//	miss and writes the encoded value back. Store failures are logged and
//	treated as misses.
//
// Outputs:
//   - T: The value.
//   - error: The computation error, not memoized.
func (c *Cell[T]) Get(ctx context.Context) (T, error) {
	c.mu.RLock()
	if c.done {
		v := c.value
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	out, err, _ := c.memo.flight.Do(c.key, func() (any, error) {
		c.mu.RLock()
		if c.done {
			v := c.value
			c.mu.RUnlock()
			return v, nil
		}
		c.mu.RUnlock()

		if v, ok := c.load(ctx); ok {
			c.resolve(v)
			return v, nil
		}

		v, err := c.compute(ctx)
		if err != nil {
			return v, err
		}
		c.memo.computes.Add(1)
		c.save(ctx, v)
		c.resolve(v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v := out.(T)
	if !c.Resolved() {
		c.resolve(v)
	}
	return v, nil
}

// Resolved reports whether the value is available without computation.
func (c *Cell[T]) Resolved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

func (c *Cell[T]) resolve(v T) {
	c.mu.Lock()
	c.value = v
	c.done = true
	c.mu.Unlock()
}

func (c *Cell[T]) load(ctx context.Context) (T, bool) {
	var zero T
	if c.memo.store == nil {
		return zero, false
	}
	data, found, err := c.memo.store.Get(ctx, c.key)
	if err != nil {
		c.memo.logger.Warn("memo store read failed", "key", c.key, "error", err)
		return zero, false
	}
	if !found {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.memo.logger.Warn("memo store entry undecodable", "key", c.key, "error", err)
		return zero, false
	}
	c.memo.storeHits.Add(1)
	return v, true
}

func (c *Cell[T]) save(ctx context.Context, v T) {
	if c.memo.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.memo.logger.Warn("memo value not encodable", "key", c.key, "error", err)
		return
	}
	if err := c.memo.store.Put(ctx, c.key, data); err != nil {
		c.memo.logger.Warn("memo store write failed", "key", c.key, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Fingerprints
// -----------------------------------------------------------------------------

// Fingerprint returns the hex SHA-256 of the JSON encoding of parts.
func Fingerprint(parts ...any) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("fingerprint part %d: %w", i, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key joins a namespace and fingerprint into a cell key.
func Key(namespace, fingerprint string) string {
	return namespace + ":" + fingerprint
}
