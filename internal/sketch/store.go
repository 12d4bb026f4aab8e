// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package sketch // import "github.com/telemetryrelay/relay/internal/sketch"

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var digestBucket = []byte("digests")

const lockStripes = 64

// Options configures a Store.
type Options struct {
	// Path is the bbolt file backing the store. Empty means the store is
	// memory-only and lost on restart.
	Path string
	// MemoryCache keeps live digests in memory and writes them back to disk
	// on Flush. When false every merge goes straight to disk.
	MemoryCache bool
	// ExpectedEntries, AvgKeyBytes and AvgValueBytes size the initial mmap of
	// the bbolt file so steady-state ingestion does not remap.
	ExpectedEntries int
	AvgKeyBytes     int
	AvgValueBytes   int
	// Compression is the compression factor for digests created on first
	// merge of a key.
	Compression float64
}

type entry struct {
	mu     sync.Mutex
	key    []byte
	digest *Digest
	dirty  bool
}

// Store maps serialized histogram keys to digests. Merge operations are
// atomic per key; enumeration and removal are safe under concurrent merges.
// The persisted file is the source of truth across restarts, the in-memory
// layer is a write-back cache with an explicit Flush contract.
type Store struct {
	opts   Options
	logger *zap.Logger
	db     *bolt.DB

	mu      sync.RWMutex
	entries map[string]*entry
	deleted map[string]struct{}

	stripes [lockStripes]sync.Mutex
}

// Open creates or reopens a digest store. With a non-empty path, entries
// persisted by a previous process are visible immediately.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	s := &Store{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
		deleted: make(map[string]struct{}),
	}
	if opts.Path == "" {
		// Nothing to persist to; run as a plain in-memory store.
		s.opts.MemoryCache = true
		return s, nil
	}

	boltOpts := *bolt.DefaultOptions
	boltOpts.Timeout = time.Second
	if opts.ExpectedEntries > 0 {
		boltOpts.InitialMmapSize = opts.ExpectedEntries * (opts.AvgKeyBytes + opts.AvgValueBytes)
	}
	db, err := bolt.Open(opts.Path, 0o600, &boltOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open digest store %s: %w", opts.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(digestBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db

	if opts.MemoryCache {
		if err := s.loadAll(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(digestBucket).ForEach(func(k, v []byte) error {
			d := new(Digest)
			if err := d.UnmarshalBinary(v); err != nil {
				s.logger.Warn("dropping unreadable digest entry", zap.Error(err))
				return nil
			}
			key := make([]byte, len(k))
			copy(key, k)
			s.entries[string(key)] = &entry{key: key, digest: d}
			return nil
		})
	})
}

func (s *Store) stripe(key []byte) *sync.Mutex {
	return &s.stripes[xxhash.Sum64(key)%lockStripes]
}

// MergeValue folds a single sample into the digest for key, creating the
// digest on first use.
func (s *Store) MergeValue(key []byte, value float64, weight int) error {
	return s.merge(key, func(d *Digest) { d.Add(value, weight) })
}

// MergeDigest folds a whole digest into the digest for key.
func (s *Store) MergeDigest(key []byte, other *Digest) error {
	return s.merge(key, func(d *Digest) { d.Merge(other) })
}

func (s *Store) merge(key []byte, apply func(*Digest)) error {
	if !s.opts.MemoryCache {
		m := s.stripe(key)
		m.Lock()
		defer m.Unlock()
		return s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(digestBucket)
			d := NewDigest(s.opts.Compression)
			if v := b.Get(key); v != nil {
				if err := d.UnmarshalBinary(v); err != nil {
					return err
				}
			}
			apply(d)
			data, err := d.MarshalBinary()
			if err != nil {
				return err
			}
			return b.Put(key, data)
		})
	}

	e := s.entryFor(key)
	e.mu.Lock()
	apply(e.digest)
	e.dirty = true
	e.mu.Unlock()
	return nil
}

func (s *Store) entryFor(key []byte) *entry {
	s.mu.RLock()
	e, ok := s.entries[string(key)]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[string(key)]; ok {
		return e
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	e = &entry{key: owned, digest: NewDigest(s.opts.Compression)}
	s.entries[string(owned)] = e
	delete(s.deleted, string(owned))
	return e
}

// Keys returns a snapshot of all keys currently present.
func (s *Store) Keys() ([][]byte, error) {
	if !s.opts.MemoryCache {
		var keys [][]byte
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(digestBucket).ForEach(func(k, _ []byte) error {
				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
				return nil
			})
		})
		return keys, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([][]byte, 0, len(s.entries))
	for _, e := range s.entries {
		keys = append(keys, e.key)
	}
	return keys, nil
}

// Remove atomically removes and returns the digest for key, or nil if the
// key is absent. Used by the dispatcher when a bucket closes.
func (s *Store) Remove(key []byte) (*Digest, error) {
	if !s.opts.MemoryCache {
		m := s.stripe(key)
		m.Lock()
		defer m.Unlock()
		var d *Digest
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(digestBucket)
			v := b.Get(key)
			if v == nil {
				return nil
			}
			d = new(Digest)
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			return b.Delete(key)
		})
		return d, err
	}

	s.mu.Lock()
	e, ok := s.entries[string(key)]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	delete(s.entries, string(key))
	if s.db != nil {
		s.deleted[string(key)] = struct{}{}
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.digest, nil
}

// Size returns the number of digests currently held.
func (s *Store) Size() int {
	if !s.opts.MemoryCache {
		n := 0
		_ = s.db.View(func(tx *bolt.Tx) error {
			n = tx.Bucket(digestBucket).Stats().KeyN
			return nil
		})
		return n
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Flush writes dirty cached digests back to the persisted file and applies
// pending deletions. A no-op for memory-only and direct-to-disk stores.
func (s *Store) Flush() error {
	if s.db == nil || !s.opts.MemoryCache {
		return nil
	}

	s.mu.Lock()
	dirty := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		dirty = append(dirty, e)
	}
	deleted := make([][]byte, 0, len(s.deleted))
	for k := range s.deleted {
		deleted = append(deleted, []byte(k))
	}
	s.deleted = make(map[string]struct{})
	s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(digestBucket)
		for _, k := range deleted {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, e := range dirty {
			e.mu.Lock()
			if !e.dirty {
				e.mu.Unlock()
				continue
			}
			data, err := e.digest.MarshalBinary()
			e.dirty = false
			e.mu.Unlock()
			if err != nil {
				return err
			}
			if err := b.Put(e.key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes the cache and closes the underlying file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.Flush(); err != nil {
		s.logger.Error("failed flushing digest store on close", zap.Error(err))
	}
	return s.db.Close()
}
