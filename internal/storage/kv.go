// Package storage persists DS blocks, final blocks and transaction bodies
// behind a typed key/value surface backed by Pebble.
package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// walSyncInterval is the interval between background WAL syncs.
	walSyncInterval = 100 * time.Millisecond
)

// kv is a thin Pebble wrapper. Writes are non-blocking (NoSync) and a
// background goroutine periodically syncs the WAL for durability.
type kv struct {
	db       *pebble.DB
	stopSync chan struct{}
	wg       sync.WaitGroup
}

// openKV opens (or creates) a Pebble database at path.
func openKV(path string) (*kv, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &kv{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.syncLoop()

	return s, nil
}

// get retrieves the value for key. Returns nil if the key does not exist.
func (s *kv) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// set stores a key-value pair; the WAL is synced by the background loop.
func (s *kv) set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// delete removes a key.
func (s *kv) delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// deletePrefix removes every key with the given prefix in one range
// deletion.
func (s *kv) deletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		// Prefix is all 0xFF; fall back to iterating.
		return s.iteratePrefix(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			return s.db.Delete(k, pebble.NoSync)
		})
	}

	return s.db.DeleteRange(prefix, upper, pebble.NoSync)
}

// iteratePrefix calls fn for each pair with the given prefix, in
// lexicographic key order.
func (s *kv) iteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil
}

// close stops the sync goroutine, syncs once more, and closes the database.
func (s *kv) close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return err
	}

	return s.db.Close()
}

// syncLoop periodically syncs the WAL to disk.
func (s *kv) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(walSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.LogData(nil, pebble.Sync)
		case <-s.stopSync:
			return
		}
	}
}
