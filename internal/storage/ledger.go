// Package storage persists inference transcripts.
//
// Transcripts are written as JSON files under the configured directory and
// indexed in a Pebble ledger that also holds the conversation counter.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Ledger is a key-value index backed by Pebble.
// Writes are NoSync; a background goroutine syncs the WAL periodically.
type Ledger struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// OpenLedger opens or creates a ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize:                4 << 20,                  // 4 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s:\n%w", path, err)
	}

	l := &Ledger{
		db:       db,
		stopSync: make(chan struct{}),
	}

	l.startSyncLoop()

	return l, nil
}

// Get returns the value for key, or nil if absent.
func (l *Ledger) Get(key []byte) ([]byte, error) {
	value, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
func (l *Ledger) Set(key, value []byte) error {
	return l.db.Set(key, value, pebble.NoSync)
}

// IteratePrefix calls fn for each pair whose key starts with prefix, in key order.
// Iteration stops at the first error returned by fn.
func (l *Ledger) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
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

// prefixUpperBound returns the exclusive upper bound for a prefix scan,
// or nil when the prefix is all 0xFF.
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

// Close stops the sync loop, syncs once more and closes the database.
func (l *Ledger) Close() error {
	close(l.stopSync)
	l.wg.Wait()

	if err := l.sync(); err != nil {
		return err
	}

	return l.db.Close()
}

// startSyncLoop syncs the WAL every defaultSyncInterval until Close.
func (l *Ledger) startSyncLoop() {
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = l.sync()
			case <-l.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (l *Ledger) sync() error {
	return l.db.LogData(nil, pebble.Sync)
}
