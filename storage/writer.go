package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fincaskv/err_def"
)

// Writer is the single mutable path into a data directory: it owns the
// active segment, appends encoded records to it, and keeps the shared
// Index up to date. A data directory has exactly one Writer; every
// Engine clone shares it.
type Writer struct {
	dir   string
	index *Index
	sp    *safePoint

	mu     sync.Mutex
	active *Segment
	nextID uint64

	staleBytes atomic.Int64
	threshold  int64

	syncEvery  time.Duration
	alwaysSync bool

	// onCompact, if set, runs after a successful compaction pass while
	// still holding w.mu. The engine uses it to rebuild the Bloom filter
	// from the post-compaction index, since compaction is the one point
	// where the set of live keys is known to be exactly what survived.
	onCompact func()

	// onSet, if set, runs after every successful Set with the written
	// key, outside w.mu. The engine uses it to keep the Bloom filter
	// current: without this, a key set after Open (and before the next
	// compaction) would be invisible to the filter and Get would treat
	// it as a definite miss without ever consulting the index.
	onSet func(key string)
}

// newWriter opens (or creates) the segment activeID in dir as the
// active segment and returns a Writer positioned to append after
// whatever it already holds.
func newWriter(dir string, index *Index, sp *safePoint, activeID uint64, opts *Options) (*Writer, error) {
	seg, err := OpenSegment(dir, activeID)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		dir:        dir,
		index:      index,
		sp:         sp,
		active:     seg,
		nextID:     activeID + 1,
		threshold:  opts.CompactionThreshold,
		syncEvery:  opts.SyncInterval,
		alwaysSync: opts.SyncPolicy == SyncAlways,
	}
	return w, nil
}

// Set appends a Set record for key/value and repoints the index at it,
// crediting any locator it replaced to the stale-byte counter.
func (w *Writer) Set(key, value string) error {
	if len(key) == 0 {
		return err_def.ErrEmptyKey
	}

	rec := &Record{
		Timestamp: time.Now().UnixNano(),
		Flags:     FlagSet,
		Key:       []byte(key),
		Value:     []byte(value),
	}
	encoded, err := Encode(rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	loc, err := w.appendLocked(encoded)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	old, existed := w.index.Put(key, loc)
	w.mu.Unlock()

	if w.onSet != nil {
		w.onSet(key)
	}

	if existed {
		w.staleBytes.Add(old.Length)
	}
	w.maybeCompact()
	return nil
}

// Remove appends a tombstone for key and deletes it from the index,
// returning err_def.ErrKeyNotFound if the key is already absent. The
// presence check and the delete happen under the same w.mu hold, so
// two concurrent Remove calls for the same key can never both observe
// it present: the second one always sees the first's delete.
func (w *Writer) Remove(key string) error {
	if len(key) == 0 {
		return err_def.ErrEmptyKey
	}

	rec := &Record{
		Timestamp: time.Now().UnixNano(),
		Flags:     FlagRemove,
		Key:       []byte(key),
	}
	encoded, err := Encode(rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if _, ok := w.index.Get(key); !ok {
		w.mu.Unlock()
		return err_def.ErrKeyNotFound
	}
	loc, err := w.appendLocked(encoded)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	old, existed := w.index.Delete(key)
	w.mu.Unlock()

	w.staleBytes.Add(loc.Length)
	if existed {
		w.staleBytes.Add(old.Length)
	}
	w.maybeCompact()
	return nil
}

// appendLocked writes encoded to the active segment. Segments are
// otherwise unbounded in size; rotation only happens as a side effect
// of compaction, never on size alone.
func (w *Writer) appendLocked(encoded []byte) (Locator, error) {
	loc, err := w.active.Append(encoded)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", err_def.ErrWriteFailed, err)
	}
	if w.alwaysSync {
		if err := w.active.Sync(); err != nil {
			return Locator{}, fmt.Errorf("%w: %v", err_def.ErrWriteFailed, err)
		}
	}
	return loc, nil
}

// maybeCompact triggers a compaction pass once the stale-byte counter
// crosses the configured threshold. Compaction runs synchronously on
// the writer's own goroutine (the writer already serializes all
// mutation, so this adds no new contention) and readers are unaffected
// since they only ever consult the index and their own open segments.
func (w *Writer) maybeCompact() {
	if w.threshold <= 0 {
		return
	}
	if w.staleBytes.Load() < w.threshold {
		return
	}
	_ = w.compact()
}

// Sync flushes the active segment to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Sync()
}

// Close syncs and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.active.Sync()
	return w.active.Close()
}
