package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fincaskv/err_def"
	"fincaskv/util"
)

// store holds everything shared across every clone of a "kvs" Engine
// handle opened against the same data directory: the index, the single
// writer, the safe point, and an optional Bloom filter. It is closed
// exactly once, when the last clone releases it.
type store struct {
	dir    string
	opts   *Options
	index  *Index
	writer *Writer
	sp     *safePoint
	filter *util.ShardedBloomFilter

	syncTicker *time.Ticker
	syncStop   chan struct{}

	refs   atomic.Int64
	mu     sync.Mutex
	closed bool
}

// KVEngine is the log-structured storage engine described by the
// on-disk record format in this package: an append-only sequence of
// segments, a swiss-table index kept in memory, and threshold-triggered
// compaction. It implements Engine.
type KVEngine struct {
	s      *store
	reader *ReaderHandle
}

// Open opens (or creates) a "kvs" data directory. It replays every
// existing segment to rebuild the index, verifies or writes the
// directory's engine tag, and positions the writer on a fresh segment
// whose id follows the highest segment id found (id 0 for an empty
// directory).
func Open(opts ...Option) (*KVEngine, error) {
	cfg := DefaultOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", err_def.ErrWriteFailed, err)
	}
	if err := checkOrWriteEngineTag(cfg.DataDir, EngineKVS); err != nil {
		return nil, err
	}

	index := NewIndex(cfg.IndexShards)
	sp := &safePoint{}

	var filter *util.ShardedBloomFilter
	if cfg.UseBloomFilter {
		var err error
		filter, err = util.NewShardedBloomFilter(util.BloomConfig{
			ExpectedElements:  1 << 12,
			FalsePositiveRate: 0.01,
			AutoScale:         true,
		})
		if err != nil {
			return nil, fmt.Errorf("create bloom filter: %w", err)
		}
		// index is the only place that knows the live key set, so growth
		// rehashes from it rather than from the filter's own (nonexistent)
		// memory of what it was given.
		filter.SetRehashSource(func(yield func(key []byte)) {
			index.Foreach(func(key string, _ Locator) {
				yield([]byte(key))
			})
		})
	}

	segIDs, err := DiscoverSegments(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	activeID := uint64(0)
	if len(segIDs) > 0 {
		activeID = segIDs[len(segIDs)-1] + 1
	}

	if err := replaySegments(cfg.DataDir, segIDs, index, filter); err != nil {
		return nil, err
	}

	writer, err := newWriter(cfg.DataDir, index, sp, activeID, cfg)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		writer.onSet = func(key string) {
			_ = filter.Add([]byte(key))
		}
		writer.onCompact = func() {
			filter.Reset()
			index.Foreach(func(key string, _ Locator) {
				_ = filter.Add([]byte(key))
			})
		}
	}

	s := &store{
		dir:    cfg.DataDir,
		opts:   cfg,
		index:  index,
		writer: writer,
		sp:     sp,
		filter: filter,
	}
	s.refs.Store(1)

	if cfg.SyncPolicy == SyncIntervalPolicy && cfg.SyncInterval > 0 {
		s.syncTicker = time.NewTicker(cfg.SyncInterval)
		s.syncStop = make(chan struct{})
		go s.runPeriodicSync()
	}

	reader := newReaderHandle(cfg.DataDir, sp, cfg.ReaderCacheSize)

	return &KVEngine{s: s, reader: reader}, nil
}

func (s *store) runPeriodicSync() {
	for {
		select {
		case <-s.syncTicker.C:
			_ = s.writer.Sync()
		case <-s.syncStop:
			return
		}
	}
}

// replaySegments rebuilds index (and, if non-nil, filter) from every
// segment in ascending id order, so a later Set/Remove always
// overwrites the effect of an earlier one for the same key. A segment
// whose final record is truncated (a crash mid-write) has that
// trailing record cut off the file rather than aborting the whole
// replay.
func replaySegments(dir string, ids []uint64, index *Index, filter *util.ShardedBloomFilter) error {
	for _, id := range ids {
		seg, err := OpenSegmentReadOnly(dir, id)
		if err != nil {
			return err
		}

		var offset int64
		for {
			rec, n, err := DecodeFrom(seg, offset)
			if err != nil {
				if err == err_def.ErrUnexpectedEOF {
					if offset < seg.Size() {
						if terr := os.Truncate(SegmentPath(dir, id), offset); terr != nil {
							seg.Close()
							return fmt.Errorf("%w: truncate torn tail of segment %d: %v", err_def.ErrWriteFailed, id, terr)
						}
					}
					break
				}
				seg.Close()
				return fmt.Errorf("replay segment %d at offset %d: %w", id, offset, err)
			}

			key := string(rec.Key)
			if rec.Flags == FlagRemove {
				index.Delete(key)
			} else {
				index.Put(key, Locator{SegmentID: id, Offset: offset, Length: n})
				if filter != nil {
					_ = filter.Add(rec.Key)
				}
			}
			offset += n
		}
		seg.Close()
	}
	return nil
}

func engineTagPath(dir string) string {
	return filepath.Join(dir, EngineTagFile)
}

// CheckOrWriteEngineTag enforces that a data directory is only ever
// opened by one kind of Engine: if a tag already exists it must match
// name, and if none exists yet, name is written as the new tag. It is
// exported so the alternate bbolt-backed engine can share the same
// directory-tagging contract without duplicating it.
func CheckOrWriteEngineTag(dir string, name EngineName) error {
	return checkOrWriteEngineTag(dir, name)
}

func checkOrWriteEngineTag(dir string, name EngineName) error {
	path := engineTagPath(dir)
	data, err := os.ReadFile(path)
	if err == nil {
		existing := EngineName(strings.TrimSpace(string(data)))
		if existing != name {
			return fmt.Errorf("%w: directory tagged %q, requested %q", err_def.ErrEngineMismatch, existing, name)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: read engine tag: %v", err_def.ErrReadFailed, err)
	}
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		return fmt.Errorf("%w: write engine tag: %v", err_def.ErrWriteFailed, err)
	}
	return nil
}

// Set stores value under key, superseding any prior value.
func (e *KVEngine) Set(key, value string) error {
	return e.s.writer.Set(key, value)
}

// Get returns key's current value. A miss caused by compaction racing
// ahead of the index lookup that produced a now-stale locator is
// retried once against a fresh lookup before being treated as a real
// error.
func (e *KVEngine) Get(key string) (string, bool, error) {
	if e.s.filter != nil && !e.s.filter.Contains([]byte(key)) {
		return "", false, nil
	}

	loc, ok := e.s.index.Get(key)
	if !ok {
		return "", false, nil
	}

	rec, err := e.reader.Read(loc)
	if err != nil {
		if errors.Is(err, err_def.ErrFileNotFound) {
			loc, ok = e.s.index.Get(key)
			if !ok {
				return "", false, nil
			}
			rec, err = e.reader.Read(loc)
		}
		if err != nil {
			return "", false, err
		}
	}

	if rec.Flags == FlagRemove {
		return "", false, nil
	}
	return string(rec.Value), true, nil
}

// Remove deletes key, returning err_def.ErrKeyNotFound if it is
// absent. The existence check happens inside the writer, under its
// lock, so it is atomic with the delete.
func (e *KVEngine) Remove(key string) error {
	return e.s.writer.Remove(key)
}

// Compact forces an out-of-band compaction pass.
func (e *KVEngine) Compact() error {
	return e.s.writer.compact()
}

// Clone returns an independent handle onto the same store, with its
// own reader cache.
func (e *KVEngine) Clone() Engine {
	e.s.refs.Add(1)
	r := newReaderHandle(e.s.dir, e.s.sp, e.s.opts.ReaderCacheSize)
	return &KVEngine{s: e.s, reader: r}
}

// Close releases this handle's reader cache; the underlying store is
// only closed once every clone has been closed.
func (e *KVEngine) Close() error {
	_ = e.reader.Close()
	if e.s.refs.Add(-1) > 0 {
		return nil
	}

	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.closed {
		return nil
	}
	e.s.closed = true
	if e.s.syncTicker != nil {
		e.s.syncTicker.Stop()
		close(e.s.syncStop)
	}
	return e.s.writer.Close()
}

// Name reports EngineKVS.
func (e *KVEngine) Name() EngineName {
	return EngineKVS
}

var _ Engine = (*KVEngine)(nil)
