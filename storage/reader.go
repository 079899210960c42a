package storage

import (
	"sync"

	"fincaskv/storage/cache"
)

// ReaderHandle is a per-goroutine view onto a store's segments: an LRU
// of open, read-only file handles plus a pointer to the store's shared
// safe point. Every clone of an Engine gets its own ReaderHandle so
// concurrent readers never contend on a shared file descriptor cache,
// mirroring the thread-local reader design the append-only log model
// calls for.
type ReaderHandle struct {
	dir       string
	safePoint *safePoint

	mu   sync.Mutex
	open *cache.LRUCache[uint64, *Segment]
}

// safePoint is the shared watermark below which segment ids may have
// been removed by compaction. Every ReaderHandle reads it before
// deciding whether a cached handle is still worth keeping.
type safePoint struct {
	mu sync.RWMutex
	id uint64
}

func (s *safePoint) Load() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *safePoint) Store(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.id {
		s.id = id
	}
}

// newReaderHandle creates a ReaderHandle over dir with the given open
// file cache size.
func newReaderHandle(dir string, sp *safePoint, cacheSize int) *ReaderHandle {
	r := &ReaderHandle{
		dir:       dir,
		safePoint: sp,
		open:      cache.NewLRUCache[uint64, *Segment](cacheSize),
	}
	r.open.SetEvictCallback(func(_ uint64, seg *Segment) {
		_ = seg.Close()
	})
	return r
}

// closeStale evicts and closes any cached handle for a segment id
// below the current safe point. Called opportunistically before a
// read; keeping it cheap (a single pass over cached ids) is fine since
// the cache is small and reads are already doing I/O.
func (r *ReaderHandle) closeStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp := r.safePoint.Load()
	for _, seg := range r.open.Values() {
		if seg.ID < sp {
			r.open.Delete(seg.ID)
			_ = seg.Close()
		}
	}
}

// segmentFor returns an open handle for id, opening and caching one on
// a miss. The writer's own active segment is opened read-only here just
// like any sealed one; the OS is happy to hand out a second, independent
// file descriptor onto the same inode, so there's no need to special-case
// it or worry about racing the writer's own ReadWrite handle.
func (r *ReaderHandle) segmentFor(id uint64) (*Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seg, ok := r.open.Get(id); ok {
		return seg, nil
	}

	seg, err := OpenSegmentReadOnly(r.dir, id)
	if err != nil {
		return nil, err
	}
	r.open.Insert(id, seg)
	return seg, nil
}

// Read fetches and decodes the record at loc. A miss caused by
// compaction racing ahead of an in-flight index lookup surfaces
// ErrFileNotFound so the caller (Engine.Get) can retry against a fresh
// index lookup instead of treating it as data loss.
func (r *ReaderHandle) Read(loc Locator) (*Record, error) {
	r.closeStale()

	seg, err := r.segmentFor(loc.SegmentID)
	if err != nil {
		return nil, err
	}

	rec, _, err := DecodeFrom(seg, loc.Offset)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Close releases every file handle this reader has open.
func (r *ReaderHandle) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seg := range r.open.Values() {
		_ = seg.Close()
	}
	r.open.Purge()
	return nil
}
