package storage

import (
	"fmt"

	"fincaskv/err_def"
)

// compact rewrites every live record into a fresh segment and retires
// everything before it. It takes w.mu itself, so it never races another
// Set/Remove or a concurrent compaction, but it never takes any
// reader's lock either: readers keep reading through their own
// already-open segment handles (safe on a Unix filesystem, where an
// open file descriptor survives the removal of its directory entry)
// until they notice the safe point has moved past what they're
// holding.
//
// The failure model matches the writer's: if copying a record or
// syncing the new segment fails, every key already moved is pointed
// back at its old locator and the half-written new segment file is
// removed, so the old segments and the index are left as they were.
func (w *Writer) compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	oldActive := w.active
	preCompactionNextID := w.nextID

	newSeg, err := OpenSegment(w.dir, w.nextID)
	if err != nil {
		return fmt.Errorf("%w: open compaction segment: %v", err_def.ErrWriteFailed, err)
	}
	w.nextID++

	// Snapshot the live set before touching the index again: Foreach
	// holds a shard's RLock for the whole pass and forbids calling back
	// into the Index from f, since Put/Delete on that same shard would
	// try to take its Lock while this goroutine still holds the RLock.
	type liveEntry struct {
		key string
		loc Locator
	}
	var live []liveEntry
	w.index.Foreach(func(key string, loc Locator) {
		live = append(live, liveEntry{key, loc})
	})

	var copyErr error
	copied := 0
	for _, e := range live {
		var (
			rec *Record
			err error
		)
		if e.loc.SegmentID == oldActive.ID {
			rec, _, err = DecodeFrom(oldActive, e.loc.Offset)
		} else {
			seg, openErr := OpenSegmentReadOnly(w.dir, e.loc.SegmentID)
			if openErr != nil {
				err = openErr
			} else {
				rec, _, err = DecodeFrom(seg, e.loc.Offset)
				_ = seg.Close()
			}
		}
		if err != nil {
			copyErr = fmt.Errorf("compact: read %q: %w", e.key, err)
			break
		}

		encoded, encErr := Encode(rec)
		if encErr != nil {
			copyErr = encErr
			break
		}
		newLoc, appendErr := newSeg.Append(encoded)
		if appendErr != nil {
			copyErr = fmt.Errorf("%w: %v", err_def.ErrWriteFailed, appendErr)
			break
		}
		w.index.Put(e.key, newLoc)
		copied++
	}
	if copyErr == nil {
		if err := newSeg.Sync(); err != nil {
			copyErr = fmt.Errorf("%w: %v", err_def.ErrWriteFailed, err)
		}
	}
	if copyErr != nil {
		for _, e := range live[:copied] {
			w.index.Put(e.key, e.loc)
		}
		_ = newSeg.Remove()
		return copyErr
	}
	newSeg.Seal()

	// Every id strictly below preCompactionNextID that isn't newSeg's own
	// id was folded into newSeg or superseded by it; retire them.
	retired, err := DiscoverSegments(w.dir)
	if err != nil {
		return err
	}

	oldActive.Seal()

	seg, err := OpenSegment(w.dir, w.nextID)
	if err != nil {
		return fmt.Errorf("%w: open post-compaction segment: %v", err_def.ErrWriteFailed, err)
	}
	w.nextID++
	w.active = seg

	w.sp.Store(newSeg.ID)

	for _, id := range retired {
		if id >= preCompactionNextID {
			continue
		}
		s, err := OpenSegmentReadOnly(w.dir, id)
		if err != nil {
			continue
		}
		_ = s.Remove()
	}

	w.staleBytes.Store(0)

	if w.onCompact != nil {
		w.onCompact()
	}
	return nil
}
