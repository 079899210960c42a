// Package altengine implements the alternate storage.Engine backed by
// go.etcd.io/bbolt: the same Set/Get/Remove/Compact/Clone contract
// implemented against a single embedded B+tree file rather than the
// log-structured segments in the storage package. It exists so an
// operator can pick the storage engine per data directory without the
// server or wire protocol caring which one is underneath.
package altengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"fincaskv/err_def"
	"fincaskv/storage"
)

var bucketName = []byte("kv")

// boltStore holds everything shared across every clone of a BoltEngine
// handle opened against the same data directory: the single *bolt.DB,
// which is already safe for concurrent use by multiple goroutines, so
// cloning only needs to bump a reference count rather than open a new
// handle the way the log-structured engine's reader cache does.
type boltStore struct {
	dir string
	db  *bolt.DB

	refs atomic.Int64
	// mu guards db: Get/Set/Remove hold it for read for the duration of
	// their transaction, so Compact's write lock can't swap the pointer
	// (and close the old *bolt.DB) out from under one in flight.
	mu     sync.RWMutex
	closed bool
}

// BoltEngine adapts a bbolt database to the storage.Engine contract.
type BoltEngine struct {
	s *boltStore
}

// Open opens (or creates) dataDir/data.bolt, tags the directory as
// bolt-owned and creates the single key/value bucket if it does not
// already exist.
func Open(dataDir string) (*BoltEngine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", err_def.ErrWriteFailed, err)
	}
	if err := storage.CheckOrWriteEngineTag(dataDir, storage.EngineBolt); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbPath(dataDir), 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %v", err_def.ErrWriteFailed, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", err_def.ErrWriteFailed, err)
	}

	s := &boltStore{dir: dataDir, db: db}
	s.refs.Store(1)
	return &BoltEngine{s: s}, nil
}

func dbPath(dir string) string {
	return filepath.Join(dir, "data.bolt")
}

// Set stores value under key, superseding any prior value.
func (e *BoltEngine) Set(key, value string) error {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	err := e.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", err_def.ErrWriteFailed, err)
	}
	return nil
}

// Get returns key's current value.
func (e *BoltEngine) Get(key string) (string, bool, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	var value []byte
	err := e.s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", err_def.ErrReadFailed, err)
	}
	if value == nil {
		return "", false, nil
	}
	return string(value), true, nil
}

// Remove deletes key, returning err_def.ErrKeyNotFound if it is absent.
func (e *BoltEngine) Remove(key string) error {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	err := e.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) == nil {
			return err_def.ErrKeyNotFound
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		if err == err_def.ErrKeyNotFound {
			return err
		}
		return fmt.Errorf("%w: %v", err_def.ErrWriteFailed, err)
	}
	return nil
}

// Compact rewrites the database file into a fresh one with the same
// keys, reclaiming the free-list space bbolt otherwise leaves behind
// after deletes. Unlike the log-structured engine's compaction this
// holds the store's mutex for write for the whole operation, since
// bbolt has no equivalent to opening a second file descriptor onto the
// same inode; Get/Set/Remove hold it for read, so the swap can't run
// concurrently with a transaction against the old *bolt.DB.
func (e *BoltEngine) Compact() error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	tmpPath := dbPath(e.s.dir) + ".compact"
	os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0644, nil)
	if err != nil {
		return fmt.Errorf("%w: open compaction target: %v", err_def.ErrWriteFailed, err)
	}

	err = e.s.db.View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			dstBucket, err := dstTx.CreateBucketIfNotExists(bucketName)
			if err != nil {
				return err
			}
			return srcTx.Bucket(bucketName).ForEach(func(k, v []byte) error {
				return dstBucket.Put(k, v)
			})
		})
	})
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: copy during compaction: %v", err_def.ErrWriteFailed, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close compaction target: %v", err_def.ErrWriteFailed, err)
	}

	if err := e.s.db.Close(); err != nil {
		return fmt.Errorf("%w: close db for swap: %v", err_def.ErrWriteFailed, err)
	}
	if err := os.Rename(tmpPath, dbPath(e.s.dir)); err != nil {
		return fmt.Errorf("%w: swap compacted db: %v", err_def.ErrWriteFailed, err)
	}

	db, err := bolt.Open(dbPath(e.s.dir), 0644, nil)
	if err != nil {
		return fmt.Errorf("%w: reopen after compaction: %v", err_def.ErrWriteFailed, err)
	}
	e.s.db = db
	return nil
}

// Clone returns an independent handle onto the same bbolt database,
// which is already safe for concurrent use by every clone.
func (e *BoltEngine) Clone() storage.Engine {
	e.s.refs.Add(1)
	return &BoltEngine{s: e.s}
}

// Close releases this handle; the underlying *bolt.DB is only actually
// closed once every clone has been closed.
func (e *BoltEngine) Close() error {
	if e.s.refs.Add(-1) > 0 {
		return nil
	}

	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.closed {
		return nil
	}
	e.s.closed = true
	return e.s.db.Close()
}

// Name reports storage.EngineBolt.
func (e *BoltEngine) Name() storage.EngineName {
	return storage.EngineBolt
}

var _ storage.Engine = (*BoltEngine)(nil)
