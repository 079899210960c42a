package storage

import (
	"sync"

	"github.com/dolthub/swiss"
)

// defaultIndexShards is the number of independent swiss-table shards
// the index splits keys across, so concurrent Get/Set/Remove calls on
// different keys don't contend on one lock.
const defaultIndexShards = 32

// indexShard pairs a swiss.Map with the lock guarding it. Grounded in
// the teacher's SwissIndex, generalized here to store Locator values
// directly instead of a generic V, and sharded so lookups from many
// worker goroutines don't serialize behind one mutex.
type indexShard struct {
	mu    sync.RWMutex
	table *swiss.Map[string, Locator]
}

// Index is the in-memory map from key to the Locator of its most
// recent write. It never stores tombstones: a Remove deletes the key's
// entry outright, so Get reports "not found" for both an unwritten
// key and a removed one.
type Index struct {
	shards []*indexShard
	mask   uint32
}

// NewIndex builds an Index with the given shard count, rounded up to
// the next power of two so key hashing can mask instead of mod.
func NewIndex(shards int) *Index {
	if shards <= 0 {
		shards = defaultIndexShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	idx := &Index{
		shards: make([]*indexShard, n),
		mask:   uint32(n - 1),
	}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{table: swiss.NewMap[string, Locator](64)}
	}
	return idx
}

func (idx *Index) shardFor(key string) *indexShard {
	return idx.shards[fnv32(key)&idx.mask]
}

// Put records loc as key's current locator, returning the locator it
// replaced, if any. The caller uses the replaced locator's Length to
// add to the writer's stale-byte counter.
func (idx *Index) Put(key string, loc Locator) (Locator, bool) {
	shard := idx.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	old, existed := shard.table.Get(key)
	shard.table.Put(key, loc)
	return old, existed
}

// Get returns key's current locator, if it has one.
func (idx *Index) Get(key string) (Locator, bool) {
	shard := idx.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.table.Get(key)
}

// Delete removes key's locator, returning it if it existed, for the
// same stale-byte accounting Put does.
func (idx *Index) Delete(key string) (Locator, bool) {
	shard := idx.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	old, existed := shard.table.Get(key)
	if existed {
		shard.table.Delete(key)
	}
	return old, existed
}

// Foreach calls f for every live key/locator pair. f must not call back
// into the Index; Foreach holds each shard's read lock only for the
// duration of that shard's iteration, so keys may be added or removed
// concurrently in shards not currently being visited.
func (idx *Index) Foreach(f func(key string, loc Locator)) {
	for _, shard := range idx.shards {
		shard.mu.RLock()
		shard.table.Iter(func(key string, loc Locator) bool {
			f(key, loc)
			return false
		})
		shard.mu.RUnlock()
	}
}

// Len returns the total number of live keys across all shards.
func (idx *Index) Len() int {
	total := 0
	for _, shard := range idx.shards {
		shard.mu.RLock()
		total += shard.table.Count()
		shard.mu.RUnlock()
	}
	return total
}

// fnv32 is a small, allocation-free string hash used only to pick a
// shard; it has no correctness requirement beyond spreading keys
// evenly, so FNV-1a is more than sufficient.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
