// Package util holds small collaborators shared across FincasKV that
// don't belong to any single layer: the sharded Bloom filter used as
// an optional pre-check ahead of an index lookup.
package util

import (
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
)

const (
	defaultShards       = 16
	defaultBitsPerShard = 1024
	defaultHashFuncs    = 4
	growthFactor        = 2
	growthThreshold     = 0.75
)

// ShardedBloomFilter is a probabilistic set membership test split
// across independently-locked shards, so concurrent Add/Contains calls
// on different keys don't serialize behind one lock.
//
// The filter itself stores only bits, never the keys that set them, so
// growing the shard layout can't rebuild its own state from nothing;
// grow requires a RehashSource that can hand back every live member.
type ShardedBloomFilter struct {
	shards    []shard
	k         uint32
	m         uint64
	n         uint64
	shardMask uint32
	shardBits uint32
	hashPool  *sync.Pool
	autoScale bool

	growMu       sync.Mutex
	rehashSource RehashSource
}

// RehashSource yields every key currently considered live, called by
// grow to repopulate a freshly enlarged filter. yield may be called any
// number of times and must not be retained past the call.
type RehashSource func(yield func(key []byte))

type shard struct {
	bits []uint64
	sync.RWMutex
}

// BloomConfig configures a ShardedBloomFilter's size and false-positive
// rate at construction time.
type BloomConfig struct {
	ExpectedElements  uint64
	FalsePositiveRate float64
	AutoScale         bool
	NumShards         uint32
	BitsPerShard      uint32
	NumHashFuncs      uint32
}

// NewShardedBloomFilter sizes and allocates a filter from opts.
func NewShardedBloomFilter(opts BloomConfig) (*ShardedBloomFilter, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	m := calculateOptimalM(opts.ExpectedElements, opts.FalsePositiveRate)
	k := calculateOptimalK(opts.ExpectedElements, m)

	numShards := opts.NumShards
	if numShards == 0 {
		numShards = defaultShards
	}

	bitsPerShard := opts.BitsPerShard
	if bitsPerShard == 0 {
		bitsPerShard = defaultBitsPerShard
	}

	if !isPowerOfTwo(uint64(numShards)) {
		numShards = uint32(nextPowerOf2(uint64(numShards)))
	}

	if m > uint64(numShards)*uint64(bitsPerShard) {
		bitsPerShard = uint32(nextPowerOf2(uint64(m / uint64(numShards))))
	}

	shards := make([]shard, numShards)
	for i := range shards {
		shards[i].bits = make([]uint64, bitsPerShard/64)
	}

	hashPool := &sync.Pool{
		New: func() interface{} {
			return fnv.New64a()
		},
	}

	return &ShardedBloomFilter{
		shards:    shards,
		k:         k,
		m:         m,
		shardMask: numShards - 1,
		shardBits: bitsPerShard,
		hashPool:  hashPool,
		autoScale: opts.AutoScale,
	}, nil
}

func validateOptions(opts *BloomConfig) error {
	if opts.ExpectedElements == 0 {
		return fmt.Errorf("expected elements must be > 0")
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		return fmt.Errorf("false positive rate must be in (0,1)")
	}
	return nil
}

func calculateOptimalM(n uint64, p float64) uint64 {
	return uint64(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
}

func calculateOptimalK(n, m uint64) uint32 {
	k := uint32(math.Round(float64(m/n) * math.Log(2)))
	if k < defaultHashFuncs {
		k = defaultHashFuncs
	}
	return k
}

func isPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

func nextPowerOf2(x uint64) uint64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return x
}

// SetRehashSource installs the callback grow uses to repopulate a
// freshly enlarged filter with every currently-live key. It must be
// set before AutoScale can safely grow the filter; without it, Add
// refuses to grow and returns an error once the fill rate crosses
// growthThreshold rather than silently discarding members. The source
// must already reflect whatever key the triggering Add call is about
// to add — callers wire it against a store that's updated before the
// corresponding Add, e.g. an index written under the same lock.
func (bf *ShardedBloomFilter) SetRehashSource(source RehashSource) {
	bf.rehashSource = source
}

// Add records data as present in the filter, growing the shard array
// first if AutoScale is set and the fill rate has crossed
// growthThreshold.
func (bf *ShardedBloomFilter) Add(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty data")
	}

	grown := false
	if bf.autoScale && float64(atomic.LoadUint64(&bf.n))/float64(bf.m) > growthThreshold {
		bf.growMu.Lock()
		if float64(atomic.LoadUint64(&bf.n))/float64(bf.m) > growthThreshold {
			if err := bf.grow(); err != nil {
				bf.growMu.Unlock()
				return fmt.Errorf("bloom filter grow failed: %v", err)
			}
			grown = true
		}
		bf.growMu.Unlock()
	}

	// If rehashSource already reflects data (the caller's key set
	// includes whatever it just handed to Add), grow's rehash already
	// set data's bits and counted it; setting again is harmless but
	// counting again would inflate n against the new, larger m.
	if grown {
		return nil
	}

	bf.setBits(data)
	atomic.AddUint64(&bf.n, 1)
	return nil
}

func (bf *ShardedBloomFilter) setBits(data []byte) {
	hashValues := bf.hashValues(data)
	for i := uint32(0); i < bf.k; i++ {
		shardIndex := hashValues[i] & uint64(bf.shardMask)
		bitIndex := (hashValues[i] >> bf.k) % uint64(bf.shardBits)

		s := &bf.shards[shardIndex]
		s.Lock()
		s.bits[bitIndex/64] |= 1 << (bitIndex % 64)
		s.Unlock()
	}
}

// Contains reports whether data might be a member. A false negative is
// impossible; a false positive is possible at roughly the configured
// FalsePositiveRate.
func (bf *ShardedBloomFilter) Contains(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	hashValues := bf.hashValues(data)
	for i := uint32(0); i < bf.k; i++ {
		shardIndex := hashValues[i] & uint64(bf.shardMask)
		bitIndex := (hashValues[i] >> bf.k) % uint64(bf.shardBits)

		s := &bf.shards[shardIndex]
		s.RLock()
		isSet := (s.bits[bitIndex/64] & (1 << (bitIndex % 64))) != 0
		s.RUnlock()

		if !isSet {
			return false
		}
	}
	return true
}

// grow doubles the shard array and re-adds every live key from
// rehashSource into the new layout. Simply discarding the old bits
// would turn every surviving key into a false negative until it was
// set again, which Contains promises never happens; growMu (held by
// the caller) keeps two Add calls from growing the filter twice.
func (bf *ShardedBloomFilter) grow() error {
	if bf.rehashSource == nil {
		return fmt.Errorf("autoscale enabled without a rehash source")
	}

	newShardCount := uint32(len(bf.shards) * growthFactor)
	newShardBits := bf.shardBits * growthFactor
	newShards := make([]shard, newShardCount)

	for i := range newShards {
		newShards[i].bits = make([]uint64, newShardBits/64)
	}

	bf.shards = newShards
	bf.m = uint64(newShardCount) * uint64(newShardBits)
	bf.shardMask = newShardCount - 1
	bf.shardBits = newShardBits

	var count uint64
	bf.rehashSource(func(key []byte) {
		if len(key) == 0 {
			return
		}
		bf.setBits(key)
		count++
	})
	atomic.StoreUint64(&bf.n, count)

	return nil
}

func (bf *ShardedBloomFilter) hashValues(data []byte) []uint64 {
	hashFunc := bf.hashPool.Get().(hash.Hash64)
	defer bf.hashPool.Put(hashFunc)
	hashFunc.Reset()

	values := make([]uint64, bf.k)
	hashFunc.Write(data)
	h1, h2 := hashFunc.Sum64(), hashFunc.Sum64()

	for i := uint32(0); i < bf.k; i++ {
		values[i] = h1 + uint64(i)*h2
	}
	return values
}

// Reset clears every bit and the element counter, used when a
// compaction pass wants the filter to reflect only the keys it just
// rewrote.
func (bf *ShardedBloomFilter) Reset() {
	atomic.StoreUint64(&bf.n, 0)
	for i := range bf.shards {
		bf.shards[i].Lock()
		for j := range bf.shards[i].bits {
			bf.shards[i].bits[j] = 0
		}
		bf.shards[i].Unlock()
	}
}
