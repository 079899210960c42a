package storage

import "time"

// SyncPolicy controls when a write's bytes are flushed to stable
// storage rather than left to the operating system's page cache.
type SyncPolicy string

const (
	// SyncNever relies on the OS to flush dirty pages; fastest, and
	// what a fresh Options defaults to.
	SyncNever SyncPolicy = "never"

	// SyncIntervalPolicy flushes the active segment on a timer, trading a
	// bounded durability window for steady write throughput.
	SyncIntervalPolicy SyncPolicy = "interval"

	// SyncAlways fsyncs after every Set/Remove. Safer, much slower.
	SyncAlways SyncPolicy = "always"
)

// Options configures an Engine at Open time.
type Options struct {
	// DataDir is where segment files, the index replay source, and the
	// engine-tag file live.
	DataDir string

	// IndexShards is the number of swiss-table shards the in-memory
	// index splits keys across.
	IndexShards int

	// ReaderCacheSize bounds how many open segment file handles each
	// reader keeps cached at once.
	ReaderCacheSize int

	// CompactionThreshold is the number of stale bytes that must
	// accumulate before a write triggers an automatic compaction pass.
	// Zero disables automatic compaction; Engine.Compact still works.
	CompactionThreshold int64

	// SyncPolicy and SyncInterval control write durability; see the
	// SyncPolicy constants.
	SyncPolicy   SyncPolicy
	SyncInterval time.Duration

	// UseBloomFilter enables a probabilistic pre-check ahead of the
	// index lookup on Get, trading a small amount of memory to skip the
	// index entirely on a definite miss.
	UseBloomFilter bool
}

// Option configures Options via the functional-options pattern.
type Option func(*Options)

// DefaultOptions returns the configuration Open uses when no Option
// overrides a field.
func DefaultOptions() *Options {
	return &Options{
		DataDir:             "./data",
		IndexShards:         defaultIndexShards,
		ReaderCacheSize:     32,
		CompactionThreshold: DefaultCompactionThreshold,
		SyncPolicy:          SyncNever,
		SyncInterval:        5 * time.Second,
		UseBloomFilter:      true,
	}
}

func WithDataDir(dataDir string) Option {
	return func(o *Options) { o.DataDir = dataDir }
}

func WithIndexShards(shards int) Option {
	return func(o *Options) { o.IndexShards = shards }
}

func WithReaderCacheSize(size int) Option {
	return func(o *Options) { o.ReaderCacheSize = size }
}

func WithCompactionThreshold(bytes int64) Option {
	return func(o *Options) { o.CompactionThreshold = bytes }
}

func WithSyncPolicy(policy SyncPolicy) Option {
	return func(o *Options) { o.SyncPolicy = policy }
}

func WithSyncInterval(interval time.Duration) Option {
	return func(o *Options) { o.SyncInterval = interval }
}

func WithBloomFilter(enabled bool) Option {
	return func(o *Options) { o.UseBloomFilter = enabled }
}
