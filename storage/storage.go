// Package storage implements FincasKV's log-structured storage engine:
// a binary on-disk record format, append-only segments, a concurrent
// in-memory index, per-reader file handle caching, and on-line
// compaction that runs without blocking readers.
package storage

// On-disk layout constants.
var (
	// SegmentPrefix and SegmentSuffix name segment files as
	// "<SegmentPrefix><zero-padded id><SegmentSuffix>" so that a
	// directory listing sorts lexicographically in id order.
	SegmentPrefix = ""
	SegmentSuffix = ".log"

	// EngineTagFile records which concrete Engine owns a data directory.
	EngineTagFile = ".engine"
)

// segmentIDWidth is the zero-padding width for segment file names.
// 20 digits comfortably covers the full range of a uint64 id.
const segmentIDWidth = 20

const (
	// HeaderSize is the fixed-size record header: timestamp(8) + flags(4)
	// + key length(4) + value length(4).
	HeaderSize = 20

	// ChecksumSize is the trailing CRC-64 checksum written after every
	// record's key/value payload.
	ChecksumSize = 8

	// MaxKeySize and MaxValueSize bound a single record's key/value to
	// guard against corrupt length fields turning into huge allocations.
	MaxKeySize   = 32 << 20
	MaxValueSize = 32 << 20

	// DefaultCompactionThreshold is the stale-byte count that triggers
	// compaction when no explicit threshold is configured.
	DefaultCompactionThreshold = 1 << 20 // 1 MiB
)

// EngineName identifies a concrete storage engine implementation. It is
// what gets recorded in a data directory's engine-tag file and compared
// against on open.
type EngineName string

const (
	EngineKVS  EngineName = "kvs"
	EngineBolt EngineName = "bolt"
)

// Engine is the facade contract the server (and any collaborator, such
// as the alternate bbolt-backed adapter) uses to reach a store. A
// concrete Engine handle must be cheap to Clone: clones share the same
// underlying index, writer and safe point, and dropping one clone must
// not close the store for the others.
type Engine interface {
	Set(key, value string) error
	Get(key string) (string, bool, error)
	Remove(key string) error

	// Compact forces a compaction pass outside of the automatic
	// stale-byte threshold trigger. Safe to call concurrently with
	// in-flight Get/Set/Remove calls.
	Compact() error

	// Clone returns an independent handle sharing this Engine's
	// underlying store, safe to use from another goroutine.
	Clone() Engine

	// Close releases this handle's resources. The underlying store is
	// only actually closed once every clone has been closed.
	Close() error

	// Name reports which EngineName this handle implements, for tagging
	// a freshly created data directory.
	Name() EngineName
}
