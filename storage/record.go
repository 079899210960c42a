package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"

	"fincaskv/err_def"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// RecordFlag distinguishes a tombstone from a live value in the record
// header.
type RecordFlag uint32

const (
	FlagSet    RecordFlag = 0
	FlagRemove RecordFlag = 1
)

// Record is one log entry: a key/value write, or a tombstone recording
// a removal. Timestamp is nanoseconds since the Unix epoch, recorded at
// encode time.
type Record struct {
	Timestamp int64
	Flags     RecordFlag
	Key       []byte
	Value     []byte
}

// Locator pins a key's most recent write to a byte range within a
// segment: the segment holding it, the offset of its encoded record,
// and the record's total on-disk length.
type Locator struct {
	SegmentID uint64
	Offset    int64
	Length    int64
}

// Encode serializes r into the on-disk record format:
//
//	[8:timestamp][4:flags][4:keylen][4:vallen][key][value][8:crc64]
//
// The checksum covers everything preceding it. Encode rejects an empty
// key and oversized key/value payloads before touching the disk.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, err_def.ErrNilRecord
	}
	if len(r.Key) == 0 {
		return nil, err_def.ErrEmptyKey
	}
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d exceeds maximum %d", err_def.ErrKeyTooLarge, len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d exceeds maximum %d", err_def.ErrValueTooLarge, len(r.Value), MaxValueSize)
	}

	keyLen, valLen := len(r.Key), len(r.Value)
	dataSize := HeaderSize + keyLen + valLen
	buf := make([]byte, dataSize+ChecksumSize)

	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.Flags))
	binary.BigEndian.PutUint32(buf[12:16], uint32(keyLen))
	binary.BigEndian.PutUint32(buf[16:20], uint32(valLen))
	copy(buf[HeaderSize:HeaderSize+keyLen], r.Key)
	copy(buf[HeaderSize+keyLen:dataSize], r.Value)

	checksum := crc64.Checksum(buf[:dataSize], crcTable)
	binary.BigEndian.PutUint64(buf[dataSize:], checksum)

	return buf, nil
}

// DecodeHeader reads just the fixed header, returning the key/value
// lengths a caller needs before reading the rest of the record. buf
// must be at least HeaderSize bytes; a short buf is ErrUnexpectedEOF.
func DecodeHeader(buf []byte) (timestamp int64, flags RecordFlag, keyLen, valLen uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, err_def.ErrUnexpectedEOF
	}
	timestamp = int64(binary.BigEndian.Uint64(buf[0:8]))
	flags = RecordFlag(binary.BigEndian.Uint32(buf[8:12]))
	keyLen = binary.BigEndian.Uint32(buf[12:16])
	valLen = binary.BigEndian.Uint32(buf[16:20])
	return timestamp, flags, keyLen, valLen, nil
}

// Decode parses a complete encoded record (header + key + value +
// checksum) out of buf. A buf shorter than the header declares is
// ErrUnexpectedEOF, treated by callers as a truncated tail write. A
// complete-length buf whose checksum does not match is ErrCorrupt.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < HeaderSize+ChecksumSize {
		return nil, err_def.ErrUnexpectedEOF
	}

	timestamp, flags, keyLen, valLen, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if keyLen > MaxKeySize {
		return nil, fmt.Errorf("%w: %w", err_def.ErrCorrupt, err_def.ErrKeyTooLarge)
	}
	if valLen > MaxValueSize {
		return nil, fmt.Errorf("%w: %w", err_def.ErrCorrupt, err_def.ErrValueTooLarge)
	}

	dataSize := HeaderSize + int(keyLen) + int(valLen)
	total := dataSize + ChecksumSize
	if len(buf) < total {
		return nil, err_def.ErrUnexpectedEOF
	}
	if len(buf) != total {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", err_def.ErrCorrupt, len(buf), total)
	}

	stored := binary.BigEndian.Uint64(buf[dataSize:total])
	calculated := crc64.Checksum(buf[:dataSize], crcTable)
	if stored != calculated {
		return nil, fmt.Errorf("%w: %w: stored=%x calculated=%x", err_def.ErrCorrupt, err_def.ErrChecksumMismatch, stored, calculated)
	}

	key := make([]byte, keyLen)
	value := make([]byte, valLen)
	copy(key, buf[HeaderSize:HeaderSize+int(keyLen)])
	copy(value, buf[HeaderSize+int(keyLen):dataSize])

	return &Record{Timestamp: timestamp, Flags: flags, Key: key, Value: value}, nil
}

// DecodeFrom reads one record from r at the given offset, using
// ReaderAt so it can share a single open file across concurrent
// readers. It returns the record's total encoded length alongside the
// record itself, matching the (record, byte-length) shape callers need
// to advance a replay cursor or build a Locator.
func DecodeFrom(r io.ReaderAt, offset int64) (*Record, int64, error) {
	header := make([]byte, HeaderSize)
	if _, err := r.ReadAt(header, offset); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, err_def.ErrUnexpectedEOF
		}
		return nil, 0, fmt.Errorf("%w: %v", err_def.ErrReadFailed, err)
	}

	_, _, keyLen, valLen, err := DecodeHeader(header)
	if err != nil {
		return nil, 0, err
	}
	if keyLen > MaxKeySize || valLen > MaxValueSize {
		return nil, 0, err_def.ErrCorrupt
	}

	total := HeaderSize + int64(keyLen) + int64(valLen) + ChecksumSize
	buf := make([]byte, total)
	copy(buf, header)
	if _, err := r.ReadAt(buf[HeaderSize:], offset+HeaderSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, err_def.ErrUnexpectedEOF
		}
		return nil, 0, fmt.Errorf("%w: %v", err_def.ErrReadFailed, err)
	}

	rec, err := Decode(buf)
	if err != nil {
		return nil, 0, err
	}
	return rec, total, nil
}
