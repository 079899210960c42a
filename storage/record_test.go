package storage

import (
	"bytes"
	"errors"
	"testing"

	"fincaskv/err_def"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{Timestamp: 12345, Flags: FlagSet, Key: []byte("hello"), Value: []byte("world")}

	encoded, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Timestamp != rec.Timestamp || decoded.Flags != rec.Flags {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	if !bytes.Equal(decoded.Key, rec.Key) || !bytes.Equal(decoded.Value, rec.Value) {
		t.Fatalf("payload mismatch: got key=%q value=%q", decoded.Key, decoded.Value)
	}
}

func TestEncodeRejectsEmptyKey(t *testing.T) {
	_, err := Encode(&Record{Key: nil, Value: []byte("x")})
	if !errors.Is(err, err_def.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestEncodeRejectsOversizedKey(t *testing.T) {
	_, err := Encode(&Record{Key: make([]byte, MaxKeySize+1), Value: []byte("x")})
	if !errors.Is(err, err_def.ErrKeyTooLarge) {
		t.Fatalf("expected ErrKeyTooLarge, got %v", err)
	}
}

func TestDecodeTruncatedIsUnexpectedEOF(t *testing.T) {
	encoded, err := Encode(&Record{Key: []byte("k"), Value: []byte("v")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = Decode(encoded[:len(encoded)-3])
	if !errors.Is(err, err_def.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeCorruptedChecksumIsChecksumMismatch(t *testing.T) {
	encoded, err := Encode(&Record{Key: []byte("k"), Value: []byte("v")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Flip a byte in the payload without touching the length.
	encoded[HeaderSize] ^= 0xFF

	_, err = Decode(encoded)
	if !errors.Is(err, err_def.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDecodeFromReadsAtOffset(t *testing.T) {
	first, err := Encode(&Record{Key: []byte("a"), Value: []byte("1")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := Encode(&Record{Key: []byte("bb"), Value: []byte("22")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	buf := append(append([]byte{}, first...), second...)
	reader := bytes.NewReader(buf)

	rec, n, err := DecodeFrom(reader, 0)
	if err != nil {
		t.Fatalf("DecodeFrom first: %v", err)
	}
	if string(rec.Key) != "a" || n != int64(len(first)) {
		t.Fatalf("unexpected first record: %+v n=%d", rec, n)
	}

	rec2, _, err := DecodeFrom(reader, n)
	if err != nil {
		t.Fatalf("DecodeFrom second: %v", err)
	}
	if string(rec2.Key) != "bb" || string(rec2.Value) != "22" {
		t.Fatalf("unexpected second record: %+v", rec2)
	}
}

func TestDecodeFromShortReadIsUnexpectedEOF(t *testing.T) {
	full, err := Encode(&Record{Key: []byte("k"), Value: []byte("value")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := bytes.NewReader(full[:len(full)-2])

	_, _, err = DecodeFrom(truncated, 0)
	if !errors.Is(err, err_def.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
