package storage

import (
	"errors"
	"os"
	"testing"

	"fincaskv/err_def"
)

func TestSegmentAppendAndReadAt(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 1)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer seg.Close()

	encoded, err := Encode(&Record{Key: []byte("k"), Value: []byte("v")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	loc, err := seg.Append(encoded)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if loc.SegmentID != 1 || loc.Offset != 0 || loc.Length != int64(len(encoded)) {
		t.Fatalf("unexpected locator: %+v", loc)
	}

	rec, n, err := DecodeFrom(seg, loc.Offset)
	if err != nil {
		t.Fatalf("DecodeFrom: %v", err)
	}
	if n != loc.Length || string(rec.Key) != "k" || string(rec.Value) != "v" {
		t.Fatalf("unexpected record: %+v n=%d", rec, n)
	}
}

func TestSegmentSealRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 7)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer seg.Close()

	seg.Seal()
	encoded, _ := Encode(&Record{Key: []byte("k"), Value: []byte("v")})
	if _, err := seg.Append(encoded); err == nil {
		t.Fatal("expected append to a sealed segment to fail")
	}
}

func TestOpenSegmentResumesAtExistingSize(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 3)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	encoded, _ := Encode(&Record{Key: []byte("k"), Value: []byte("v")})
	if _, err := seg.Append(encoded); err != nil {
		t.Fatalf("Append: %v", err)
	}
	size := seg.Size()
	seg.Close()

	reopened, err := OpenSegment(dir, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Size() != size {
		t.Fatalf("expected resumed offset %d, got %d", size, reopened.Size())
	}
}

func TestOpenSegmentReadOnlyMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenSegmentReadOnly(dir, 99)
	if !errors.Is(err, err_def.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestDiscoverSegmentsIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []uint64{2, 0, 1} {
		seg, err := OpenSegment(dir, id)
		if err != nil {
			t.Fatalf("OpenSegment(%d): %v", id, err)
		}
		seg.Close()
	}
	if err := os.WriteFile(SegmentPath(dir, 0)+".tmp", []byte("junk"), 0644); err != nil {
		t.Fatalf("write junk file: %v", err)
	}
	if err := os.WriteFile(dir+"/.engine", []byte("kvs"), 0644); err != nil {
		t.Fatalf("write engine tag: %v", err)
	}

	ids, err := DiscoverSegments(dir)
	if err != nil {
		t.Fatalf("DiscoverSegments: %v", err)
	}
	if len(ids) != 3 || ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestSegmentRemove(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 5)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	path := seg.Path
	if err := seg.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected segment file to be gone, stat err=%v", err)
	}
}
