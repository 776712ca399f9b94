package changelog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/geodisk/geodisk"
)

func mustOpen(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return s
}

func TestStoreRecordOffsetsAreMonotonicAndReadBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)
	defer s.Close()

	var lastOffset int64 = -1
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	offsets := make([]int64, len(payloads))

	for i, p := range payloads {
		off, err := s.StoreRecord(ctx, UpdateRecord, p)
		if err != nil {
			t.Fatalf("StoreRecord(%d): %v", i, err)
		}
		if off <= lastOffset {
			t.Fatalf("offset %d not increasing after %d", off, lastOffset)
		}
		lastOffset = off
		offsets[i] = off
	}

	for i, off := range offsets {
		typ, payload, err := s.ReadRecord(ctx, off)
		if err != nil {
			t.Fatalf("ReadRecord(%d): %v", i, err)
		}
		if typ != UpdateRecord {
			t.Errorf("record %d type = %v, want UpdateRecord", i, typ)
		}
		if string(payload) != string(payloads[i]) {
			t.Errorf("record %d payload = %q, want %q", i, payload, payloads[i])
		}
	}
}

// TestChangelogReload exercises the concrete end-to-end scenario: create five files, remove
// two of them, close and reopen, and confirm the replayed index reflects exactly the
// surviving three.
func TestChangelogReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")

	ids := make([]uint64, 5)
	func() {
		s := mustOpen(t, path)
		defer s.Close()

		idx := NewMetadataIndex()
		for i := 0; i < 5; i++ {
			md, err := idx.CreateFile(ctx, s, 0, "file"+string(rune('1'+i)), 100, 100, 0o644)
			if err != nil {
				t.Fatalf("CreateFile(%d): %v", i, err)
			}
			ids[i] = md.ID
		}
		if err := idx.RemoveFile(ctx, s, ids[1]); err != nil {
			t.Fatalf("RemoveFile(ids[1]): %v", err)
		}
		if err := idx.RemoveFile(ctx, s, ids[3]); err != nil {
			t.Fatalf("RemoveFile(ids[3]): %v", err)
		}
	}()

	s := mustOpen(t, path)
	defer s.Close()

	idx := NewMetadataIndex()
	if err := s.ScanAllRecords(ctx, idx); err != nil {
		t.Fatalf("ScanAllRecords: %v", err)
	}

	for _, want := range []int{0, 2, 4} {
		md, err := idx.GetByID(ids[want])
		if err != nil {
			t.Errorf("GetByID(ids[%d]): %v", want, err)
		} else if md.Name != "file"+string(rune('1'+want)) {
			t.Errorf("GetByID(ids[%d]).Name = %q", want, md.Name)
		}
	}

	for _, removed := range []int{1, 3} {
		_, err := idx.GetByID(ids[removed])
		var de geodisk.Error
		if !errors.As(err, &de) || de.Code != geodisk.NotFound {
			t.Errorf("GetByID(ids[%d]) = %v, want NotFound", removed, err)
		}
	}
}

func TestScanAllRecordsFailsOnCorruption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)

	off, err := s.StoreRecord(ctx, UpdateRecord, []byte("payload"))
	if err != nil {
		t.Fatalf("StoreRecord: %v", err)
	}
	s.Close()

	corruptByteAt(t, path, off) // flip the magic byte of the only record

	s2 := mustOpen(t, path)
	defer s2.Close()

	err = s2.ScanAllRecords(ctx, ScannerFunc(func(int64, RecordType, []byte) error { return nil }))
	var de geodisk.Error
	if !errors.As(err, &de) || de.Code != geodisk.CorruptRecord {
		t.Fatalf("ScanAllRecords on corrupted log = %v, want CorruptRecord", err)
	}
}
