package changelog

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
)

// TestRepairFixesClassifiedDamage exercises the concrete fsck scenario: a log of 10000
// random-payload records, 100 of them damaged in four distinct, evenly-spaced (non-adjacent)
// ways, repaired into a fresh file.
func TestRepairFixesClassifiedDamage(t *testing.T) {
	const total = 10000
	const damagedPerKind = 25
	const spacing = 97 // wide enough that no two damaged records are adjacent

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)

	offsets := make([]int64, total)
	for i := 0; i < total; i++ {
		payload := make([]byte, 32)
		rand.Read(payload)
		off, err := s.StoreRecord(ctx, UpdateRecord, payload)
		if err != nil {
			t.Fatalf("StoreRecord(%d): %v", i, err)
		}
		offsets[i] = off
	}
	s.Close()

	damagedIndex := func(k int) int { return 50 + k*spacing }

	for k := 0; k < damagedPerKind; k++ {
		off := offsets[damagedIndex(k)]
		corruptByteAt(t, path, off) // magic byte
	}
	for k := 0; k < damagedPerKind; k++ {
		off := offsets[damagedPerKind+damagedIndex(k)]
		corruptByteAt(t, path, off+6) // inside crc-header
	}
	for k := 0; k < damagedPerKind; k++ {
		off := offsets[2*damagedPerKind+damagedIndex(k)]
		corruptByteAt(t, path, off+4) // inside size
	}
	for k := 0; k < damagedPerKind; k++ {
		off := offsets[3*damagedPerKind+damagedIndex(k)]
		corruptByteAt(t, path, off+int64(headerSize)+1) // inside payload
	}

	dstPath := filepath.Join(t.TempDir(), "repaired.dat")
	stats, err := Repair(path, dstPath, nil)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	if got, want := stats.Scanned, total; got != want {
		t.Errorf("Scanned = %d, want %d", got, want)
	}
	if got, want := stats.FixedWrongMagic, damagedPerKind; got != want {
		t.Errorf("FixedWrongMagic = %d, want %d", got, want)
	}
	if got, want := stats.FixedWrongChecksum, damagedPerKind; got != want {
		t.Errorf("FixedWrongChecksum = %d, want %d", got, want)
	}
	if got, want := stats.FixedWrongSize, damagedPerKind; got != want {
		t.Errorf("FixedWrongSize = %d, want %d", got, want)
	}
	if got, want := stats.NotFixed, damagedPerKind; got != want {
		t.Errorf("NotFixed = %d, want %d", got, want)
	}
	if stats.Scanned != stats.Healthy+stats.NotFixed {
		t.Error("scanned does not equal healthy + notFixed")
	}
	if want := total - damagedPerKind; stats.Healthy != want {
		t.Errorf("Healthy = %d, want %d", stats.Healthy, want)
	}

	// The repaired file must itself scan cleanly end to end.
	rs, err := Open(ctx, dstPath)
	if err != nil {
		t.Fatalf("Open(repaired): %v", err)
	}
	defer rs.Close()

	gotCount := 0
	err = rs.ScanAllRecords(ctx, ScannerFunc(func(int64, RecordType, []byte) error {
		gotCount++
		return nil
	}))
	if err != nil {
		t.Fatalf("ScanAllRecords(repaired): %v", err)
	}
	if want := total - damagedPerKind; gotCount != want {
		t.Errorf("repaired file has %d records, want %d", gotCount, want)
	}
}

func TestRepairProgressCallback(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changelog.dat")
	s := mustOpen(t, path)
	for i := 0; i < 10; i++ {
		if _, err := s.StoreRecord(ctx, UpdateRecord, []byte("payload")); err != nil {
			t.Fatalf("StoreRecord(%d): %v", i, err)
		}
	}
	s.Close()

	var calls int
	dstPath := filepath.Join(t.TempDir(), "repaired.dat")
	stats, err := Repair(path, dstPath, func(RepairStats) { calls++ })
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if calls != 10 {
		t.Errorf("progress callback invoked %d times, want 10", calls)
	}
	if stats.Healthy != 10 {
		t.Errorf("Healthy = %d, want 10", stats.Healthy)
	}
}
