package changelog

import (
	"os"
	"testing"
)

// corruptByteAt flips every bit of the single byte at absolute file offset off.
func corruptByteAt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening %s to corrupt: %v", path, err)
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		t.Fatalf("reading byte to corrupt at %d: %v", off, err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], off); err != nil {
		t.Fatalf("writing corrupted byte at %d: %v", off, err)
	}
}
