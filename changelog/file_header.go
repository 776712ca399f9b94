package changelog

import (
	"encoding/binary"
	"fmt"
)

// fileHeaderMagic identifies a changelog file, distinct from the per-record magic so a
// truncated file whose first bytes happen to coincide with a record can't be mistaken for a
// valid header.
const fileHeaderMagic uint32 = 0x474C4331 // "GLC1"

// formatVersion is bumped whenever the on-disk record framing changes incompatibly.
const formatVersion uint32 = 1

// fileHeaderSize is the fixed size of the header written once at file creation.
const fileHeaderSize = 32

// fileHeader identifies the format and version of a changelog file. Written once by Open on
// create, verified on every subsequent open.
type fileHeader struct {
	magic     uint32
	version   uint32
	createdAt int64 // unix nanoseconds
}

func encodeFileHeader(h fileHeader) []byte {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.createdAt))
	// buf[16:32] reserved, left zero.
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	if len(buf) < fileHeaderSize {
		return fileHeader{}, fmt.Errorf("changelog: short file header, got %d bytes want %d", len(buf), fileHeaderSize)
	}
	h := fileHeader{
		magic:     binary.LittleEndian.Uint32(buf[0:4]),
		version:   binary.LittleEndian.Uint32(buf[4:8]),
		createdAt: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
	if h.magic != fileHeaderMagic {
		return fileHeader{}, fmt.Errorf("changelog: bad file header magic %08x", h.magic)
	}
	if h.version != formatVersion {
		return fileHeader{}, fmt.Errorf("changelog: unsupported format version %d", h.version)
	}
	return h, nil
}
