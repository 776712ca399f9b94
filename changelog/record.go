// Package changelog implements an append-only, self-describing, crash-safe record log used
// to persist file and container metadata, together with its scanner, follower (tail) and
// offline repair (fsck) engine. Grounded on the teacher repo's fs/transaction_log.go append
// pattern and fs/file_io.go's pread/pwrite retry discipline, generalized to the record
// framing and replay semantics this package needs.
package changelog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType distinguishes the kinds of metadata mutation a record carries.
type RecordType byte

const (
	// UpdateRecord carries a full metadata snapshot for an id (create or modify).
	UpdateRecord RecordType = 1
	// RemoveRecord marks an id as deleted.
	RemoveRecord RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case UpdateRecord:
		return "UPDATE"
	case RemoveRecord:
		return "REMOVE"
	default:
		return fmt.Sprintf("RecordType(%d)", byte(t))
	}
}

// recordMagic opens every record; a "wrong magic" repair strategy scans forward for the
// next occurrence of these two bytes.
const recordMagic uint16 = 0x4D43

const (
	// headerSize is the fixed number of bytes preceding the payload: magic, type, reserved,
	// size, crc-header, prev-offset.
	headerSize = 18
	// trailerSize is the fixed number of bytes following the payload: crc-trailer.
	trailerSize = 4
	// frameOverhead is the total non-payload byte cost of a record.
	frameOverhead = headerSize + trailerSize

	// MinPayloadSize and MaxPayloadSize bound a record's opaque payload.
	MinPayloadSize = 1
	MaxPayloadSize = 65535
)

// recordHeader is the decoded form of a record's fixed 18-byte preamble.
type recordHeader struct {
	magic     uint16
	typ       RecordType
	reserved  byte
	size      uint16
	crcHeader uint32
	prevOffset uint64
}

// headerCRCSpan returns the 14 bytes the header CRC is computed over: magic, type, reserved,
// size and prev-offset, in wire order, excluding the crc-header field itself. This keeps the
// header and payload CRCs over disjoint spans, so a single corrupted word localizes to
// exactly one category.
func headerCRCSpan(magic uint16, typ RecordType, reserved byte, size uint16, prevOffset uint64) []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint16(buf[0:2], magic)
	buf[2] = byte(typ)
	buf[3] = reserved
	binary.LittleEndian.PutUint16(buf[4:6], size)
	binary.LittleEndian.PutUint64(buf[6:14], prevOffset)
	return buf
}

// encodeHeader serializes h into the fixed 18-byte wire layout:
// magic(2) | type+reserved(2) | size(2) | crc-header(4) | prev-offset(8).
func encodeHeader(h recordHeader) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.magic)
	buf[2] = byte(h.typ)
	buf[3] = h.reserved
	binary.LittleEndian.PutUint16(buf[4:6], h.size)
	binary.LittleEndian.PutUint32(buf[6:10], h.crcHeader)
	binary.LittleEndian.PutUint64(buf[10:18], h.prevOffset)
	return buf
}

// decodeHeader parses the fixed 18-byte preamble. It does not verify the CRC; callers check
// that separately so a caller can distinguish "corrupt size" from "corrupt everything".
func decodeHeader(buf []byte) (recordHeader, error) {
	if len(buf) < headerSize {
		return recordHeader{}, fmt.Errorf("changelog: short header, got %d bytes want %d", len(buf), headerSize)
	}
	return recordHeader{
		magic:      binary.LittleEndian.Uint16(buf[0:2]),
		typ:        RecordType(buf[2]),
		reserved:   buf[3],
		size:       binary.LittleEndian.Uint16(buf[4:6]),
		crcHeader:  binary.LittleEndian.Uint32(buf[6:10]),
		prevOffset: binary.LittleEndian.Uint64(buf[10:18]),
	}, nil
}

// verifyHeaderCRC reports whether h's stored crcHeader matches the recomputed CRC of its span.
func verifyHeaderCRC(h recordHeader) bool {
	return h.crcHeader == crc32.ChecksumIEEE(headerCRCSpan(h.magic, h.typ, h.reserved, h.size, h.prevOffset))
}

// payloadCRC computes the trailer CRC, covering the payload bytes only.
func payloadCRC(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// marshalRecord serializes a record ready for a single atomic pwrite: header, payload and
// trailer back to back. prevOffset is the byte offset of the previous record's magic (0 for
// the first record), letting a reader walk the log backwards.
func marshalRecord(typ RecordType, payload []byte, prevOffset uint64) ([]byte, error) {
	if len(payload) < MinPayloadSize || len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("changelog: payload size %d out of range [%d,%d]", len(payload), MinPayloadSize, MaxPayloadSize)
	}

	h := recordHeader{
		magic:      recordMagic,
		typ:        typ,
		size:       uint16(len(payload)),
		prevOffset: prevOffset,
	}
	h.crcHeader = crc32.ChecksumIEEE(headerCRCSpan(h.magic, h.typ, h.reserved, h.size, h.prevOffset))

	out := make([]byte, frameOverhead+len(payload))
	copy(out, encodeHeader(h))
	copy(out[headerSize:], payload)
	binary.LittleEndian.PutUint32(out[headerSize+len(payload):], payloadCRC(payload))
	return out, nil
}

// decodedRecord is a fully-verified, in-memory record.
type decodedRecord struct {
	typ        RecordType
	payload    []byte
	prevOffset uint64
}

// unmarshalRecord parses and verifies a complete record frame (header + payload + trailer)
// of exactly headerSize+size+trailerSize bytes, where size was read from the header. Both
// CRCs must verify or a CorruptRecord-shaped error is returned.
func unmarshalRecord(buf []byte) (decodedRecord, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return decodedRecord{}, err
	}
	if h.magic != recordMagic {
		return decodedRecord{}, fmt.Errorf("changelog: bad magic %04x", h.magic)
	}
	if !verifyHeaderCRC(h) {
		return decodedRecord{}, fmt.Errorf("changelog: header crc mismatch")
	}
	want := headerSize + int(h.size) + trailerSize
	if len(buf) < want {
		return decodedRecord{}, fmt.Errorf("changelog: short record, got %d bytes want %d", len(buf), want)
	}
	payload := buf[headerSize : headerSize+int(h.size)]
	trl := binary.LittleEndian.Uint32(buf[headerSize+int(h.size) : want])
	if trl != payloadCRC(payload) {
		return decodedRecord{}, fmt.Errorf("changelog: trailer crc mismatch")
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return decodedRecord{typ: h.typ, payload: out, prevOffset: h.prevOffset}, nil
}

// recordLen returns the total on-disk length of a record carrying a payload of size bytes.
func recordLen(size int) int64 {
	return int64(frameOverhead + size)
}
