package changelog

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/geodisk/geodisk"
)

// RepairStats tallies the outcome of a Repair run. The invariant
// Scanned == Healthy+NotFixed always holds (spec.md's "scanned == healthy + notFixed"):
// Healthy counts every record that ended up in dst, whether it was originally intact or
// repaired by one of the three strategies, and the FixedWrongX fields further break that
// count down by which strategy (if any) a given healthy record needed.
type RepairStats struct {
	Scanned            int
	Healthy            int
	FixedWrongMagic    int
	FixedWrongChecksum int
	FixedWrongSize     int
	NotFixed           int
}

// ProgressFunc is called after each record is classified during Repair, with the running
// tally so far.
type ProgressFunc func(stats RepairStats)

type recoveryKind int

const (
	recoverHealthy recoveryKind = iota
	recoverWrongMagic
	recoverWrongChecksum
	recoverWrongSize
	recoverUnfixable
)

// Repair reads src, reconstructs as many valid records as possible into dst, and returns a
// tally of how each record was classified. Records that cannot be recovered by any strategy
// are counted in NotFixed and omitted from dst; dst's own record offsets and prevOffset chain
// are therefore renumbered over only the surviving records.
//
// Three damage classes are recoverable:
//  1. Wrong magic — the magic bytes were flipped but the header CRC (computed over the true
//     magic at write time) still verifies once the magic is substituted back.
//  2. Wrong size — the size field was flipped; the true length is recomputed as the distance
//     to the next record whose own header fully verifies, and cross-checked against the
//     existing trailer. A successor whose magic is also damaged defeats this strategy, per
//     the ordering constraint: a damaged size is only recoverable if its immediate successor's
//     magic is intact.
//  3. Wrong checksum on otherwise-intact framing — the stored header CRC doesn't match the
//     current header fields, but the size is self-confirmed by an independent check (the
//     trailer already matches the payload at that size), so only the header CRC word itself
//     needs recomputing.
//
// A trailer/payload mismatch with an otherwise fully intact header (magic, header CRC, size
// all verify) is deliberately NOT treated as a recoverable checksum error: a single CRC over
// the payload cannot distinguish "the trailer word was corrupted" from "the payload itself
// was corrupted", and recomputing the trailer from the current bytes would silently accept
// corrupted data as genuine. Such records are reported as NotFixed.
func Repair(srcPath, dstPath string, progress ProgressFunc) (RepairStats, error) {
	var stats RepairStats

	src, err := os.ReadFile(srcPath)
	if err != nil {
		return stats, geodisk.NewError(geodisk.IoError, err, srcPath)
	}
	if int64(len(src)) < fileHeaderSize {
		return stats, geodisk.NewError(geodisk.CorruptRecord, fmt.Errorf("file too short for a header"), srcPath)
	}
	if _, err := decodeFileHeader(src[:fileHeaderSize]); err != nil {
		return stats, geodisk.NewError(geodisk.CorruptRecord, err, srcPath)
	}

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return stats, geodisk.NewError(geodisk.IoError, err, dstPath)
	}
	defer dst.Close()

	if _, err := dst.WriteAt(src[:fileHeaderSize], 0); err != nil {
		return stats, geodisk.NewError(geodisk.IoError, err, dstPath)
	}

	pos := int64(fileHeaderSize)
	dstOffset := int64(fileHeaderSize)
	dstPrev := int64(0)
	srcLen := int64(len(src))

	for pos < srcLen {
		if pos+headerSize > srcLen {
			break
		}
		h, _ := decodeHeader(src[pos : pos+headerSize])
		stats.Scanned++

		rec, kind, consumed := recoverOneRecord(src, pos, h, srcLen)
		switch kind {
		case recoverHealthy:
			stats.Healthy++
		case recoverWrongMagic:
			stats.Healthy++
			stats.FixedWrongMagic++
		case recoverWrongChecksum:
			stats.Healthy++
			stats.FixedWrongChecksum++
		case recoverWrongSize:
			stats.Healthy++
			stats.FixedWrongSize++
		default:
			stats.NotFixed++
		}

		if kind != recoverUnfixable {
			buf, err := marshalRecord(rec.typ, rec.payload, uint64(dstPrev))
			if err != nil {
				return stats, geodisk.NewError(geodisk.Internal, err, pos)
			}
			if _, err := dst.WriteAt(buf, dstOffset); err != nil {
				return stats, geodisk.NewError(geodisk.IoError, err, dstPath)
			}
			dstPrev = dstOffset
			dstOffset += int64(len(buf))
		}

		pos += consumed
		if progress != nil {
			progress(stats)
		}
	}

	if err := dst.Sync(); err != nil {
		return stats, geodisk.NewError(geodisk.IoError, err, dstPath)
	}
	return stats, nil
}

// recoverOneRecord classifies and, where possible, reconstructs the record whose header
// starts at pos. consumed is always > 0: the number of src bytes to advance past, whether or
// not the record was recoverable.
func recoverOneRecord(src []byte, pos int64, h recordHeader, srcLen int64) (decodedRecord, recoveryKind, int64) {
	if h.magic == recordMagic {
		if verifyHeaderCRC(h) {
			want := recordLen(int(h.size))
			if pos+want > srcLen {
				return decodedRecord{}, recoverUnfixable, nextResyncPoint(src, pos, srcLen)
			}
			payload := src[pos+headerSize : pos+headerSize+int64(h.size)]
			trl := binary.LittleEndian.Uint32(src[pos+headerSize+int64(h.size) : pos+want])
			if trl == payloadCRC(payload) {
				return decodedRecord{typ: h.typ, payload: clone(payload)}, recoverHealthy, want
			}
			// Header and size are fully self-consistent; only the trailer-vs-payload check
			// fails. Deliberately not fixed: see Repair's doc comment.
			return decodedRecord{}, recoverUnfixable, want
		}

		// Magic intact but header CRC fails: either the header CRC word itself was
		// corrupted (size is still correct), or the size field itself was corrupted.
		want := recordLen(int(h.size))
		if pos+want <= srcLen {
			payload := src[pos+headerSize : pos+headerSize+int64(h.size)]
			trl := binary.LittleEndian.Uint32(src[pos+headerSize+int64(h.size) : pos+want])
			if trl == payloadCRC(payload) {
				// The size field independently checks out (trailer matches the payload at
				// this exact length), so the header CRC word is the only thing corrupted.
				return decodedRecord{typ: h.typ, payload: clone(payload)}, recoverWrongChecksum, want
			}
		}

		if trueSize, ok := recoverSize(src, pos, srcLen); ok {
			payload := src[pos+headerSize : pos+headerSize+trueSize]
			return decodedRecord{typ: h.typ, payload: clone(payload)}, recoverWrongSize, recordLen(int(trueSize))
		}

		return decodedRecord{}, recoverUnfixable, nextResyncPoint(src, pos, srcLen)
	}

	// Magic itself looks wrong. If substituting the true magic constant makes the header CRC
	// verify again, only the magic bytes were corrupted.
	fixed := h
	fixed.magic = recordMagic
	if verifyHeaderCRC(fixed) {
		want := recordLen(int(fixed.size))
		if pos+want <= srcLen {
			payload := src[pos+headerSize : pos+headerSize+int64(fixed.size)]
			trl := binary.LittleEndian.Uint32(src[pos+headerSize+int64(fixed.size) : pos+want])
			if trl == payloadCRC(payload) {
				return decodedRecord{typ: fixed.typ, payload: clone(payload)}, recoverWrongMagic, want
			}
		}
	}
	return decodedRecord{}, recoverUnfixable, nextResyncPoint(src, pos, srcLen)
}

// recoverSize recomputes a damaged size field as the distance to the next record whose own
// header fully verifies (magic and header CRC both intact), then cross-checks that guess
// against the trailer already on disk. If the successor's own magic is not intact, this
// correctly fails: the ordering constraint forbids assuming fixability in that case.
func recoverSize(src []byte, pos int64, srcLen int64) (int64, bool) {
	next, ok := nextIntactHeader(src, pos+headerSize, srcLen)
	if !ok {
		return 0, false
	}
	trueSize := next - (pos + headerSize) - trailerSize
	if trueSize < MinPayloadSize || trueSize > MaxPayloadSize {
		return 0, false
	}
	payload := src[pos+headerSize : pos+headerSize+trueSize]
	trl := binary.LittleEndian.Uint32(src[pos+headerSize+trueSize : pos+headerSize+trueSize+trailerSize])
	if trl != payloadCRC(payload) {
		return 0, false
	}
	return trueSize, true
}

// nextIntactHeader scans forward byte by byte for the next position whose headerSize-byte
// window decodes to a fully-verified header (correct magic and header CRC).
func nextIntactHeader(src []byte, from int64, srcLen int64) (int64, bool) {
	for p := from; p+headerSize <= srcLen; p++ {
		h, err := decodeHeader(src[p : p+headerSize])
		if err != nil {
			continue
		}
		if h.magic == recordMagic && verifyHeaderCRC(h) {
			return p, true
		}
	}
	return 0, false
}

// nextResyncPoint returns where scanning should resume after a record that cannot be
// recovered by any strategy: the next position carrying a fully intact header, or the end of
// the file if none remains.
func nextResyncPoint(src []byte, pos int64, srcLen int64) int64 {
	if p, ok := nextIntactHeader(src, pos+1, srcLen); ok {
		return p - pos
	}
	return srcLen - pos
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
