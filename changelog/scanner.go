package changelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/geodisk/geodisk"
)

// Scanner receives decoded records, in ascending offset order, from ScanAllRecords or Follow.
type Scanner interface {
	ProcessRecord(offset int64, typ RecordType, payload []byte) error
}

// ScannerFunc adapts a plain function to the Scanner interface.
type ScannerFunc func(offset int64, typ RecordType, payload []byte) error

// ProcessRecord calls f.
func (f ScannerFunc) ProcessRecord(offset int64, typ RecordType, payload []byte) error {
	return f(offset, typ, payload)
}

// ErrStopScan is returned by a Scanner's ProcessRecord to end a Follow (or, degenerately, a
// ScanAllRecords) early, without that being treated as a failure.
var ErrStopScan = errors.New("changelog: scanner requested stop")

// ScanAllRecords replays every record from the start of the log to the end of the file, in
// ascending offset order. Bytes past the append point that Open stepped over are scanned
// too, so a partial tail record (a write interrupted by a crash and not yet repaired) fails
// with Truncated and a corrupted record fails with CorruptRecord.
func (s *Store) ScanAllRecords(ctx context.Context, scanner Scanner) error {
	s.mu.Lock()
	end := s.appendOffset
	info, statErr := s.f.Stat()
	s.mu.Unlock()
	if statErr == nil && info.Size() > end {
		end = info.Size()
	}
	_, err := s.scanRange(ctx, fileHeaderSize, end, scanner, true)
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// scanRange walks [start, end) decoding one record at a time and invoking
// scanner.ProcessRecord for each. strict controls how a short/partial record at the tail is
// reported: Truncated (ScanAllRecords) or treated as "nothing more yet" (Follow).
func (s *Store) scanRange(ctx context.Context, start, end int64, scanner Scanner, strict bool) (int64, error) {
	offset := start
	for offset < end {
		if offset+headerSize > end {
			if strict {
				return offset, geodisk.NewError(geodisk.Truncated, fmt.Errorf("partial header at offset %d", offset), offset)
			}
			return offset, nil
		}

		hdrBuf := make([]byte, headerSize)
		if err := s.preadRetry(ctx, hdrBuf, offset); err != nil {
			return offset, geodisk.NewError(geodisk.IoError, err, offset)
		}
		h, err := decodeHeader(hdrBuf)
		if err != nil {
			return offset, geodisk.NewError(geodisk.CorruptRecord, err, offset)
		}

		want := recordLen(int(h.size))
		if offset+want > end {
			if strict {
				return offset, geodisk.NewError(geodisk.Truncated, fmt.Errorf("partial record at offset %d", offset), offset)
			}
			return offset, nil
		}
		if h.magic != recordMagic || !verifyHeaderCRC(h) {
			return offset, geodisk.NewError(geodisk.CorruptRecord, fmt.Errorf("header corrupt at offset %d", offset), offset)
		}

		rest := make([]byte, int(h.size)+trailerSize)
		if err := s.preadRetry(ctx, rest, offset+headerSize); err != nil {
			return offset, geodisk.NewError(geodisk.IoError, err, offset)
		}
		full := make([]byte, 0, headerSize+len(rest))
		full = append(full, hdrBuf...)
		full = append(full, rest...)
		dr, err := unmarshalRecord(full)
		if err != nil {
			return offset, geodisk.NewError(geodisk.CorruptRecord, err, offset)
		}

		if err := scanner.ProcessRecord(offset, dr.typ, dr.payload); err != nil {
			return offset, err
		}
		offset += want
	}
	return offset, nil
}
