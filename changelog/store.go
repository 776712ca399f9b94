package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/geodisk/geodisk"
	"github.com/geodisk/geodisk/internal/blockio"
	"github.com/sethvargo/go-retry"
)

// appendLockTimeout bounds how long StoreRecord waits to acquire the fcntl byte-range lock
// on the region it's about to write, before giving up rather than blocking forever on a
// stuck peer process.
const appendLockTimeout = 5 * time.Second

// Store is an append-only changelog file: a fixed file header followed by a sequence of
// variable-length records. Writes are single-producer within a process (mu serializes
// in-process mutations), but multiple processes can hold the same path open; the append
// point is additionally guarded by an fcntl byte-range lock on the bytes about to be
// written, so two processes racing to append never interleave their writes. Follow uses
// pread at explicit offsets and never observes a record until its header, payload and
// trailer have all landed and the append pointer has advanced past it, so it takes no lock.
// ScanAllRecords holds mu only while it reads the append point and the file size, and
// scans up to the end of the file.
type Store struct {
	mu  sync.Mutex
	f   *os.File
	path string

	appendOffset int64 // next write position; also the exclusive end of the valid log
	lastOffset   int64 // offset of the most recently stored record's magic byte, or -1
}

// Open creates or opens an append log at path. On create, it writes a file header
// identifying format and version; on reopen, it verifies that header and then walks the
// trailing records once to find where the valid log ends, tolerating (and logging) a
// trailing partial record left by a crash between writes.
func Open(ctx context.Context, path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, geodisk.NewError(geodisk.IoError, err, path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, geodisk.NewError(geodisk.IoError, err, path)
	}

	s := &Store{f: f, path: path, lastOffset: -1}

	if info.Size() == 0 {
		hdr := fileHeader{magic: fileHeaderMagic, version: formatVersion, createdAt: time.Now().UnixNano()}
		if err := s.pwriteRetry(ctx, encodeFileHeader(hdr), 0); err != nil {
			f.Close()
			return nil, geodisk.NewError(geodisk.IoError, err, path)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, geodisk.NewError(geodisk.IoError, err, path)
		}
		s.appendOffset = fileHeaderSize
		return s, nil
	}

	if locked, err := blockio.IsRegionLocked(f.Fd(), true, fileHeaderSize, 0); err == nil && locked {
		slog.Warn("changelog: append region already locked by another process at open", "path", path)
	}

	hdrBuf := make([]byte, fileHeaderSize)
	if err := s.preadRetry(ctx, hdrBuf, 0); err != nil {
		f.Close()
		return nil, geodisk.NewError(geodisk.IoError, err, path)
	}
	if _, err := decodeFileHeader(hdrBuf); err != nil {
		f.Close()
		return nil, geodisk.NewError(geodisk.CorruptRecord, err, path)
	}

	end, last, err := s.recoverTail(ctx, fileHeaderSize, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if end < info.Size() {
		slog.Warn("changelog: trailing bytes past the last valid record, truncating append point", "path", path, "validEnd", end, "fileSize", info.Size())
	}
	s.appendOffset = end
	s.lastOffset = last
	return s, nil
}

// recoverTail walks records from start to fileSize, stopping at the first record that is
// corrupt or too short to be complete. A damaged or partial tail is not an error: it just
// means the valid log ends before that point, and future writes append there, overwriting
// the unrecoverable tail. It fails (IoError) only when a read itself fails.
func (s *Store) recoverTail(ctx context.Context, start, fileSize int64) (end, last int64, err error) {
	offset := start
	last = -1
	for offset < fileSize {
		if offset+headerSize > fileSize {
			break
		}
		hdrBuf := make([]byte, headerSize)
		if err := s.preadRetry(ctx, hdrBuf, offset); err != nil {
			return offset, last, geodisk.NewError(geodisk.IoError, err, offset)
		}
		h, err := decodeHeader(hdrBuf)
		if err != nil || h.magic != recordMagic || !verifyHeaderCRC(h) {
			break
		}
		want := recordLen(int(h.size))
		if offset+want > fileSize {
			break
		}
		trl := make([]byte, trailerSize)
		if err := s.preadRetry(ctx, trl, offset+headerSize+int64(h.size)); err != nil {
			return offset, last, geodisk.NewError(geodisk.IoError, err, offset)
		}
		payload := make([]byte, h.size)
		if err := s.preadRetry(ctx, payload, offset+headerSize); err != nil {
			return offset, last, geodisk.NewError(geodisk.IoError, err, offset)
		}
		if payloadCRC(payload) != leUint32(trl) {
			break
		}
		last = offset
		offset += want
	}
	return offset, last, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// EndOffset returns the current append pointer: the offset one past the last stored record.
func (s *Store) EndOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendOffset
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// StoreRecord appends a record atomically and returns the byte offset of its start. Offsets
// returned across calls are strictly increasing. The written region is held under an fcntl
// byte-range lock for the duration of the write, so a second process appending to the same
// path (e.g. during a handover between an old and new writer) cannot interleave its write
// with this one.
func (s *Store) StoreRecord(ctx context.Context, typ RecordType, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastOffset
	if prev < 0 {
		prev = 0
	}
	buf, err := marshalRecord(typ, payload, uint64(prev))
	if err != nil {
		return 0, geodisk.NewError(geodisk.Internal, err, nil)
	}

	offset := s.appendOffset
	length := int64(len(buf))
	if err := blockio.LockRegion(ctx, s.f.Fd(), offset, length, appendLockTimeout); err != nil {
		return 0, geodisk.NewError(geodisk.IoError, err, s.path)
	}
	defer blockio.UnlockRegion(s.f.Fd(), offset, length)

	if err := s.pwriteRetry(ctx, buf, offset); err != nil {
		return 0, geodisk.NewError(geodisk.IoError, err, s.path)
	}
	if err := s.f.Sync(); err != nil {
		return 0, geodisk.NewError(geodisk.IoError, err, s.path)
	}

	s.appendOffset = offset + length
	s.lastOffset = offset
	return offset, nil
}

// ReadRecord reads and verifies one record at offset. It fails with CorruptRecord if the
// magic or either checksum does not verify.
func (s *Store) ReadRecord(ctx context.Context, offset int64) (RecordType, []byte, error) {
	if offset < fileHeaderSize {
		return 0, nil, geodisk.NewError(geodisk.Internal, fmt.Errorf("offset %d precedes the file header", offset), offset)
	}

	hdrBuf := make([]byte, headerSize)
	if err := s.preadRetry(ctx, hdrBuf, offset); err != nil {
		return 0, nil, geodisk.NewError(geodisk.IoError, err, offset)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return 0, nil, geodisk.NewError(geodisk.CorruptRecord, err, offset)
	}
	if h.magic != recordMagic || !verifyHeaderCRC(h) {
		return 0, nil, geodisk.NewError(geodisk.CorruptRecord, fmt.Errorf("header corrupt at offset %d", offset), offset)
	}

	rest := make([]byte, int(h.size)+trailerSize)
	if err := s.preadRetry(ctx, rest, offset+headerSize); err != nil {
		return 0, nil, geodisk.NewError(geodisk.IoError, err, offset)
	}

	full := make([]byte, 0, headerSize+len(rest))
	full = append(full, hdrBuf...)
	full = append(full, rest...)
	dr, err := unmarshalRecord(full)
	if err != nil {
		return 0, nil, geodisk.NewError(geodisk.CorruptRecord, err, offset)
	}
	return dr.typ, dr.payload, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.f.Close()
}

// pwriteRetry writes buf at offset, retrying transient OS errors with bounded backoff.
func (s *Store) pwriteRetry(ctx context.Context, buf []byte, offset int64) error {
	return geodisk.Retry(ctx, func(ctx context.Context) error {
		_, err := s.f.WriteAt(buf, offset)
		if err != nil && geodisk.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
}

// preadRetry reads len(buf) bytes at offset into buf, retrying transient OS errors.
func (s *Store) preadRetry(ctx context.Context, buf []byte, offset int64) error {
	return geodisk.Retry(ctx, func(ctx context.Context) error {
		_, err := s.f.ReadAt(buf, offset)
		if err != nil && geodisk.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
}
