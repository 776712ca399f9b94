// Package blockio provides the byte-addressable, block-aligned file abstraction the
// RAID-DP stripe targets are built on, plus the fcntl byte-range locking helper the
// changelog store uses to guard its append point. Adapted from the teacher repo's
// fs/direct_io.go.
package blockio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ncw/directio"
)

// BlockSize is the O_DIRECT-aligned block size stripe files are read/written in.
const BlockSize = directio.BlockSize

// ErrLockBlocked is returned when a byte-range lock could not be acquired before its
// timeout elapsed.
var ErrLockBlocked = errors.New("blockio: acquiring lock is blocked by another process")

// File wraps an O_DIRECT file handle opened for aligned block I/O.
type File struct {
	file     *os.File
	filename string
}

// Open opens filename with O_DIRECT semantics via directio.OpenFile.
func Open(filename string, flag int, perm os.FileMode) (*File, error) {
	f, err := directio.OpenFile(filename, flag, perm)
	if err != nil {
		return nil, err
	}
	return &File{file: f, filename: filename}, nil
}

// Exists reports whether filename exists on disk.
func Exists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}

// Size returns the current size in bytes of filename.
func Size(filename string) (int64, error) {
	s, err := os.Stat(filename)
	if err != nil {
		return 0, err
	}
	return s.Size(), nil
}

// AlignedBlock allocates a buffer aligned to the O_DIRECT sector size, sized to hold n
// blocks of BlockSize bytes.
func AlignedBlock(n int) []byte {
	return directio.AlignedBlock(n * BlockSize)
}

// WriteAt writes an aligned block at the given (block-aligned) offset.
func (f *File) WriteAt(block []byte, offset int64) (int, error) {
	if f.file == nil {
		return 0, fmt.Errorf("blockio: write on closed file %s", f.filename)
	}
	return f.file.WriteAt(block, offset)
}

// ReadAt reads into an aligned block from the given (block-aligned) offset.
func (f *File) ReadAt(block []byte, offset int64) (int, error) {
	if f.file == nil {
		return 0, fmt.Errorf("blockio: read on closed file %s", f.filename)
	}
	return f.file.ReadAt(block, offset)
}

// Truncate resizes the underlying file.
func (f *File) Truncate(size int64) error {
	if f.file == nil {
		return fmt.Errorf("blockio: truncate on closed file %s", f.filename)
	}
	return f.file.Truncate(size)
}

// Sync flushes the underlying file to stable storage.
func (f *File) Sync() error {
	if f.file == nil {
		return fmt.Errorf("blockio: sync on closed file %s", f.filename)
	}
	return f.file.Sync()
}

// Fd exposes the raw file descriptor, needed by the byte-range locking helpers below.
func (f *File) Fd() uintptr {
	return f.file.Fd()
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// LockRegion acquires an exclusive fcntl byte-range lock on [offset, offset+length),
// waiting up to timeout (0 means try-once, non-blocking).
func LockRegion(ctx context.Context, fd uintptr, offset, length int64, timeout time.Duration) error {
	flock := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: 0,
		Start:  offset,
		Len:    length,
		Pid:    int32(syscall.Getpid()),
	}

	if timeout <= 0 {
		return syscall.FcntlFlock(fd, syscall.F_SETLK, &flock)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- syscall.FcntlFlock(fd, syscall.F_SETLKW, &flock)
	}()

	select {
	case err := <-done:
		return err
	case <-waitCtx.Done():
		return ErrLockBlocked
	}
}

// IsRegionLocked reports whether [offset, offset+length) currently carries a conflicting
// lock (write lock requested when readWrite is true, read lock otherwise).
func IsRegionLocked(fd uintptr, readWrite bool, offset, length int64) (bool, error) {
	t := int16(syscall.F_RDLCK)
	if readWrite {
		t = syscall.F_WRLCK
	}
	flock := syscall.Flock_t{Type: t, Start: offset, Len: length, Whence: 0}
	if err := syscall.FcntlFlock(fd, syscall.F_GETLK, &flock); err != nil {
		return false, err
	}
	return flock.Type != syscall.F_UNLCK, nil
}

// UnlockRegion releases a previously acquired byte-range lock.
func UnlockRegion(fd uintptr, offset, length int64) error {
	flock := syscall.Flock_t{
		Type:   syscall.F_UNLCK,
		Start:  offset,
		Len:    length,
		Whence: 0,
		Pid:    int32(syscall.Getpid()),
	}
	return syscall.FcntlFlock(fd, syscall.F_SETLK, &flock)
}
