package raiddp

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/geodisk/geodisk"
	"github.com/geodisk/geodisk/internal/blockio"
	"github.com/sethvargo/go-retry"
)

// localFileHeaderMagic identifies a local RAID-DP stripe file. Distinct from the
// changelog's file-header magic so the two formats are never confused.
const localFileHeaderMagic uint32 = 0x52444C31 // "RDL1"

// sizeHeader is the fixed per-stripe-file header size: one block-io-aligned block, so
// block-aligned data always starts on a block boundary for O_DIRECT reads/writes.
const sizeHeader = blockio.BlockSize

// localStripe is the directio-backed Stripe implementation: the layer's primary/default
// target, adapted from the teacher's fs/direct_io.go-based file handling via
// internal/blockio.
type localStripe struct {
	path        string
	stripeWidth int
	f           *blockio.File
}

// openLocalStripe opens (creating if necessary) a local stripe file at path, writing or
// verifying its header.
func openLocalStripe(path string, stripeWidth int) (*localStripe, error) {
	exists := blockio.Exists(path)
	f, err := blockio.Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, geodisk.NewError(geodisk.IoError, err, path)
	}
	s := &localStripe{path: path, stripeWidth: stripeWidth, f: f}
	if !exists {
		if err := s.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}
	if err := s.verifyHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *localStripe) writeHeader() error {
	hdr := blockio.AlignedBlock(1)
	binary.LittleEndian.PutUint32(hdr[0:4], localFileHeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(s.stripeWidth))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(time.Now().UnixNano()))
	if _, err := s.f.WriteAt(hdr, 0); err != nil {
		return geodisk.NewError(geodisk.IoError, err, s.path)
	}
	return s.f.Sync()
}

func (s *localStripe) verifyHeader() error {
	hdr := blockio.AlignedBlock(1)
	if _, err := s.f.ReadAt(hdr, 0); err != nil {
		return geodisk.NewError(geodisk.IoError, err, s.path)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != localFileHeaderMagic {
		return geodisk.NewError(geodisk.CorruptRecord, fmt.Errorf("bad stripe file header magic"), s.path)
	}
	return nil
}

// alignedBlockCount returns how many blockio.BlockSize-sized blocks are needed to hold n
// bytes, rounding up.
func alignedBlockCount(n int) int {
	return (n + blockio.BlockSize - 1) / blockio.BlockSize
}

func (s *localStripe) ReadAt(ctx context.Context, offset int64, buf []byte) error {
	aligned := blockio.AlignedBlock(alignedBlockCount(len(buf)))
	err := geodisk.Retry(ctx, func(ctx context.Context) error {
		_, err := s.f.ReadAt(aligned, sizeHeader+offset)
		if err != nil && geodisk.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
	if err != nil {
		return geodisk.NewError(geodisk.IoError, err, offset)
	}
	copy(buf, aligned[:len(buf)])
	return nil
}

func (s *localStripe) WriteAt(ctx context.Context, offset int64, buf []byte) error {
	aligned := blockio.AlignedBlock(alignedBlockCount(len(buf)))
	copy(aligned, buf)
	err := geodisk.Retry(ctx, func(ctx context.Context) error {
		_, err := s.f.WriteAt(aligned, sizeHeader+offset)
		if err != nil && geodisk.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
	if err != nil {
		return geodisk.NewError(geodisk.IoError, err, offset)
	}
	return nil
}

func (s *localStripe) Truncate(ctx context.Context, size int64) error {
	if err := s.f.Truncate(sizeHeader + size); err != nil {
		return geodisk.NewError(geodisk.IoError, err, s.path)
	}
	return nil
}

func (s *localStripe) Sync(ctx context.Context) error {
	if err := s.f.Sync(); err != nil {
		return geodisk.NewError(geodisk.IoError, err, s.path)
	}
	return nil
}

func (s *localStripe) Stat(ctx context.Context) (Stat, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return Stat{}, geodisk.NewError(geodisk.IoError, err, s.path)
	}
	return Stat{
		Size:    info.Size() - sizeHeader,
		ModTime: info.ModTime(),
		Mode:    uint32(info.Mode()),
	}, nil
}

func (s *localStripe) Close(ctx context.Context) error {
	if err := s.f.Close(); err != nil {
		return geodisk.NewError(geodisk.IoError, err, s.path)
	}
	return nil
}

// truncateStripeContents destroys a local stripe's data in place without removing the
// file, for injecting the kind of damage spec.md's RAID-DP recovery scenario describes
// ("delete the contents of stripes 1 and 3"). Truncating past the header (rather than
// zero-filling) means every read of this stripe's data fails with a short/EOF read, the
// observable "read failed" condition group recovery keys off — zero-filling in place
// would look like valid all-zero data rather than a detectable erasure.
func truncateStripeContents(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(sizeHeader)
}
