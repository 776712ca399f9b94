package raiddp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/geodisk/geodisk"
)

// Stat mirrors the {size, mtime, mode} triple spec.md's Stripe I/O interface requires
// from stat().
type Stat struct {
	Size    int64
	ModTime time.Time
	Mode    uint32
}

// Stripe is one of a group's N+2 target files (or objects), exactly as spec.md §6
// describes: open/read/write/truncate/sync/stat/close, each call bounded by the caller's
// context (standing in for the source's per-call timeout parameter).
type Stripe interface {
	ReadAt(ctx context.Context, offset int64, buf []byte) error
	WriteAt(ctx context.Context, offset int64, buf []byte) error
	Truncate(ctx context.Context, size int64) error
	Sync(ctx context.Context) error
	Stat(ctx context.Context) (Stat, error)
	Close(ctx context.Context) error
}

// ioHandler is the async meta-handler spec.md §6 requires: it fans one task out per
// stripe and aggregates completions into a per-stripe errors map, modeled on
// geodisk.TaskRunner the way the teacher's blob store fans out per-shard reads/writes
// (in_red_cfs/fs/blob_store_erasure_encoding.go's ecGetOne/ecAdd).
type ioHandler struct {
	tr *geodisk.TaskRunner

	mu   sync.Mutex
	errs map[int]error
}

func newIOHandler(ctx context.Context, maxConcurrency int) *ioHandler {
	return &ioHandler{
		tr:   geodisk.NewTaskRunner(ctx, maxConcurrency),
		errs: make(map[int]error),
	}
}

// Go schedules task for stripe index i; a returned error is recorded against i rather
// than failing the whole fan-out, so sibling stripes still complete.
func (h *ioHandler) Go(i int, task func() error) {
	h.tr.Go(func() error {
		if err := task(); err != nil {
			h.mu.Lock()
			h.errs[i] = err
			h.mu.Unlock()
		}
		return nil
	})
}

// Wait blocks for every scheduled task and returns the per-stripe errors map
// ({offset/index → error}, matching spec.md's "errors-map {offset → errno}").
func (h *ioHandler) Wait() (map[int]error, error) {
	if err := h.tr.Wait(); err != nil {
		return nil, fmt.Errorf("raiddp: io handler fan-out: %w", err)
	}
	return h.errs, nil
}
