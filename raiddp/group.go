package raiddp

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/geodisk/geodisk"
)

// Group is the RAID-DP storage layer's entry point: N data stripes plus one row-parity
// and one diagonal-parity stripe (N+2 Stripe targets total), read and written one whole
// group (N*N*stripeWidth bytes of user data) at a time. Buffering partial, not-yet-full
// groups is left to the caller — the layer itself only ever encodes "when a group
// becomes full or at flush" per spec.md §4.3, so WriteAt/ReadAt require group-aligned
// offsets and lengths; see DESIGN.md for this scope decision.
type Group struct {
	n             int
	stripeWidth   int
	stripes       []Stripe // len n+2
	storeRecovery bool
	readahead     *readaheadPool
}

// GroupOption configures NewGroup.
type GroupOption func(*Group)

// WithRecoveryWriteback enables spec.md §4.3 step 5: a recovered block is asynchronously
// written back to its stripe target so future reads hit a healthy block.
func WithRecoveryWriteback() GroupOption {
	return func(g *Group) { g.storeRecovery = true }
}

// NewGroup wraps n+2 already-opened stripes (n data, 1 row-parity, 1 diagonal-parity, in
// that order) into a Group.
func NewGroup(n, stripeWidth int, stripes []Stripe, opts ...GroupOption) (*Group, error) {
	if len(stripes) != n+2 {
		return nil, geodisk.NewError(geodisk.Internal,
			fmt.Errorf("raiddp: NewGroup needs %d stripes, got %d", n+2, len(stripes)), n)
	}
	g := &Group{
		n:           n,
		stripeWidth: stripeWidth,
		stripes:     stripes,
		readahead:   newReadaheadPool(defaultReadaheadBlocks, defaultReadaheadBlockLen),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// sizeGroup is the number of user-data bytes one full group holds.
func (g *Group) sizeGroup() int64 { return int64(g.n) * int64(g.n) * int64(g.stripeWidth) }

func (g *Group) rowParityStripe() Stripe { return g.stripes[g.n] }
func (g *Group) diagParityStripe() Stripe { return g.stripes[g.n+1] }

// blockOffset returns the byte offset within a stripe file of the block at row within
// group index groupIdx.
func (g *Group) blockOffset(groupIdx int64, row int) int64 {
	return (groupIdx*int64(g.n) + int64(row)) * int64(g.stripeWidth)
}

// WriteAt writes p, which must cover one or more whole groups, starting at a
// group-aligned offset.
func (g *Group) WriteAt(ctx context.Context, offset int64, p []byte) error {
	sizeGroup := g.sizeGroup()
	if offset%sizeGroup != 0 || int64(len(p))%sizeGroup != 0 {
		return geodisk.NewError(geodisk.Internal,
			fmt.Errorf("raiddp: write of %d bytes at offset %d is not group-aligned (group size %d)", len(p), offset, sizeGroup),
			offset)
	}
	startGroup := offset / sizeGroup
	groupCount := int64(len(p)) / sizeGroup
	for i := int64(0); i < groupCount; i++ {
		chunk := p[i*sizeGroup : (i+1)*sizeGroup]
		if err := g.writeOneGroup(ctx, startGroup+i, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) writeOneGroup(ctx context.Context, groupIdx int64, chunk []byte) error {
	blocks := newGroupBlocks(g.n, g.stripeWidth)
	for i := 0; i < g.n*g.n; i++ {
		copy(blocks.data[i], chunk[i*g.stripeWidth:(i+1)*g.stripeWidth])
	}
	blocks.encodeGroup()

	h := newIOHandler(ctx, len(g.stripes))
	for col := 0; col < g.n; col++ {
		col := col
		h.Go(col, func() error {
			return g.writeColumn(ctx, col, groupIdx, blocks)
		})
	}
	h.Go(g.n, func() error {
		return g.writeStripeRows(ctx, g.rowParityStripe(), groupIdx, blocks.rowParity)
	})
	h.Go(g.n+1, func() error {
		return g.writeStripeRows(ctx, g.diagParityStripe(), groupIdx, blocks.diagParity)
	})
	errs, err := h.Wait()
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return geodisk.NewError(geodisk.IoError, fmt.Errorf("raiddp: write failed on stripe(s) %v", stripeKeys(errs)), groupIdx)
	}
	return nil
}

func (g *Group) writeColumn(ctx context.Context, col int, groupIdx int64, blocks *groupBlocks) error {
	s := g.stripes[col]
	for row := 0; row < g.n; row++ {
		if err := s.WriteAt(ctx, g.blockOffset(groupIdx, row), blocks.data[row*g.n+col]); err != nil {
			return err
		}
	}
	return s.Sync(ctx)
}

func (g *Group) writeStripeRows(ctx context.Context, s Stripe, groupIdx int64, rows [][]byte) error {
	for row := 0; row < g.n; row++ {
		if err := s.WriteAt(ctx, g.blockOffset(groupIdx, row), rows[row]); err != nil {
			return err
		}
	}
	return s.Sync(ctx)
}

// ReadAt returns the length bytes of user data starting at offset, spanning one or more
// groups as needed and reconstructing any group that reads corrupted.
func (g *Group) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	sizeGroup := g.sizeGroup()
	firstGroup := offset / sizeGroup
	lastGroup := (offset + length - 1) / sizeGroup
	out := make([]byte, length)
	for gi := firstGroup; gi <= lastGroup; gi++ {
		data, err := g.readOneGroup(ctx, gi)
		if err != nil {
			return nil, err
		}
		groupStart := gi * sizeGroup
		lo := offset
		if groupStart > lo {
			lo = groupStart
		}
		hi := offset + length
		if groupStart+sizeGroup < hi {
			hi = groupStart + sizeGroup
		}
		copy(out[lo-offset:hi-offset], data[lo-groupStart:hi-groupStart])
	}
	return out, nil
}

func (g *Group) readOneGroup(ctx context.Context, groupIdx int64) ([]byte, error) {
	if cached, ok := g.readahead.Lookup(groupIdx); ok {
		return cached, nil
	}

	blocks := newGroupBlocks(g.n, g.stripeWidth)
	corrupted := make(map[blockRef]bool)
	var mu sync.Mutex
	markCorrupted := func(ref blockRef) {
		mu.Lock()
		corrupted[ref] = true
		mu.Unlock()
	}

	h := newIOHandler(ctx, len(g.stripes))
	for col := 0; col < g.n; col++ {
		col := col
		h.Go(col, func() error {
			for row := 0; row < g.n; row++ {
				ref := dataRef(row, col)
				if err := g.stripes[col].ReadAt(ctx, g.blockOffset(groupIdx, row), blocks.get(ref)); err != nil {
					markCorrupted(ref)
				}
			}
			return nil
		})
	}
	h.Go(g.n, func() error {
		for row := 0; row < g.n; row++ {
			ref := rowParityRef(row)
			if err := g.rowParityStripe().ReadAt(ctx, g.blockOffset(groupIdx, row), blocks.get(ref)); err != nil {
				markCorrupted(ref)
			}
		}
		return nil
	})
	h.Go(g.n+1, func() error {
		for slot := 0; slot < g.n; slot++ {
			ref := diagParityRef(slot)
			if err := g.diagParityStripe().ReadAt(ctx, g.blockOffset(groupIdx, slot), blocks.get(ref)); err != nil {
				markCorrupted(ref)
			}
		}
		return nil
	})
	if _, err := h.Wait(); err != nil {
		return nil, err
	}

	if len(corrupted) > 0 {
		log.Warn("raiddp: group read hit corrupted blocks, attempting recovery", "group", groupIdx, "count", len(corrupted))
		g.readahead.Drain()
		recoveredRefs := make([]blockRef, 0, len(corrupted))
		for ref := range corrupted {
			recoveredRefs = append(recoveredRefs, ref)
		}
		if err := blocks.recoverGroup(corrupted); err != nil {
			return nil, err
		}
		if g.storeRecovery {
			g.writeBackRecovered(ctx, groupIdx, blocks, recoveredRefs)
		}
	}

	data := make([]byte, g.sizeGroup())
	for i := 0; i < g.n*g.n; i++ {
		copy(data[i*g.stripeWidth:(i+1)*g.stripeWidth], blocks.data[i])
	}
	g.readahead.Prefetch(groupIdx, data)
	return data, nil
}

// writeBackRecovered asynchronously rewrites recovered blocks to their stripe targets so
// future reads hit a healthy block, per spec.md §4.3 step 5. Failures are logged, not
// propagated: the read this pass already succeeded from the reconstructed data.
func (g *Group) writeBackRecovered(ctx context.Context, groupIdx int64, blocks *groupBlocks, refs []blockRef) {
	for _, ref := range refs {
		ref := ref
		go func() {
			var s Stripe
			var row int
			switch ref.kind {
			case dataBlockKind:
				s, row = g.stripes[ref.col], ref.row
			case rowParityBlockKind:
				s, row = g.rowParityStripe(), ref.row
			default:
				s, row = g.diagParityStripe(), ref.slot
			}
			if err := s.WriteAt(ctx, g.blockOffset(groupIdx, row), blocks.get(ref)); err != nil {
				log.Warn("raiddp: writing back a recovered block failed", "group", groupIdx, "error", err)
			}
		}()
	}
}

// Truncate implements spec.md §4.3 "Truncate semantics": a user-facing truncate to
// offset rounds up to a group boundary, and each stripe is truncated to the
// corresponding number of group-rows, leaving parity consistent with zero-padded tail
// data (the underlying Stripe.Truncate zero-extends on growth the way a POSIX
// ftruncate does).
func (g *Group) Truncate(ctx context.Context, offset int64) error {
	sizeGroup := g.sizeGroup()
	groupsNeeded := (offset + sizeGroup - 1) / sizeGroup
	perStripeRows := groupsNeeded * int64(g.n)
	newSize := perStripeRows * int64(g.stripeWidth)

	h := newIOHandler(ctx, len(g.stripes))
	for i, s := range g.stripes {
		i, s := i, s
		h.Go(i, func() error { return s.Truncate(ctx, newSize) })
	}
	_, err := h.Wait()
	return err
}

// Close closes every stripe in the group, returning the first error encountered (if
// any) after attempting to close them all.
func (g *Group) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range g.stripes {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func stripeKeys(m map[int]error) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
