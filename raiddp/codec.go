package raiddp

import (
	"fmt"

	"github.com/geodisk/geodisk"
)

// groupBlocks holds one group's worth of block buffers, keyed by blockRef. All buffers
// are the same length (stripeWidth).
type groupBlocks struct {
	n           int
	stripeWidth int
	data        [][]byte // n*n, row-major
	rowParity   [][]byte // n
	diagParity  [][]byte // n
}

func newGroupBlocks(n, stripeWidth int) *groupBlocks {
	g := &groupBlocks{n: n, stripeWidth: stripeWidth}
	g.data = make([][]byte, n*n)
	for i := range g.data {
		g.data[i] = make([]byte, stripeWidth)
	}
	g.rowParity = make([][]byte, n)
	g.diagParity = make([][]byte, n)
	for i := 0; i < n; i++ {
		g.rowParity[i] = make([]byte, stripeWidth)
		g.diagParity[i] = make([]byte, stripeWidth)
	}
	return g
}

func (g *groupBlocks) get(ref blockRef) []byte {
	switch ref.kind {
	case dataBlockKind:
		return g.data[ref.row*g.n+ref.col]
	case rowParityBlockKind:
		return g.rowParity[ref.row]
	default:
		return g.diagParity[ref.slot]
	}
}

// encodeGroup computes row-parity and diagonal-parity blocks from g.data. Row parity is
// the straightforward XOR of each row's data blocks. Diagonal parity sums the blocks
// returned by diagGroup's grid walk minus the diagonal-parity block itself (see
// geometry.go for why row-parity blocks can be diagonal members).
func (g *groupBlocks) encodeGroup() {
	n := g.n
	for row := 0; row < n; row++ {
		rp := g.rowParity[row]
		zero(rp)
		for col := 0; col < n; col++ {
			xorInto(rp, g.data[row*n+col])
		}
	}
	for slot := 0; slot < n; slot++ {
		dp := g.diagParity[slot]
		zero(dp)
		members := diagGroup(n, slot)
		for _, m := range members {
			if m.kind == diagParityBlockKind {
				continue
			}
			xorInto(dp, g.get(m))
		}
	}
}

// recoverGroup reconstructs every block named in corrupted from the group's surviving
// blocks, trying row recovery before diagonal recovery for each, and iterating passes
// until either the set drains (success) or a full pass makes no progress (permanent
// failure — at minimum two corrupted blocks were both confined to the omitted
// diagonal's group with no row-recovery path between them).
func (g *groupBlocks) recoverGroup(corrupted map[blockRef]bool) error {
	pending := make([]blockRef, 0, len(corrupted))
	for ref := range corrupted {
		pending = append(pending, ref)
	}

	for len(pending) > 0 {
		progressed := false
		next := pending[:0]
		for _, ref := range pending {
			if g.tryRecoverOne(ref, corrupted) {
				progressed = true
				continue
			}
			next = append(next, ref)
		}
		pending = next
		if !progressed {
			return geodisk.NewError(geodisk.Internal,
				fmt.Errorf("raiddp: %d block(s) unrecoverable after a full pass with no progress", len(pending)),
				pending)
		}
	}
	return nil
}

func (g *groupBlocks) tryRecoverOne(ref blockRef, corrupted map[blockRef]bool) bool {
	for _, members := range groupsFor(g.n, ref) {
		if g.recoverFromGroup(ref, members, corrupted) {
			delete(corrupted, ref)
			return true
		}
	}
	return false
}

// recoverFromGroup reconstructs ref's buffer as the XOR of the other members of members,
// provided ref is the only corrupted member of that group.
func (g *groupBlocks) recoverFromGroup(ref blockRef, members []blockRef, corrupted map[blockRef]bool) bool {
	for _, m := range members {
		if m != ref && corrupted[m] {
			return false
		}
	}
	buf := g.get(ref)
	zero(buf)
	for _, m := range members {
		if m == ref {
			continue
		}
		xorInto(buf, g.get(m))
	}
	return true
}
