package raiddp

import (
	"bytes"
	"math/rand"
	"testing"
)

func fillRandomGroup(n, stripeWidth int, seed int64) *groupBlocks {
	r := rand.New(rand.NewSource(seed))
	g := newGroupBlocks(n, stripeWidth)
	for i := range g.data {
		r.Read(g.data[i])
	}
	g.encodeGroup()
	return g
}

func allRefs(n int) []blockRef {
	refs := make([]blockRef, 0, totalBlockCount(n))
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			refs = append(refs, dataRef(row, col))
		}
	}
	for row := 0; row < n; row++ {
		refs = append(refs, rowParityRef(row))
	}
	for slot := 0; slot < n; slot++ {
		refs = append(refs, diagParityRef(slot))
	}
	return refs
}

func TestEncodeGroupRowParityIsXORofRow(t *testing.T) {
	n, stripeWidth := 4, 16
	g := fillRandomGroup(n, stripeWidth, 1)
	for row := 0; row < n; row++ {
		want := make([]byte, stripeWidth)
		for col := 0; col < n; col++ {
			xorInto(want, g.data[row*n+col])
		}
		if !bytes.Equal(want, g.rowParity[row]) {
			t.Errorf("row %d parity mismatch", row)
		}
	}
}

func TestSingleBlockLossIsAlwaysRecoverable(t *testing.T) {
	n, stripeWidth := 4, 16
	for _, ref := range allRefs(n) {
		g := fillRandomGroup(n, stripeWidth, 42)
		want := append([]byte(nil), g.get(ref)...)

		corrupted := map[blockRef]bool{ref: true}
		zero(g.get(ref))
		if err := g.recoverGroup(corrupted); err != nil {
			t.Fatalf("recoverGroup single loss of %+v: %v", ref, err)
		}
		if !bytes.Equal(want, g.get(ref)) {
			t.Errorf("recovered %+v mismatch", ref)
		}
		if len(corrupted) != 0 {
			t.Errorf("corrupted set not drained for %+v", ref)
		}
	}
}

// TestArbitraryTwoBlockLossesRecover exercises every distinct pair of blocks in a
// 4-stripe group (data, row-parity, and diagonal-parity blocks alike). The iterative
// row-then-diagonal recovery in codec.go resolves a corrupted block as soon as a single
// pass finds a group where it's the lone corrupted member, and a second pass can pick up
// whatever the first pass's recoveries unblocked; for a two-block loss this always
// converges, matching spec.md's "any two lost blocks are recoverable" guarantee. The
// genuinely hard case the row/diagonal interplay exists for is whole-stripe-column loss
// (see TestWholeStripeColumnLossRecovers), not an arbitrary pair.
func TestArbitraryTwoBlockLossesRecover(t *testing.T) {
	n, stripeWidth := 4, 16
	refs := allRefs(n)

	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			a, b := refs[i], refs[j]
			g := fillRandomGroup(n, stripeWidth, 7)
			wantA := append([]byte(nil), g.get(a)...)
			wantB := append([]byte(nil), g.get(b)...)
			zero(g.get(a))
			zero(g.get(b))
			corrupted := map[blockRef]bool{a: true, b: true}
			if err := g.recoverGroup(corrupted); err != nil {
				t.Fatalf("pair %+v/%+v: %v", a, b, err)
			}
			if !bytes.Equal(wantA, g.get(a)) || !bytes.Equal(wantB, g.get(b)) {
				t.Errorf("pair %+v/%+v: recovered data mismatch", a, b)
			}
		}
	}
}
