package raiddp

// blockKind distinguishes the three kinds of block a group holds.
type blockKind int

const (
	dataBlockKind blockKind = iota
	rowParityBlockKind
	diagParityBlockKind
)

// blockRef addresses one block within a group, regardless of kind.
type blockRef struct {
	kind blockKind
	row  int // dataBlockKind, rowParityBlockKind
	col  int // dataBlockKind
	slot int // diagParityBlockKind
}

func dataRef(row, col int) blockRef   { return blockRef{kind: dataBlockKind, row: row, col: col} }
func rowParityRef(row int) blockRef   { return blockRef{kind: rowParityBlockKind, row: row} }
func diagParityRef(slot int) blockRef { return blockRef{kind: diagParityBlockKind, slot: slot} }

// rowGroup returns the n+1 members of row's row-parity group: its n data blocks plus
// the row-parity block itself. Their XOR is always zero.
func rowGroup(n, row int) []blockRef {
	g := make([]blockRef, 0, n+1)
	for c := 0; c < n; c++ {
		g = append(g, dataRef(row, c))
	}
	g = append(g, rowParityRef(row))
	return g
}

// diagGroup returns the n+1 members of the group sharing diagonal class slotToDiagonal(n,
// slot): one cell per row (a data block, or the row's row-parity block where the
// diagonal's virtual column lands on it), plus the diagonal-parity block itself. Their
// XOR is always zero.
func diagGroup(n, slot int) []blockRef {
	d := slotToDiagonal(n, slot)
	g := make([]blockRef, 0, n+1)
	for row := 0; row < n; row++ {
		col := (d - row) % (n + 1)
		if col < 0 {
			col += n + 1
		}
		if col < n {
			g = append(g, dataRef(row, col))
		} else {
			g = append(g, rowParityRef(row))
		}
	}
	g = append(g, diagParityRef(slot))
	return g
}

// groupsFor returns, in recovery-attempt order (row group first, diagonal group
// second), the XOR groups ref participates in.
func groupsFor(n int, ref blockRef) [][]blockRef {
	switch ref.kind {
	case dataBlockKind:
		groups := [][]blockRef{rowGroup(n, ref.row)}
		d := diagonalOf(n, ref.row, ref.col)
		if d != omittedDiagonal(n) {
			groups = append(groups, diagGroup(n, diagSlot(n, d)))
		}
		return groups
	case rowParityBlockKind:
		// A row-parity block's virtual-grid diagonal never lands on the omitted one
		// (that diagonal is defined to skip the row-parity column entirely), so it
		// always has both recovery paths available.
		d := rowParityDiagonalOf(n, ref.row)
		return [][]blockRef{rowGroup(n, ref.row), diagGroup(n, diagSlot(n, d))}
	default: // diagParityBlockKind
		return [][]blockRef{diagGroup(n, ref.slot)}
	}
}
