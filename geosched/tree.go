package geosched

import (
	"sort"
	"sync/atomic"
)

// slowNode is the mutable tree spec.md §4.2 calls "the slow tree": one node per
// "::"-delimited geotag segment, fs leaves attached at the node matching their full
// geotag. Guarded by a group's slowMu.
type slowNode struct {
	segment  string
	children map[string]*slowNode
	fs       map[string]*Fs // fsid -> Fs, populated only where segment path == fs.Geotag
}

func newSlowNode(segment string) *slowNode {
	return &slowNode{segment: segment, children: make(map[string]*slowNode), fs: make(map[string]*Fs)}
}

// insert attaches fs at the node matching its geotag, creating intermediate nodes as
// needed.
func (n *slowNode) insert(fs *Fs) {
	cur := n
	for _, seg := range geotagSegments(fs.Geotag) {
		child, ok := cur.children[seg]
		if !ok {
			child = newSlowNode(seg)
			cur.children[seg] = child
		}
		cur = child
	}
	cur.fs[fs.ID] = fs
}

// remove detaches the fs with the given id and geotag, pruning now-empty intermediate
// nodes back up to (not including) the root.
func (n *slowNode) remove(geotag, fsID string) {
	segs := geotagSegments(geotag)
	path := make([]*slowNode, 0, len(segs)+1)
	path = append(path, n)
	cur := n
	for _, seg := range segs {
		child, ok := cur.children[seg]
		if !ok {
			return
		}
		path = append(path, child)
		cur = child
	}
	delete(cur.fs, fsID)
	for i := len(path) - 1; i > 0; i-- {
		node := path[i]
		if len(node.fs) == 0 && len(node.children) == 0 {
			delete(path[i-1].children, node.segment)
		} else {
			break
		}
	}
}

func (n *slowNode) isEmpty() bool {
	return len(n.fs) == 0 && len(n.children) == 0
}

// fastLeaf is one fs's read-optimized snapshot: its static identity plus atomically
// mutated download/upload scores. Rebuilt wholesale on topology change, updated in place
// (score only) on a health-only change, per spec.md §4.2's fast/slow discipline.
type fastLeaf struct {
	fsID   string
	geotag string
	host   string
	class  int
	filled int
	bavail uint64
	health Health // last-known full snapshot, read by the penalty loop

	base      atomic.Int64 // fill-derived score before penalty subtraction
	dlPenalty atomic.Int64 // smoothed download penalty, applied by penalty.go
	ulPenalty atomic.Int64 // smoothed upload penalty
	dlScore   atomic.Int64 // base - dlPenalty, what placement/access read
	ulScore   atomic.Int64 // base - ulPenalty

	// dlApplied/ulApplied/selections accumulate this frame's per-selection penalty
	// bookkeeping: every time placement or access picks this leaf, applySelectionPenalty
	// subtracts the op's class penalty from dlScore/ulScore directly (rather than waiting
	// for the next smoothing tick) and records it here, reset each frame by the penalty
	// loop. See original_source/mgm/GeoTreeEngine.hh's applyDlScorePenalty/
	// applyUlScorePenalty for the mechanism this mirrors.
	dlApplied  atomic.Int64
	ulApplied  atomic.Int64
	selections atomic.Int64
}

// applySelectionPenalty subtracts dlPen/ulPen from the leaf's live scores immediately
// and records the amount applied, so a fs selected repeatedly within one frame is
// disfavored for the rest of that frame rather than only on the next smoothing tick.
func (l *fastLeaf) applySelectionPenalty(dlPen, ulPen int64) {
	l.dlScore.Add(-dlPen)
	l.ulScore.Add(-ulPen)
	l.dlApplied.Add(dlPen)
	l.ulApplied.Add(ulPen)
	l.selections.Add(1)
}

// resetFrame zeroes the per-frame selection bookkeeping, called once per leaf at the
// start of each penalty-loop tick.
func (l *fastLeaf) resetFrame() {
	l.dlApplied.Store(0)
	l.ulApplied.Store(0)
	l.selections.Store(0)
}

func baseScore(h Health) int64 {
	return int64(100-h.NominalFilled) * 100
}

// refreshScores recomputes dlScore/ulScore from the leaf's current base and penalty
// values. Called whenever either input changes.
func (l *fastLeaf) refreshScores() {
	b := l.base.Load()
	l.dlScore.Store(b - l.dlPenalty.Load())
	l.ulScore.Store(b - l.ulPenalty.Load())
}

func newFastLeaf(fs *Fs) *fastLeaf {
	l := &fastLeaf{
		fsID:   fs.ID,
		geotag: fs.Geotag,
		host:   fs.Host,
		class:  fs.Health.NetSpeedClass(),
		filled: fs.Health.NominalFilled,
		bavail: fs.Health.StatfsBavail,
		health: fs.Health,
	}
	l.base.Store(baseScore(fs.Health))
	l.refreshScores()
	return l
}

// fastNode is the array-packed, read-only tree shape: either an internal branch (leaf
// nil, children populated) or a single fs leaf (children nil).
type fastNode struct {
	segment   string
	children  []*fastNode
	leaf      *fastLeaf
	bestScore int64 // max(dl,ul) score among this subtree's leaves at build time
}

// fastTree is one group's read-optimized snapshot, replaced wholesale on rebuild.
type fastTree struct {
	root      *fastNode
	leafIndex map[string]*fastLeaf // fsid -> leaf, shared by reference with the tree
}

// buildFastTree rebuilds a fastTree wholesale from the slow tree, reusing existing
// fastLeaf score state across rebuilds so in-flight penalty accumulation for a surviving
// fs is not reset by an unrelated topology change elsewhere in the group.
func buildFastTree(slow *slowNode, prev *fastTree) *fastTree {
	leafIndex := make(map[string]*fastLeaf)
	root := buildFastNode(slow, prev, leafIndex)
	return &fastTree{root: root, leafIndex: leafIndex}
}

func buildFastNode(n *slowNode, prev *fastTree, leafIndex map[string]*fastLeaf) *fastNode {
	node := &fastNode{segment: n.segment}
	var children []*fastNode
	for _, fs := range n.fs {
		leaf := reuseOrNewLeaf(fs, prev)
		leafIndex[fs.ID] = leaf
		leafNode := &fastNode{segment: n.segment, leaf: leaf, bestScore: maxScore(leaf)}
		children = append(children, leafNode)
	}
	for _, child := range n.children {
		children = append(children, buildFastNode(child, prev, leafIndex))
	}
	sort.Slice(children, func(i, j int) bool { return childKey(children[i]) < childKey(children[j]) })
	node.children = children
	node.bestScore = bestAmong(children)
	return node
}

func reuseOrNewLeaf(fs *Fs, prev *fastTree) *fastLeaf {
	if prev != nil {
		if existing, ok := prev.leafIndex[fs.ID]; ok {
			existing.geotag = fs.Geotag
			existing.host = fs.Host
			existing.class = fs.Health.NetSpeedClass()
			existing.filled = fs.Health.NominalFilled
			existing.bavail = fs.Health.StatfsBavail
			existing.health = fs.Health
			return existing
		}
	}
	return newFastLeaf(fs)
}

// updateLeafHealth refreshes an existing leaf's snapshot fields and base score in place,
// for the "health state changes only" path that doesn't require a fast-tree rebuild.
// Accumulated penalties are preserved across the update.
func updateLeafHealth(leaf *fastLeaf, fs *Fs) {
	leaf.class = fs.Health.NetSpeedClass()
	leaf.filled = fs.Health.NominalFilled
	leaf.bavail = fs.Health.StatfsBavail
	leaf.health = fs.Health
	leaf.base.Store(baseScore(fs.Health))
	leaf.refreshScores()
}

func maxScore(l *fastLeaf) int64 {
	d, u := l.dlScore.Load(), l.ulScore.Load()
	if d > u {
		return d
	}
	return u
}

func bestAmong(children []*fastNode) int64 {
	var best int64 = -1 << 62
	for _, c := range children {
		if c.bestScore > best {
			best = c.bestScore
		}
	}
	return best
}

func childKey(n *fastNode) string {
	if n.leaf != nil {
		return n.segment + "\x00" + n.leaf.fsID
	}
	return n.segment
}
