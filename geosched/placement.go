package geosched

import (
	"fmt"
	"sort"
	"strings"

	"github.com/geodisk/geodisk"
)

// PlaceOptions carries the per-call constraints spec.md §4.2's "PlaceNewReplicasOneGroup"
// contract lists.
type PlaceOptions struct {
	ExistingReplicas    []string // fs ids already holding a replica, excluded from reselection
	ExcludeFs           []string // fs ids never eligible
	ExcludeGeotags      []string // geotag prefixes never eligible
	ForceGeotags        []string // when non-empty, only these geotag prefixes are eligible
	NCollocatedReplicas int      // 0: replicas are spread one-per-branch; otherwise replicas
	// are packed nCollocatedReplicas at a time into successive branches, so a value >= n
	// puts all n into one branch when that branch has enough candidates
	Op OpType
}

// PlaceNewReplicasOneGroup selects n fs from groupName's fast tree to host new replicas,
// honoring exclusions, forced geotags, and the collocation spread, falling back to
// saturated fs only once the unsaturated pool is exhausted (spec.md §4.2 "falls back to
// saturated candidates only if the unsaturated set is exhausted").
func (e *Engine) PlaceNewReplicasOneGroup(groupName string, n int, opts PlaceOptions) ([]string, error) {
	g, err := e.getGroup(groupName)
	if err != nil {
		return nil, err
	}

	exclude := toSet(opts.ExistingReplicas)
	for _, id := range opts.ExcludeFs {
		exclude[id] = true
	}

	e.paramsMu.RLock()
	skipSaturated := e.skipSaturatedForPlacement(opts.Op)
	limit := e.params.FillRatioLimit
	e.paramsMu.RUnlock()

	g.fastMu.RLock()
	defer g.fastMu.RUnlock()

	candidates, err := e.collectCandidates(g, groupName, opts, exclude)
	if err != nil {
		return nil, err
	}
	if len(candidates) < n {
		return nil, geodisk.NewError(geodisk.InsufficientReplicas,
			fmt.Errorf("geosched: group %q has %d eligible fs, need %d", groupName, len(candidates), n), groupName)
	}

	selected := selectDiverse(candidates, n, opts.NCollocatedReplicas, limit, skipSaturated)
	if len(selected) < n && skipSaturated {
		// Unsaturated pool exhausted: retry allowing saturated candidates.
		selected = selectDiverse(candidates, n, opts.NCollocatedReplicas, limit, false)
	}
	if len(selected) < n {
		return nil, geodisk.NewError(geodisk.InsufficientReplicas,
			fmt.Errorf("geosched: group %q could not place %d replicas (found %d)", groupName, n, len(selected)), groupName)
	}

	e.paramsMu.RLock()
	dlByClass, ulByClass := e.params.PlctDlScorePenalty, e.params.PlctUlScorePenalty
	e.paramsMu.RUnlock()

	ids := make([]string, len(selected))
	for i, c := range selected {
		ids[i] = c.leaf.fsID
		c.leaf.applySelectionPenalty(dlByClass[c.leaf.class], ulByClass[c.leaf.class])
	}
	return ids, nil
}

type candidate struct {
	leaf   *fastLeaf
	branch string // geotag cut one segment below the prefix all candidates share, used for collocation spread
}

func (e *Engine) skipSaturatedForPlacement(op OpType) bool {
	switch op {
	case OpDrainPlacement:
		return e.params.SkipSaturatedDrnPlct
	case OpBalancePlacement:
		return e.params.SkipSaturatedBlcPlct
	default:
		return e.params.SkipSaturatedPlct
	}
}

// collectCandidates walks g's fast tree collecting every leaf not excluded by id or by
// geotag, honoring ForceGeotags when set and disabled branches for opts.Op.
func (e *Engine) collectCandidates(g *group, groupName string, opts PlaceOptions, exclude map[string]bool) ([]candidate, error) {
	var out []candidate
	var walk func(n *fastNode)
	var walkErr error
	walk = func(n *fastNode) {
		if walkErr != nil {
			return
		}
		if n.leaf != nil {
			l := n.leaf
			if exclude[l.fsID] {
				return
			}
			if geotagExcluded(l.geotag, opts.ExcludeGeotags) {
				return
			}
			if len(opts.ForceGeotags) > 0 && !geotagMatchesAny(l.geotag, opts.ForceGeotags) {
				return
			}
			if !isEligibleForOp(l.health, opts.Op) {
				return
			}
			disabled, err := e.isDisabled(groupName, opts.Op, l.geotag)
			if err != nil {
				walkErr = err
				return
			}
			if disabled {
				return
			}
			out = append(out, candidate{leaf: l, branch: topSegment(l.geotag)})
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(g.fast.root)
	// Spread at the shallowest level where the candidates' geotags diverge.
	if len(out) > 0 {
		common := len(geotagSegments(out[0].leaf.geotag))
		for _, c := range out[1:] {
			if n := commonPrefixLen(out[0].leaf.geotag, c.leaf.geotag); n < common {
				common = n
			}
		}
		for i := range out {
			if segs := geotagSegments(out[i].leaf.geotag); common < len(segs) {
				out[i].branch = strings.Join(segs[:common+1], "::")
			}
		}
	}
	return out, walkErr
}

func topSegment(geotag string) string {
	segs := geotagSegments(geotag)
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

func geotagExcluded(geotag string, excluded []string) bool {
	for _, prefix := range excluded {
		if hasGeotagPrefix(geotag, prefix) {
			return true
		}
	}
	return false
}

func geotagMatchesAny(geotag string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if hasGeotagPrefix(geotag, prefix) {
			return true
		}
	}
	return false
}

func hasGeotagPrefix(geotag, prefix string) bool {
	return commonPrefixLen(geotag, prefix) == len(geotagSegments(prefix))
}

func isSaturated(l *fastLeaf, limit int) bool {
	return l.filled >= limit
}

// selectDiverse orders candidates by branch, taking nCollocated at a time from each
// branch in round-robin fashion, so replicas spread one per branch when nCollocated is 0
// or 1, or pack nCollocated at a time into as few branches as that allows (all n into one
// branch when nCollocated >= n and that branch has enough candidates).
// Within a branch, candidates are ranked by dlScore/ulScore descending (least-loaded
// first).
func selectDiverse(candidates []candidate, n, nCollocated int, limit int, skipSaturated bool) []candidate {
	byBranch := make(map[string][]candidate)
	var branches []string
	for _, c := range candidates {
		if skipSaturated && isSaturated(c.leaf, limit) {
			continue
		}
		if _, ok := byBranch[c.branch]; !ok {
			branches = append(branches, c.branch)
		}
		byBranch[c.branch] = append(byBranch[c.branch], c)
	}
	sort.Strings(branches)
	for _, b := range branches {
		list := byBranch[b]
		sort.Slice(list, func(i, j int) bool { return maxScore(list[i].leaf) > maxScore(list[j].leaf) })
		byBranch[b] = list
	}

	chunk := nCollocated
	if chunk <= 0 {
		chunk = 1
	}

	var selected []candidate
	taken := make(map[string]int) // branch -> index into byBranch[branch]
	for len(selected) < n {
		progressed := false
		for _, b := range branches {
			list := byBranch[b]
			for i := 0; i < chunk && taken[b] < len(list) && len(selected) < n; i++ {
				selected = append(selected, list[taken[b]])
				taken[b]++
				progressed = true
			}
			if len(selected) >= n {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return selected
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}
