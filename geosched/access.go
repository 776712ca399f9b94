package geosched

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/geodisk/geodisk"
)

// AccessReplicasOneGroup ranks existing replica fs by geotag proximity to accesserGeotag
// (longest common "::"-prefix first), breaking ties by load score, per spec.md §4.2
// "AccessReplicasOneGroup ... biases selection toward the geotag nearest the accesser".
// existing fs ids not currently present in the group's fast tree are kept at the tail in
// their original order rather than dropped, since a replica can be transiently offline
// without being unselectable.
func (e *Engine) AccessReplicasOneGroup(groupName string, existing []string, accesserGeotag string) ([]string, error) {
	g, err := e.getGroup(groupName)
	if err != nil {
		return nil, err
	}

	g.fastMu.RLock()
	defer g.fastMu.RUnlock()

	type ranked struct {
		id       string
		prefix   int
		score    int64
		resolved bool
	}
	rs := make([]ranked, len(existing))
	for i, id := range existing {
		rs[i] = ranked{id: id}
		if leaf, ok := g.fast.leafIndex[id]; ok && isEligibleForOp(leaf.health, OpAccess) {
			rs[i].prefix = commonPrefixLen(leaf.geotag, accesserGeotag)
			rs[i].score = maxScore(leaf)
			rs[i].resolved = true
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].resolved != rs[j].resolved {
			return rs[i].resolved
		}
		if rs[i].prefix != rs[j].prefix {
			return rs[i].prefix > rs[j].prefix
		}
		return rs[i].score > rs[j].score
	})

	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.id
	}
	return out, nil
}

// AccessHeadReplicaMultipleGroup picks which of existing's replicas should serve a read,
// returning its index. existing's replicas are not assumed to share a single group: each
// fs is resolved to its owning group via the engine's fsid->group reverse index, the
// single-group candidate walk runs once per distinct group represented, and the results
// are merged into one geoscore-ranked pool before a replica is chosen — per spec.md §4.2
// "Access algorithm" ("When multiple groups host existing replicas, call the single-group
// access path per group, then compute a geolocation score per candidate"). n is the
// number of replicas the caller requires to be available for this access to be considered
// safe; per spec.md §4.2/§7 and original_source/mgm/GeoTreeEngine.cc's
// accessHeadReplicaMultipleGroup, failure maps to four distinct codes: CapacityFull
// (EROFS) when n exceeds len(existing) outright, PolicyViolation (ENODATA) when
// forcedFsID isn't among existing, InsufficientReplicas (ENONET) when fewer than n
// existing replicas currently resolve and are eligible (or the forced one doesn't), and
// Internal (EIO) for the otherwise-unreachable case where no eligible replica can be
// resolved despite the count check passing. Eligibility excludes a fs that's down,
// inactive, draining, or balancing (isEligibleForOp), matching spec.md §3's distinction
// between the regular and drain/balance access trees. Among candidates tied for the
// highest geoscore (longest geotag prefix, then load score), the winner is drawn
// uniformly at random, per spec.md §4.2 "the winner is a uniform draw over the
// highest-scoring bucket".
func (e *Engine) AccessHeadReplicaMultipleGroup(n int, existing []string, accesserGeotag, forcedFsID string) (int, error) {
	if n > len(existing) {
		return 0, geodisk.NewError(geodisk.CapacityFull,
			fmt.Errorf("geosched: access requires %d replicas but only %d exist", n, len(existing)), len(existing))
	}

	e.paramsMu.RLock()
	skipSaturated := e.params.SkipSaturatedAccess
	limit := e.params.FillRatioLimit
	dlByClass, ulByClass := e.params.AccessDlScorePenalty, e.params.AccessUlScorePenalty
	e.paramsMu.RUnlock()

	// byGroup partitions existing's indices by the group each fs currently belongs to, so
	// each group's fast tree is locked and walked exactly once regardless of how many of
	// existing's replicas it hosts.
	byGroup := make(map[string][]int)
	for i, id := range existing {
		if gn, ok := e.groupOfFs(id); ok {
			byGroup[gn] = append(byGroup[gn], i)
		}
	}

	if forcedFsID != "" {
		forcedIdx := -1
		for i, id := range existing {
			if id == forcedFsID {
				forcedIdx = i
				break
			}
		}
		if forcedIdx < 0 {
			return 0, geodisk.NewError(geodisk.PolicyViolation,
				fmt.Errorf("geosched: forced fs %q not among existing replicas", forcedFsID), forcedFsID)
		}
		gn, ok := e.groupOfFs(forcedFsID)
		if ok {
			if g, err := e.getGroup(gn); err == nil {
				g.fastMu.RLock()
				leaf, ok := g.fast.leafIndex[forcedFsID]
				g.fastMu.RUnlock()
				if ok && isEligibleForOp(leaf.health, OpAccess) {
					leaf.applySelectionPenalty(dlByClass[leaf.class], ulByClass[leaf.class])
					return forcedIdx, nil
				}
			}
		}
		return 0, geodisk.NewError(geodisk.InsufficientReplicas,
			fmt.Errorf("geosched: forced fs %q is not available", forcedFsID), forcedFsID)
	}

	// candidate is one resolved, eligible replica with its geoscore inputs, computed with
	// its owning group's fast-tree read lock held only for the duration of that group's
	// lookup.
	type candidate struct {
		idx       int
		leaf      *fastLeaf
		prefix    int
		score     int64
		saturated bool
	}
	var available []candidate
	for gn, idxs := range byGroup {
		g, err := e.getGroup(gn)
		if err != nil {
			continue
		}
		g.fastMu.RLock()
		for _, i := range idxs {
			leaf, ok := g.fast.leafIndex[existing[i]]
			if !ok || !isEligibleForOp(leaf.health, OpAccess) {
				continue
			}
			available = append(available, candidate{
				idx:       i,
				leaf:      leaf,
				prefix:    commonPrefixLen(leaf.geotag, accesserGeotag),
				score:     maxScore(leaf),
				saturated: isSaturated(leaf, limit),
			})
		}
		g.fastMu.RUnlock()
	}

	if len(available) < n {
		return 0, geodisk.NewError(geodisk.InsufficientReplicas,
			fmt.Errorf("geosched: %d available replicas, need %d", len(available), n), existing)
	}

	// Prefer unsaturated candidates; fall back to the full pool (saturated included) only
	// if the unsaturated set is empty, per spec.md's "one retry pass" skip-saturated rule.
	pool := available
	if skipSaturated {
		var unsaturated []candidate
		for _, c := range available {
			if !c.saturated {
				unsaturated = append(unsaturated, c)
			}
		}
		if len(unsaturated) > 0 {
			pool = unsaturated
		}
	}

	bestPrefix := -1
	var bestScore int64 = -1 << 62
	for _, c := range pool {
		if c.prefix > bestPrefix || (c.prefix == bestPrefix && c.score > bestScore) {
			bestPrefix, bestScore = c.prefix, c.score
		}
	}
	var top []candidate
	for _, c := range pool {
		if c.prefix == bestPrefix && c.score == bestScore {
			top = append(top, c)
		}
	}
	if len(top) == 0 {
		return 0, geodisk.NewError(geodisk.Internal,
			fmt.Errorf("geosched: could not resolve an eligible replica though %d were counted", len(available)), existing)
	}

	chosen := top[rand.Intn(len(top))]
	chosen.leaf.applySelectionPenalty(dlByClass[chosen.leaf.class], ulByClass[chosen.leaf.class])
	return chosen.idx, nil
}
