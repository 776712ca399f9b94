package geosched

import (
	"context"
	"time"
)

// RunPenaltyLoop recomputes every group's per-fs dl/ul penalties once per configured
// TimeFrameDurationMs, per spec.md §4.2's periodic penalty-update thread. It blocks until
// ctx is canceled.
func (e *Engine) RunPenaltyLoop(ctx context.Context) {
	for {
		e.paramsMu.RLock()
		interval := time.Duration(e.params.TimeFrameDurationMs) * time.Millisecond
		e.paramsMu.RUnlock()
		if interval <= 0 {
			interval = time.Minute
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.updatePenalties()
	}
}

// updatePenalties walks every group's fast-tree leaves, recomputing each one's candidate
// penalty from its last-known Health relative to SaturationThres, then exponentially
// smoothing it into the leaf's live dl/ul penalty by PenaltyUpdateRate percent.
func (e *Engine) updatePenalties() {
	e.paramsMu.RLock()
	params := e.params
	e.paramsMu.RUnlock()

	e.mu.RLock()
	groups := make([]*group, 0, len(e.groups))
	for _, g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.RUnlock()

	for _, g := range groups {
		g.fastMu.RLock()
		leaves := make([]*fastLeaf, 0, len(g.fast.leafIndex))
		for _, l := range g.fast.leafIndex {
			leaves = append(leaves, l)
		}
		g.fastMu.RUnlock()

		for _, l := range leaves {
			applyPenalty(l, l.health, params)
			l.resetFrame()
		}
	}
}

// ApplyHealthPenalty recomputes and smooths fsID's penalty from a freshly received
// Health, independent of the once-per-frame sweep — the path the change-notification
// updater uses so a fs's penalty reacts the moment its stats are coalesced, rather than
// waiting for the next RunPenaltyLoop tick.
func (e *Engine) ApplyHealthPenalty(groupName, fsID string, h Health) error {
	g, err := e.getGroup(groupName)
	if err != nil {
		return err
	}
	g.fastMu.RLock()
	leaf, ok := g.fast.leafIndex[fsID]
	g.fastMu.RUnlock()
	if !ok {
		return nil
	}

	e.paramsMu.RLock()
	params := e.params
	e.paramsMu.RUnlock()

	applyPenalty(leaf, h, params)
	return nil
}

// applyPenalty computes this frame's candidate dl/ul penalty for a leaf from h relative
// to params.SaturationThres and the configured per-net-speed-class ceiling, then
// exponentially smooths it into the leaf's live penalty by params.PenaltyUpdateRate
// percent, per spec.md §4.2. A candidate of 0 or less (load at or below the threshold)
// or of 99 or more is stored as is rather than smoothed (see smoothTarget).
func applyPenalty(l *fastLeaf, h Health, params Parameters) {
	class := h.NetSpeedClass()
	fraction := saturationFraction(h, params.SaturationThres)
	dlTarget := int64(float64(params.PlctDlScorePenalty[class]) * fraction)
	ulTarget := int64(float64(params.PlctUlScorePenalty[class]) * fraction)

	l.dlPenalty.Store(smoothTarget(l.dlPenalty.Load(), dlTarget, params.PenaltyUpdateRate))
	l.ulPenalty.Store(smoothTarget(l.ulPenalty.Load(), ulTarget, params.PenaltyUpdateRate))
	l.refreshScores()
}

// saturationFraction returns how far h's disk and network load sit above thres, as a
// value in [0,1]; thres and the load metrics share the hundredths-of-percent scale
// baseScore uses (0-10000 == 0%-100.00%).
func saturationFraction(h Health, thres int64) float64 {
	diskScaled := int64(h.DiskLoad * 100)
	netUtil := 0.0
	if h.NetEthRateMiB > 0 {
		netUtil = (h.NetInRateMiB + h.NetOutRateMiB) / h.NetEthRateMiB
	}
	netScaled := int64(netUtil * 10000)

	diskFrac := fractionAbove(diskScaled, thres)
	netFrac := fractionAbove(netScaled, thres)
	if netFrac > diskFrac {
		return netFrac
	}
	return diskFrac
}

func fractionAbove(value, thres int64) float64 {
	if value <= thres || thres >= 10000 {
		return 0
	}
	f := float64(value-thres) / float64(10000-thres)
	if f > 1 {
		f = 1
	}
	return f
}

// smoothTarget exponentially smooths current toward target by ratePercent percent per
// frame. A target of 0 or less, or of 99 or more in absolute penalty units (not relative
// to the configured ceiling), is applied in full immediately.
func smoothTarget(current, target int64, ratePercent int) int64 {
	if target <= 0 || target >= 99 {
		return target
	}
	if ratePercent <= 0 {
		return current
	}
	if ratePercent >= 100 {
		return target
	}
	delta := target - current
	return current + delta*int64(ratePercent)/100
}
