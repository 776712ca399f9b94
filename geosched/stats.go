package geosched

import "time"

// GroupStats is a point-in-time snapshot of one scheduling group.
type GroupStats struct {
	Name            string
	FsCount         int
	PendingDeletion bool
}

// Stats is the engine-wide snapshot Engine.Stats returns.
type Stats struct {
	Groups           []GroupStats
	DisabledBranches int
	Parameters       Parameters
	SampledAt        time.Time
}

// Stats returns a consistent snapshot of every group's fs count and the engine's current
// tunables, for the monitoring surface spec.md §6 expects alongside the scheduling API.
func (e *Engine) Stats(now time.Time) Stats {
	e.mu.RLock()
	groups := make([]GroupStats, 0, len(e.groups))
	for name, g := range e.groups {
		g.slowMu.RLock()
		count := len(g.fsByID)
		g.slowMu.RUnlock()
		groups = append(groups, GroupStats{Name: name, FsCount: count, PendingDeletion: g.pendingDeletion})
	}
	e.mu.RUnlock()

	e.paramsMu.RLock()
	params := e.params
	disabled := len(e.params.DisabledBranches)
	e.paramsMu.RUnlock()

	return Stats{Groups: groups, DisabledBranches: disabled, Parameters: params, SampledAt: now}
}
