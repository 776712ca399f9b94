package geosched

import (
	"context"
	"fmt"
	"sync"

	"github.com/geodisk/geodisk"
	"github.com/geodisk/geodisk/geosched/bus"
	"github.com/geodisk/geodisk/policy"
)

// group holds one scheduling group's slow tree, fast-tree double buffer, and pending
// fs set, each guarded per spec.md §4.2's "two rw-locks per group" discipline. fastMu's
// ordinary RWMutex semantics already give the "swap waits for zero in-flight readers"
// behavior spec.md describes for the double buffer: a reader holds RLock for the
// duration of a placement/access call, and a rebuild's Lock() naturally blocks until
// they've all released.
type group struct {
	name string

	slowMu   sync.RWMutex
	slowRoot *slowNode
	fsByID   map[string]*Fs

	fastMu sync.RWMutex
	fast   *fastTree

	pendingDeletion bool
}

func newGroup(name string) *group {
	return &group{
		name:     name,
		slowRoot: newSlowNode(""),
		fsByID:   make(map[string]*Fs),
		fast:     &fastTree{root: &fastNode{}, leafIndex: map[string]*fastLeaf{}},
	}
}

// Parameters holds the runtime-tunable knobs spec.md §4.2's setParameter enumerates.
type Parameters struct {
	SkipSaturatedPlct       bool
	SkipSaturatedAccess     bool
	SkipSaturatedDrnAccess  bool
	SkipSaturatedBlcAccess  bool
	SkipSaturatedDrnPlct    bool
	SkipSaturatedBlcPlct    bool
	PlctDlScorePenalty      [netSpeedClasses]int64
	PlctUlScorePenalty      [netSpeedClasses]int64
	AccessDlScorePenalty    [netSpeedClasses]int64
	AccessUlScorePenalty    [netSpeedClasses]int64
	FillRatioLimit          int
	FillRatioCompTol        int
	SaturationThres         int64
	TimeFrameDurationMs     int
	PenaltyUpdateRate       int
	DisabledBranches        []DisabledBranch
}

func defaultParameters() Parameters {
	p := Parameters{
		FillRatioLimit:      90,
		FillRatioCompTol:    5,
		SaturationThres:     2000,
		TimeFrameDurationMs: 60000,
		PenaltyUpdateRate:   20,
	}
	return p
}

// Engine is the GeoTree Scheduler: a set of independently locked groups, the tunable
// Parameters, a durable config store for SetParameter, and the geotag policy evaluator
// used for disabled-branch checks.
type Engine struct {
	mu     sync.RWMutex // process-wide, gates group add/remove (spec.md §5)
	groups map[string]*group

	fsGroupMu sync.RWMutex // guards fsGroup, the fsid -> owning-group-name reverse index
	fsGroup   map[string]string

	paramsMu sync.RWMutex
	params   Parameters

	cache geodisk.Cache
	eval  *policy.Evaluator
	bus   *bus.Bus
}

// NewEngine constructs an Engine backed by cache for durable config (geodisk.Cache,
// typically cache.NewMemoryCache for single-process use or cache.NewRedisCache for
// multi-process) and b for change-notification delivery.
func NewEngine(cache geodisk.Cache, b *bus.Bus) (*Engine, error) {
	eval, err := policy.NewPrefixEvaluator()
	if err != nil {
		return nil, fmt.Errorf("geosched: building policy evaluator: %w", err)
	}
	return &Engine{
		groups:  make(map[string]*group),
		fsGroup: make(map[string]string),
		params:  defaultParameters(),
		cache:   cache,
		eval:    eval,
		bus:     b,
	}, nil
}

// groupOfFs returns the name of the group fsID was last inserted into, per the reverse
// index AccessHeadReplicaMultipleGroup needs to resolve existing replicas that span more
// than one group (spec.md §4.2 "Access algorithm").
func (e *Engine) groupOfFs(fsID string) (string, bool) {
	e.fsGroupMu.RLock()
	defer e.fsGroupMu.RUnlock()
	name, ok := e.fsGroup[fsID]
	return name, ok
}

func (e *Engine) getOrCreateGroup(name string) *group {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[name]
	if !ok {
		g = newGroup(name)
		e.groups[name] = g
	}
	g.pendingDeletion = false
	return g
}

func (e *Engine) getGroup(name string) (*group, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.groups[name]
	if !ok {
		return nil, geodisk.NewError(geodisk.NotFound, fmt.Errorf("geosched: unknown group %q", name), name)
	}
	return g, nil
}

// InsertFsIntoGroup registers fs inside groupName, subscribing it to change
// notifications on its queue path's watched key-set. When updateFast is true, the
// group's fast tree is rebuilt synchronously before returning; otherwise the fast tree is
// left as it is, and placement and access do not see the new fs until a later insert or
// remove with updateFast true rebuilds it.
func (e *Engine) InsertFsIntoGroup(ctx context.Context, fs Fs, groupName string, updateFast bool) error {
	g := e.getOrCreateGroup(groupName)

	g.slowMu.Lock()
	if _, exists := g.fsByID[fs.ID]; exists {
		g.slowMu.Unlock()
		return geodisk.NewError(geodisk.AlreadyExists, fmt.Errorf("geosched: fs %q already in group %q", fs.ID, groupName), fs.ID)
	}
	stored := fs
	g.fsByID[fs.ID] = &stored
	g.slowRoot.insert(&stored)
	g.slowMu.Unlock()

	e.fsGroupMu.Lock()
	e.fsGroup[fs.ID] = groupName
	e.fsGroupMu.Unlock()

	if e.bus != nil && fs.QueuePath != "" {
		e.bus.Subscribe(fs.QueuePath, WatchedKeys)
	}
	if updateFast {
		e.rebuildFastTree(g)
	}
	return nil
}

// RemoveFsFromGroup unsubscribes and removes fs from groupName. If the group becomes
// empty, it is flagged pendingDeletion and reaped from the engine before this call
// returns (spec.md §4.2 "pending deletions"). Readers that already hold the group keep
// using it; the reap does not wait for them to finish.
func (e *Engine) RemoveFsFromGroup(ctx context.Context, fsID, groupName string, updateFast bool) error {
	g, err := e.getGroup(groupName)
	if err != nil {
		return err
	}

	g.slowMu.Lock()
	fs, ok := g.fsByID[fsID]
	if !ok {
		g.slowMu.Unlock()
		return geodisk.NewError(geodisk.NotFound, fmt.Errorf("geosched: fs %q not in group %q", fsID, groupName), fsID)
	}
	delete(g.fsByID, fsID)
	g.slowRoot.remove(fs.Geotag, fsID)
	empty := g.slowRoot.isEmpty()
	g.slowMu.Unlock()

	e.fsGroupMu.Lock()
	delete(e.fsGroup, fsID)
	e.fsGroupMu.Unlock()

	if e.bus != nil && fs.QueuePath != "" {
		e.bus.Unsubscribe(fs.QueuePath)
	}
	if updateFast {
		e.rebuildFastTree(g)
	}

	if empty {
		e.mu.Lock()
		g.pendingDeletion = true
		e.mu.Unlock()
		e.reapPendingGroup(groupName)
	}
	return nil
}

// reapPendingGroup drops groupName from the engine if it's still flagged pendingDeletion
// and still empty; called after RemoveFsFromGroup and available for a periodic sweep.
func (e *Engine) reapPendingGroup(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[name]
	if !ok || !g.pendingDeletion {
		return
	}
	g.slowMu.RLock()
	empty := g.slowRoot.isEmpty()
	g.slowMu.RUnlock()
	if empty {
		delete(e.groups, name)
	}
}

// rebuildFastTree rebuilds group's fast tree from its current slow tree, swapping it
// into place. The swap's Lock() call is where spec.md's "swap happens when no
// fast-structure readers are waiting" is enforced by ordinary RWMutex semantics.
func (e *Engine) rebuildFastTree(g *group) {
	g.slowMu.RLock()
	next := buildFastTree(g.slowRoot, g.fast)
	g.slowMu.RUnlock()

	g.fastMu.Lock()
	g.fast = next
	g.fastMu.Unlock()
}

// UpdateFsHealth applies a coalesced health update to fs within groupName. If only
// health fields changed (the common notification path), the fast tree's leaf is
// updated in place rather than triggering a full rebuild.
func (e *Engine) UpdateFsHealth(groupName, fsID string, health Health) error {
	g, err := e.getGroup(groupName)
	if err != nil {
		return err
	}

	g.slowMu.Lock()
	fs, ok := g.fsByID[fsID]
	if !ok {
		g.slowMu.Unlock()
		return geodisk.NewError(geodisk.NotFound, fmt.Errorf("geosched: fs %q not in group %q", fsID, groupName), fsID)
	}
	fs.Health = health
	g.slowMu.Unlock()

	g.fastMu.RLock()
	leaf, ok := g.fast.leafIndex[fsID]
	g.fastMu.RUnlock()
	if ok {
		updateLeafHealth(leaf, fs)
	}
	return e.ApplyHealthPenalty(groupName, fsID, health)
}

// SetParameter applies a recognized runtime parameter change (spec.md §4.2
// "setParameter") and durably persists it under ("geosched", name, value), per spec.md
// §6's configuration surface.
func (e *Engine) SetParameter(ctx context.Context, name string, value string) error {
	if name == "disabledBranches" {
		db, err := parseDisabledBranch(value)
		if err != nil {
			return err
		}
		if err := e.AddDisabledBranch(db); err != nil {
			return err
		}
	} else {
		e.paramsMu.Lock()
		err := applyParameter(&e.params, name, value)
		e.paramsMu.Unlock()
		if err != nil {
			return err
		}
	}

	if e.cache != nil {
		key := fmt.Sprintf("geosched:%s", name)
		if err := e.cache.Set(ctx, key, value, 0); err != nil {
			return geodisk.NewError(geodisk.IoError, fmt.Errorf("geosched: persisting parameter %q: %w", name, err), name)
		}
	}
	return nil
}

// AddDisabledBranch masks group/op/geotag from selection. It rejects a geotag whose
// prefix overlaps an already-disabled one for the same group and op-type, per spec.md
// §4.2 "Disabled branches".
func (e *Engine) AddDisabledBranch(db DisabledBranch) error {
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	for _, existing := range e.params.DisabledBranches {
		if existing.Group != db.Group || existing.Op != db.Op {
			continue
		}
		overlaps, err := e.eval.Overlaps(db.Geotag, existing.Geotag)
		if err != nil {
			return fmt.Errorf("geosched: evaluating disabled-branch overlap: %w", err)
		}
		if overlaps {
			return geodisk.NewError(geodisk.PolicyViolation,
				fmt.Errorf("geosched: disabled branch %q overlaps existing %q", db.Geotag, existing.Geotag), db)
		}
	}
	e.params.DisabledBranches = append(e.params.DisabledBranches, db)
	return nil
}

// RemoveDisabledBranch un-masks a previously disabled (group, op, geotag) triple.
func (e *Engine) RemoveDisabledBranch(db DisabledBranch) {
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	kept := e.params.DisabledBranches[:0]
	for _, existing := range e.params.DisabledBranches {
		if existing != db {
			kept = append(kept, existing)
		}
	}
	e.params.DisabledBranches = kept
}

func (e *Engine) isDisabled(group string, op OpType, geotag string) (bool, error) {
	e.paramsMu.RLock()
	branches := e.params.DisabledBranches
	e.paramsMu.RUnlock()
	for _, db := range branches {
		if db.Group != group || db.Op != op {
			continue
		}
		matches, err := e.eval.Matches(geotag, db.Geotag)
		if err != nil {
			return false, fmt.Errorf("geosched: evaluating disabled-branch match: %w", err)
		}
		if matches {
			return true, nil
		}
	}
	return false, nil
}

// Parameters returns a copy of the engine's current tunables.
func (e *Engine) Parameters() Parameters {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}
