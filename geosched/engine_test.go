package geosched

import (
	"context"
	"errors"
	"testing"

	"github.com/geodisk/geodisk"
	"github.com/geodisk/geodisk/cache"
	"github.com/geodisk/geodisk/geosched/bus"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestInsertFsIntoGroupThenRemove(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	fs := Fs{ID: "fs1", Geotag: "site::rackA::h1", Host: "h1"}

	if err := e.InsertFsIntoGroup(ctx, fs, "g1", true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	g, err := e.getGroup("g1")
	if err != nil {
		t.Fatalf("getGroup: %v", err)
	}
	g.fastMu.RLock()
	_, ok := g.fast.leafIndex["fs1"]
	g.fastMu.RUnlock()
	if !ok {
		t.Fatalf("expected fs1 present in fast tree after updateFast insert")
	}

	if err := e.RemoveFsFromGroup(ctx, "fs1", "g1", true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := e.getGroup("g1"); err == nil {
		t.Fatalf("expected g1 to be reaped after its last fs was removed")
	}
}

func TestInsertDuplicateFsIsAlreadyExists(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	fs := Fs{ID: "fs1", Geotag: "site::rackA::h1"}
	if err := e.InsertFsIntoGroup(ctx, fs, "g1", false); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := e.InsertFsIntoGroup(ctx, fs, "g1", false)
	var gerr geodisk.Error
	if !errors.As(err, &gerr) || gerr.Code != geodisk.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestRemoveUnknownFsIsNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.InsertFsIntoGroup(ctx, Fs{ID: "fs1", Geotag: "site::rackA"}, "g1", false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := e.RemoveFsFromGroup(ctx, "missing", "g1", false)
	var gerr geodisk.Error
	if !errors.As(err, &gerr) || gerr.Code != geodisk.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRemoveFromUnknownGroupIsNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.RemoveFsFromGroup(context.Background(), "fs1", "ghost", false)
	var gerr geodisk.Error
	if !errors.As(err, &gerr) || gerr.Code != geodisk.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGroupSurvivesPartialRemoval(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.InsertFsIntoGroup(ctx, Fs{ID: "fs1", Geotag: "site::rackA::h1"}, "g1", true); err != nil {
		t.Fatalf("insert fs1: %v", err)
	}
	if err := e.InsertFsIntoGroup(ctx, Fs{ID: "fs2", Geotag: "site::rackA::h2"}, "g1", true); err != nil {
		t.Fatalf("insert fs2: %v", err)
	}
	if err := e.RemoveFsFromGroup(ctx, "fs1", "g1", true); err != nil {
		t.Fatalf("remove fs1: %v", err)
	}
	if _, err := e.getGroup("g1"); err != nil {
		t.Fatalf("expected g1 to survive while fs2 remains: %v", err)
	}
}

func TestSetParameterPersistsToCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.SetParameter(ctx, "fillRatioLimit", "80"); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	if got := e.Parameters().FillRatioLimit; got != 80 {
		t.Fatalf("expected FillRatioLimit 80, got %d", got)
	}
	v, ok, err := e.cache.Get(ctx, "geosched:fillRatioLimit")
	if err != nil || !ok || v != "80" {
		t.Fatalf("expected persisted value 80, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestSetParameterRejectsUnrecognizedName(t *testing.T) {
	e := newTestEngine(t)
	err := e.SetParameter(context.Background(), "bogus", "1")
	var gerr geodisk.Error
	if !errors.As(err, &gerr) || gerr.Code != geodisk.PolicyViolation {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}
}

func TestAddDisabledBranchRejectsOverlap(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddDisabledBranch(DisabledBranch{Group: "g1", Op: OpPlacement, Geotag: "site::rackA"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := e.AddDisabledBranch(DisabledBranch{Group: "g1", Op: OpPlacement, Geotag: "site::rackA::h1"})
	var gerr geodisk.Error
	if !errors.As(err, &gerr) || gerr.Code != geodisk.PolicyViolation {
		t.Fatalf("expected PolicyViolation on overlap, got %v", err)
	}
}

func TestAddDisabledBranchAllowsDisjointGeotags(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddDisabledBranch(DisabledBranch{Group: "g1", Op: OpPlacement, Geotag: "site::rackA"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := e.AddDisabledBranch(DisabledBranch{Group: "g1", Op: OpPlacement, Geotag: "site::rackB"}); err != nil {
		t.Fatalf("expected disjoint geotag to be accepted, got %v", err)
	}
}

func TestUpdateFsHealthSkipsRebuild(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	fs := Fs{ID: "fs1", Geotag: "site::rackA::h1", Health: Health{NominalFilled: 10}}
	if err := e.InsertFsIntoGroup(ctx, fs, "g1", true); err != nil {
		t.Fatalf("insert: %v", err)
	}
	g, _ := e.getGroup("g1")
	g.fastMu.RLock()
	before := g.fast
	g.fastMu.RUnlock()

	if err := e.UpdateFsHealth("g1", "fs1", Health{NominalFilled: 50}); err != nil {
		t.Fatalf("update health: %v", err)
	}

	g.fastMu.RLock()
	after := g.fast
	leaf := g.fast.leafIndex["fs1"]
	g.fastMu.RUnlock()

	if before != after {
		t.Fatalf("expected health-only update to skip a fast-tree rebuild")
	}
	if leaf.filled != 50 {
		t.Fatalf("expected leaf.filled updated to 50, got %d", leaf.filled)
	}
}
