package geosched

import (
	"context"
	"testing"

	"github.com/geodisk/geodisk/cache"
	"github.com/geodisk/geodisk/geosched/bus"
)

func insertFs(t *testing.T, e *Engine, group, id, geotag string, filled int) {
	t.Helper()
	fs := Fs{ID: id, Geotag: geotag, Host: id, Health: Health{Boot: true, Active: true, NominalFilled: filled}}
	if err := e.InsertFsIntoGroup(context.Background(), fs, group, true); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

// insertFsWithHealth is insertFs with full control over the Health snapshot, for tests
// exercising eligibility gating (draining, balancing, down, or inactive fs).
func insertFsWithHealth(t *testing.T, e *Engine, group, id, geotag string, h Health) {
	t.Helper()
	fs := Fs{ID: id, Geotag: geotag, Host: id, Health: h}
	if err := e.InsertFsIntoGroup(context.Background(), fs, group, true); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

// TestPlacementDiversifiesAcrossRacks is the concrete scenario spec.md §8 describes: 8 fs
// split across 2 geotags/racks, 4 replicas requested, at least one leaf lands in each rack
// when nCollocatedReplicas != n.
func TestPlacementDiversifiesAcrossRacks(t *testing.T) {
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i := 0; i < 4; i++ {
		insertFs(t, e, "g1", rackID("A", i), "site::rackA::h"+string(rune('0'+i)), 10)
		insertFs(t, e, "g1", rackID("B", i), "site::rackB::h"+string(rune('0'+i)), 10)
	}

	ids, err := e.PlaceNewReplicasOneGroup("g1", 4, PlaceOptions{NCollocatedReplicas: 1, Op: OpPlacement})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected 4 replicas, got %d", len(ids))
	}

	var rackA, rackB int
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
		if id[2] == 'A' {
			rackA++
		} else {
			rackB++
		}
	}
	if len(set) != len(ids) {
		t.Fatalf("expected distinct fs ids, got %v", ids)
	}
	if rackA == 0 || rackB == 0 {
		t.Fatalf("expected replicas spread across both racks, got rackA=%d rackB=%d", rackA, rackB)
	}
}

// TestPlacementCollocatesWhenRequested confirms that requesting full collocation (n ==
// nCollocatedReplicas) is honored: all replicas land in a single rack when one rack alone
// has enough capacity.
func TestPlacementCollocatesWhenRequested(t *testing.T) {
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i := 0; i < 4; i++ {
		insertFs(t, e, "g1", rackID("A", i), "site::rackA::h"+string(rune('0'+i)), 10)
	}
	for i := 0; i < 4; i++ {
		insertFs(t, e, "g1", rackID("B", i), "site::rackB::h"+string(rune('0'+i)), 10)
	}

	ids, err := e.PlaceNewReplicasOneGroup("g1", 4, PlaceOptions{NCollocatedReplicas: 4, Op: OpPlacement})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	rack := ids[0][2]
	for _, id := range ids {
		if id[2] != rack {
			t.Fatalf("expected all 4 replicas in one rack, got mixed: %v", ids)
		}
	}
}

func TestPlacementExcludesForbiddenFsAndGeotags(t *testing.T) {
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	insertFs(t, e, "g1", "fsA", "site::rackA::h1", 10)
	insertFs(t, e, "g1", "fsB", "site::rackB::h1", 10)

	ids, err := e.PlaceNewReplicasOneGroup("g1", 1, PlaceOptions{
		ExcludeGeotags: []string{"site::rackA"},
		Op:             OpPlacement,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ids[0] != "fsB" {
		t.Fatalf("expected fsB (rackA excluded), got %v", ids)
	}
}

func TestPlacementFailsWithInsufficientCandidates(t *testing.T) {
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	insertFs(t, e, "g1", "fsA", "site::rackA::h1", 10)

	_, err = e.PlaceNewReplicasOneGroup("g1", 2, PlaceOptions{Op: OpPlacement})
	if err == nil {
		t.Fatalf("expected error when requesting more replicas than eligible fs")
	}
}

func TestPlacementFallsBackPastSaturatedWhenNeeded(t *testing.T) {
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.SetParameter(context.Background(), "skipSaturatedPlct", "true"); err != nil {
		t.Fatalf("set param: %v", err)
	}
	if err := e.SetParameter(context.Background(), "fillRatioLimit", "90"); err != nil {
		t.Fatalf("set param: %v", err)
	}
	insertFs(t, e, "g1", "fsA", "site::rackA::h1", 95) // saturated
	insertFs(t, e, "g1", "fsB", "site::rackB::h1", 10) // unsaturated

	ids, err := e.PlaceNewReplicasOneGroup("g1", 2, PlaceOptions{Op: OpPlacement})
	if err != nil {
		t.Fatalf("expected fallback to saturated fs to satisfy n=2, got %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 replicas via fallback, got %d", len(ids))
	}
}

// TestPlacementExcludesDrainingAndInactiveFs confirms spec.md §3's eligibility contract:
// a fs currently draining, balancing, or not active/booted is never chosen for an ordinary
// new-replica placement, even when it's otherwise the only candidate in its rack.
func TestPlacementExcludesDrainingAndInactiveFs(t *testing.T) {
	e, err := NewEngine(cache.NewMemoryCache(), bus.New())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	insertFsWithHealth(t, e, "g1", "fsDraining", "site::rackA::h1", Health{Boot: true, Active: true, Drain: true})
	insertFsWithHealth(t, e, "g1", "fsDown", "site::rackA::h2", Health{Boot: false, Active: true})
	insertFsWithHealth(t, e, "g1", "fsBalancing", "site::rackA::h3", Health{Boot: true, Active: true, BalancingRunning: true})
	insertFs(t, e, "g1", "fsHealthy", "site::rackA::h4", 10)

	ids, err := e.PlaceNewReplicasOneGroup("g1", 1, PlaceOptions{Op: OpPlacement})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ids[0] != "fsHealthy" {
		t.Fatalf("expected only the healthy fs to be eligible, got %v", ids)
	}

	_, err = e.PlaceNewReplicasOneGroup("g1", 2, PlaceOptions{Op: OpPlacement})
	if err == nil {
		t.Fatalf("expected InsufficientReplicas when draining/down/balancing fs are excluded")
	}
}

func rackID(rack string, i int) string {
	return "fs" + rack + string(rune('0'+i))
}
