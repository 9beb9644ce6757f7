package ecs

import (
	"testing"

	"github.com/civitasdev/civitas/internal/protocol"
)

// recorder captures observer callbacks for assertions.
type recorder struct {
	created   []protocol.EntityID
	added     []ComponentID
	replaced  []ComponentID
	oldValues []Component
	destroyed []protocol.EntityID
	masks     []uint32
}

func (r *recorder) OnCreate(e protocol.EntityID) { r.created = append(r.created, e) }
func (r *recorder) OnAdd(e protocol.EntityID, c Component) {
	r.added = append(r.added, c.ComponentID())
}
func (r *recorder) OnReplace(e protocol.EntityID, old, new Component) {
	r.replaced = append(r.replaced, new.ComponentID())
	r.oldValues = append(r.oldValues, old)
}
func (r *recorder) OnDestroy(e protocol.EntityID, mask uint32) {
	r.destroyed = append(r.destroyed, e)
	r.masks = append(r.masks, mask)
}

func TestRegistryCreateDestroyReuse(t *testing.T) {
	r := NewRegistry()

	e1 := r.Create()
	e2 := r.Create()
	if e1 == e2 {
		t.Fatalf("Create returned duplicate id %d", e1)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	r.Destroy(e1)
	if r.Alive(e1) {
		t.Fatal("entity alive after Destroy")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d after destroy, want 1", r.Len())
	}

	// Freed ids are reused before the counter advances.
	e3 := r.Create()
	if e3 != e1 {
		t.Errorf("Create after Destroy = %d, want reused id %d", e3, e1)
	}
}

func TestRegistryCreateWithID(t *testing.T) {
	r := NewRegistry()

	if err := r.CreateWithID(42); err != nil {
		t.Fatalf("CreateWithID(42): %v", err)
	}
	if err := r.CreateWithID(42); err == nil {
		t.Fatal("CreateWithID accepted duplicate id")
	}

	// The allocator skips past installed ids.
	e := r.Create()
	if e <= 42 {
		t.Errorf("Create after CreateWithID(42) = %d, want > 42", e)
	}

	// An id on the free list is taken off it when installed explicitly,
	// so Create never duplicates it.
	r.Destroy(e)
	if err := r.CreateWithID(e); err != nil {
		t.Fatalf("CreateWithID(freed): %v", err)
	}
	if next := r.Create(); next == e {
		t.Errorf("Create handed out id %d still in use", e)
	}
}

func TestRegistryAddGetReplace(t *testing.T) {
	r := NewRegistry()
	e := r.Create()

	b := &Building{Kind: 7, Level: 1, Owner: 2}
	if err := r.Add(e, b); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(e, &Building{}); err == nil {
		t.Fatal("Add accepted duplicate component")
	}

	got, ok := r.Get(e, ComponentBuilding)
	if !ok {
		t.Fatal("Get missed installed component")
	}
	if got.(*Building).Kind != 7 {
		t.Errorf("Kind = %d, want 7", got.(*Building).Kind)
	}

	// Replace swaps the value; the old one is untouched.
	upgraded := got.Clone().(*Building)
	upgraded.Level = 2
	if err := r.Replace(e, upgraded); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if b.Level != 1 {
		t.Errorf("original mutated by Replace: Level = %d", b.Level)
	}
	got, _ = r.Get(e, ComponentBuilding)
	if got.(*Building).Level != 2 {
		t.Errorf("Level after Replace = %d, want 2", got.(*Building).Level)
	}

	mask, _ := r.Mask(e)
	if mask != ComponentBuilding.Bit() {
		t.Errorf("Mask = %#x, want %#x", mask, ComponentBuilding.Bit())
	}
}

func TestRegistryAddUnknownEntity(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(99, &Transform{}); err == nil {
		t.Fatal("Add accepted unknown entity")
	}
	if err := r.Replace(99, &Transform{}); err == nil {
		t.Fatal("Replace accepted unknown entity")
	}
}

func TestRegistryReplaceAbsentBehavesAsAdd(t *testing.T) {
	r := NewRegistry()
	rec := &recorder{}
	r.AddObserver(rec)

	e := r.Create()
	if err := r.Replace(e, &Road{Kind: RoadStreet}); err != nil {
		t.Fatalf("Replace on absent component: %v", err)
	}
	if len(rec.added) != 1 || rec.added[0] != ComponentRoad {
		t.Errorf("added hooks = %v, want [Road]", rec.added)
	}
	if len(rec.replaced) != 0 {
		t.Errorf("replace hooks = %v, want none", rec.replaced)
	}
	if _, ok := r.Get(e, ComponentRoad); !ok {
		t.Error("component not installed")
	}
}

func TestRegistryObserverHooks(t *testing.T) {
	r := NewRegistry()
	rec := &recorder{}
	r.AddObserver(rec)

	e := r.Create()
	old := &Zone{Kind: ZoneResidential, Density: 1}
	if err := r.Add(e, old); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(e, &Transform{Pos: protocol.GridPosition{X: 3, Y: 4}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	dense := old.Clone().(*Zone)
	dense.Density = 3
	if err := r.Replace(e, dense); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	r.Destroy(e)

	if len(rec.created) != 1 || rec.created[0] != e {
		t.Errorf("created = %v, want [%d]", rec.created, e)
	}
	if len(rec.added) != 2 {
		t.Errorf("added = %v, want 2 hooks", rec.added)
	}
	if len(rec.replaced) != 1 || rec.replaced[0] != ComponentZone {
		t.Errorf("replaced = %v, want [Zone]", rec.replaced)
	}
	if rec.oldValues[0].(*Zone).Density != 1 {
		t.Errorf("OnReplace old value density = %d, want pre-image 1", rec.oldValues[0].(*Zone).Density)
	}
	if len(rec.destroyed) != 1 || rec.destroyed[0] != e {
		t.Errorf("destroyed = %v, want [%d]", rec.destroyed, e)
	}
	wantMask := ComponentZone.Bit() | ComponentTransform.Bit()
	if rec.masks[0] != wantMask {
		t.Errorf("destroy mask = %#x, want %#x", rec.masks[0], wantMask)
	}
}

func TestRegistryRemoveObserver(t *testing.T) {
	r := NewRegistry()
	rec := &recorder{}
	r.AddObserver(rec)
	r.RemoveObserver(rec)

	r.Create()
	if len(rec.created) != 0 {
		t.Errorf("detached observer still fired: %v", rec.created)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	e := r.Create()
	if err := r.Add(e, &Utility{Kind: UtilityPowerLine, Capacity: 100}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r.Remove(e, ComponentUtility)
	if _, ok := r.Get(e, ComponentUtility); ok {
		t.Error("component still present after Remove")
	}
	mask, _ := r.Mask(e)
	if mask != 0 {
		t.Errorf("mask = %#x after Remove, want 0", mask)
	}

	// Removing again or from an unknown entity is a no-op.
	r.Remove(e, ComponentUtility)
	r.Remove(999, ComponentUtility)
}

func TestRegistryEach(t *testing.T) {
	r := NewRegistry()

	for i := range 3 {
		e := r.Create()
		if err := r.Add(e, &Building{Kind: uint16(i)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	plain := r.Create()

	var visited int
	r.Each(ComponentBuilding, func(e protocol.EntityID, c Component) {
		visited++
		if _, ok := c.(*Building); !ok {
			t.Errorf("Each delivered %T, want *Building", c)
		}
		// Callbacks may call back into the registry.
		if !r.Alive(e) {
			t.Errorf("entity %d not alive inside Each", e)
		}
	})
	if visited != 3 {
		t.Errorf("Each visited %d entities, want 3", visited)
	}

	var all int
	r.EachEntity(func(e protocol.EntityID, mask uint32) {
		all++
		if e == plain && mask != 0 {
			t.Errorf("bare entity mask = %#x, want 0", mask)
		}
	})
	if all != 4 {
		t.Errorf("EachEntity visited %d, want 4", all)
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	e := r.Create()
	if err := r.Add(e, &Transform{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", r.Len())
	}
	if r.Alive(e) {
		t.Error("entity survived Clear")
	}

	// Allocation restarts from scratch.
	if first := r.Create(); first != 1 {
		t.Errorf("first id after Clear = %d, want 1", first)
	}
}

func TestSyncPolicy(t *testing.T) {
	if Syncable(ComponentCityEconomy) {
		t.Error("CityEconomy must not replicate")
	}
	for _, id := range []ComponentID{
		ComponentTransform, ComponentBuilding, ComponentRoad,
		ComponentZone, ComponentUtility, ComponentPopulation,
	} {
		if !Syncable(id) {
			t.Errorf("%v must replicate", id)
		}
	}
	if Syncable(ComponentID(31)) {
		t.Error("unregistered id reported syncable")
	}

	want := ComponentTransform.Bit() | ComponentBuilding.Bit() | ComponentRoad.Bit() |
		ComponentZone.Bit() | ComponentUtility.Bit() | ComponentPopulation.Bit()
	if got := SyncableMask(); got != want {
		t.Errorf("SyncableMask = %#x, want %#x", got, want)
	}
}
