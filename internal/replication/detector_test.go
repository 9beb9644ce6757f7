package replication

import (
	"testing"

	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/protocol"
)

func newCityEntity(t *testing.T, reg *ecs.Registry, x, y int16) protocol.EntityID {
	t.Helper()
	e := reg.Create()
	if err := reg.Add(e, &ecs.Transform{Pos: protocol.GridPosition{X: x, Y: y}}); err != nil {
		t.Fatalf("Add Transform: %v", err)
	}
	if err := reg.Add(e, &ecs.Building{Kind: 1, Owner: 1}); err != nil {
		t.Fatalf("Add Building: %v", err)
	}
	return e
}

func TestDetectorCreationCarriesAllSyncable(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	e := newCityEntity(t, reg, 3, 4)
	if err := reg.Add(e, &ecs.CityEconomy{Owner: 1, Treasury: 100}); err != nil {
		t.Fatalf("Add CityEconomy: %v", err)
	}

	upd := det.GenerateDelta(1, 1<<20)
	if upd == nil {
		t.Fatal("GenerateDelta returned nil with a dirty entity")
	}
	if len(upd.Created) != 1 || len(upd.Updated) != 0 || len(upd.Destroyed) != 0 {
		t.Fatalf("sections = %d/%d/%d, want 1/0/0", len(upd.Created), len(upd.Updated), len(upd.Destroyed))
	}

	st := upd.Created[0]
	if st.Entity != e {
		t.Errorf("entity = %d, want %d", st.Entity, e)
	}
	wantMask := ecs.ComponentTransform.Bit() | ecs.ComponentBuilding.Bit()
	if st.Mask != wantMask {
		t.Errorf("mask = %#x, want %#x (CityEconomy must not replicate)", st.Mask, wantMask)
	}
	if len(st.Blob) == 0 {
		t.Error("creation blob empty")
	}
}

func TestDetectorUpdateCarriesOnlyDirtyMask(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	e := newCityEntity(t, reg, 0, 0)
	det.Flush(det.GenerateDelta(1, 1<<20))

	b, _ := reg.Get(e, ecs.ComponentBuilding)
	up := b.Clone().(*ecs.Building)
	up.Level = 2
	if err := reg.Replace(e, up); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	upd := det.GenerateDelta(2, 1<<20)
	if upd == nil || len(upd.Updated) != 1 {
		t.Fatalf("expected one updated entity, got %+v", upd)
	}
	if upd.Updated[0].Mask != ecs.ComponentBuilding.Bit() {
		t.Errorf("mask = %#x, want only Building bit", upd.Updated[0].Mask)
	}
}

func TestDetectorDestroyOverridesUpdates(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	e := newCityEntity(t, reg, 0, 0)
	det.Flush(det.GenerateDelta(1, 1<<20))

	b, _ := reg.Get(e, ecs.ComponentBuilding)
	up := b.Clone().(*ecs.Building)
	up.Level = 5
	if err := reg.Replace(e, up); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	reg.Destroy(e)

	upd := det.GenerateDelta(2, 1<<20)
	if upd == nil {
		t.Fatal("GenerateDelta returned nil")
	}
	if len(upd.Updated) != 0 {
		t.Errorf("updates = %v, want none after destroy", upd.Updated)
	}
	if len(upd.Destroyed) != 1 || upd.Destroyed[0] != e {
		t.Errorf("destroyed = %v, want [%d]", upd.Destroyed, e)
	}
}

func TestDetectorCreateDestroyCancels(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	e := newCityEntity(t, reg, 0, 0)
	reg.Destroy(e)

	if upd := det.GenerateDelta(1, 1<<20); upd != nil {
		t.Fatalf("never-sent entity produced wire data: %+v", upd)
	}
	if det.DirtyCount() != 0 {
		t.Errorf("DirtyCount = %d, want 0", det.DirtyCount())
	}
}

func TestDetectorFlushClearsExactlyEmitted(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	e := newCityEntity(t, reg, 0, 0)
	upd := det.GenerateDelta(1, 1<<20)
	if upd == nil {
		t.Fatal("GenerateDelta returned nil")
	}

	// Dirt landing after generation must survive the flush.
	tr, _ := reg.Get(e, ecs.ComponentTransform)
	moved := tr.Clone().(*ecs.Transform)
	moved.Pos = protocol.GridPosition{X: 9, Y: 9}
	if err := reg.Replace(e, moved); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	det.Flush(upd)
	if det.DirtyCount() != 1 {
		t.Fatalf("DirtyCount after flush = %d, want 1 (post-generate dirt)", det.DirtyCount())
	}

	next := det.GenerateDelta(2, 1<<20)
	if next == nil || len(next.Updated) != 1 {
		t.Fatalf("expected the post-generate change in the next delta, got %+v", next)
	}
	if next.Updated[0].Mask != ecs.ComponentTransform.Bit() {
		t.Errorf("mask = %#x, want Transform bit", next.Updated[0].Mask)
	}
	det.Flush(next)
	if det.DirtyCount() != 0 {
		t.Errorf("DirtyCount = %d after second flush, want 0", det.DirtyCount())
	}
}

func TestDetectorBudgetDefersEntities(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	var ids []protocol.EntityID
	for i := range 10 {
		ids = append(ids, newCityEntity(t, reg, int16(i), 0))
	}

	// Each creation costs ~22 bytes; a 60-byte budget fits two entities.
	first := det.GenerateDelta(1, 60)
	if first == nil {
		t.Fatal("GenerateDelta returned nil")
	}
	if len(first.Created) >= 10 {
		t.Fatalf("budget ignored: %d entities emitted", len(first.Created))
	}
	det.Flush(first)

	// Deferred entities arrive on following ticks, in ascending id order.
	got := make([]protocol.EntityID, 0, 10)
	for _, st := range first.Created {
		got = append(got, st.Entity)
	}
	for tick := protocol.Tick(2); len(got) < 10 && tick < 20; tick++ {
		upd := det.GenerateDelta(tick, 60)
		if upd == nil {
			t.Fatalf("tick %d: delta nil with %d entities still dirty", tick, 10-len(got))
		}
		for _, st := range upd.Created {
			got = append(got, st.Entity)
		}
		det.Flush(upd)
	}

	if len(got) != 10 {
		t.Fatalf("delivered %d entities, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("entity order not ascending: %v", got)
		}
	}
	if det.DirtyCount() != 0 {
		t.Errorf("DirtyCount = %d at end, want 0", det.DirtyCount())
	}
}

func TestDetectorOversizeFirstEntityStillEmits(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	newCityEntity(t, reg, 0, 0)

	// A budget below a single entity's cost must not starve it.
	upd := det.GenerateDelta(1, 1)
	if upd == nil || len(upd.Created) != 1 {
		t.Fatalf("tiny budget starved the only dirty entity: %+v", upd)
	}
}

func TestDetectorMarkDirty(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	e := newCityEntity(t, reg, 0, 0)
	det.Flush(det.GenerateDelta(1, 1<<20))

	det.MarkDirty(e)
	upd := det.GenerateDelta(2, 1<<20)
	if upd == nil || len(upd.Updated) != 1 {
		t.Fatalf("MarkDirty produced %+v", upd)
	}
	wantMask := ecs.ComponentTransform.Bit() | ecs.ComponentBuilding.Bit()
	if upd.Updated[0].Mask != wantMask {
		t.Errorf("mask = %#x, want full present syncable mask %#x", upd.Updated[0].Mask, wantMask)
	}
	det.Flush(upd)

	det.MarkComponentDirty(e, ecs.ComponentBuilding)
	upd = det.GenerateDelta(3, 1<<20)
	if upd == nil || len(upd.Updated) != 1 || upd.Updated[0].Mask != ecs.ComponentBuilding.Bit() {
		t.Fatalf("MarkComponentDirty produced %+v", upd)
	}

	// Marking a no-sync component is a no-op.
	det.Flush(upd)
	det.MarkComponentDirty(e, ecs.ComponentCityEconomy)
	if upd := det.GenerateDelta(4, 1<<20); upd != nil {
		t.Errorf("no-sync component produced wire data: %+v", upd)
	}
}

func TestDetectorNilAndEmptyFlush(t *testing.T) {
	reg := ecs.NewRegistry()
	det := NewChangeDetector(reg)

	if upd := det.GenerateDelta(1, 1<<20); upd != nil {
		t.Errorf("clean registry produced %+v", upd)
	}
	det.Flush(nil)
}
