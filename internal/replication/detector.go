// Package replication turns registry mutations into wire deltas and full
// snapshots, and applies them on the receiving side.
//
// The server's main context owns delta generation: it mutates the
// registry, asks the detector for a StateUpdate once per tick, broadcasts
// it, and flushes. Snapshot generation is the one background task; it
// reads a tick-consistent view through pre-images captured on the write
// path.
package replication

import (
	"slices"
	"sync"

	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// changeKind orders the dirty-map precedence: a destroy beats pending
// updates, a create absorbs them.
type changeKind uint8

const (
	changeUpdated changeKind = iota + 1
	changeCreated
	changeDestroyed
)

type change struct {
	kind changeKind
	mask uint32
}

// ChangeDetector observes a registry and accumulates per-entity dirty
// state between ticks. It implements ecs.Observer; hooks only touch the
// detector's own map, never the registry.
type ChangeDetector struct {
	reg *ecs.Registry

	mu    sync.Mutex
	dirty map[protocol.EntityID]change
}

// NewChangeDetector attaches a detector to the registry.
func NewChangeDetector(reg *ecs.Registry) *ChangeDetector {
	d := &ChangeDetector{
		reg:   reg,
		dirty: make(map[protocol.EntityID]change),
	}
	reg.AddObserver(d)
	return d
}

// Detach stops observing the registry.
func (d *ChangeDetector) Detach() {
	d.reg.RemoveObserver(d)
}

// OnCreate marks a fresh entity. Everything it accumulates before the
// first delta rides along as part of the creation.
func (d *ChangeDetector) OnCreate(e protocol.EntityID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty[e] = change{kind: changeCreated}
}

// OnAdd marks a component addition.
func (d *ChangeDetector) OnAdd(e protocol.EntityID, c ecs.Component) {
	d.markComponent(e, c.ComponentID())
}

// OnReplace marks a component write.
func (d *ChangeDetector) OnReplace(e protocol.EntityID, old, new ecs.Component) {
	d.markComponent(e, new.ComponentID())
}

// OnDestroy records a removal. An entity created and destroyed between
// deltas was never sent, so the two cancel to nothing.
func (d *ChangeDetector) OnDestroy(e protocol.EntityID, mask uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.dirty[e]; ok && cur.kind == changeCreated {
		delete(d.dirty, e)
		return
	}
	d.dirty[e] = change{kind: changeDestroyed}
}

// MarkDirty forces a full resend of the entity's syncable components.
func (d *ChangeDetector) MarkDirty(e protocol.EntityID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.dirty[e]
	if ok && cur.kind != changeUpdated {
		return
	}
	cur.kind = changeUpdated
	cur.mask |= ecs.SyncableMask()
	d.dirty[e] = cur
}

// MarkComponentDirty forces a resend of one component.
func (d *ChangeDetector) MarkComponentDirty(e protocol.EntityID, id ecs.ComponentID) {
	d.markComponent(e, id)
}

func (d *ChangeDetector) markComponent(e protocol.EntityID, id ecs.ComponentID) {
	if !ecs.Syncable(id) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.dirty[e]
	if ok && cur.kind != changeUpdated {
		// Created already resends everything; destroyed resends nothing.
		return
	}
	cur.kind = changeUpdated
	cur.mask |= id.Bit()
	d.dirty[e] = cur
}

// DirtyCount reports how many entities await the next delta.
func (d *ChangeDetector) DirtyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dirty)
}

// GenerateDelta builds the StateUpdate for one tick, walking dirty
// entities in ascending id order. Created entities carry every syncable
// component, updated ones only the dirty mask, destroyed ones just the id.
// Entities that would push the message past budget bytes are left dirty
// for the next tick. Returns nil when nothing changed.
//
// The dirty map is untouched until Flush, so a delta can be regenerated
// if transmission fails.
func (d *ChangeDetector) GenerateDelta(tick protocol.Tick, budget int) *messages.StateUpdate {
	d.mu.Lock()
	if len(d.dirty) == 0 {
		d.mu.Unlock()
		return nil
	}
	ids := make([]protocol.EntityID, 0, len(d.dirty))
	entries := make(map[protocol.EntityID]change, len(d.dirty))
	for e, ch := range d.dirty {
		ids = append(ids, e)
		entries[e] = ch
	}
	d.mu.Unlock()
	slices.Sort(ids)

	upd := &messages.StateUpdate{Tick: tick}
	used := 0
	emitted := 0
	for _, e := range ids {
		ch := entries[e]
		var (
			state messages.EntityState
			cost  int
		)
		switch ch.kind {
		case changeDestroyed:
			cost = 4
		case changeCreated:
			mask, alive := d.reg.Mask(e)
			if !alive {
				d.dropStale(e)
				continue
			}
			blob, actual, err := encodeComponents(d.reg, e, mask&ecs.SyncableMask())
			if err != nil {
				d.dropStale(e)
				continue
			}
			state = messages.EntityState{Entity: e, Mask: actual, Blob: blob}
			cost = entityStateCost(len(blob))
		case changeUpdated:
			mask, alive := d.reg.Mask(e)
			if !alive {
				// A destroy hook rewrites the entry; a vanished entity
				// with an update entry has nothing left to send.
				d.dropStale(e)
				continue
			}
			sendMask := ch.mask & mask & ecs.SyncableMask()
			if sendMask == 0 {
				d.dropStale(e)
				continue
			}
			blob, actual, err := encodeComponents(d.reg, e, sendMask)
			if err != nil || actual == 0 {
				d.dropStale(e)
				continue
			}
			state = messages.EntityState{Entity: e, Mask: actual, Blob: blob}
			cost = entityStateCost(len(blob))
		}

		if emitted > 0 && used+cost > budget {
			return upd
		}
		switch ch.kind {
		case changeDestroyed:
			upd.Destroyed = append(upd.Destroyed, e)
		case changeCreated:
			upd.Created = append(upd.Created, state)
		case changeUpdated:
			upd.Updated = append(upd.Updated, state)
		}
		used += cost
		emitted++
	}
	if emitted == 0 {
		return nil
	}
	return upd
}

// Flush clears exactly what a transmitted delta carried. Dirt accumulated
// after generation survives.
func (d *ChangeDetector) Flush(sent *messages.StateUpdate) {
	if sent == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range sent.Created {
		if cur, ok := d.dirty[st.Entity]; ok && cur.kind == changeCreated {
			delete(d.dirty, st.Entity)
		}
	}
	for _, st := range sent.Updated {
		cur, ok := d.dirty[st.Entity]
		if !ok || cur.kind != changeUpdated {
			continue
		}
		cur.mask &^= st.Mask
		if cur.mask == 0 {
			delete(d.dirty, st.Entity)
		} else {
			d.dirty[st.Entity] = cur
		}
	}
	for _, e := range sent.Destroyed {
		if cur, ok := d.dirty[e]; ok && cur.kind == changeDestroyed {
			delete(d.dirty, e)
		}
	}
}

// dropStale removes an entry that can no longer produce wire data.
func (d *ChangeDetector) dropStale(e protocol.EntityID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.dirty[e]; ok && cur.kind != changeDestroyed {
		delete(d.dirty, e)
	}
}

// entityStateCost is the wire cost of one EntityState entry.
func entityStateCost(blobLen int) int {
	return 4 + 4 + 2 + blobLen
}

// encodeComponents serializes the masked components of an entity in
// ascending component-id order. Bits whose component is missing are
// cleared from the returned mask.
func encodeComponents(reg *ecs.Registry, e protocol.EntityID, mask uint32) ([]byte, uint32, error) {
	if mask == 0 {
		return nil, 0, nil
	}
	buf := protocol.NewBuffer(64)
	actual := uint32(0)
	for id := range ecs.ComponentID(ecs.ComponentCount) {
		if mask&id.Bit() == 0 {
			continue
		}
		c, ok := reg.Get(e, id)
		if !ok {
			continue
		}
		if err := c.Serialize(buf); err != nil {
			return nil, 0, err
		}
		actual |= id.Bit()
	}
	return buf.Bytes(), actual, nil
}
