package replication

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// ApplyResult classifies one delta application.
type ApplyResult uint8

const (
	// ApplyApplied means every entity landed.
	ApplyApplied ApplyResult = iota + 1
	// ApplyDuplicate means the delta's tick was already applied.
	ApplyDuplicate
	// ApplyOutOfOrder means the delta is older than the applied state.
	ApplyOutOfOrder
	// ApplyError means the delta advanced the tick but one or more
	// entities were skipped as unparseable.
	ApplyError
)

// String returns a stable name for logs.
func (r ApplyResult) String() string {
	switch r {
	case ApplyApplied:
		return "Applied"
	case ApplyDuplicate:
		return "Duplicate"
	case ApplyOutOfOrder:
		return "OutOfOrder"
	case ApplyError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ApplyDelta installs a StateUpdate into the registry. Ticks gate
// strictly: a delta at or before lastTick is refused without touching the
// registry. Sections apply creations first, then updates, then destroys.
// An entity with an unknown component bit or a corrupt blob is skipped
// whole, so a bad entry never leaves partial state behind.
func ApplyDelta(reg *ecs.Registry, msg *messages.StateUpdate, lastTick protocol.Tick) (ApplyResult, protocol.Tick) {
	if msg.Tick == lastTick {
		return ApplyDuplicate, lastTick
	}
	if msg.Tick < lastTick {
		return ApplyOutOfOrder, lastTick
	}

	failed := 0
	for _, st := range msg.Created {
		comps, err := decodeComponents(st.Mask, st.Blob)
		if err != nil {
			failed++
			continue
		}
		if err := reg.CreateWithID(st.Entity); err != nil {
			failed++
			continue
		}
		for _, c := range comps {
			if err := reg.Add(st.Entity, c); err != nil {
				// Cannot happen on a fresh entity; back out whole.
				reg.Destroy(st.Entity)
				failed++
				break
			}
		}
	}
	for _, st := range msg.Updated {
		if !reg.Alive(st.Entity) {
			failed++
			continue
		}
		comps, err := decodeComponents(st.Mask, st.Blob)
		if err != nil {
			failed++
			continue
		}
		for _, c := range comps {
			if err := reg.Replace(st.Entity, c); err != nil {
				failed++
				break
			}
		}
	}
	for _, e := range msg.Destroyed {
		// Destroying an id the receiver never saw is a no-op.
		reg.Destroy(e)
	}

	if failed > 0 {
		return ApplyError, msg.Tick
	}
	return ApplyApplied, msg.Tick
}

// decodeComponents parses an EntityState blob against its mask. The blob
// must contain exactly the masked components in ascending id order.
func decodeComponents(mask uint32, blob []byte) ([]ecs.Component, error) {
	knownBits := (uint32(1) << ecs.ComponentCount) - 1
	if mask&^knownBits != 0 {
		return nil, fmt.Errorf("replication: unknown component bits in mask %#x", mask)
	}
	buf := protocol.NewBufferFrom(blob)
	comps := make([]ecs.Component, 0, 4)
	for id := range ecs.ComponentID(ecs.ComponentCount) {
		if mask&id.Bit() == 0 {
			continue
		}
		c, ok := ecs.New(id)
		if !ok {
			return nil, fmt.Errorf("replication: no constructor for component %v", id)
		}
		if err := c.Deserialize(buf); err != nil {
			return nil, fmt.Errorf("replication: component %v: %w", id, err)
		}
		comps = append(comps, c)
	}
	if buf.Remaining() != 0 {
		return nil, fmt.Errorf("replication: %d trailing bytes after components", buf.Remaining())
	}
	return comps, nil
}
