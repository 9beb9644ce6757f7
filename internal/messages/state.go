package messages

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/protocol"
)

// EntityState carries one entity's replicated data inside a StateUpdate.
// Mask has one bit per component id; Blob holds the serialized components
// for the set bits, in ascending component id order.
type EntityState struct {
	Entity protocol.EntityID
	Mask   uint32
	Blob   []byte
}

// StateUpdate is the per-tick delta broadcast. Creations carry every synced
// component, updates only the changed ones, destructions just the id.
// Receivers apply sections in order: creations, updates, destructions.
//
// The payload body is a compressible section (see protocol.MaybeCompress);
// deltas beyond the compression threshold travel as snappy blocks.
type StateUpdate struct {
	Tick      protocol.Tick
	Created   []EntityState
	Updated   []EntityState
	Destroyed []protocol.EntityID
}

func (m *StateUpdate) Type() protocol.MessageType { return protocol.MsgStateUpdate }

func (m *StateUpdate) Serialize(b *protocol.Buffer) error {
	raw := protocol.GetBuffer()
	defer raw.Put()

	raw.WriteUint64(uint64(m.Tick))
	if err := writeEntitySection(raw, m.Created); err != nil {
		return fmt.Errorf("StateUpdate: created: %w", err)
	}
	if err := writeEntitySection(raw, m.Updated); err != nil {
		return fmt.Errorf("StateUpdate: updated: %w", err)
	}
	if len(m.Destroyed) > 0xFFFF {
		return fmt.Errorf("StateUpdate: %d destroyed entities exceed uint16 count", len(m.Destroyed))
	}
	raw.WriteUint16(uint16(len(m.Destroyed)))
	for _, id := range m.Destroyed {
		raw.WriteUint32(uint32(id))
	}

	b.WriteBytes(protocol.MaybeCompress(raw.Bytes(), protocol.DefaultCompressionThreshold))
	return nil
}

func (m *StateUpdate) Deserialize(b *protocol.Buffer) error {
	section, err := b.ReadBytes(b.Remaining())
	if err != nil {
		return err
	}
	rawBytes, err := protocol.Decompress(section, protocol.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("StateUpdate: %w", err)
	}
	raw := protocol.NewBufferFrom(rawBytes)

	tick, err := raw.ReadUint64()
	if err != nil {
		return err
	}
	created, err := readEntitySection(raw)
	if err != nil {
		return fmt.Errorf("StateUpdate: created: %w", err)
	}
	updated, err := readEntitySection(raw)
	if err != nil {
		return fmt.Errorf("StateUpdate: updated: %w", err)
	}
	destroyedCount, err := raw.ReadUint16()
	if err != nil {
		return err
	}
	destroyed := make([]protocol.EntityID, 0, destroyedCount)
	for i := 0; i < int(destroyedCount); i++ {
		id, err := raw.ReadUint32()
		if err != nil {
			return err
		}
		destroyed = append(destroyed, protocol.EntityID(id))
	}

	m.Tick = protocol.Tick(tick)
	m.Created = created
	m.Updated = updated
	m.Destroyed = destroyed
	return nil
}

// Empty reports whether the delta carries no changes.
func (m *StateUpdate) Empty() bool {
	return len(m.Created) == 0 && len(m.Updated) == 0 && len(m.Destroyed) == 0
}

func writeEntitySection(b *protocol.Buffer, entities []EntityState) error {
	if len(entities) > 0xFFFF {
		return fmt.Errorf("%d entities exceed uint16 count", len(entities))
	}
	b.WriteUint16(uint16(len(entities)))
	for _, e := range entities {
		if len(e.Blob) > 0xFFFF {
			return fmt.Errorf("entity %d blob exceeds uint16 length", e.Entity)
		}
		b.WriteUint32(uint32(e.Entity))
		b.WriteUint32(e.Mask)
		b.WriteUint16(uint16(len(e.Blob)))
		b.WriteBytes(e.Blob)
	}
	return nil
}

func readEntitySection(b *protocol.Buffer) ([]EntityState, error) {
	count, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	entities := make([]EntityState, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := b.ReadUint32()
		if err != nil {
			return nil, err
		}
		mask, err := b.ReadUint32()
		if err != nil {
			return nil, err
		}
		blobLen, err := b.ReadUint16()
		if err != nil {
			return nil, err
		}
		blob, err := b.ReadBytesCopy(int(blobLen))
		if err != nil {
			return nil, err
		}
		entities = append(entities, EntityState{
			Entity: protocol.EntityID(id),
			Mask:   mask,
			Blob:   blob,
		})
	}
	return entities, nil
}

// GameEventKind tags a simulation notification.
type GameEventKind uint16

const (
	EventBuildingCompleted GameEventKind = 1
	EventZoneDeveloped     GameEventKind = 2
	EventPowerOutage       GameEventKind = 3
	EventBudgetUpdated     GameEventKind = 4
	EventDisaster          GameEventKind = 5
)

// GameEvent is a fire-and-forget notification from the simulation, not
// tied to any entity delta.
type GameEvent struct {
	Kind   GameEventKind
	Tick   protocol.Tick
	Pos    protocol.GridPosition
	Param1 uint32
	Param2 uint32
}

func (m *GameEvent) Type() protocol.MessageType { return protocol.MsgGameEvent }

func (m *GameEvent) PayloadSize() int { return 2 + 8 + 4 + 4 + 4 }

func (m *GameEvent) Serialize(b *protocol.Buffer) error {
	b.WriteUint16(uint16(m.Kind))
	b.WriteUint64(uint64(m.Tick))
	writeGrid(b, m.Pos)
	b.WriteUint32(m.Param1)
	b.WriteUint32(m.Param2)
	return nil
}

func (m *GameEvent) Deserialize(b *protocol.Buffer) error {
	kind, err := b.ReadUint16()
	if err != nil {
		return err
	}
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	pos, err := readGrid(b)
	if err != nil {
		return err
	}
	param1, err := b.ReadUint32()
	if err != nil {
		return err
	}
	param2, err := b.ReadUint32()
	if err != nil {
		return err
	}
	m.Kind = GameEventKind(kind)
	m.Tick = protocol.Tick(tick)
	m.Pos = pos
	m.Param1 = param1
	m.Param2 = param2
	return nil
}
