package messages

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/protocol"
)

// SnapshotScope selects what a snapshot covers.
type SnapshotScope uint8

const (
	ScopeWorld   SnapshotScope = 1
	ScopeTerrain SnapshotScope = 2
)

// String returns a stable name for logs.
func (s SnapshotScope) String() string {
	switch s {
	case ScopeWorld:
		return "World"
	case ScopeTerrain:
		return "Terrain"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// SnapshotRequestReason explains why a client asks for a full snapshot.
type SnapshotRequestReason uint8

const (
	SnapshotReasonInitialSync      SnapshotRequestReason = 1
	SnapshotReasonBufferOverflow   SnapshotRequestReason = 2
	SnapshotReasonChecksumMismatch SnapshotRequestReason = 3
	SnapshotReasonManual           SnapshotRequestReason = 4
)

// SnapshotRequest asks the server for a fresh full snapshot.
type SnapshotRequest struct {
	Scope  SnapshotScope
	Reason SnapshotRequestReason
}

func (m *SnapshotRequest) Type() protocol.MessageType { return protocol.MsgSnapshotRequest }

func (m *SnapshotRequest) PayloadSize() int { return 2 }

func (m *SnapshotRequest) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.Scope))
	b.WriteUint8(uint8(m.Reason))
	return nil
}

func (m *SnapshotRequest) Deserialize(b *protocol.Buffer) error {
	scope, err := b.ReadUint8()
	if err != nil {
		return err
	}
	reason, err := b.ReadUint8()
	if err != nil {
		return err
	}
	m.Scope = SnapshotScope(scope)
	m.Reason = SnapshotRequestReason(reason)
	return nil
}

// SnapshotStart opens a chunked snapshot transfer.
//
// Payload structure:
//   - scope       uint8
//   - tick        uint64  simulation tick the snapshot captures
//   - totalChunks uint16
//   - totalBytes  uint32  compressed size across all chunks
//   - entityCount uint32  entities in a World snapshot, 0 for Terrain
type SnapshotStart struct {
	Scope       SnapshotScope
	Tick        protocol.Tick
	TotalChunks uint16
	TotalBytes  uint32
	EntityCount uint32
}

func (m *SnapshotStart) Type() protocol.MessageType { return protocol.MsgSnapshotStart }

func (m *SnapshotStart) PayloadSize() int { return 1 + 8 + 2 + 4 + 4 }

func (m *SnapshotStart) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.Scope))
	b.WriteUint64(uint64(m.Tick))
	b.WriteUint16(m.TotalChunks)
	b.WriteUint32(m.TotalBytes)
	b.WriteUint32(m.EntityCount)
	return nil
}

func (m *SnapshotStart) Deserialize(b *protocol.Buffer) error {
	scope, err := b.ReadUint8()
	if err != nil {
		return err
	}
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	chunks, err := b.ReadUint16()
	if err != nil {
		return err
	}
	totalBytes, err := b.ReadUint32()
	if err != nil {
		return err
	}
	entities, err := b.ReadUint32()
	if err != nil {
		return err
	}
	m.Scope = SnapshotScope(scope)
	m.Tick = protocol.Tick(tick)
	m.TotalChunks = chunks
	m.TotalBytes = totalBytes
	m.EntityCount = entities
	return nil
}

// SnapshotChunk carries one slice of the compressed snapshot stream.
// Chunks may arrive out of order; Index places them.
type SnapshotChunk struct {
	Index uint16
	Data  []byte
}

func (m *SnapshotChunk) Type() protocol.MessageType { return protocol.MsgSnapshotChunk }

func (m *SnapshotChunk) Serialize(b *protocol.Buffer) error {
	b.WriteUint16(m.Index)
	writeByteSlice(b, m.Data)
	return nil
}

func (m *SnapshotChunk) Deserialize(b *protocol.Buffer) error {
	index, err := b.ReadUint16()
	if err != nil {
		return err
	}
	data, err := readByteSlice(b)
	if err != nil {
		return err
	}
	m.Index = index
	m.Data = data
	return nil
}

// SnapshotEnd closes a transfer. Checksum is CRC-32 (IEEE) over the
// reassembled uncompressed snapshot bytes.
type SnapshotEnd struct {
	Tick     protocol.Tick
	Checksum uint32
}

func (m *SnapshotEnd) Type() protocol.MessageType { return protocol.MsgSnapshotEnd }

func (m *SnapshotEnd) PayloadSize() int { return 8 + 4 }

func (m *SnapshotEnd) Serialize(b *protocol.Buffer) error {
	b.WriteUint64(uint64(m.Tick))
	b.WriteUint32(m.Checksum)
	return nil
}

func (m *SnapshotEnd) Deserialize(b *protocol.Buffer) error {
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	sum, err := b.ReadUint32()
	if err != nil {
		return err
	}
	m.Tick = protocol.Tick(tick)
	m.Checksum = sum
	return nil
}
