package messages

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/protocol"
)

// TerrainOp is the shape of a terrain modification.
type TerrainOp uint8

const (
	TerrainClear TerrainOp = 1
	TerrainLevel TerrainOp = 2
	TerrainGrade TerrainOp = 3
	TerrainRaise TerrainOp = 4
	TerrainLower TerrainOp = 5
)

// TerrainMod is the wire form of one journal entry. Seq orders entries;
// replaying a journal in Seq order on the generated base grid reproduces
// the server's terrain exactly.
type TerrainMod struct {
	Seq          uint32
	Player       protocol.PlayerID
	Op           TerrainOp
	X, Y         int16
	W, H         int16
	NewElevation int16
	Tick         protocol.Tick
}

const terrainModSize = 4 + 1 + 1 + 2 + 2 + 2 + 2 + 2 + 8

func writeTerrainMod(b *protocol.Buffer, m TerrainMod) {
	b.WriteUint32(m.Seq)
	b.WriteUint8(uint8(m.Player))
	b.WriteUint8(uint8(m.Op))
	b.WriteInt16(m.X)
	b.WriteInt16(m.Y)
	b.WriteInt16(m.W)
	b.WriteInt16(m.H)
	b.WriteInt16(m.NewElevation)
	b.WriteUint64(uint64(m.Tick))
}

func readTerrainMod(b *protocol.Buffer) (TerrainMod, error) {
	var m TerrainMod
	seq, err := b.ReadUint32()
	if err != nil {
		return m, err
	}
	player, err := b.ReadUint8()
	if err != nil {
		return m, err
	}
	op, err := b.ReadUint8()
	if err != nil {
		return m, err
	}
	x, err := b.ReadInt16()
	if err != nil {
		return m, err
	}
	y, err := b.ReadInt16()
	if err != nil {
		return m, err
	}
	w, err := b.ReadInt16()
	if err != nil {
		return m, err
	}
	h, err := b.ReadInt16()
	if err != nil {
		return m, err
	}
	elev, err := b.ReadInt16()
	if err != nil {
		return m, err
	}
	tick, err := b.ReadUint64()
	if err != nil {
		return m, err
	}
	m.Seq = seq
	m.Player = protocol.PlayerID(player)
	m.Op = TerrainOp(op)
	m.X, m.Y, m.W, m.H = x, y, w, h
	m.NewElevation = elev
	m.Tick = protocol.Tick(tick)
	return m, nil
}

// EncodeTerrainMods serializes a journal for storage: a uint32 count
// followed by the fixed-size entries.
func EncodeTerrainMods(mods []TerrainMod) []byte {
	buf := protocol.NewBuffer(4 + len(mods)*terrainModSize)
	buf.WriteUint32(uint32(len(mods)))
	for _, m := range mods {
		writeTerrainMod(buf, m)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// DecodeTerrainMods parses a journal produced by EncodeTerrainMods.
func DecodeTerrainMods(data []byte) ([]TerrainMod, error) {
	buf := protocol.NewBufferFrom(data)
	count, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("terrain journal: %w", err)
	}
	if int(count)*terrainModSize > buf.Remaining() {
		return nil, fmt.Errorf("terrain journal: count %d exceeds %d remaining bytes", count, buf.Remaining())
	}
	mods := make([]TerrainMod, 0, count)
	for i := uint32(0); i < count; i++ {
		m, err := readTerrainMod(buf)
		if err != nil {
			return nil, fmt.Errorf("terrain journal entry %d: %w", i, err)
		}
		mods = append(mods, m)
	}
	if buf.Remaining() != 0 {
		return nil, fmt.Errorf("terrain journal: %d trailing bytes", buf.Remaining())
	}
	return mods, nil
}

// TerrainData seeds a joining client: base generation parameters plus the
// modification journal, so the client rebuilds terrain locally instead of
// downloading the full grid.
//
// Payload structure:
//   - seed     int64
//   - tier     uint8
//   - modCount uint16, then modCount journal entries
//   - checksum uint32  CRC-32 over the resulting elevation grid
//
// The body is a compressible section; long journals travel compressed.
type TerrainData struct {
	Seed     int64
	Tier     protocol.MapTier
	Mods     []TerrainMod
	Checksum uint32
}

func (m *TerrainData) Type() protocol.MessageType { return protocol.MsgTerrainData }

func (m *TerrainData) Serialize(b *protocol.Buffer) error {
	if len(m.Mods) > 0xFFFF {
		return fmt.Errorf("TerrainData: %d mods exceed uint16 count", len(m.Mods))
	}
	raw := protocol.GetBuffer()
	defer raw.Put()

	raw.WriteInt64(m.Seed)
	raw.WriteUint8(uint8(m.Tier))
	raw.WriteUint16(uint16(len(m.Mods)))
	for _, mod := range m.Mods {
		writeTerrainMod(raw, mod)
	}
	raw.WriteUint32(m.Checksum)

	b.WriteBytes(protocol.MaybeCompress(raw.Bytes(), protocol.DefaultCompressionThreshold))
	return nil
}

func (m *TerrainData) Deserialize(b *protocol.Buffer) error {
	section, err := b.ReadBytes(b.Remaining())
	if err != nil {
		return err
	}
	rawBytes, err := protocol.Decompress(section, protocol.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("TerrainData: %w", err)
	}
	raw := protocol.NewBufferFrom(rawBytes)

	seed, err := raw.ReadInt64()
	if err != nil {
		return err
	}
	tier, err := raw.ReadUint8()
	if err != nil {
		return err
	}
	count, err := raw.ReadUint16()
	if err != nil {
		return err
	}
	if int(count)*terrainModSize > raw.Remaining() {
		return fmt.Errorf("TerrainData: %w (mods=%d, remaining=%d)", protocol.ErrShortBuffer, count, raw.Remaining())
	}
	mods := make([]TerrainMod, 0, count)
	for i := 0; i < int(count); i++ {
		mod, err := readTerrainMod(raw)
		if err != nil {
			return err
		}
		mods = append(mods, mod)
	}
	sum, err := raw.ReadUint32()
	if err != nil {
		return err
	}
	m.Seed = seed
	m.Tier = protocol.MapTier(tier)
	m.Mods = mods
	m.Checksum = sum
	return nil
}

// TerrainVerify reports the client's locally computed grid checksum.
type TerrainVerify struct {
	Checksum uint32
}

func (m *TerrainVerify) Type() protocol.MessageType { return protocol.MsgTerrainVerify }

func (m *TerrainVerify) PayloadSize() int { return 4 }

func (m *TerrainVerify) Serialize(b *protocol.Buffer) error {
	b.WriteUint32(m.Checksum)
	return nil
}

func (m *TerrainVerify) Deserialize(b *protocol.Buffer) error {
	sum, err := b.ReadUint32()
	if err != nil {
		return err
	}
	m.Checksum = sum
	return nil
}

// TerrainSyncComplete closes the terrain handshake. OK false means the
// server is falling back to a terrain-scope snapshot.
type TerrainSyncComplete struct {
	OK bool
}

func (m *TerrainSyncComplete) Type() protocol.MessageType { return protocol.MsgTerrainSyncComplete }

func (m *TerrainSyncComplete) PayloadSize() int { return 1 }

func (m *TerrainSyncComplete) Serialize(b *protocol.Buffer) error {
	var v uint8
	if m.OK {
		v = 1
	}
	b.WriteUint8(v)
	return nil
}

func (m *TerrainSyncComplete) Deserialize(b *protocol.Buffer) error {
	v, err := b.ReadUint8()
	if err != nil {
		return err
	}
	m.OK = v != 0
	return nil
}

// TerrainModified broadcasts one accepted terrain change to every client.
type TerrainModified struct {
	Mod TerrainMod
}

func (m *TerrainModified) Type() protocol.MessageType { return protocol.MsgTerrainModified }

func (m *TerrainModified) PayloadSize() int { return terrainModSize }

func (m *TerrainModified) Serialize(b *protocol.Buffer) error {
	writeTerrainMod(b, m.Mod)
	return nil
}

func (m *TerrainModified) Deserialize(b *protocol.Buffer) error {
	mod, err := readTerrainMod(b)
	if err != nil {
		return err
	}
	m.Mod = mod
	return nil
}
