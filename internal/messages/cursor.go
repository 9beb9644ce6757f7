package messages

import "github.com/civitasdev/civitas/internal/protocol"

// CursorUpdate shares a player's map cursor for presence display. It rides
// the unreliable channel; lost updates are simply superseded by later ones.
type CursorUpdate struct {
	PlayerID protocol.PlayerID
	Pos      protocol.GridPosition
}

func (m *CursorUpdate) Type() protocol.MessageType { return protocol.MsgCursorUpdate }

func (m *CursorUpdate) PayloadSize() int { return 1 + 4 }

func (m *CursorUpdate) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.PlayerID))
	writeGrid(b, m.Pos)
	return nil
}

func (m *CursorUpdate) Deserialize(b *protocol.Buffer) error {
	id, err := b.ReadUint8()
	if err != nil {
		return err
	}
	pos, err := readGrid(b)
	if err != nil {
		return err
	}
	m.PlayerID = protocol.PlayerID(id)
	m.Pos = pos
	return nil
}
