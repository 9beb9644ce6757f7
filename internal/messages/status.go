package messages

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/protocol"
)

// ServerState is the coarse lifecycle phase advertised in ServerStatus.
type ServerState uint8

const (
	StateInitializing ServerState = 1
	StateLoading      ServerState = 2
	StateReady        ServerState = 3
	StateRunning      ServerState = 4
)

// String returns a stable name for logs.
func (s ServerState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// PlayerStatus is a player's presence as seen by the server.
type PlayerStatus uint8

const (
	PlayerConnected    PlayerStatus = 1
	PlayerDisconnected PlayerStatus = 2
	PlayerReconnecting PlayerStatus = 3
)

// ServerStatus is broadcast on lifecycle changes and on demand.
//
// Payload structure:
//   - state    uint8
//   - mapTier  uint8
//   - tick     uint64
//   - players  uint8  currently connected count
type ServerStatus struct {
	State   ServerState
	MapTier protocol.MapTier
	Tick    protocol.Tick
	Players uint8
}

func (m *ServerStatus) Type() protocol.MessageType { return protocol.MsgServerStatus }

func (m *ServerStatus) PayloadSize() int { return 1 + 1 + 8 + 1 }

func (m *ServerStatus) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.State))
	b.WriteUint8(uint8(m.MapTier))
	b.WriteUint64(uint64(m.Tick))
	b.WriteUint8(m.Players)
	return nil
}

func (m *ServerStatus) Deserialize(b *protocol.Buffer) error {
	state, err := b.ReadUint8()
	if err != nil {
		return err
	}
	tier, err := b.ReadUint8()
	if err != nil {
		return err
	}
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	players, err := b.ReadUint8()
	if err != nil {
		return err
	}
	m.State = ServerState(state)
	m.MapTier = protocol.MapTier(tier)
	m.Tick = protocol.Tick(tick)
	m.Players = players
	return nil
}

// PlayerEntry is one row of a PlayerList.
type PlayerEntry struct {
	ID     protocol.PlayerID
	Name   string
	Status PlayerStatus
}

// PlayerList is broadcast whenever the roster changes.
type PlayerList struct {
	Players []PlayerEntry
}

func (m *PlayerList) Type() protocol.MessageType { return protocol.MsgPlayerList }

func (m *PlayerList) Serialize(b *protocol.Buffer) error {
	if len(m.Players) > 255 {
		return fmt.Errorf("PlayerList: %d entries exceed uint8 count", len(m.Players))
	}
	b.WriteUint8(uint8(len(m.Players)))
	for _, p := range m.Players {
		b.WriteUint8(uint8(p.ID))
		b.WriteString(p.Name)
		b.WriteUint8(uint8(p.Status))
	}
	return nil
}

func (m *PlayerList) Deserialize(b *protocol.Buffer) error {
	count, err := b.ReadUint8()
	if err != nil {
		return err
	}
	players := make([]PlayerEntry, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := b.ReadUint8()
		if err != nil {
			return err
		}
		name, err := b.ReadString()
		if err != nil {
			return err
		}
		status, err := b.ReadUint8()
		if err != nil {
			return err
		}
		players = append(players, PlayerEntry{
			ID:     protocol.PlayerID(id),
			Name:   name,
			Status: PlayerStatus(status),
		})
	}
	m.Players = players
	return nil
}

// Chat relays a player chat line. PlayerID must be the sender's own id;
// the validation layer drops lines claiming someone else's.
type Chat struct {
	PlayerID protocol.PlayerID
	Text     string
}

func (m *Chat) Type() protocol.MessageType { return protocol.MsgChat }

func (m *Chat) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.PlayerID))
	b.WriteString(m.Text)
	return nil
}

func (m *Chat) Deserialize(b *protocol.Buffer) error {
	id, err := b.ReadUint8()
	if err != nil {
		return err
	}
	text, err := b.ReadString()
	if err != nil {
		return err
	}
	m.PlayerID = protocol.PlayerID(id)
	m.Text = text
	return nil
}
