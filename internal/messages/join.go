package messages

import (
	"fmt"
	"unicode/utf8"

	"github.com/civitasdev/civitas/internal/protocol"
)

// JoinRejectReason explains why a Join or Reconnect was refused.
type JoinRejectReason uint8

const (
	RejectFull            JoinRejectReason = 1
	RejectNameTaken       JoinRejectReason = 2
	RejectVersionMismatch JoinRejectReason = 3
	RejectSessionExpired  JoinRejectReason = 4
	RejectInvalidToken    JoinRejectReason = 5
	RejectServerShutdown  JoinRejectReason = 6
)

// String returns a stable name for logs.
func (r JoinRejectReason) String() string {
	switch r {
	case RejectFull:
		return "Full"
	case RejectNameTaken:
		return "NameTaken"
	case RejectVersionMismatch:
		return "VersionMismatch"
	case RejectSessionExpired:
		return "SessionExpired"
	case RejectInvalidToken:
		return "InvalidToken"
	case RejectServerShutdown:
		return "ServerShutdown"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// DisconnectReason is carried by a graceful Disconnect notice.
type DisconnectReason uint8

const (
	DisconnectQuit           DisconnectReason = 1
	DisconnectServerShutdown DisconnectReason = 2
	DisconnectTimeout        DisconnectReason = 3
	DisconnectKicked         DisconnectReason = 4
	DisconnectTransportError DisconnectReason = 5
)

// KickReason is carried by a server-initiated Kick. Values 200 and above
// are reserved for operator extensions.
type KickReason uint8

const (
	KickIdle     KickReason = 1
	KickAbuse    KickReason = 2
	KickProtocol KickReason = 3
	KickAdmin    KickReason = 4
	KickShutdown KickReason = 5
)

// Retryable reports whether the kicked player may reconnect within the
// session grace window.
func (r KickReason) Retryable() bool {
	switch r {
	case KickIdle, KickShutdown:
		return true
	default:
		return false
	}
}

// Join is the first message a connecting client sends.
//
// Payload structure:
//   - name         string  display name, at most 32 runes
//   - capabilities uint32  client feature bitmask, zero for none
type Join struct {
	Name         string
	Capabilities uint32
}

func (m *Join) Type() protocol.MessageType { return protocol.MsgJoin }

func (m *Join) Serialize(b *protocol.Buffer) error {
	if utf8.RuneCountInString(m.Name) > protocol.MaxPlayerNameLen {
		return fmt.Errorf("Join: name exceeds %d runes", protocol.MaxPlayerNameLen)
	}
	b.WriteString(m.Name)
	b.WriteUint32(m.Capabilities)
	return nil
}

func (m *Join) Deserialize(b *protocol.Buffer) error {
	name, err := b.ReadString()
	if err != nil {
		return err
	}
	caps, err := b.ReadUint32()
	if err != nil {
		return err
	}
	m.Name = name
	m.Capabilities = caps
	return nil
}

// JoinAccept seats a new or reconnecting player.
//
// Payload structure:
//   - playerID     uint8   assigned slot, never zero
//   - serverTimeMs uint64  server wall clock at send time
//   - token        [16]byte session credential for reconnects
//   - startTick    uint64  simulation tick the client should anchor to
type JoinAccept struct {
	PlayerID     protocol.PlayerID
	ServerTimeMs uint64
	Token        protocol.SessionToken
	StartTick    protocol.Tick
}

func (m *JoinAccept) Type() protocol.MessageType { return protocol.MsgJoinAccept }

func (m *JoinAccept) PayloadSize() int { return 1 + 8 + protocol.SessionTokenSize + 8 }

func (m *JoinAccept) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.PlayerID))
	b.WriteUint64(m.ServerTimeMs)
	writeToken(b, m.Token)
	b.WriteUint64(uint64(m.StartTick))
	return nil
}

func (m *JoinAccept) Deserialize(b *protocol.Buffer) error {
	id, err := b.ReadUint8()
	if err != nil {
		return err
	}
	serverTime, err := b.ReadUint64()
	if err != nil {
		return err
	}
	token, err := readToken(b)
	if err != nil {
		return err
	}
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	m.PlayerID = protocol.PlayerID(id)
	m.ServerTimeMs = serverTime
	m.Token = token
	m.StartTick = protocol.Tick(tick)
	return nil
}

// JoinReject refuses a Join or Reconnect attempt.
type JoinReject struct {
	Reason  JoinRejectReason
	Message string
}

func (m *JoinReject) Type() protocol.MessageType { return protocol.MsgJoinReject }

func (m *JoinReject) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.Reason))
	b.WriteString(m.Message)
	return nil
}

func (m *JoinReject) Deserialize(b *protocol.Buffer) error {
	reason, err := b.ReadUint8()
	if err != nil {
		return err
	}
	msg, err := b.ReadString()
	if err != nil {
		return err
	}
	m.Reason = JoinRejectReason(reason)
	m.Message = msg
	return nil
}

// Reconnect resumes a session after a transport drop.
type Reconnect struct {
	Token protocol.SessionToken
}

func (m *Reconnect) Type() protocol.MessageType { return protocol.MsgReconnect }

func (m *Reconnect) PayloadSize() int { return protocol.SessionTokenSize }

func (m *Reconnect) Serialize(b *protocol.Buffer) error {
	writeToken(b, m.Token)
	return nil
}

func (m *Reconnect) Deserialize(b *protocol.Buffer) error {
	token, err := readToken(b)
	if err != nil {
		return err
	}
	m.Token = token
	return nil
}

// Disconnect announces an orderly connection teardown.
type Disconnect struct {
	Reason DisconnectReason
}

func (m *Disconnect) Type() protocol.MessageType { return protocol.MsgDisconnect }

func (m *Disconnect) PayloadSize() int { return 1 }

func (m *Disconnect) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.Reason))
	return nil
}

func (m *Disconnect) Deserialize(b *protocol.Buffer) error {
	reason, err := b.ReadUint8()
	if err != nil {
		return err
	}
	m.Reason = DisconnectReason(reason)
	return nil
}

// Kick removes a player by server decision. The transport disconnect
// follows after the message is flushed.
type Kick struct {
	Reason  KickReason
	Message string
}

func (m *Kick) Type() protocol.MessageType { return protocol.MsgKick }

func (m *Kick) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(m.Reason))
	b.WriteString(m.Message)
	return nil
}

func (m *Kick) Deserialize(b *protocol.Buffer) error {
	reason, err := b.ReadUint8()
	if err != nil {
		return err
	}
	msg, err := b.ReadString()
	if err != nil {
		return err
	}
	m.Reason = KickReason(reason)
	m.Message = msg
	return nil
}
