package protocol

import "fmt"

// Wire-level limits and fixed sizes. These are part of the protocol and
// must not change without bumping ProtocolVersion.
const (
	// ProtocolVersion is the version stamped into every envelope.
	ProtocolVersion uint8 = 1

	// MinSupportedVersion is the oldest envelope version a receiver accepts.
	MinSupportedVersion uint8 = 1

	// EnvelopeSize is the fixed size of the message envelope in bytes:
	// version (1) + type (2) + payload length (2).
	EnvelopeSize = 5

	// MaxMessageSize caps a single envelope + payload.
	MaxMessageSize = 64 * 1024

	// MaxPayloadSize is the largest payload an envelope can declare.
	MaxPayloadSize = MaxMessageSize - EnvelopeSize

	// SessionTokenSize is the length of a reconnect token in bytes.
	SessionTokenSize = 16

	// MaxSyncedComponents bounds the component id space; component ids are
	// wire-encoded as bits of a uint32 mask.
	MaxSyncedComponents = 32

	// MaxPlayerNameLen bounds the player name in Join, in runes.
	MaxPlayerNameLen = 32

	// MaxChatLen bounds a chat line, in runes.
	MaxChatLen = 256

	// DefaultCompressionThreshold is the payload size above which
	// MaybeCompress attempts snappy compression.
	DefaultCompressionThreshold = 1024
)

// PeerID identifies a transport-level connection. Zero is never a valid
// peer; transports allocate ids monotonically and never reuse them.
type PeerID uint32

// InvalidPeer is the zero PeerID sentinel.
const InvalidPeer PeerID = 0

// PlayerID identifies a joined player in [1, maxPlayers]. Zero is reserved
// for "no player assigned".
type PlayerID uint8

// InvalidPlayer is the zero PlayerID sentinel.
const InvalidPlayer PlayerID = 0

// SequenceNumber orders messages per direction. Comparison is
// wraparound-aware; see IsNewer.
type SequenceNumber uint32

// Tick is the authoritative simulation tick counter.
type Tick uint64

// EntityID identifies a replicated entity. Zero is never allocated.
type EntityID uint32

// GridPosition addresses a tile on the city grid.
type GridPosition struct {
	X int16
	Y int16
}

// MapTier selects the playable map size.
type MapTier uint8

const (
	MapSmall  MapTier = 1 // 128x128
	MapMedium MapTier = 2 // 256x256
	MapLarge  MapTier = 3 // 512x512
)

// SessionToken is the opaque 128-bit credential handed out on join and
// presented on reconnect.
type SessionToken [SessionTokenSize]byte

// IsZero reports whether the token is unset.
func (t SessionToken) IsZero() bool {
	return t == SessionToken{}
}

// String renders a short prefix for logs; the full token never appears in
// log output.
func (t SessionToken) String() string {
	return fmt.Sprintf("%x..", t[:4])
}

// MessageType tags a payload inside an envelope.
//
// The type space is partitioned: 1-99 system (connection lifecycle, sync
// control), 100-199 gameplay, 200+ reserved for future extension. A type
// outside the registered set is rejected at validation.
type MessageType uint16

const (
	MsgJoin              MessageType = 1
	MsgJoinAccept        MessageType = 2
	MsgJoinReject        MessageType = 3
	MsgReconnect         MessageType = 4
	MsgDisconnect        MessageType = 5
	MsgKick              MessageType = 6
	MsgHeartbeat         MessageType = 7
	MsgHeartbeatResponse MessageType = 8
	MsgServerStatus      MessageType = 9
	MsgPlayerList        MessageType = 10
	MsgChat              MessageType = 11

	MsgSnapshotRequest MessageType = 20
	MsgSnapshotStart   MessageType = 21
	MsgSnapshotChunk   MessageType = 22
	MsgSnapshotEnd     MessageType = 23

	MsgTerrainData         MessageType = 30
	MsgTerrainVerify       MessageType = 31
	MsgTerrainSyncComplete MessageType = 32
	MsgTerrainModified     MessageType = 33

	MsgInput         MessageType = 100
	MsgInputAck      MessageType = 101
	MsgInputRejected MessageType = 102

	MsgStateUpdate MessageType = 110
	MsgGameEvent   MessageType = 111

	MsgTradeOffer    MessageType = 120
	MsgTradeResponse MessageType = 121

	MsgCursorUpdate MessageType = 130
)

// IsSystem reports whether t falls in the system range.
func (t MessageType) IsSystem() bool {
	return t >= 1 && t <= 99
}

// IsGameplay reports whether t falls in the gameplay range.
func (t MessageType) IsGameplay() bool {
	return t >= 100 && t <= 199
}

// String returns a stable name for known types, "type(N)" otherwise.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

var messageTypeNames = map[MessageType]string{
	MsgJoin:                "Join",
	MsgJoinAccept:          "JoinAccept",
	MsgJoinReject:          "JoinReject",
	MsgReconnect:           "Reconnect",
	MsgDisconnect:          "Disconnect",
	MsgKick:                "Kick",
	MsgHeartbeat:           "Heartbeat",
	MsgHeartbeatResponse:   "HeartbeatResponse",
	MsgServerStatus:        "ServerStatus",
	MsgPlayerList:          "PlayerList",
	MsgChat:                "Chat",
	MsgSnapshotRequest:     "SnapshotRequest",
	MsgSnapshotStart:       "SnapshotStart",
	MsgSnapshotChunk:       "SnapshotChunk",
	MsgSnapshotEnd:         "SnapshotEnd",
	MsgTerrainData:         "TerrainData",
	MsgTerrainVerify:       "TerrainVerify",
	MsgTerrainSyncComplete: "TerrainSyncComplete",
	MsgTerrainModified:     "TerrainModified",
	MsgInput:               "Input",
	MsgInputAck:            "InputAck",
	MsgInputRejected:       "InputRejected",
	MsgStateUpdate:         "StateUpdate",
	MsgGameEvent:           "GameEvent",
	MsgTradeOffer:          "TradeOffer",
	MsgTradeResponse:       "TradeResponse",
	MsgCursorUpdate:        "CursorUpdate",
}
