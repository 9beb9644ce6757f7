// Package messages defines every typed payload that travels inside a
// protocol envelope, for both directions of the connection.
//
// Serialize appends only the payload body; the envelope is written by
// Encode. Deserialize reads exactly the payload body; the validation layer
// compares consumed bytes against the envelope's declared length.
package messages

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/protocol"
)

// FixedSize is implemented by payloads whose wire size never varies.
// The validation layer rejects such payloads early when the envelope
// declares a different length.
type FixedSize interface {
	PayloadSize() int
}

// Encode serializes msg with its envelope into a fresh byte slice ready for
// the transport.
func Encode(msg protocol.Message) ([]byte, error) {
	payload := protocol.GetBuffer()
	defer payload.Put()

	if err := msg.Serialize(payload); err != nil {
		return nil, fmt.Errorf("serializing %s: %w", msg.Type(), err)
	}
	if payload.Len() > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("encoding %s: %w (payload=%d)", msg.Type(), protocol.ErrPayloadTooLarge, payload.Len())
	}

	out := protocol.NewBuffer(protocol.EnvelopeSize + payload.Len())
	if err := protocol.WriteEnvelope(out, msg.Type(), payload.Len()); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	out.WriteBytes(payload.Bytes())
	return out.Bytes(), nil
}

// RegisterAll installs a constructor for every known message type.
func RegisterAll(f *protocol.Factory) error {
	creators := map[protocol.MessageType]func() protocol.Message{
		protocol.MsgJoin:                func() protocol.Message { return &Join{} },
		protocol.MsgJoinAccept:          func() protocol.Message { return &JoinAccept{} },
		protocol.MsgJoinReject:          func() protocol.Message { return &JoinReject{} },
		protocol.MsgReconnect:           func() protocol.Message { return &Reconnect{} },
		protocol.MsgDisconnect:          func() protocol.Message { return &Disconnect{} },
		protocol.MsgKick:                func() protocol.Message { return &Kick{} },
		protocol.MsgHeartbeat:           func() protocol.Message { return &Heartbeat{} },
		protocol.MsgHeartbeatResponse:   func() protocol.Message { return &HeartbeatResponse{} },
		protocol.MsgServerStatus:        func() protocol.Message { return &ServerStatus{} },
		protocol.MsgPlayerList:          func() protocol.Message { return &PlayerList{} },
		protocol.MsgChat:                func() protocol.Message { return &Chat{} },
		protocol.MsgSnapshotRequest:     func() protocol.Message { return &SnapshotRequest{} },
		protocol.MsgSnapshotStart:       func() protocol.Message { return &SnapshotStart{} },
		protocol.MsgSnapshotChunk:       func() protocol.Message { return &SnapshotChunk{} },
		protocol.MsgSnapshotEnd:         func() protocol.Message { return &SnapshotEnd{} },
		protocol.MsgTerrainData:         func() protocol.Message { return &TerrainData{} },
		protocol.MsgTerrainVerify:       func() protocol.Message { return &TerrainVerify{} },
		protocol.MsgTerrainSyncComplete: func() protocol.Message { return &TerrainSyncComplete{} },
		protocol.MsgTerrainModified:     func() protocol.Message { return &TerrainModified{} },
		protocol.MsgInput:               func() protocol.Message { return &Input{} },
		protocol.MsgInputAck:            func() protocol.Message { return &InputAck{} },
		protocol.MsgInputRejected:       func() protocol.Message { return &InputRejected{} },
		protocol.MsgStateUpdate:         func() protocol.Message { return &StateUpdate{} },
		protocol.MsgGameEvent:           func() protocol.Message { return &GameEvent{} },
		protocol.MsgTradeOffer:          func() protocol.Message { return &TradeOffer{} },
		protocol.MsgTradeResponse:       func() protocol.Message { return &TradeResponse{} },
		protocol.MsgCursorUpdate:        func() protocol.Message { return &CursorUpdate{} },
	}
	for mt, fn := range creators {
		if err := f.Register(mt, fn); err != nil {
			return fmt.Errorf("registering %s: %w", mt, err)
		}
	}
	return nil
}

// NewFactory returns a Factory with the full message table installed.
func NewFactory() *protocol.Factory {
	f := protocol.NewFactory()
	if err := RegisterAll(f); err != nil {
		// Only reachable through a duplicate constant, caught by tests.
		panic(err)
	}
	return f
}

// writeByteSlice appends a uint32 length prefix followed by raw bytes.
func writeByteSlice(b *protocol.Buffer, data []byte) {
	b.WriteUint32(uint32(len(data)))
	b.WriteBytes(data)
}

// readByteSlice reads a uint32 length prefix and that many bytes into a
// fresh slice.
func readByteSlice(b *protocol.Buffer) ([]byte, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > b.Remaining() {
		return nil, fmt.Errorf("byte slice: %w (declared=%d, remaining=%d)", protocol.ErrShortBuffer, n, b.Remaining())
	}
	if n == 0 {
		return nil, nil
	}
	return b.ReadBytesCopy(int(n))
}

// writeToken appends a session token as raw bytes.
func writeToken(b *protocol.Buffer, t protocol.SessionToken) {
	b.WriteBytes(t[:])
}

// readToken reads a session token.
func readToken(b *protocol.Buffer) (protocol.SessionToken, error) {
	raw, err := b.ReadBytes(protocol.SessionTokenSize)
	if err != nil {
		return protocol.SessionToken{}, err
	}
	var t protocol.SessionToken
	copy(t[:], raw)
	return t, nil
}

// writeGrid appends a grid position as two int16 values.
func writeGrid(b *protocol.Buffer, p protocol.GridPosition) {
	b.WriteInt16(p.X)
	b.WriteInt16(p.Y)
}

// readGrid reads a grid position.
func readGrid(b *protocol.Buffer) (protocol.GridPosition, error) {
	x, err := b.ReadInt16()
	if err != nil {
		return protocol.GridPosition{}, err
	}
	y, err := b.ReadInt16()
	if err != nil {
		return protocol.GridPosition{}, err
	}
	return protocol.GridPosition{X: x, Y: y}, nil
}
