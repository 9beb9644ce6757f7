package messages

import "github.com/civitasdev/civitas/internal/protocol"

// Heartbeat is sent periodically in both directions to prove liveness and
// measure round-trip time.
type Heartbeat struct {
	Sequence protocol.SequenceNumber
	TimeMs   uint64
}

func (m *Heartbeat) Type() protocol.MessageType { return protocol.MsgHeartbeat }

func (m *Heartbeat) PayloadSize() int { return 4 + 8 }

func (m *Heartbeat) Serialize(b *protocol.Buffer) error {
	b.WriteUint32(uint32(m.Sequence))
	b.WriteUint64(m.TimeMs)
	return nil
}

func (m *Heartbeat) Deserialize(b *protocol.Buffer) error {
	seq, err := b.ReadUint32()
	if err != nil {
		return err
	}
	timeMs, err := b.ReadUint64()
	if err != nil {
		return err
	}
	m.Sequence = protocol.SequenceNumber(seq)
	m.TimeMs = timeMs
	return nil
}

// HeartbeatResponse echoes the sender's timestamp so the originator can
// compute RTT without synchronized clocks.
type HeartbeatResponse struct {
	Sequence   protocol.SequenceNumber
	EchoTimeMs uint64
	ServerTick protocol.Tick
}

func (m *HeartbeatResponse) Type() protocol.MessageType { return protocol.MsgHeartbeatResponse }

func (m *HeartbeatResponse) PayloadSize() int { return 4 + 8 + 8 }

func (m *HeartbeatResponse) Serialize(b *protocol.Buffer) error {
	b.WriteUint32(uint32(m.Sequence))
	b.WriteUint64(m.EchoTimeMs)
	b.WriteUint64(uint64(m.ServerTick))
	return nil
}

func (m *HeartbeatResponse) Deserialize(b *protocol.Buffer) error {
	seq, err := b.ReadUint32()
	if err != nil {
		return err
	}
	echo, err := b.ReadUint64()
	if err != nil {
		return err
	}
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	m.Sequence = protocol.SequenceNumber(seq)
	m.EchoTimeMs = echo
	m.ServerTick = protocol.Tick(tick)
	return nil
}
