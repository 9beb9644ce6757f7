package messages

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/protocol"
)

// InputKind is the player action encoded in an Input payload.
type InputKind uint8

const (
	InputPlaceBuilding    InputKind = 1
	InputDemolishBuilding InputKind = 2

	InputZoneResidential InputKind = 10
	InputZoneCommercial  InputKind = 11
	InputZoneIndustrial  InputKind = 12
	InputDezone          InputKind = 13

	InputBuildRoad      InputKind = 20
	InputRemoveRoad     InputKind = 21
	InputBuildPowerLine InputKind = 22
	InputBuildWaterPipe InputKind = 23
	InputTerraform      InputKind = 24

	InputAdjustTaxRate  InputKind = 30
	InputAllocateBudget InputKind = 31

	InputSetSimSpeed InputKind = 40
	InputPauseResume InputKind = 41
)

// String returns a stable name for logs.
func (k InputKind) String() string {
	if name, ok := inputKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var inputKindNames = map[InputKind]string{
	InputPlaceBuilding:    "PlaceBuilding",
	InputDemolishBuilding: "DemolishBuilding",
	InputZoneResidential:  "ZoneResidential",
	InputZoneCommercial:   "ZoneCommercial",
	InputZoneIndustrial:   "ZoneIndustrial",
	InputDezone:           "Dezone",
	InputBuildRoad:        "BuildRoad",
	InputRemoveRoad:       "RemoveRoad",
	InputBuildPowerLine:   "BuildPowerLine",
	InputBuildWaterPipe:   "BuildWaterPipe",
	InputTerraform:        "Terraform",
	InputAdjustTaxRate:    "AdjustTaxRate",
	InputAllocateBudget:   "AllocateBudget",
	InputSetSimSpeed:      "SetSimSpeed",
	InputPauseResume:      "PauseResume",
}

// InputRejectReason explains a refused Input.
type InputRejectReason uint8

const (
	InputRejectOutOfBounds       InputRejectReason = 1
	InputRejectOccupied          InputRejectReason = 2
	InputRejectInsufficientFunds InputRejectReason = 3
	InputRejectInvalidTarget     InputRejectReason = 4
	InputRejectNotOwner          InputRejectReason = 5
	InputRejectUnknownKind       InputRejectReason = 6
	InputRejectBadParameters     InputRejectReason = 7
)

// String returns a stable name for logs.
func (r InputRejectReason) String() string {
	switch r {
	case InputRejectOutOfBounds:
		return "OutOfBounds"
	case InputRejectOccupied:
		return "Occupied"
	case InputRejectInsufficientFunds:
		return "InsufficientFunds"
	case InputRejectInvalidTarget:
		return "InvalidTarget"
	case InputRejectNotOwner:
		return "NotOwner"
	case InputRejectUnknownKind:
		return "UnknownKind"
	case InputRejectBadParameters:
		return "BadParameters"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// InputPayloadSize is the exact wire size of an Input payload. The size is
// fixed so the validation layer can reject malformed inputs before parsing.
const InputPayloadSize = 30

// Input is a player action request.
//
// Payload structure (30 bytes, fixed):
//   - tick     uint64  client's view of the current tick
//   - playerID uint8   sender's own id, identity-checked
//   - kind     uint8   InputKind
//   - sequence uint32  client-assigned, echoed in ack or rejection
//   - targetX  int16   grid target
//   - targetY  int16
//   - param1   uint32  kind-specific (building type, zone density, ...)
//   - param2   uint32  kind-specific
//   - value    int32   kind-specific signed amount (tax delta, elevation, ...)
type Input struct {
	Tick     protocol.Tick
	PlayerID protocol.PlayerID
	Kind     InputKind
	Sequence protocol.SequenceNumber
	Target   protocol.GridPosition
	Param1   uint32
	Param2   uint32
	Value    int32
}

func (m *Input) Type() protocol.MessageType { return protocol.MsgInput }

func (m *Input) PayloadSize() int { return InputPayloadSize }

func (m *Input) Serialize(b *protocol.Buffer) error {
	b.WriteUint64(uint64(m.Tick))
	b.WriteUint8(uint8(m.PlayerID))
	b.WriteUint8(uint8(m.Kind))
	b.WriteUint32(uint32(m.Sequence))
	writeGrid(b, m.Target)
	b.WriteUint32(m.Param1)
	b.WriteUint32(m.Param2)
	b.WriteInt32(m.Value)
	return nil
}

func (m *Input) Deserialize(b *protocol.Buffer) error {
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	playerID, err := b.ReadUint8()
	if err != nil {
		return err
	}
	kind, err := b.ReadUint8()
	if err != nil {
		return err
	}
	seq, err := b.ReadUint32()
	if err != nil {
		return err
	}
	target, err := readGrid(b)
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
	value, err := b.ReadInt32()
	if err != nil {
		return err
	}
	m.Tick = protocol.Tick(tick)
	m.PlayerID = protocol.PlayerID(playerID)
	m.Kind = InputKind(kind)
	m.Sequence = protocol.SequenceNumber(seq)
	m.Target = target
	m.Param1 = param1
	m.Param2 = param2
	m.Value = value
	return nil
}

// InputAck confirms an applied Input.
type InputAck struct {
	ServerTick protocol.Tick
	Sequence   protocol.SequenceNumber
}

func (m *InputAck) Type() protocol.MessageType { return protocol.MsgInputAck }

func (m *InputAck) PayloadSize() int { return 8 + 4 }

func (m *InputAck) Serialize(b *protocol.Buffer) error {
	b.WriteUint64(uint64(m.ServerTick))
	b.WriteUint32(uint32(m.Sequence))
	return nil
}

func (m *InputAck) Deserialize(b *protocol.Buffer) error {
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	seq, err := b.ReadUint32()
	if err != nil {
		return err
	}
	m.ServerTick = protocol.Tick(tick)
	m.Sequence = protocol.SequenceNumber(seq)
	return nil
}

// InputRejected refuses an Input with an actionable reason.
type InputRejected struct {
	ServerTick protocol.Tick
	Sequence   protocol.SequenceNumber
	Reason     InputRejectReason
	Message    string
}

func (m *InputRejected) Type() protocol.MessageType { return protocol.MsgInputRejected }

func (m *InputRejected) Serialize(b *protocol.Buffer) error {
	b.WriteUint64(uint64(m.ServerTick))
	b.WriteUint32(uint32(m.Sequence))
	b.WriteUint8(uint8(m.Reason))
	b.WriteString(m.Message)
	return nil
}

func (m *InputRejected) Deserialize(b *protocol.Buffer) error {
	tick, err := b.ReadUint64()
	if err != nil {
		return err
	}
	seq, err := b.ReadUint32()
	if err != nil {
		return err
	}
	reason, err := b.ReadUint8()
	if err != nil {
		return err
	}
	msg, err := b.ReadString()
	if err != nil {
		return err
	}
	m.ServerTick = protocol.Tick(tick)
	m.Sequence = protocol.SequenceNumber(seq)
	m.Reason = InputRejectReason(reason)
	m.Message = msg
	return nil
}
