package protocol

import (
	"errors"
	"fmt"
)

// Envelope errors, matched with errors.Is by the validation layer.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrVersionMismatch = errors.New("unsupported protocol version")
	ErrTypeOutOfRange  = errors.New("message type out of registered ranges")
	ErrLengthMismatch  = errors.New("payload length does not match envelope")
)

// Envelope is the fixed 5-byte header preceding every payload:
// version (uint8), message type (uint16 LE), payload length (uint16 LE).
type Envelope struct {
	Version    uint8
	Type       MessageType
	PayloadLen uint16
}

// WriteEnvelope appends an envelope for a payload of the given length.
func WriteEnvelope(b *Buffer, t MessageType, payloadLen int) error {
	if payloadLen < 0 || payloadLen > MaxPayloadSize {
		return fmt.Errorf("WriteEnvelope: %w (len=%d, max=%d)", ErrPayloadTooLarge, payloadLen, MaxPayloadSize)
	}
	b.WriteUint8(ProtocolVersion)
	b.WriteUint16(uint16(t))
	b.WriteUint16(uint16(payloadLen))
	return nil
}

// ParseEnvelope reads an envelope at the current cursor. The cursor ends up
// at the first payload byte on success and is restored on failure.
func ParseEnvelope(b *Buffer) (Envelope, error) {
	start := b.ReadPos()
	version, err := b.ReadUint8()
	if err != nil {
		return Envelope{}, fmt.Errorf("ParseEnvelope: version: %w", err)
	}
	rawType, err := b.ReadUint16()
	if err != nil {
		b.rewindTo(start)
		return Envelope{}, fmt.Errorf("ParseEnvelope: type: %w", err)
	}
	payloadLen, err := b.ReadUint16()
	if err != nil {
		b.rewindTo(start)
		return Envelope{}, fmt.Errorf("ParseEnvelope: payload length: %w", err)
	}
	return Envelope{
		Version:    version,
		Type:       MessageType(rawType),
		PayloadLen: payloadLen,
	}, nil
}

// VersionSupported reports whether the envelope's version falls inside the
// receiver's accepted window.
func (e Envelope) VersionSupported() bool {
	return e.Version >= MinSupportedVersion && e.Version <= ProtocolVersion
}

// Validate checks version and type registration. registered is typically
// Factory.Registered.
func (e Envelope) Validate(registered func(MessageType) bool) error {
	if !e.VersionSupported() {
		return fmt.Errorf("envelope: %w (got=%d, window=[%d,%d])",
			ErrVersionMismatch, e.Version, MinSupportedVersion, ProtocolVersion)
	}
	if registered != nil && !registered(e.Type) {
		return fmt.Errorf("envelope: %w (type=%d)", ErrTypeOutOfRange, uint16(e.Type))
	}
	return nil
}

// SkipPayload advances the cursor past this envelope's payload, keeping a
// concatenated message stream readable after an unhandled type.
func SkipPayload(b *Buffer, e Envelope) error {
	if err := b.Skip(int(e.PayloadLen)); err != nil {
		return fmt.Errorf("SkipPayload: %w", err)
	}
	return nil
}

// rewindTo restores the cursor on multi-field parse failures.
func (b *Buffer) rewindTo(pos int) {
	if pos >= 0 && pos <= len(b.data) {
		b.rpos = pos
	}
}
