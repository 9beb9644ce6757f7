package protocol

import (
	"errors"
	"testing"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	b := NewBuffer(32)
	if err := WriteEnvelope(b, MsgHeartbeat, 12); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	if b.Len() != EnvelopeSize {
		t.Fatalf("expected %d header bytes, got %d", EnvelopeSize, b.Len())
	}

	env, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Version != ProtocolVersion {
		t.Errorf("expected version %d, got %d", ProtocolVersion, env.Version)
	}
	if env.Type != MsgHeartbeat {
		t.Errorf("expected type %s, got %s", MsgHeartbeat, env.Type)
	}
	if env.PayloadLen != 12 {
		t.Errorf("expected payload length 12, got %d", env.PayloadLen)
	}
	if b.ReadPos() != EnvelopeSize {
		t.Errorf("cursor should sit at first payload byte, got %d", b.ReadPos())
	}
}

func TestEnvelope_TruncatedRestoresCursor(t *testing.T) {
	b := NewBufferFrom([]byte{1, 0x64}) // version + half a type

	_, err := ParseEnvelope(b)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	if b.ReadPos() != 0 {
		t.Errorf("cursor moved after failed parse: pos=%d", b.ReadPos())
	}
}

func TestEnvelope_OversizePayloadRejected(t *testing.T) {
	b := NewBuffer(8)
	err := WriteEnvelope(b, MsgStateUpdate, MaxPayloadSize+1)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEnvelope_Validate(t *testing.T) {
	registered := func(mt MessageType) bool { return mt == MsgJoin }

	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{
			name: "accepted",
			env:  Envelope{Version: ProtocolVersion, Type: MsgJoin},
		},
		{
			name:    "version below window",
			env:     Envelope{Version: MinSupportedVersion - 1, Type: MsgJoin},
			wantErr: ErrVersionMismatch,
		},
		{
			name:    "version above window",
			env:     Envelope{Version: ProtocolVersion + 1, Type: MsgJoin},
			wantErr: ErrVersionMismatch,
		},
		{
			name:    "unregistered type",
			env:     Envelope{Version: ProtocolVersion, Type: MessageType(250)},
			wantErr: ErrTypeOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate(registered)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSkipPayload(t *testing.T) {
	b := NewBuffer(32)
	if err := WriteEnvelope(b, MsgChat, 3); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	b.WriteBytes([]byte{1, 2, 3})
	if err := WriteEnvelope(b, MsgHeartbeat, 0); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	first, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if err := SkipPayload(b, first); err != nil {
		t.Fatalf("SkipPayload failed: %v", err)
	}

	second, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope after skip failed: %v", err)
	}
	if second.Type != MsgHeartbeat {
		t.Errorf("expected Heartbeat after skip, got %s", second.Type)
	}
}
