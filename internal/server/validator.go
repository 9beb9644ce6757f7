package server

import (
	"log/slog"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/metrics"
	"github.com/civitasdev/civitas/internal/protocol"
)

// Cause classifies why an inbound message was rejected. CauseNone means
// the message passed.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseEmpty
	CauseOversize
	CauseBadEnvelope
	CauseVersionMismatch
	CauseUnknownType
	CauseDeserializationFailed
	CauseSizeMismatch
	CauseIdentityMismatch

	causeCount
)

// String returns the stable snake-case name used in logs and as the
// prometheus label.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseEmpty:
		return "empty"
	case CauseOversize:
		return "oversize"
	case CauseBadEnvelope:
		return "bad_envelope"
	case CauseVersionMismatch:
		return "version_mismatch"
	case CauseUnknownType:
		return "unknown_type"
	case CauseDeserializationFailed:
		return "deserialization_failed"
	case CauseSizeMismatch:
		return "size_mismatch"
	case CauseIdentityMismatch:
		return "identity_mismatch"
	default:
		return "unknown"
	}
}

// DefaultIdentityKickThreshold is how many identity mismatches a peer
// may accumulate before the server kicks it.
const DefaultIdentityKickThreshold = 5

// Validator screens every inbound frame before it reaches a handler. A
// failed message is dropped; the connection always survives validation
// itself. Owned by the simulation goroutine.
type Validator struct {
	factory *protocol.Factory

	counts  [causeCount]uint64
	strikes map[protocol.PeerID]int

	kickThreshold int
	log           *slog.Logger
	m             *metrics.Metrics
}

// NewValidator builds a validator over the registered message table.
func NewValidator(f *protocol.Factory, log *slog.Logger, m *metrics.Metrics) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		factory:       f,
		strikes:       make(map[protocol.PeerID]int),
		kickThreshold: DefaultIdentityKickThreshold,
		log:           log,
		m:             m,
	}
}

// ValidateRaw checks the frame shape: non-empty, within the wire limit,
// parseable envelope, supported version, registered type, and a declared
// payload length matching the frame.
func (v *Validator) ValidateRaw(peer protocol.PeerID, data []byte) (protocol.Envelope, Cause) {
	if len(data) == 0 {
		return protocol.Envelope{}, v.fail(peer, CauseEmpty)
	}
	if len(data) > protocol.MaxMessageSize {
		return protocol.Envelope{}, v.fail(peer, CauseOversize, "size", len(data))
	}

	buf := protocol.NewBufferFrom(data)
	env, err := protocol.ParseEnvelope(buf)
	if err != nil {
		return protocol.Envelope{}, v.fail(peer, CauseBadEnvelope, "err", err)
	}
	if !env.VersionSupported() {
		return env, v.fail(peer, CauseVersionMismatch, "version", env.Version)
	}
	if !v.factory.Registered(env.Type) {
		return env, v.fail(peer, CauseUnknownType, "type", uint16(env.Type))
	}
	if int(env.PayloadLen) != len(data)-protocol.EnvelopeSize {
		return env, v.fail(peer, CauseSizeMismatch,
			"type", env.Type, "declared", env.PayloadLen, "actual", len(data)-protocol.EnvelopeSize)
	}
	return env, CauseNone
}

// SafeDeserialize parses the payload into a fresh message instance. The
// payload must consume exactly the declared length; under-reads,
// over-reads and parse failures never corrupt anything beyond the one
// dropped message.
func (v *Validator) SafeDeserialize(peer protocol.PeerID, env protocol.Envelope, payload []byte) (protocol.Message, Cause) {
	msg := v.factory.Create(env.Type)
	if msg == nil {
		return nil, v.fail(peer, CauseUnknownType, "type", uint16(env.Type))
	}

	if fs, ok := msg.(messages.FixedSize); ok && int(env.PayloadLen) != fs.PayloadSize() {
		return nil, v.fail(peer, CauseSizeMismatch,
			"type", env.Type, "declared", env.PayloadLen, "fixed", fs.PayloadSize())
	}

	buf := protocol.NewBufferFrom(payload)
	if err := msg.Deserialize(buf); err != nil {
		return nil, v.fail(peer, CauseDeserializationFailed, "type", env.Type, "err", err)
	}
	if buf.ReadPos() != int(env.PayloadLen) {
		return nil, v.fail(peer, CauseSizeMismatch,
			"type", env.Type, "declared", env.PayloadLen, "consumed", buf.ReadPos())
	}
	return msg, CauseNone
}

// ValidateIdentity checks that a payload claiming a PlayerID claims the
// one assigned to the sending connection. exceeded reports that the peer
// crossed the kick threshold with this mismatch.
func (v *Validator) ValidateIdentity(peer protocol.PeerID, assigned protocol.PlayerID, msg protocol.Message) (cause Cause, exceeded bool) {
	claimed, carries := claimedPlayer(msg)
	if !carries || claimed == assigned {
		return CauseNone, false
	}
	v.strikes[peer]++
	v.fail(peer, CauseIdentityMismatch,
		"claimed", claimed, "assigned", assigned, "strikes", v.strikes[peer])
	return CauseIdentityMismatch, v.strikes[peer] >= v.kickThreshold
}

// claimedPlayer extracts the sender-asserted PlayerID from payloads that
// carry one.
func claimedPlayer(msg protocol.Message) (protocol.PlayerID, bool) {
	switch m := msg.(type) {
	case *messages.Input:
		return m.PlayerID, true
	case *messages.Chat:
		return m.PlayerID, true
	case *messages.CursorUpdate:
		return m.PlayerID, true
	case *messages.TradeOffer:
		return m.From, true
	case *messages.TradeResponse:
		return m.From, true
	default:
		return protocol.InvalidPlayer, false
	}
}

// Strikes returns a peer's identity-mismatch count.
func (v *Validator) Strikes(peer protocol.PeerID) int {
	return v.strikes[peer]
}

// ClearPeer forgets a peer's strike history after disconnect.
func (v *Validator) ClearPeer(peer protocol.PeerID) {
	delete(v.strikes, peer)
}

// Count returns how many times a cause has fired.
func (v *Validator) Count(c Cause) uint64 {
	if c >= causeCount {
		return 0
	}
	return v.counts[c]
}

func (v *Validator) fail(peer protocol.PeerID, cause Cause, attrs ...any) Cause {
	v.counts[cause]++
	v.m.ValidationFailure(cause.String())
	args := append([]any{"peer", peer, "cause", cause.String()}, attrs...)
	v.log.Warn("inbound message rejected", args...)
	return cause
}
