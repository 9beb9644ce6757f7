package server

import (
	"github.com/civitasdev/civitas/internal/protocol"
)

// NetworkHandler consumes inbound gameplay messages. Handlers are
// consulted in registration order; every handler whose HandledTypes
// contains the message's type gets the message. System messages (Join,
// Reconnect, Heartbeat, Disconnect, terrain sync, snapshots, chat,
// cursor presence) never reach handlers.
type NetworkHandler interface {
	// HandledTypes lists the message types the handler wants. Called
	// once at registration.
	HandledTypes() []protocol.MessageType

	// Handle processes one validated, identity-checked message. The
	// returned error is logged; the connection survives.
	Handle(srv *Server, peer protocol.PeerID, env protocol.Envelope, msg protocol.Message) error
}

// RegisterHandler appends a handler and indexes its types. Not safe to
// call once Update is running.
func (s *Server) RegisterHandler(h NetworkHandler) {
	s.handlers = append(s.handlers, h)
	for _, t := range h.HandledTypes() {
		s.routes[t] = append(s.routes[t], h)
	}
}

// route dispatches a gameplay message to the registered handlers.
// Registered types nobody handles are counted, not failed.
func (s *Server) route(peer protocol.PeerID, env protocol.Envelope, msg protocol.Message) {
	hs := s.routes[env.Type]
	if len(hs) == 0 {
		s.unhandled++
		return
	}
	for _, h := range hs {
		if err := h.Handle(s, peer, env, msg); err != nil {
			s.log.Error("handler failed", "type", env.Type, "peer", peer, "err", err)
		}
	}
}

// UnhandledCount reports messages that were valid but had no handler.
func (s *Server) UnhandledCount() uint64 { return s.unhandled }
