package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// offerTTL is how long a relayed offer waits for a response before it is
// swept. The offerer gets a declined TradeResponse when it lapses.
const offerTTL = 60 * time.Second

// openOffer is one relayed trade awaiting its response.
type openOffer struct {
	offer messages.TradeOffer
	at    time.Time
}

// TradeHandler relays resource trades between players. The server does
// not settle the exchange itself: the simulation owns the resource
// transfer and subscribes via the accept callback. The handler's job is
// validation, relay, and offer lifetime.
type TradeHandler struct {
	log *slog.Logger

	open     map[uint32]openOffer
	onAccept func(messages.TradeOffer)

	relayed  uint64
	declined uint64
}

// NewTradeHandler builds the relay. onAccept, if non-nil, runs for every
// accepted offer on the simulation goroutine.
func NewTradeHandler(onAccept func(messages.TradeOffer), log *slog.Logger) *TradeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TradeHandler{
		log:      log,
		open:     make(map[uint32]openOffer),
		onAccept: onAccept,
	}
}

// HandledTypes implements NetworkHandler.
func (h *TradeHandler) HandledTypes() []protocol.MessageType {
	return []protocol.MessageType{protocol.MsgTradeOffer, protocol.MsgTradeResponse}
}

// Handle implements NetworkHandler for the two trade payloads.
func (h *TradeHandler) Handle(srv *Server, peer protocol.PeerID, env protocol.Envelope, msg protocol.Message) error {
	switch m := msg.(type) {
	case *messages.TradeOffer:
		return h.handleOffer(srv, peer, m)
	case *messages.TradeResponse:
		return h.handleResponse(srv, m)
	default:
		return fmt.Errorf("trade handler: unexpected type %v", env.Type)
	}
}

// handleOffer validates the target and relays the offer to them. A bad
// target bounces straight back as declined; the offerer cannot tell a
// refusal from an absent counterparty, which is fine.
func (h *TradeHandler) handleOffer(srv *Server, peer protocol.PeerID, m *messages.TradeOffer) error {
	target, ok := srv.sessions.ByPlayer(m.To)
	if !ok || !target.Connected() || m.To == m.From {
		srv.SendTo(peer, &messages.TradeResponse{OfferID: m.OfferID, From: m.To, Accepted: false})
		return nil
	}
	h.open[m.OfferID] = openOffer{offer: *m, at: time.Now()}
	h.relayed++
	srv.SendTo(target.Peer, m)
	h.log.Debug("trade offer relayed",
		"offer", m.OfferID, "from", m.From, "to", m.To,
		"resource", m.Resource, "amount", m.Amount)
	return nil
}

// handleResponse closes an open offer and relays the verdict back to the
// offerer. Responses to unknown or already-closed offers are dropped.
func (h *TradeHandler) handleResponse(srv *Server, m *messages.TradeResponse) error {
	pend, ok := h.open[m.OfferID]
	if !ok || pend.offer.To != m.From {
		return nil
	}
	delete(h.open, m.OfferID)
	if m.Accepted {
		if h.onAccept != nil {
			h.onAccept(pend.offer)
		}
	} else {
		h.declined++
	}
	if offerer, ok := srv.sessions.ByPlayer(pend.offer.From); ok && offerer.Connected() {
		srv.SendTo(offerer.Peer, m)
	}
	return nil
}

// Sweep declines offers past their TTL and offers whose counterparty is
// gone. Called from the server's per-second maintenance by the tick loop.
func (h *TradeHandler) Sweep(srv *Server, now time.Time) {
	for id, pend := range h.open {
		target, alive := srv.sessions.ByPlayer(pend.offer.To)
		if now.Sub(pend.at) < offerTTL && alive && target.Connected() {
			continue
		}
		delete(h.open, id)
		h.declined++
		if offerer, ok := srv.sessions.ByPlayer(pend.offer.From); ok && offerer.Connected() {
			srv.SendTo(offerer.Peer, &messages.TradeResponse{OfferID: id, From: pend.offer.To, Accepted: false})
		}
	}
}

// OpenCount reports offers awaiting a response.
func (h *TradeHandler) OpenCount() int { return len(h.open) }

// Stats returns relayed and declined offer counts.
func (h *TradeHandler) Stats() (relayed, declined uint64) {
	return h.relayed, h.declined
}
