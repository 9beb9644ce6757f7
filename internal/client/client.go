// Package client implements the game-facing side of the network stack: a
// connection state machine with reconnect backoff, heartbeat and RTT
// tracking, input sending with pending-action feedback, and reception of
// deltas, snapshots, and terrain sync.
//
// A Client is single-threaded: the application calls Update from its
// frame loop and every callback and poll method runs there. The netio
// worker goroutine is the only concurrency underneath.
package client

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/metrics"
	"github.com/civitasdev/civitas/internal/netio"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/terrain"
	"github.com/civitasdev/civitas/internal/transport"
)

const (
	// inputQueueCap bounds inputs waiting for the next flush; the oldest
	// entry is evicted on overflow.
	inputQueueCap = 128

	// updateQueueCap bounds state updates and events held for the
	// application between polls.
	updateQueueCap = 256

	// rttWeight is the EWMA weight of a new RTT sample, as 1/n.
	rttWeight = 8

	// clientStopTimeout bounds the worker join at Close.
	clientStopTimeout = 5 * time.Second
)

// State is the connection phase of a Client.
type State uint8

const (
	// StateDisconnected means no connection and no retry scheduled.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateConnected means the server accepted the join; the world is
	// still syncing.
	StateConnected
	// StatePlaying means the world is synced and gameplay is live.
	StatePlaying
	// StateReconnecting means the connection dropped and a retry is
	// scheduled.
	StateReconnecting
)

// String returns a stable name for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StatePlaying:
		return "Playing"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// TimeoutLevel grades how long the server has been silent. It drives UI
// affordances only; disconnection comes from the transport.
type TimeoutLevel uint8

const (
	// TimeoutNone means traffic is recent.
	TimeoutNone TimeoutLevel = iota
	// TimeoutIndicator suggests a subtle connectivity hint.
	TimeoutIndicator
	// TimeoutBanner suggests a visible warning.
	TimeoutBanner
	// TimeoutFullUI suggests blocking interaction.
	TimeoutFullUI
)

// String returns a stable name for logs.
func (l TimeoutLevel) String() string {
	switch l {
	case TimeoutNone:
		return "None"
	case TimeoutIndicator:
		return "Indicator"
	case TimeoutBanner:
		return "Banner"
	case TimeoutFullUI:
		return "FullUI"
	default:
		return "Unknown"
	}
}

// Client connects to one game server and mirrors its replicated state.
type Client struct {
	cfg config.Client
	log *slog.Logger
	m   *metrics.Metrics

	worker  *netio.Worker
	factory *protocol.Factory

	registry *ecs.Registry
	terrain  *terrain.SyncClient
	pending  *PendingTracker
	snap     *SnapshotReceiver

	state   atomic.Uint32
	onState func(old, new State)

	// Join identity. The token survives disconnects and fuels Reconnect.
	playerName string
	playerID   protocol.PlayerID
	token      protocol.SessionToken

	// Endpoint of the current/last Connect call.
	address string
	port    int

	// Connection bookkeeping, owned by Update.
	serverPeer     protocol.PeerID
	connectStarted time.Time
	reconnectAt    time.Time
	reconnectDelay time.Duration
	lastServerMsg  time.Time
	lastHeartbeat  time.Time
	heartbeatSeq   protocol.SequenceNumber
	inputSeq       protocol.SequenceTracker
	timeoutLevel   TimeoutLevel

	// Replication cursor and sync flags.
	lastTick    protocol.Tick
	worldSynced bool
	serverState messages.ServerState
	mapTier     protocol.MapTier

	rttMs    float64
	rttKnown bool

	// Application-facing queues, drained by the Poll methods.
	inputs       []*messages.Input
	updates      []*messages.StateUpdate
	chats        []*messages.Chat
	events       []*messages.GameEvent
	tradeOffers  []*messages.TradeOffer
	tradeResults []*messages.TradeResponse
	roster       []messages.PlayerEntry

	nextOfferID uint32

	// lastKick holds the most recent Kick, for the UI.
	lastKick *messages.Kick

	inputsDropped uint64
	deltasApplied uint64
	deltasDropped uint64
}

// NewClient assembles a client over an unstarted transport.
func NewClient(cfg config.Client, tr transport.Transport, log *slog.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultClient().HeartbeatInterval
	}
	if cfg.ReconnectDelayMin <= 0 {
		cfg.ReconnectDelayMin = config.DefaultClient().ReconnectDelayMin
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelayMin {
		cfg.ReconnectDelayMax = config.DefaultClient().ReconnectDelayMax
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultClient().ConnectTimeout
	}

	c := &Client{
		cfg:            cfg,
		log:            log,
		m:              m,
		worker:         netio.NewWorker(tr),
		factory:        messages.NewFactory(),
		registry:       ecs.NewRegistry(),
		terrain:        terrain.NewSyncClient(),
		pending:        NewPendingTracker(0, 0),
		snap:           NewSnapshotReceiver(0),
		reconnectDelay: cfg.ReconnectDelayMin,
	}
	c.state.Store(uint32(StateDisconnected))
	return c
}

// State returns the connection phase. Safe from any goroutine.
func (c *Client) State() State {
	return State(c.state.Load())
}

// OnStateChange registers a callback fired on every transition, from
// inside Update.
func (c *Client) OnStateChange(fn func(old, new State)) {
	c.onState = fn
}

// OnRejection registers a callback fired for every rejected action.
func (c *Client) OnRejection(fn func(RejectionFeedback)) {
	c.pending.OnRejectionFeedback(fn)
}

func (c *Client) transition(to State) {
	from := State(c.state.Swap(uint32(to)))
	if from == to {
		return
	}
	c.log.Info("client state changed", "from", from, "to", to)
	if c.onState != nil {
		c.onState(from, to)
	}
}

// Connect starts the worker and dials the server. The outcome arrives
// through Update: JoinAccept moves the client to Connected, a reject or
// transport failure schedules a retry or lands in Disconnected.
func (c *Client) Connect(address string, port int, name string) error {
	if s := c.State(); s != StateDisconnected {
		return fmt.Errorf("client: connect while %s", s)
	}
	c.address = address
	c.port = port
	c.playerName = name
	c.reconnectDelay = c.cfg.ReconnectDelayMin

	c.worker.Start()
	c.transition(StateConnecting)
	c.connectStarted = time.Now()
	if !c.worker.TryCommand(netio.Command{Kind: netio.CmdConnect, Address: address, Port: port}) {
		c.transition(StateDisconnected)
		return fmt.Errorf("client: command queue full")
	}
	c.log.Info("connecting", "address", address, "port", port, "name", name)
	return nil
}

// Disconnect leaves the server gracefully and gives up the session.
func (c *Client) Disconnect() {
	if c.serverPeer != protocol.InvalidPeer {
		c.send(&messages.Disconnect{Reason: messages.DisconnectQuit})
	}
	c.dropLink()
	c.forgetSession()
	c.transition(StateDisconnected)
}

// dropLink tears down the transport connection, if any. The resulting
// disconnect event is ignored because serverPeer no longer matches.
func (c *Client) dropLink() {
	if c.serverPeer == protocol.InvalidPeer {
		return
	}
	c.worker.TryCommand(netio.Command{Kind: netio.CmdDisconnect, Peer: c.serverPeer})
	c.serverPeer = protocol.InvalidPeer
}

// Close stops the network worker. The client is unusable afterwards.
func (c *Client) Close() error {
	if err := c.worker.Stop(clientStopTimeout); err != nil {
		return fmt.Errorf("client: worker shutdown: %w", err)
	}
	return nil
}

// forgetSession clears everything bound to the current session.
func (c *Client) forgetSession() {
	c.serverPeer = protocol.InvalidPeer
	c.playerID = protocol.InvalidPlayer
	c.token = protocol.SessionToken{}
	c.worldSynced = false
	c.lastTick = 0
	c.inputSeq.Reset()
	c.pending.Reset()
	c.snap.Reset()
	c.inputs = nil
	c.tradeOffers = nil
	c.tradeResults = nil
}

// PlayerID returns the assigned id, zero before JoinAccept.
func (c *Client) PlayerID() protocol.PlayerID { return c.playerID }

// Token returns the held session token, zero when none.
func (c *Client) Token() protocol.SessionToken { return c.token }

// RTT returns the smoothed round-trip time; ok is false before the first
// heartbeat response.
func (c *Client) RTT() (time.Duration, bool) {
	if !c.rttKnown {
		return 0, false
	}
	return time.Duration(c.rttMs * float64(time.Millisecond)), true
}

// TimeoutLevel returns the current silence grade.
func (c *Client) TimeoutLevel() TimeoutLevel { return c.timeoutLevel }

// LastTick returns the newest applied delta tick.
func (c *Client) LastTick() protocol.Tick { return c.lastTick }

// ServerState returns the server's last reported lifecycle phase.
func (c *Client) ServerState() messages.ServerState { return c.serverState }

// MapTier returns the map size announced by terrain sync.
func (c *Client) MapTier() protocol.MapTier { return c.mapTier }

// Registry exposes the mirrored entity state. Read it only between
// Update calls.
func (c *Client) Registry() *ecs.Registry { return c.registry }

// Terrain exposes the reconstructed terrain state.
func (c *Client) Terrain() *terrain.SyncClient { return c.terrain }

// Pending exposes the action tracker.
func (c *Client) Pending() *PendingTracker { return c.pending }

// Snapshot returns the current transfer progress.
func (c *Client) Snapshot() SnapshotProgress { return c.snap.Progress() }

// Roster returns the last received player list.
func (c *Client) Roster() []messages.PlayerEntry {
	out := make([]messages.PlayerEntry, len(c.roster))
	copy(out, c.roster)
	return out
}

// LastKick returns the most recent Kick, if any.
func (c *Client) LastKick() (messages.KickReason, string, bool) {
	if c.lastKick == nil {
		return 0, "", false
	}
	return c.lastKick.Reason, c.lastKick.Message, true
}

// NetStats returns the worker's traffic counters.
func (c *Client) NetStats() *netio.Stats { return c.worker.Stats() }

// SendInput queues a player action for the next flush and tracks it as
// pending. The returned sequence correlates the eventual ack or
// rejection. On queue overflow the oldest unsent input is evicted; it
// will surface as TimedOut.
func (c *Client) SendInput(kind messages.InputKind, target protocol.GridPosition, param1, param2 uint32, value int32) protocol.SequenceNumber {
	in := &messages.Input{
		Tick:     c.lastTick,
		PlayerID: c.playerID,
		Kind:     kind,
		Sequence: c.inputSeq.Next(),
		Target:   target,
		Param1:   param1,
		Param2:   param2,
		Value:    value,
	}
	if len(c.inputs) >= inputQueueCap {
		c.inputs = c.inputs[1:]
		c.inputsDropped++
	}
	c.inputs = append(c.inputs, in)
	c.pending.Track(in, time.Now())
	return in.Sequence
}

// SendChat queues a chat line.
func (c *Client) SendChat(text string) {
	if c.playerID == protocol.InvalidPlayer {
		return
	}
	c.send(&messages.Chat{PlayerID: c.playerID, Text: text})
}

// SendCursor shares the local cursor position on the lossy lane. Stale
// positions are superseded by newer ones, so losses don't matter.
func (c *Client) SendCursor(pos protocol.GridPosition) {
	if c.playerID == protocol.InvalidPlayer {
		return
	}
	data, err := messages.Encode(&messages.CursorUpdate{PlayerID: c.playerID, Pos: pos})
	if err != nil {
		return
	}
	c.worker.TrySend(netio.Outbound{Peer: c.serverPeer, Data: data, Channel: transport.Unreliable})
}

// SendTradeOffer proposes a resource trade to another player. The
// returned offer id correlates the eventual TradeResponse.
func (c *Client) SendTradeOffer(to protocol.PlayerID, resource messages.ResourceKind, amount uint32, price int64) uint32 {
	if c.playerID == protocol.InvalidPlayer {
		return 0
	}
	c.nextOfferID++
	c.send(&messages.TradeOffer{
		OfferID:  c.nextOfferID,
		From:     c.playerID,
		To:       to,
		Resource: resource,
		Amount:   amount,
		Price:    price,
	})
	return c.nextOfferID
}

// RespondTrade answers a relayed offer.
func (c *Client) RespondTrade(offerID uint32, accepted bool) {
	if c.playerID == protocol.InvalidPlayer {
		return
	}
	c.send(&messages.TradeResponse{OfferID: offerID, From: c.playerID, Accepted: accepted})
}

// RequestSnapshot asks the server for a fresh full-state transfer.
func (c *Client) RequestSnapshot(scope messages.SnapshotScope, reason messages.SnapshotRequestReason) {
	c.send(&messages.SnapshotRequest{Scope: scope, Reason: reason})
}

// PollStateUpdate pops the oldest applied delta, for systems that react
// to raw updates in addition to the registry mirror.
func (c *Client) PollStateUpdate() (*messages.StateUpdate, bool) {
	if len(c.updates) == 0 {
		return nil, false
	}
	upd := c.updates[0]
	c.updates = c.updates[1:]
	return upd, true
}

// PollRejection pops the oldest rejection feedback.
func (c *Client) PollRejection() (RejectionFeedback, bool) {
	return c.pending.PollFeedback()
}

// PollChat pops the oldest chat line.
func (c *Client) PollChat() (*messages.Chat, bool) {
	if len(c.chats) == 0 {
		return nil, false
	}
	m := c.chats[0]
	c.chats = c.chats[1:]
	return m, true
}

// PollTradeOffer pops the oldest incoming trade offer.
func (c *Client) PollTradeOffer() (*messages.TradeOffer, bool) {
	if len(c.tradeOffers) == 0 {
		return nil, false
	}
	m := c.tradeOffers[0]
	c.tradeOffers = c.tradeOffers[1:]
	return m, true
}

// PollTradeResponse pops the oldest verdict on an offer we sent.
func (c *Client) PollTradeResponse() (*messages.TradeResponse, bool) {
	if len(c.tradeResults) == 0 {
		return nil, false
	}
	m := c.tradeResults[0]
	c.tradeResults = c.tradeResults[1:]
	return m, true
}

// PollGameEvent pops the oldest simulation event.
func (c *Client) PollGameEvent() (*messages.GameEvent, bool) {
	if len(c.events) == 0 {
		return nil, false
	}
	m := c.events[0]
	c.events = c.events[1:]
	return m, true
}

// pushChat appends to the chat queue, evicting the oldest on overflow.
func (c *Client) pushChat(m *messages.Chat) {
	if len(c.chats) >= updateQueueCap {
		c.chats = c.chats[1:]
	}
	c.chats = append(c.chats, m)
}

// pushEvent appends to the event queue, evicting the oldest on overflow.
func (c *Client) pushEvent(m *messages.GameEvent) {
	if len(c.events) >= updateQueueCap {
		c.events = c.events[1:]
	}
	c.events = append(c.events, m)
}

// pushTradeOffer appends to the incoming-offer queue, evicting the
// oldest on overflow.
func (c *Client) pushTradeOffer(m *messages.TradeOffer) {
	if len(c.tradeOffers) >= updateQueueCap {
		c.tradeOffers = c.tradeOffers[1:]
	}
	c.tradeOffers = append(c.tradeOffers, m)
}

// pushTradeResult appends to the trade-verdict queue, evicting the
// oldest on overflow.
func (c *Client) pushTradeResult(m *messages.TradeResponse) {
	if len(c.tradeResults) >= updateQueueCap {
		c.tradeResults = c.tradeResults[1:]
	}
	c.tradeResults = append(c.tradeResults, m)
}

// pushUpdate appends to the applied-delta queue, evicting the oldest on
// overflow. The registry mirror already holds the effect, so eviction
// only loses the raw notification.
func (c *Client) pushUpdate(m *messages.StateUpdate) {
	if len(c.updates) >= updateQueueCap {
		c.updates = c.updates[1:]
	}
	c.updates = append(c.updates, m)
}

// send serializes msg to the server on the reliable channel.
func (c *Client) send(msg protocol.Message) {
	if c.serverPeer == protocol.InvalidPeer {
		return
	}
	data, err := messages.Encode(msg)
	if err != nil {
		c.log.Error("send encode failed", "type", msg.Type(), "err", err)
		return
	}
	if !c.worker.TrySend(netio.Outbound{Peer: c.serverPeer, Data: data, Channel: transport.Reliable}) {
		c.log.Warn("outbound queue full, message dropped", "type", msg.Type())
	}
}
