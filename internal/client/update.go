package client

import (
	"time"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/netio"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/replication"
	"github.com/civitasdev/civitas/internal/transport"
)

// Update drains the network worker and runs the periodic client chores:
// reconnect scheduling, input flushing, heartbeats, pending-action
// expiry, and the timeout level. Called once per frame on the
// application goroutine.
func (c *Client) Update(now time.Time) {
	c.maybeReconnect(now)

	for {
		ev, ok := c.worker.PollEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case transport.EventConnect:
			c.handleConnected(ev.Peer, now)
		case transport.EventReceive:
			c.handleReceive(ev.Data, now)
		case transport.EventDisconnect, transport.EventTimeout:
			c.handleDropped(ev.Peer, now)
		}
	}

	if c.State() == StateConnecting && now.Sub(c.connectStarted) >= c.cfg.ConnectTimeout {
		c.log.Warn("connect attempt timed out", "address", c.address, "port", c.port)
		c.serverPeer = protocol.InvalidPeer
		c.scheduleReconnect(now)
	}

	c.flushInputs()

	if c.seated() && now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatInterval {
		c.lastHeartbeat = now
		c.heartbeatSeq++
		c.send(&messages.Heartbeat{Sequence: c.heartbeatSeq, TimeMs: uint64(now.UnixMilli())})
	}

	if n := c.pending.Expire(now); n > 0 {
		c.log.Warn("pending actions timed out", "count", n)
	}

	c.updateTimeoutLevel(now)
}

// seated reports whether the client currently holds a player slot.
func (c *Client) seated() bool {
	return c.playerID != protocol.InvalidPlayer && c.serverPeer != protocol.InvalidPeer
}

// maybeReconnect fires the next scheduled attempt.
func (c *Client) maybeReconnect(now time.Time) {
	if c.State() != StateReconnecting || now.Before(c.reconnectAt) {
		return
	}
	c.transition(StateConnecting)
	c.connectStarted = now
	if !c.worker.TryCommand(netio.Command{Kind: netio.CmdConnect, Address: c.address, Port: c.port}) {
		c.scheduleReconnect(now)
		return
	}
	c.log.Info("reconnect attempt", "address", c.address, "port", c.port, "delay", c.reconnectDelay)
}

// scheduleReconnect books the next attempt and doubles the backoff up to
// the ceiling.
func (c *Client) scheduleReconnect(now time.Time) {
	c.transition(StateReconnecting)
	c.reconnectAt = now.Add(c.reconnectDelay)
	c.reconnectDelay *= 2
	if c.reconnectDelay > c.cfg.ReconnectDelayMax {
		c.reconnectDelay = c.cfg.ReconnectDelayMax
	}
}

// handleConnected reacts to the transport link coming up: present the
// held token to resume the session, or join fresh.
func (c *Client) handleConnected(peer protocol.PeerID, now time.Time) {
	c.serverPeer = peer
	c.lastServerMsg = now
	if !c.token.IsZero() {
		c.log.Info("link up, resuming session", "peer", peer, "token", c.token)
		c.send(&messages.Reconnect{Token: c.token})
		return
	}
	c.log.Info("link up, joining", "peer", peer, "name", c.playerName)
	c.send(&messages.Join{Name: c.playerName})
}

// handleDropped reacts to the transport link going down. Peer zero means
// a dial that never completed.
func (c *Client) handleDropped(peer protocol.PeerID, now time.Time) {
	if peer != protocol.InvalidPeer && peer != c.serverPeer {
		return
	}
	c.serverPeer = protocol.InvalidPeer
	c.playerID = protocol.InvalidPlayer

	switch c.State() {
	case StateConnecting:
		c.log.Warn("connect attempt failed")
		c.scheduleReconnect(now)
	case StateConnected, StatePlaying:
		c.log.Warn("connection lost", "token_held", !c.token.IsZero())
		c.scheduleReconnect(now)
	}
}

// handleReceive parses one inbound frame and dispatches by type.
func (c *Client) handleReceive(data []byte, now time.Time) {
	buf := protocol.NewBufferFrom(data)
	env, err := protocol.ParseEnvelope(buf)
	if err != nil {
		c.log.Warn("bad envelope from server", "err", err)
		return
	}
	if !env.VersionSupported() {
		c.log.Warn("unsupported protocol version", "version", env.Version)
		return
	}
	msg := c.factory.Create(env.Type)
	if msg == nil {
		// Unknown type: a newer server speaking additions we don't know.
		// Skip the payload to stay in sync with any following frames.
		if err := protocol.SkipPayload(buf, env); err != nil {
			c.log.Warn("unknown type with short payload", "type", env.Type, "err", err)
		}
		return
	}
	if err := msg.Deserialize(buf); err != nil {
		c.log.Warn("payload deserialize failed", "type", env.Type, "err", err)
		return
	}

	c.lastServerMsg = now

	switch m := msg.(type) {
	case *messages.JoinAccept:
		c.handleJoinAccept(m, now)
	case *messages.JoinReject:
		c.handleJoinReject(m, now)
	case *messages.Heartbeat:
		c.send(&messages.HeartbeatResponse{Sequence: m.Sequence, EchoTimeMs: m.TimeMs, ServerTick: c.lastTick})
	case *messages.HeartbeatResponse:
		c.handleHeartbeatResponse(m, now)
	case *messages.ServerStatus:
		c.serverState = m.State
		c.mapTier = m.MapTier
		c.maybePlay()
	case *messages.PlayerList:
		c.roster = m.Players
	case *messages.Chat:
		c.pushChat(m)
	case *messages.GameEvent:
		c.pushEvent(m)
	case *messages.InputAck:
		c.pending.OnAck(m.Sequence, now)
	case *messages.InputRejected:
		c.pending.OnRejection(m.Sequence, m.Reason, m.Message, now)
		c.m.InputRejected()
	case *messages.StateUpdate:
		c.handleStateUpdate(m)
	case *messages.SnapshotStart:
		c.snap.HandleStart(m)
		c.log.Info("snapshot transfer started",
			"scope", m.Scope, "tick", m.Tick, "chunks", m.TotalChunks, "bytes", m.TotalBytes)
	case *messages.SnapshotChunk:
		if err := c.snap.HandleChunk(m); err != nil {
			c.log.Warn("snapshot chunk rejected", "index", m.Index, "err", err)
		}
		c.m.SetSnapshotProgress(c.snap.Progress().Fraction())
	case *messages.SnapshotEnd:
		c.handleSnapshotEnd(m)
	case *messages.TerrainData:
		c.handleTerrainData(m)
	case *messages.TerrainSyncComplete:
		c.terrain.HandleComplete(m.OK)
		if !m.OK {
			c.log.Warn("terrain reconstruction refused, awaiting snapshot fallback")
		}
	case *messages.TerrainModified:
		if err := c.terrain.HandleModified(m.Mod); err != nil {
			c.log.Warn("terrain modification failed", "seq", m.Mod.Seq, "err", err)
			c.RequestSnapshot(messages.ScopeTerrain, messages.SnapshotReasonChecksumMismatch)
		}
	case *messages.TradeOffer:
		c.pushTradeOffer(m)
	case *messages.TradeResponse:
		c.pushTradeResult(m)
	case *messages.Kick:
		c.handleKick(m, now)
	case *messages.Disconnect:
		c.handleServerGoodbye(m, now)
	case *messages.CursorUpdate:
		// Presence only; the UI reads peers' cursors from the event queue.
	default:
		c.log.Debug("unhandled message", "type", env.Type)
	}
}

func (c *Client) handleJoinAccept(m *messages.JoinAccept, now time.Time) {
	fresh := c.token.IsZero() || c.token != m.Token
	c.playerID = m.PlayerID
	c.token = m.Token
	c.reconnectDelay = c.cfg.ReconnectDelayMin
	if fresh {
		// New session: any mirrored state belongs to a previous life.
		c.registry.Clear()
		c.worldSynced = false
		c.lastTick = m.StartTick
		c.pending.Reset()
		c.snap.Reset()
	}
	c.lastKick = nil
	c.log.Info("join accepted", "player", m.PlayerID, "start_tick", m.StartTick, "fresh", fresh)
	c.transition(StateConnected)
	c.maybePlay()
}

func (c *Client) handleJoinReject(m *messages.JoinReject, now time.Time) {
	c.log.Warn("join rejected", "reason", m.Reason, "message", m.Message)
	c.dropLink()
	switch m.Reason {
	case messages.RejectSessionExpired, messages.RejectInvalidToken:
		// The session is gone; retry as a fresh join.
		c.forgetSession()
		c.scheduleReconnect(now)
	default:
		c.forgetSession()
		c.transition(StateDisconnected)
	}
}

func (c *Client) handleHeartbeatResponse(m *messages.HeartbeatResponse, now time.Time) {
	elapsed := now.UnixMilli() - int64(m.EchoTimeMs)
	if elapsed < 0 {
		return
	}
	sample := float64(elapsed)
	if !c.rttKnown {
		c.rttMs = sample
		c.rttKnown = true
	} else {
		c.rttMs += (sample - c.rttMs) / rttWeight
	}
	c.m.SetRTT(c.rttMs)
}

// handleStateUpdate applies or buffers one delta depending on whether the
// world mirror is live.
func (c *Client) handleStateUpdate(m *messages.StateUpdate) {
	if !c.worldSynced || c.snap.Receiving() {
		if err := c.snap.BufferDelta(m); err != nil {
			c.log.Warn("delta buffer overflowed, requesting fresh snapshot")
			c.RequestSnapshot(messages.ScopeWorld, messages.SnapshotReasonBufferOverflow)
		}
		return
	}
	c.applyDelta(m)
}

func (c *Client) applyDelta(m *messages.StateUpdate) {
	result, tick := replication.ApplyDelta(c.registry, m, c.lastTick)
	c.lastTick = tick
	c.m.DeltaApplied(result.String())
	switch result {
	case replication.ApplyApplied:
		c.deltasApplied++
		c.pushUpdate(m)
	case replication.ApplyError:
		c.deltasApplied++
		c.log.Warn("delta partially applied", "tick", m.Tick)
		c.pushUpdate(m)
	default:
		c.deltasDropped++
	}
}

// handleSnapshotEnd finishes a transfer: verify, install, replay.
func (c *Client) handleSnapshotEnd(m *messages.SnapshotEnd) {
	scope := c.snap.Progress().Scope
	body, err := c.snap.HandleEnd(m)
	if err != nil {
		c.log.Warn("snapshot transfer failed", "scope", scope, "err", err)
		reason := messages.SnapshotReasonChecksumMismatch
		c.RequestSnapshot(scope, reason)
		return
	}

	switch scope {
	case messages.ScopeTerrain:
		if err := c.terrain.ApplySnapshot(body); err != nil {
			c.log.Error("terrain snapshot apply failed", "err", err)
			c.RequestSnapshot(messages.ScopeTerrain, messages.SnapshotReasonChecksumMismatch)
			return
		}
		c.log.Info("terrain snapshot applied")
	case messages.ScopeWorld:
		if err := replication.DecodeWorldSnapshot(c.registry, body); err != nil {
			c.log.Error("world snapshot apply failed", "err", err)
			c.registry.Clear()
			c.RequestSnapshot(messages.ScopeWorld, messages.SnapshotReasonChecksumMismatch)
			return
		}
		c.lastTick = m.Tick
		c.worldSynced = true
		c.replayBuffered(m.Tick)
		c.m.SetSnapshotProgress(1)
		c.log.Info("world snapshot applied", "tick", m.Tick, "entities", c.registry.Len())
		c.maybePlay()
	}
}

// replayBuffered applies the deltas that queued up during the transfer.
// Ticks at or before the snapshot are already included and skipped.
func (c *Client) replayBuffered(snapTick protocol.Tick) {
	buffered := c.snap.TakeBuffered()
	replayed := 0
	for _, upd := range buffered {
		if upd.Tick <= snapTick {
			continue
		}
		c.applyDelta(upd)
		replayed++
	}
	if len(buffered) > 0 {
		c.log.Info("buffered deltas replayed", "total", len(buffered), "applied", replayed)
	}
}

func (c *Client) handleTerrainData(m *messages.TerrainData) {
	c.mapTier = m.Tier
	verify, err := c.terrain.HandleData(m)
	if err != nil {
		c.log.Error("terrain reconstruction failed", "err", err)
		c.RequestSnapshot(messages.ScopeTerrain, messages.SnapshotReasonChecksumMismatch)
		return
	}
	c.log.Info("terrain reconstructed",
		"seed", m.Seed, "tier", m.Tier, "mods", len(m.Mods), "checksum", verify.Checksum)
	c.send(verify)
}

func (c *Client) handleKick(m *messages.Kick, now time.Time) {
	c.log.Warn("kicked by server", "reason", m.Reason, "message", m.Message)
	c.lastKick = m
	if !m.Reason.Retryable() {
		c.dropLink()
		c.forgetSession()
		c.transition(StateDisconnected)
		return
	}
	// The session survives a retryable kick; keep the token and let the
	// transport drop drive the reconnect.
	c.playerID = protocol.InvalidPlayer
}

func (c *Client) handleServerGoodbye(m *messages.Disconnect, now time.Time) {
	c.log.Info("server disconnecting us", "reason", m.Reason)
	if m.Reason == messages.DisconnectServerShutdown {
		c.dropLink()
		c.forgetSession()
		c.transition(StateDisconnected)
	}
}

// maybePlay promotes Connected to Playing once the world mirror is live
// and the server reports gameplay running.
func (c *Client) maybePlay() {
	if c.State() != StateConnected {
		return
	}
	if c.serverState == messages.StateRunning && c.worldSynced {
		c.transition(StatePlaying)
	}
}

// flushInputs drains the queued inputs onto the wire, once seated.
func (c *Client) flushInputs() {
	if !c.seated() || len(c.inputs) == 0 {
		return
	}
	for _, in := range c.inputs {
		in.PlayerID = c.playerID
		c.send(in)
	}
	c.inputs = c.inputs[:0]
}

// updateTimeoutLevel grades the silence since the last server message.
func (c *Client) updateTimeoutLevel(now time.Time) {
	level := TimeoutNone
	if s := c.State(); s == StateConnected || s == StatePlaying {
		silence := now.Sub(c.lastServerMsg)
		switch {
		case silence >= c.cfg.TimeoutFullUI:
			level = TimeoutFullUI
		case silence >= c.cfg.TimeoutBanner:
			level = TimeoutBanner
		case silence >= c.cfg.TimeoutIndicator:
			level = TimeoutIndicator
		}
	}
	if level != c.timeoutLevel {
		c.timeoutLevel = level
		c.m.SetTimeoutLevel(int(level))
		if level > TimeoutNone {
			c.log.Warn("server silent", "level", level)
		}
	}
}
