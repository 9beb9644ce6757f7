package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/transport"
)

// flushGrace is how long a farewell message (Kick, JoinReject) gets to
// reach the wire before the transport connection is dropped. The worker
// executes disconnect commands ahead of queued sends within one
// iteration, so the drop must trail the send by a few iterations.
const flushGrace = 250 * time.Millisecond

type timedDrop struct {
	peer protocol.PeerID
	at   time.Time
}

// Update drains the network worker and runs periodic upkeep. Called once
// per simulation tick on the simulation goroutine.
func (s *Server) Update(now time.Time) {
	for {
		ev, ok := s.worker.PollEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case transport.EventConnect:
			s.provisional[ev.Peer] = now
			s.log.Info("peer connected", "peer", ev.Peer)
		case transport.EventReceive:
			s.handleReceive(ev.Peer, ev.Data, now)
		case transport.EventDisconnect, transport.EventTimeout:
			s.handlePeerGone(ev.Peer, now)
		}
	}

	if len(s.pendingDrops) > 0 {
		kept := s.pendingDrops[:0]
		for _, d := range s.pendingDrops {
			if now.Before(d.at) {
				kept = append(kept, d)
				continue
			}
			s.dropPeer(d.peer)
		}
		s.pendingDrops = kept
	}

	if now.Sub(s.lastMaintenance) >= s.cfg.HeartbeatInterval {
		s.lastMaintenance = now
		s.maintenance(now)
	}

	s.pumpSnapshots()
}

// handleReceive runs one inbound frame through validation, identity
// binding, rate limiting, and routing.
func (s *Server) handleReceive(peer protocol.PeerID, data []byte, now time.Time) {
	s.m.MessageReceived(1)

	env, cause := s.validator.ValidateRaw(peer, data)
	if cause != CauseNone {
		return
	}
	msg, cause := s.validator.SafeDeserialize(peer, env, data[protocol.EnvelopeSize:])
	if cause != CauseNone {
		return
	}

	sess, seated := s.sessions.ByPeer(peer)
	if seated {
		sess.LastInbound = now
		sess.MissedBeats = 0
	}

	var assigned protocol.PlayerID
	if seated {
		assigned = sess.PlayerID
	}
	if cause, exceeded := s.validator.ValidateIdentity(peer, assigned, msg); cause != CauseNone {
		if exceeded {
			s.kickForProtocol(peer, now)
		}
		return
	}

	switch m := msg.(type) {
	case *messages.Join:
		s.handleJoin(peer, m, now)
	case *messages.Reconnect:
		s.handleReconnect(peer, m, now)
	case *messages.Heartbeat:
		s.SendTo(peer, &messages.HeartbeatResponse{
			Sequence:   m.Sequence,
			EchoTimeMs: m.TimeMs,
			ServerTick: s.tick,
		})
	case *messages.Disconnect:
		s.handleQuit(peer, sess, seated, now)
	case *messages.TerrainVerify:
		s.handleTerrainVerify(peer, seated, m)
	case *messages.SnapshotRequest:
		s.handleSnapshotRequest(peer, seated, m)
	case *messages.Chat:
		if !seated {
			return
		}
		s.limiter.CountChat(sess.PlayerID, now)
		s.Broadcast(m)
	case *messages.CursorUpdate:
		if !seated {
			return
		}
		s.BroadcastUnreliable(m)
	case *messages.Input:
		if !seated {
			return
		}
		if !s.limiter.AllowInput(sess.PlayerID, m.Kind, now) {
			return
		}
		s.route(peer, env, msg)
	default:
		s.route(peer, env, msg)
	}
}

func (s *Server) handleJoin(peer protocol.PeerID, m *messages.Join, now time.Time) {
	if sess, ok := s.sessions.ByPeer(peer); ok {
		// Duplicate Join on a seated connection, likely a client retry.
		s.sendJoinAccept(sess, now)
		return
	}

	name := m.Name
	if name == "" {
		name = fmt.Sprintf("mayor%d", peer)
	}
	if s.sessions.Full() {
		s.rejectJoin(peer, messages.RejectFull, "server is full", now)
		return
	}
	if s.sessions.NameInUse(name) {
		s.rejectJoin(peer, messages.RejectNameTaken, fmt.Sprintf("name %q is taken", name), now)
		return
	}

	token := protocol.SessionToken(uuid.New())
	sess, ok := s.sessions.Create(name, peer, token, now)
	if !ok {
		s.rejectJoin(peer, messages.RejectFull, "server is full", now)
		return
	}
	delete(s.provisional, peer)
	s.limiter.RegisterPlayer(sess.PlayerID, now)
	s.log.Info("player joined", "player", sess.PlayerID, "name", name, "peer", peer)

	s.sendJoinAccept(sess, now)
	s.broadcastPlayerList()
	s.SendTo(peer, s.statusMessage())
	s.SendTo(peer, s.terrain.JoinData())
	s.queueWorldSnapshot(peer)
}

func (s *Server) handleReconnect(peer protocol.PeerID, m *messages.Reconnect, now time.Time) {
	sess, ok := s.sessions.ByToken(m.Token)
	if !ok {
		s.rejectJoin(peer, messages.RejectInvalidToken, "unknown session token", now)
		return
	}
	if !sess.Redeemable(now, s.sessions.Grace()) {
		s.rejectJoin(peer, messages.RejectSessionExpired, "session grace expired", now)
		s.removeSession(sess)
		s.broadcastPlayerList()
		return
	}

	// Newer credential wins: an incumbent connection holding the same
	// token is evicted.
	oldPeer := protocol.InvalidPeer
	if sess.Connected() && sess.Peer != peer {
		oldPeer = sess.Peer
	}

	delete(s.provisional, peer)
	s.sessions.BindPeer(sess, peer, now)
	sess.KickedFor = 0
	s.limiter.RegisterPlayer(sess.PlayerID, now)
	if oldPeer != protocol.InvalidPeer {
		s.log.Warn("session takeover", "player", sess.PlayerID, "old_peer", oldPeer, "new_peer", peer)
		s.validator.ClearPeer(oldPeer)
		s.dropPeer(oldPeer)
	}
	s.log.Info("player reconnected", "player", sess.PlayerID, "name", sess.Name, "peer", peer)

	s.sendJoinAccept(sess, now)
	s.broadcastPlayerList()
	s.SendTo(peer, s.statusMessage())
	s.SendTo(peer, s.terrain.JoinData())
	s.queueWorldSnapshot(peer)
}

func (s *Server) sendJoinAccept(sess *Session, now time.Time) {
	s.SendTo(sess.Peer, &messages.JoinAccept{
		PlayerID:     sess.PlayerID,
		ServerTimeMs: nowMillis(now),
		Token:        sess.Token,
		StartTick:    s.tick,
	})
}

// rejectJoin answers with a JoinReject and schedules the transport drop
// after the flush grace. The peer stays provisional until then.
func (s *Server) rejectJoin(peer protocol.PeerID, reason messages.JoinRejectReason, text string, now time.Time) {
	s.log.Info("join rejected", "peer", peer, "reason", reason)
	s.SendTo(peer, &messages.JoinReject{Reason: reason, Message: text})
	s.pendingDrops = append(s.pendingDrops, timedDrop{peer: peer, at: now.Add(flushGrace)})
}

// handleQuit processes a client-initiated Disconnect: the session ends
// immediately, with no grace window.
func (s *Server) handleQuit(peer protocol.PeerID, sess *Session, seated bool, now time.Time) {
	if !seated {
		delete(s.provisional, peer)
		s.dropPeer(peer)
		return
	}
	s.log.Info("player quit", "player", sess.PlayerID, "name", sess.Name)
	s.removeSession(sess)
	s.validator.ClearPeer(peer)
	s.broadcastPlayerList()
	s.dropPeer(peer)
}

// handlePeerGone reacts to a transport-level disconnect or timeout.
func (s *Server) handlePeerGone(peer protocol.PeerID, now time.Time) {
	delete(s.provisional, peer)
	s.validator.ClearPeer(peer)
	s.teardownPeer(peer, now, false)
}

// teardownPeer detaches a seated player from its dead connection: the
// session enters grace and the roster updates. Pending actions stay
// applied; they roll back only if the session expires unredeemed. No-op
// when the peer has no session.
func (s *Server) teardownPeer(peer protocol.PeerID, now time.Time, timedOut bool) {
	sess, ok := s.sessions.ByPeer(peer)
	if !ok {
		return
	}
	s.sessions.MarkDisconnected(sess, now, timedOut)
	s.log.Info("player disconnected",
		"player", sess.PlayerID,
		"name", sess.Name,
		"timed_out", timedOut,
		"grace", s.sessions.Grace(),
	)
	s.broadcastPlayerList()
}

func (s *Server) removeSession(sess *Session) {
	for _, hook := range s.endHooks {
		hook(sess)
	}
	s.limiter.ReleasePlayer(sess.PlayerID)
	s.sessions.Remove(sess)
}

// kickForProtocol ejects a peer that keeps failing identity checks.
func (s *Server) kickForProtocol(peer protocol.PeerID, now time.Time) {
	if sess, ok := s.sessions.ByPeer(peer); ok {
		s.Kick(sess.PlayerID, messages.KickProtocol, "repeated identity violations", now)
		return
	}
	s.validator.ClearPeer(peer)
	delete(s.provisional, peer)
	s.dropPeer(peer)
}

// maintenance runs the once-per-interval upkeep: server heartbeat,
// silence scan, provisional peer GC, session grace GC.
func (s *Server) maintenance(now time.Time) {
	s.heartbeatSeq++
	s.Broadcast(&messages.Heartbeat{Sequence: s.heartbeatSeq, TimeMs: nowMillis(now)})

	interval := s.cfg.HeartbeatInterval
	var timedOut []*Session
	s.sessions.Each(func(sess *Session) {
		if !sess.Connected() {
			return
		}
		missed := int(now.Sub(sess.LastInbound) / interval)
		if missed > sess.MissedBeats {
			sess.MissedBeats = missed
			if missed == missedBeatsWarn {
				s.log.Warn("connection silent", "player", sess.PlayerID, "missed_beats", missed)
			}
		}
		if missed >= missedBeatsDisconnect {
			timedOut = append(timedOut, sess)
		}
	})
	for _, sess := range timedOut {
		s.log.Warn("connection timed out", "player", sess.PlayerID, "name", sess.Name)
		peer := sess.Peer
		s.teardownPeer(peer, now, true)
		s.validator.ClearPeer(peer)
		s.dropPeer(peer)
	}

	provisionalDeadline := time.Duration(missedBeatsDisconnect) * interval
	for peer, since := range s.provisional {
		if now.Sub(since) >= provisionalDeadline {
			delete(s.provisional, peer)
			s.validator.ClearPeer(peer)
			s.dropPeer(peer)
			s.log.Info("silent peer dropped before join", "peer", peer)
		}
	}

	expired := s.sessions.Expired(now)
	for _, sess := range expired {
		s.log.Info("session expired", "player", sess.PlayerID, "name", sess.Name)
		s.removeSession(sess)
	}
	if len(expired) > 0 {
		s.broadcastPlayerList()
	}

	s.m.SetConnectedPlayers(s.sessions.ConnectedCount())
}

// queueWorldSnapshot schedules a full entity-state transfer to the peer.
func (s *Server) queueWorldSnapshot(peer protocol.PeerID) {
	for _, p := range s.worldWaiters {
		if p == peer {
			return
		}
	}
	s.worldWaiters = append(s.worldWaiters, peer)
}

// queueTerrainSnapshot schedules a full terrain transfer to the peer,
// the fallback when seed-and-journal reconstruction fails.
func (s *Server) queueTerrainSnapshot(peer protocol.PeerID) {
	for _, p := range s.terrainWaiters {
		if p == peer {
			return
		}
	}
	s.terrainWaiters = append(s.terrainWaiters, peer)
}

// pumpSnapshots delivers a finished snapshot to its targets and starts
// the next queued run. The engine serializes in the background; only one
// run is in flight at a time.
func (s *Server) pumpSnapshots() {
	if s.snapshots.Ready() {
		start, chunks, end, err := s.snapshots.Messages()
		if err != nil {
			s.log.Error("snapshot generation failed", "err", err)
			s.snapTargets = nil
		} else {
			for _, peer := range s.snapTargets {
				if _, ok := s.sessions.ByPeer(peer); !ok {
					continue
				}
				s.SendTo(peer, start)
				for _, c := range chunks {
					s.SendTo(peer, c)
				}
				s.SendTo(peer, end)
				s.m.SnapshotChunksSent(len(chunks))
			}
			s.snapTargets = nil
		}
	}
	if s.snapshots.InFlight() {
		return
	}

	if len(s.terrainWaiters) > 0 {
		if err := s.snapshots.StartWithPayload(messages.ScopeTerrain, s.tick, s.terrain.SnapshotBody()); err != nil {
			s.log.Error("terrain snapshot start failed", "err", err)
			return
		}
		s.snapTargets = s.terrainWaiters
		s.terrainWaiters = nil
		return
	}
	if len(s.worldWaiters) > 0 {
		if err := s.snapshots.Start(s.tick); err != nil {
			s.log.Error("world snapshot start failed", "err", err)
			return
		}
		s.snapTargets = s.worldWaiters
		s.worldWaiters = nil
	}
}

func (s *Server) handleTerrainVerify(peer protocol.PeerID, seated bool, m *messages.TerrainVerify) {
	if !seated {
		return
	}
	if s.terrain.VerifyChecksum(m.Checksum) {
		s.SendTo(peer, &messages.TerrainSyncComplete{OK: true})
		return
	}
	s.log.Warn("terrain checksum mismatch, falling back to snapshot",
		"peer", peer,
		"client_checksum", m.Checksum,
		"server_checksum", s.terrain.Checksum(),
	)
	s.SendTo(peer, &messages.TerrainSyncComplete{OK: false})
	s.queueTerrainSnapshot(peer)
}

func (s *Server) handleSnapshotRequest(peer protocol.PeerID, seated bool, m *messages.SnapshotRequest) {
	if !seated {
		return
	}
	s.log.Info("snapshot requested", "peer", peer, "scope", m.Scope, "reason", m.Reason)
	if m.Scope == messages.ScopeTerrain {
		s.queueTerrainSnapshot(peer)
		return
	}
	s.queueWorldSnapshot(peer)
}

// OnSessionEnd registers fn to run whenever a session is removed for
// good: quit, grace expiry, or an unredeemable kick swept by
// maintenance. A reconnect within grace never triggers it. The input
// handler uses it to roll back unconfirmed actions.
func (s *Server) OnSessionEnd(fn func(*Session)) {
	s.endHooks = append(s.endHooks, fn)
}
