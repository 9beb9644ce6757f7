package server

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
	"github.com/civitasdev/civitas/internal/replication"
	"github.com/civitasdev/civitas/internal/terrain"
	"github.com/civitasdev/civitas/internal/transport"
)

const (
	// startupTimeout bounds the transport listen command at Start.
	startupTimeout = 5 * time.Second

	// stopTimeout bounds the worker join at Stop.
	stopTimeout = 5 * time.Second

	// missedBeatsWarn is the silence level, in heartbeat intervals, at
	// which a connection gets a warning log.
	missedBeatsWarn = 5

	// missedBeatsDisconnect is the silence level, in heartbeat
	// intervals, at which a connection is dropped as timed out.
	missedBeatsDisconnect = 10
)

// Server is the authoritative game host. It owns the session table, the
// validation and rate-limiting pipeline, terrain sync, and the snapshot
// engine, and drives them all from Update on the simulation goroutine.
// The netio worker is the only other goroutine it talks to.
type Server struct {
	cfg config.Server
	log *slog.Logger
	m   *metrics.Metrics

	state    atomic.Uint32
	simSpeed atomic.Uint32
	paused   atomic.Bool

	worker    *netio.Worker
	factory   *protocol.Factory
	validator *Validator
	limiter   *RateLimiter
	sessions  *SessionTable

	registry  *ecs.Registry
	detector  *replication.ChangeDetector
	snapshots *replication.SnapshotEngine
	terrain   *terrain.SyncManager

	handlers []NetworkHandler
	routes   map[protocol.MessageType][]NetworkHandler

	// provisional tracks peers that connected but have not joined yet,
	// by connect time.
	provisional map[protocol.PeerID]time.Time

	// Snapshot delivery: waiters accumulate until the engine is free,
	// then one run serves the captured targets.
	worldWaiters   []protocol.PeerID
	terrainWaiters []protocol.PeerID
	snapTargets    []protocol.PeerID

	// endHooks run when a session is removed from the table, once the
	// player can no longer reclaim it.
	endHooks []func(*Session)

	// pendingDrops are transport disconnects deferred past the flush
	// grace so farewell messages reach the wire first.
	pendingDrops []timedDrop

	tick            protocol.Tick
	heartbeatSeq    protocol.SequenceNumber
	lastMaintenance time.Time
	unhandled       uint64
	sendDropped     uint64
}

// NewServer assembles a server over an unstarted transport. The registry
// holds the city state the simulation mutates; the terrain manager holds
// the generated grid and its modification journal.
func NewServer(cfg config.Server, tr transport.Transport, reg *ecs.Registry, tmgr *terrain.SyncManager, log *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("server: nil registry")
	}
	if tmgr == nil {
		return nil, fmt.Errorf("server: nil terrain manager")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.DeltaBudget <= 0 {
		cfg.DeltaBudget = config.DefaultServer().DeltaBudget
	}

	factory := messages.NewFactory()
	s := &Server{
		cfg:         cfg,
		log:         log,
		m:           m,
		worker:      netio.NewWorker(tr),
		factory:     factory,
		validator:   NewValidator(factory, log, m),
		limiter:     NewRateLimiter(cfg.RateLimits, log, m),
		sessions:    NewSessionTable(cfg.MaxPlayers, cfg.SessionGrace),
		registry:    reg,
		detector:    replication.NewChangeDetector(reg),
		snapshots:   replication.NewSnapshotEngine(reg),
		terrain:     tmgr,
		routes:      make(map[protocol.MessageType][]NetworkHandler),
		provisional: make(map[protocol.PeerID]time.Time),
	}
	s.state.Store(uint32(messages.StateInitializing))
	s.simSpeed.Store(1)
	return s, nil
}

// State returns the lifecycle phase.
func (s *Server) State() messages.ServerState {
	return messages.ServerState(s.state.Load())
}

func (s *Server) setState(st messages.ServerState) {
	s.state.Store(uint32(st))
}

// Start brings the transport up and moves the server to Ready. The
// listen headroom above MaxPlayers lets excess joiners connect long
// enough to hear a Full reject.
func (s *Server) Start() error {
	s.setState(messages.StateLoading)
	s.worker.Start()

	err := s.worker.Do(netio.Command{
		Kind:       netio.CmdStartServer,
		Port:       s.cfg.Port,
		MaxClients: s.cfg.MaxPlayers + 4,
	}, startupTimeout)
	if err != nil {
		s.worker.Stop(stopTimeout)
		return fmt.Errorf("server: transport listen on port %d: %w", s.cfg.Port, err)
	}

	s.setState(messages.StateReady)
	s.lastMaintenance = time.Now()
	s.log.Info("server listening",
		"name", s.cfg.ServerName,
		"port", s.cfg.Port,
		"transport", s.cfg.Transport,
		"max_players", s.cfg.MaxPlayers,
		"map_tier", s.terrain.Grid().Tier(),
		"map_seed", s.terrain.Seed(),
	)
	return nil
}

// SetRunning marks gameplay as started and tells everyone.
func (s *Server) SetRunning() {
	s.setState(messages.StateRunning)
	s.Broadcast(s.statusMessage())
	s.log.Info("server running", "tick", s.tick)
}

// Stop broadcasts a shutdown notice, flushes it, and joins the worker.
func (s *Server) Stop() error {
	s.Broadcast(&messages.Disconnect{Reason: messages.DisconnectServerShutdown})

	err := s.worker.Stop(stopTimeout)

	s.sessions.Each(func(sess *Session) {
		s.limiter.ReleasePlayer(sess.PlayerID)
	})
	s.sessions = NewSessionTable(s.cfg.MaxPlayers, s.cfg.SessionGrace)
	s.provisional = make(map[protocol.PeerID]time.Time)
	s.detector.Detach()
	s.setState(messages.StateInitializing)

	if err != nil {
		return fmt.Errorf("server: worker shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Tick returns the current simulation tick.
func (s *Server) Tick() protocol.Tick { return s.tick }

// SetTick positions the simulation clock, for resuming a saved city.
// Call before Start.
func (s *Server) SetTick(t protocol.Tick) {
	s.tick = t
	s.m.SetLastTick(uint64(t))
}

// SimSpeed returns the requested simulation speed multiplier.
func (s *Server) SimSpeed() uint32 { return s.simSpeed.Load() }

// SetSimSpeed records a speed multiplier for the tick loop to honor.
func (s *Server) SetSimSpeed(speed uint32) {
	if speed == 0 {
		speed = 1
	}
	s.simSpeed.Store(speed)
}

// Paused reports whether the simulation is paused. Network upkeep keeps
// running while paused; only sim steps stop.
func (s *Server) Paused() bool { return s.paused.Load() }

// SetPaused toggles the simulation pause flag.
func (s *Server) SetPaused(paused bool) { s.paused.Store(paused) }

// AdvanceTick moves the simulation clock forward one tick.
func (s *Server) AdvanceTick() protocol.Tick {
	s.tick++
	s.m.SetLastTick(uint64(s.tick))
	return s.tick
}

// Registry exposes the entity state for the simulation and handlers.
func (s *Server) Registry() *ecs.Registry { return s.registry }

// Terrain exposes the terrain grid and journal.
func (s *Server) Terrain() *terrain.SyncManager { return s.terrain }

// Detector exposes change tracking for systems that bypass the
// registry's observed write path.
func (s *Server) Detector() *replication.ChangeDetector { return s.detector }

// NetStats returns the worker's traffic counters.
func (s *Server) NetStats() *netio.Stats { return s.worker.Stats() }

// PlayerCount returns the number of connected players.
func (s *Server) PlayerCount() int { return s.sessions.ConnectedCount() }

// Limiter exposes the rate-limit counters.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Sessions exposes the session table for admin surfaces.
func (s *Server) Sessions() *SessionTable { return s.sessions }

// SessionCount returns all sessions, including those in grace.
func (s *Server) SessionCount() int { return s.sessions.Count() }

// BroadcastDelta emits the tick's StateUpdate if anything changed, then
// clears the emitted entries.
func (s *Server) BroadcastDelta() {
	upd := s.detector.GenerateDelta(s.tick, s.cfg.DeltaBudget)
	if upd == nil {
		return
	}
	s.Broadcast(upd)
	s.detector.Flush(upd)
}

// Broadcast serializes msg once and queues it to every connected peer on
// the reliable channel.
func (s *Server) Broadcast(msg protocol.Message) {
	s.broadcast(msg, transport.Reliable)
}

// BroadcastUnreliable queues msg to every peer on the lossy channel.
// Only payloads superseded by their successors belong here.
func (s *Server) BroadcastUnreliable(msg protocol.Message) {
	s.broadcast(msg, transport.Unreliable)
}

func (s *Server) broadcast(msg protocol.Message, ch transport.Channel) {
	data, err := messages.Encode(msg)
	if err != nil {
		s.log.Error("broadcast encode failed", "type", msg.Type(), "err", err)
		return
	}
	if !s.worker.TrySend(netio.Outbound{Data: data, Channel: ch, Broadcast: true}) {
		s.sendDropped++
		s.log.Warn("outbound queue full, broadcast dropped", "type", msg.Type())
		return
	}
	s.m.MessageSent(1)
}

// SendTo serializes msg and queues it to one peer on the reliable
// channel.
func (s *Server) SendTo(peer protocol.PeerID, msg protocol.Message) {
	data, err := messages.Encode(msg)
	if err != nil {
		s.log.Error("send encode failed", "type", msg.Type(), "peer", peer, "err", err)
		return
	}
	if !s.worker.TrySend(netio.Outbound{Peer: peer, Data: data, Channel: transport.Reliable}) {
		s.sendDropped++
		s.log.Warn("outbound queue full, message dropped", "type", msg.Type(), "peer", peer)
		return
	}
	s.m.MessageSent(1)
}

// Kick ejects a player: the reason goes out first, then the transport
// drop. The session keeps its grace window only for retryable reasons.
func (s *Server) Kick(id protocol.PlayerID, reason messages.KickReason, text string, now time.Time) error {
	sess, ok := s.sessions.ByPlayer(id)
	if !ok {
		return fmt.Errorf("server: kick: no session for player %d", id)
	}
	s.log.Warn("kicking player", "player", id, "name", sess.Name, "reason", reason, "text", text)
	sess.KickedFor = reason
	if sess.Connected() {
		s.SendTo(sess.Peer, &messages.Kick{Reason: reason, Message: text})
		peer := sess.Peer
		s.teardownPeer(peer, now, false)
		s.validator.ClearPeer(peer)
		s.pendingDrops = append(s.pendingDrops, timedDrop{peer: peer, at: now.Add(flushGrace)})
	}
	return nil
}

// dropPeer asks the worker to close the transport connection.
func (s *Server) dropPeer(peer protocol.PeerID) {
	if !s.worker.TryCommand(netio.Command{Kind: netio.CmdDisconnect, Peer: peer}) {
		s.log.Warn("command queue full, disconnect dropped", "peer", peer)
	}
}

func (s *Server) statusMessage() *messages.ServerStatus {
	players := s.sessions.ConnectedCount()
	if players > 255 {
		players = 255
	}
	return &messages.ServerStatus{
		State:   s.State(),
		MapTier: s.terrain.Grid().Tier(),
		Tick:    s.tick,
		Players: uint8(players),
	}
}

func (s *Server) broadcastPlayerList() {
	s.Broadcast(&messages.PlayerList{Players: s.sessions.Entries()})
	s.m.SetConnectedPlayers(s.sessions.ConnectedCount())
}

func nowMillis(now time.Time) uint64 {
	return uint64(now.UnixMilli())
}
