package server

import (
	"sort"
	"time"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// Session is one player's server-side record. It outlives the transport
// connection: a drop leaves the session redeemable by token until the
// grace window expires.
type Session struct {
	PlayerID protocol.PlayerID
	Name     string
	Token    protocol.SessionToken

	// Peer is the current transport connection, InvalidPeer while the
	// player is disconnected.
	Peer   protocol.PeerID
	Status messages.PlayerStatus

	JoinedAt       time.Time
	DisconnectedAt time.Time // zero while connected
	LastInbound    time.Time
	MissedBeats    int
	TimedOut       bool

	// KickedFor is the reason of the last kick, zero when never kicked.
	// Non-retryable reasons make the session unredeemable.
	KickedFor messages.KickReason
}

// Connected reports whether the session has a live transport peer.
func (s *Session) Connected() bool {
	return s.Peer != protocol.InvalidPeer
}

// Redeemable reports whether a Reconnect presented at now may resume
// this session.
func (s *Session) Redeemable(now time.Time, grace time.Duration) bool {
	if s.KickedFor != 0 && !s.KickedFor.Retryable() {
		return false
	}
	if s.DisconnectedAt.IsZero() {
		// Still connected; the incumbent peer gets evicted.
		return true
	}
	return now.Sub(s.DisconnectedAt) < grace
}

// SessionTable maps players, tokens and peers to sessions and allocates
// the lowest free PlayerID via a bitmap. Owned by the simulation
// goroutine.
type SessionTable struct {
	maxPlayers int
	grace      time.Duration

	byPlayer map[protocol.PlayerID]*Session
	byToken  map[protocol.SessionToken]*Session
	byPeer   map[protocol.PeerID]*Session

	// freeBitmap has a set bit for every free id in 1..255; bit 0 is
	// never used.
	freeBitmap [4]uint64
}

// NewSessionTable sizes the table for maxPlayers concurrent sessions.
func NewSessionTable(maxPlayers int, grace time.Duration) *SessionTable {
	if maxPlayers < 1 {
		maxPlayers = 1
	}
	if maxPlayers > 255 {
		maxPlayers = 255
	}
	return &SessionTable{
		maxPlayers: maxPlayers,
		grace:      grace,
		byPlayer:   make(map[protocol.PlayerID]*Session),
		byToken:    make(map[protocol.SessionToken]*Session),
		byPeer:     make(map[protocol.PeerID]*Session),
		freeBitmap: [4]uint64{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)},
	}
}

// Grace returns the configured reconnect window.
func (t *SessionTable) Grace() time.Duration { return t.grace }

// Count returns the number of sessions, connected or in grace.
func (t *SessionTable) Count() int { return len(t.byPlayer) }

// ConnectedCount returns the number of sessions with a live peer.
func (t *SessionTable) ConnectedCount() int { return len(t.byPeer) }

// Full reports whether a new join must be refused.
func (t *SessionTable) Full() bool { return len(t.byPlayer) >= t.maxPlayers }

// NameInUse reports whether any session holds the name.
func (t *SessionTable) NameInUse(name string) bool {
	for _, s := range t.byPlayer {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Create allocates the lowest free PlayerID and registers a connected
// session. Returns false when the table is full.
func (t *SessionTable) Create(name string, peer protocol.PeerID, token protocol.SessionToken, now time.Time) (*Session, bool) {
	id := t.firstFreeID()
	if id == protocol.InvalidPlayer {
		return nil, false
	}
	s := &Session{
		PlayerID:    id,
		Name:        name,
		Token:       token,
		Peer:        peer,
		Status:      messages.PlayerConnected,
		JoinedAt:    now,
		LastInbound: now,
	}
	t.byPlayer[id] = s
	t.byToken[token] = s
	t.byPeer[peer] = s
	t.markUsed(id)
	return s, true
}

// ByPeer looks a session up by its live transport peer.
func (t *SessionTable) ByPeer(peer protocol.PeerID) (*Session, bool) {
	s, ok := t.byPeer[peer]
	return s, ok
}

// ByToken looks a session up by its reconnect credential.
func (t *SessionTable) ByToken(token protocol.SessionToken) (*Session, bool) {
	s, ok := t.byToken[token]
	return s, ok
}

// ByPlayer looks a session up by PlayerID.
func (t *SessionTable) ByPlayer(id protocol.PlayerID) (*Session, bool) {
	s, ok := t.byPlayer[id]
	return s, ok
}

// BindPeer attaches a session to a new transport peer on reconnect,
// resetting liveness tracking.
func (t *SessionTable) BindPeer(s *Session, peer protocol.PeerID, now time.Time) {
	if s.Peer != protocol.InvalidPeer {
		delete(t.byPeer, s.Peer)
	}
	s.Peer = peer
	s.Status = messages.PlayerConnected
	s.DisconnectedAt = time.Time{}
	s.LastInbound = now
	s.MissedBeats = 0
	s.TimedOut = false
	t.byPeer[peer] = s
}

// MarkDisconnected detaches the session from its peer and starts the
// grace window. The roster shows the player as reconnecting until the
// window lapses.
func (t *SessionTable) MarkDisconnected(s *Session, now time.Time, timedOut bool) {
	if s.Peer != protocol.InvalidPeer {
		delete(t.byPeer, s.Peer)
		s.Peer = protocol.InvalidPeer
	}
	if s.KickedFor != 0 && !s.KickedFor.Retryable() {
		s.Status = messages.PlayerDisconnected
	} else {
		s.Status = messages.PlayerReconnecting
	}
	s.DisconnectedAt = now
	s.TimedOut = timedOut
}

// Remove deletes the session and frees its PlayerID for reuse.
func (t *SessionTable) Remove(s *Session) {
	delete(t.byPlayer, s.PlayerID)
	delete(t.byToken, s.Token)
	if s.Peer != protocol.InvalidPeer {
		delete(t.byPeer, s.Peer)
	}
	t.markFree(s.PlayerID)
}

// Expired returns sessions whose grace window has lapsed.
func (t *SessionTable) Expired(now time.Time) []*Session {
	var out []*Session
	for _, s := range t.byPlayer {
		if !s.DisconnectedAt.IsZero() && now.Sub(s.DisconnectedAt) >= t.grace {
			out = append(out, s)
		}
	}
	return out
}

// Each calls fn for every session.
func (t *SessionTable) Each(fn func(*Session)) {
	for _, s := range t.byPlayer {
		fn(s)
	}
}

// Entries builds the PlayerList roster, ordered by PlayerID.
func (t *SessionTable) Entries() []messages.PlayerEntry {
	out := make([]messages.PlayerEntry, 0, len(t.byPlayer))
	for _, s := range t.byPlayer {
		out = append(out, messages.PlayerEntry{
			ID:     s.PlayerID,
			Name:   s.Name,
			Status: s.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// firstFreeID scans the bitmap for the lowest free id in 1..maxPlayers.
func (t *SessionTable) firstFreeID() protocol.PlayerID {
	for id := 1; id <= t.maxPlayers; id++ {
		if t.freeBitmap[id/64]&(1<<(id%64)) != 0 {
			return protocol.PlayerID(id)
		}
	}
	return protocol.InvalidPlayer
}

func (t *SessionTable) markUsed(id protocol.PlayerID) {
	t.freeBitmap[id/64] &^= 1 << (id % 64)
}

func (t *SessionTable) markFree(id protocol.PlayerID) {
	t.freeBitmap[id/64] |= 1 << (id % 64)
}
