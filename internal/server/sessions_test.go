package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testToken(b byte) protocol.SessionToken {
	var tok protocol.SessionToken
	tok[0] = b
	return tok
}

func TestSessionTableCreateAndLookup(t *testing.T) {
	tab := NewSessionTable(4, 30*time.Second)
	now := time.Now()

	s1, ok := tab.Create("alice", 101, testToken(1), now)
	if !ok {
		t.Fatal("Create failed on empty table")
	}
	s2, ok := tab.Create("bob", 102, testToken(2), now)
	if !ok {
		t.Fatal("Create failed with free slots")
	}

	if s1.PlayerID != 1 || s2.PlayerID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", s1.PlayerID, s2.PlayerID)
	}
	if s1.Status != messages.PlayerConnected {
		t.Errorf("Status = %v, want connected", s1.Status)
	}

	if got, ok := tab.ByPeer(101); !ok || got != s1 {
		t.Error("ByPeer(101) did not resolve first session")
	}
	if got, ok := tab.ByToken(testToken(2)); !ok || got != s2 {
		t.Error("ByToken did not resolve second session")
	}
	if got, ok := tab.ByPlayer(1); !ok || got != s1 {
		t.Error("ByPlayer(1) did not resolve first session")
	}
	if tab.Count() != 2 || tab.ConnectedCount() != 2 {
		t.Errorf("Count = %d, ConnectedCount = %d, want 2, 2", tab.Count(), tab.ConnectedCount())
	}
}

func TestSessionTableFull(t *testing.T) {
	tab := NewSessionTable(2, 30*time.Second)
	now := time.Now()

	tab.Create("a", 1, testToken(1), now)
	tab.Create("b", 2, testToken(2), now)
	if !tab.Full() {
		t.Error("Full() = false at capacity")
	}
	if _, ok := tab.Create("c", 3, testToken(3), now); ok {
		t.Error("Create succeeded beyond maxPlayers")
	}
}

func TestSessionTableIDReuse(t *testing.T) {
	tab := NewSessionTable(8, 30*time.Second)
	now := time.Now()

	tab.Create("a", 1, testToken(1), now)
	s2, _ := tab.Create("b", 2, testToken(2), now)
	tab.Create("c", 3, testToken(3), now)

	tab.Remove(s2)
	if _, ok := tab.ByPlayer(2); ok {
		t.Fatal("removed session still resolvable")
	}

	s4, ok := tab.Create("d", 4, testToken(4), now)
	if !ok {
		t.Fatal("Create failed after Remove")
	}
	if s4.PlayerID != 2 {
		t.Errorf("reused id = %d, want lowest freed id 2", s4.PlayerID)
	}
}

func TestSessionTableNameInUse(t *testing.T) {
	tab := NewSessionTable(4, 30*time.Second)
	now := time.Now()

	s, _ := tab.Create("alice", 1, testToken(1), now)
	if !tab.NameInUse("alice") {
		t.Error("NameInUse(alice) = false with alice connected")
	}
	if tab.NameInUse("bob") {
		t.Error("NameInUse(bob) = true with no bob")
	}

	// Names stay reserved through the grace window.
	tab.MarkDisconnected(s, now, false)
	if !tab.NameInUse("alice") {
		t.Error("NameInUse(alice) = false while alice is in grace")
	}
}

func TestSessionTableDisconnectAndRebind(t *testing.T) {
	tab := NewSessionTable(4, 30*time.Second)
	now := time.Now()

	s, _ := tab.Create("alice", 101, testToken(1), now)
	tab.MarkDisconnected(s, now, true)

	if s.Connected() {
		t.Error("Connected() = true after MarkDisconnected")
	}
	if s.Status != messages.PlayerReconnecting {
		t.Errorf("Status = %v, want reconnecting", s.Status)
	}
	if !s.TimedOut {
		t.Error("TimedOut not recorded")
	}
	if _, ok := tab.ByPeer(101); ok {
		t.Error("stale peer still resolves after disconnect")
	}
	if tab.ConnectedCount() != 0 || tab.Count() != 1 {
		t.Errorf("ConnectedCount = %d, Count = %d, want 0, 1", tab.ConnectedCount(), tab.Count())
	}

	later := now.Add(5 * time.Second)
	tab.BindPeer(s, 202, later)
	if !s.Connected() || s.Status != messages.PlayerConnected {
		t.Error("session not connected after BindPeer")
	}
	if s.TimedOut || s.MissedBeats != 0 || !s.DisconnectedAt.IsZero() {
		t.Error("liveness tracking not reset by BindPeer")
	}
	if got, ok := tab.ByPeer(202); !ok || got != s {
		t.Error("ByPeer(202) did not resolve rebound session")
	}
}

func TestSessionTableBindPeerEvictsOldPeer(t *testing.T) {
	tab := NewSessionTable(4, 30*time.Second)
	now := time.Now()

	s, _ := tab.Create("alice", 101, testToken(1), now)
	tab.BindPeer(s, 202, now)

	if _, ok := tab.ByPeer(101); ok {
		t.Error("old peer still resolves after rebind")
	}
	if got, ok := tab.ByPeer(202); !ok || got != s {
		t.Error("new peer does not resolve")
	}
}

func TestSessionTableExpiry(t *testing.T) {
	grace := 30 * time.Second
	tab := NewSessionTable(4, grace)
	now := time.Now()

	s, _ := tab.Create("alice", 101, testToken(1), now)
	tab.MarkDisconnected(s, now, false)

	if got := tab.Expired(now.Add(grace - time.Second)); len(got) != 0 {
		t.Errorf("Expired inside grace = %d sessions, want 0", len(got))
	}
	if !s.Redeemable(now.Add(grace-time.Second), grace) {
		t.Error("Redeemable = false inside grace")
	}

	expired := tab.Expired(now.Add(grace))
	if len(expired) != 1 || expired[0] != s {
		t.Fatalf("Expired at grace = %v, want the one session", expired)
	}
	if s.Redeemable(now.Add(grace), grace) {
		t.Error("Redeemable = true at grace boundary")
	}
}

func TestSessionRedeemable(t *testing.T) {
	grace := 30 * time.Second
	now := time.Now()

	connected := &Session{Peer: 5}
	if !connected.Redeemable(now, grace) {
		t.Error("connected session not redeemable (incumbent eviction)")
	}

	kicked := &Session{KickedFor: messages.KickAbuse, DisconnectedAt: now}
	if kicked.Redeemable(now.Add(time.Second), grace) {
		t.Error("non-retryable kick still redeemable")
	}

	idle := &Session{KickedFor: messages.KickIdle, DisconnectedAt: now}
	if !idle.Redeemable(now.Add(time.Second), grace) {
		t.Error("retryable kick not redeemable inside grace")
	}
}

func TestSessionTableEntriesSorted(t *testing.T) {
	tab := NewSessionTable(8, 30*time.Second)
	now := time.Now()

	tab.Create("a", 1, testToken(1), now)
	b, _ := tab.Create("b", 2, testToken(2), now)
	tab.Create("c", 3, testToken(3), now)
	tab.MarkDisconnected(b, now, false)

	entries := tab.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(Entries) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if int(e.ID) != i+1 {
			t.Errorf("entries[%d].ID = %d, want %d", i, e.ID, i+1)
		}
	}
	if entries[1].Status != messages.PlayerReconnecting {
		t.Errorf("entries[1].Status = %v, want reconnecting", entries[1].Status)
	}
}
