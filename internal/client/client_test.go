package client

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/replication"
	"github.com/civitasdev/civitas/internal/terrain"
	"github.com/civitasdev/civitas/internal/transport"
)

// clock runs the client's Update loop on synthetic time so backoff and
// heartbeat schedules are testable without real waiting. Wall-clock
// latency comes only from the worker goroutine shuttling events.
type clock struct {
	now  time.Time
	step time.Duration
}

func newClock() *clock {
	return &clock{now: time.UnixMilli(1_700_000_000_000), step: 20 * time.Millisecond}
}

func (c *clock) tick() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *clock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

// scriptServer plays the server end of a linked memory transport by hand:
// the test decides exactly which messages come back and when.
type scriptServer struct {
	t       *testing.T
	tr      *transport.MemoryTransport
	factory *protocol.Factory
	peer    protocol.PeerID
}

func newScriptServer(t *testing.T) (*scriptServer, *transport.MemoryTransport) {
	t.Helper()
	srvTr := transport.NewMemoryTransport()
	cliTr := transport.NewMemoryTransport()
	transport.Link(srvTr, cliTr)
	require.NoError(t, srvTr.StartServer(7777, 8))
	return &scriptServer{t: t, tr: srvTr, factory: messages.NewFactory()}, cliTr
}

func (s *scriptServer) send(msg protocol.Message) {
	s.t.Helper()
	data, err := messages.Encode(msg)
	require.NoError(s.t, err)
	require.NoError(s.t, s.tr.Send(s.peer, data, transport.Reliable))
	s.tr.Flush()
}

// expect pumps the client until a message of the wanted type arrives on
// the server side. Connect events update the tracked peer; other message
// types (heartbeats and the like) are skipped.
func (s *scriptServer) expect(c *Client, clk *clock, want protocol.MessageType) protocol.Message {
	s.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Update(clk.tick())
		ev := s.tr.Poll(time.Millisecond)
		switch ev.Kind {
		case transport.EventConnect:
			s.peer = ev.Peer
		case transport.EventReceive:
			buf := protocol.NewBufferFrom(ev.Data)
			env, err := protocol.ParseEnvelope(buf)
			require.NoError(s.t, err)
			msg := s.factory.Create(env.Type)
			require.NotNil(s.t, msg, "unregistered message type %v", env.Type)
			require.NoError(s.t, msg.Deserialize(buf))
			if env.Type == want {
				return msg
			}
		}
	}
	s.t.Fatalf("server never received %v", want)
	return nil
}

// pump runs Update until cond holds.
func pump(t *testing.T, c *Client, clk *clock, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Update(clk.tick())
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func testClientConfig() config.Client {
	cfg := config.DefaultClient()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ReconnectDelayMin = 100 * time.Millisecond
	cfg.ReconnectDelayMax = 400 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, tr transport.Transport) *Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(testClientConfig(), tr, log, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var testToken = protocol.SessionToken{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

// joinedClient runs the handshake to StateConnected.
func joinedClient(t *testing.T) (*Client, *scriptServer, *clock) {
	t.Helper()
	ss, cliTr := newScriptServer(t)
	c := newTestClient(t, cliTr)
	clk := newClock()

	require.NoError(t, c.Connect("memory", 7777, "mayor"))

	join := ss.expect(c, clk, protocol.MsgJoin).(*messages.Join)
	require.Equal(t, "mayor", join.Name)

	ss.send(&messages.JoinAccept{
		PlayerID:     2,
		ServerTimeMs: uint64(clk.now.UnixMilli()),
		Token:        testToken,
		StartTick:    40,
	})
	pump(t, c, clk, func() bool { return c.State() == StateConnected })
	return c, ss, clk
}

// transformBlob serializes one Transform the way deltas and snapshots
// carry it.
func transformBlob(t *testing.T, x, y int16) []byte {
	t.Helper()
	buf := protocol.NewBuffer(8)
	require.NoError(t, (&ecs.Transform{Pos: protocol.GridPosition{X: x, Y: y}}).Serialize(buf))
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func TestClientJoinHandshake(t *testing.T) {
	c, _, _ := joinedClient(t)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, protocol.PlayerID(2), c.PlayerID())
	assert.Equal(t, testToken, c.Token())
	assert.Equal(t, protocol.Tick(40), c.LastTick())
}

func TestClientJoinRejectFullStopsRetrying(t *testing.T) {
	ss, cliTr := newScriptServer(t)
	c := newTestClient(t, cliTr)
	clk := newClock()

	require.NoError(t, c.Connect("memory", 7777, "mayor"))
	ss.expect(c, clk, protocol.MsgJoin)
	ss.send(&messages.JoinReject{Reason: messages.RejectFull, Message: "server full"})

	pump(t, c, clk, func() bool { return c.State() == StateDisconnected })

	// No retry: the state holds through several seconds of synthetic time.
	for i := 0; i < 50; i++ {
		c.Update(clk.tick())
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.Token().IsZero())
}

func TestClientWorldSnapshotPromotesToPlaying(t *testing.T) {
	c, ss, clk := joinedClient(t)

	ss.send(&messages.ServerStatus{State: messages.StateRunning, MapTier: protocol.MapMedium, Tick: 50, Players: 1})

	// Build a two-entity world server-side and ship it.
	src := ecs.NewRegistry()
	e1 := src.Create()
	require.NoError(t, src.Add(e1, &ecs.Transform{Pos: protocol.GridPosition{X: 3, Y: 4}}))
	e2 := src.Create()
	require.NoError(t, src.Add(e2, &ecs.Building{Kind: 7, Level: 1, Owner: 2}))

	eng := replication.NewSnapshotEngine(src)
	require.NoError(t, eng.Start(50))
	require.Eventually(t, eng.Ready, time.Second, time.Millisecond)
	start, chunks, end, err := eng.Messages()
	require.NoError(t, err)

	ss.send(start)
	for _, ch := range chunks {
		ss.send(ch)
	}
	ss.send(end)

	pump(t, c, clk, func() bool { return c.State() == StatePlaying })

	assert.Equal(t, protocol.Tick(50), c.LastTick())
	assert.Equal(t, 2, c.Registry().Len())
	assert.Equal(t, SnapComplete, c.Snapshot().State)
	assert.Equal(t, protocol.MapMedium, c.MapTier())

	got, ok := c.Registry().Get(e1, ecs.ComponentTransform)
	require.True(t, ok)
	assert.Equal(t, protocol.GridPosition{X: 3, Y: 4}, got.(*ecs.Transform).Pos)
}

func TestClientBuffersDeltasUntilSnapshotApplies(t *testing.T) {
	c, ss, clk := joinedClient(t)

	// A delta lands before any snapshot: it must wait, not apply.
	ss.send(&messages.StateUpdate{
		Tick: 60,
		Created: []messages.EntityState{{
			Entity: 9,
			Mask:   ecs.ComponentTransform.Bit(),
			Blob:   transformBlob(t, 8, 8),
		}},
	})
	pump(t, c, clk, func() bool { return c.snap.BufferedCount() == 1 })
	assert.Equal(t, 0, c.Registry().Len())

	// Snapshot at tick 50 carries one entity; the buffered tick-60 delta
	// replays on top.
	src := ecs.NewRegistry()
	e1 := src.Create()
	require.NoError(t, src.Add(e1, &ecs.Transform{Pos: protocol.GridPosition{X: 1, Y: 1}}))
	eng := replication.NewSnapshotEngine(src)
	require.NoError(t, eng.Start(50))
	require.Eventually(t, eng.Ready, time.Second, time.Millisecond)
	start, chunks, end, err := eng.Messages()
	require.NoError(t, err)

	ss.send(start)
	for _, ch := range chunks {
		ss.send(ch)
	}
	ss.send(end)

	pump(t, c, clk, func() bool { return c.Registry().Len() == 2 })
	assert.Equal(t, protocol.Tick(60), c.LastTick())
	assert.True(t, c.Registry().Alive(9))
}

func TestClientStaleDeltaDropsAfterSync(t *testing.T) {
	c, ss, clk := joinedClient(t)

	// Empty world snapshot brings the client in sync at tick 50.
	eng := replication.NewSnapshotEngine(ecs.NewRegistry())
	require.NoError(t, eng.Start(50))
	require.Eventually(t, eng.Ready, time.Second, time.Millisecond)
	start, chunks, end, err := eng.Messages()
	require.NoError(t, err)
	ss.send(start)
	for _, ch := range chunks {
		ss.send(ch)
	}
	ss.send(end)
	pump(t, c, clk, func() bool { return c.LastTick() == 50 })

	// Tick 45 arrived late; the registry must not regress.
	ss.send(&messages.StateUpdate{
		Tick: 45,
		Created: []messages.EntityState{{
			Entity: 5,
			Mask:   ecs.ComponentTransform.Bit(),
			Blob:   transformBlob(t, 2, 2),
		}},
	})
	ss.send(&messages.StateUpdate{
		Tick: 51,
		Created: []messages.EntityState{{
			Entity: 6,
			Mask:   ecs.ComponentTransform.Bit(),
			Blob:   transformBlob(t, 3, 3),
		}},
	})

	pump(t, c, clk, func() bool { return c.LastTick() == 51 })
	assert.False(t, c.Registry().Alive(5))
	assert.True(t, c.Registry().Alive(6))
}

func TestClientInputAckAndRejection(t *testing.T) {
	c, ss, clk := joinedClient(t)

	seq1 := c.SendInput(messages.InputPlaceBuilding, protocol.GridPosition{X: 4, Y: 4}, 7, 0, 0)
	seq2 := c.SendInput(messages.InputBuildRoad, protocol.GridPosition{X: 5, Y: 4}, 0, 0, 0)

	in1 := ss.expect(c, clk, protocol.MsgInput).(*messages.Input)
	assert.Equal(t, seq1, in1.Sequence)
	assert.Equal(t, protocol.PlayerID(2), in1.PlayerID)
	in2 := ss.expect(c, clk, protocol.MsgInput).(*messages.Input)
	assert.Equal(t, seq2, in2.Sequence)

	ss.send(&messages.InputAck{ServerTick: 41, Sequence: seq1})
	ss.send(&messages.InputRejected{
		ServerTick: 41,
		Sequence:   seq2,
		Reason:     messages.InputRejectInsufficientFunds,
		Message:    "not enough money",
	})

	pump(t, c, clk, func() bool {
		a, ok := c.Pending().Get(seq2)
		return ok && a.State == ActionRejected
	})

	a1, ok := c.Pending().Get(seq1)
	require.True(t, ok)
	assert.Equal(t, ActionConfirmed, a1.State)

	fb, ok := c.PollRejection()
	require.True(t, ok)
	assert.Equal(t, messages.InputRejectInsufficientFunds, fb.Reason)
	assert.Equal(t, protocol.GridPosition{X: 5, Y: 4}, fb.Target)
}

func TestClientHeartbeatAndRTT(t *testing.T) {
	c, ss, clk := joinedClient(t)

	hb := ss.expect(c, clk, protocol.MsgHeartbeat).(*messages.Heartbeat)
	ss.send(&messages.HeartbeatResponse{Sequence: hb.Sequence, EchoTimeMs: hb.TimeMs, ServerTick: 44})

	pump(t, c, clk, func() bool {
		_, ok := c.RTT()
		return ok
	})
	rtt, ok := c.RTT()
	require.True(t, ok)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
	assert.Less(t, rtt, 5*time.Second)
}

func TestClientReconnectPresentsToken(t *testing.T) {
	c, ss, clk := joinedClient(t)

	// Server drops the link; the client has a token and must resume with
	// it instead of joining fresh.
	ss.tr.Disconnect(ss.peer)
	ss.tr.Flush()

	pump(t, c, clk, func() bool { return c.State() == StateReconnecting })

	rec := ss.expect(c, clk, protocol.MsgReconnect).(*messages.Reconnect)
	assert.Equal(t, testToken, rec.Token)

	ss.send(&messages.JoinAccept{
		PlayerID:     2,
		ServerTimeMs: uint64(clk.now.UnixMilli()),
		Token:        testToken,
		StartTick:    70,
	})
	pump(t, c, clk, func() bool { return c.State() == StateConnected })
	assert.Equal(t, protocol.PlayerID(2), c.PlayerID())
}

func TestClientExpiredSessionFallsBackToJoin(t *testing.T) {
	c, ss, clk := joinedClient(t)

	ss.tr.Disconnect(ss.peer)
	ss.tr.Flush()
	pump(t, c, clk, func() bool { return c.State() == StateReconnecting })

	ss.expect(c, clk, protocol.MsgReconnect)
	ss.send(&messages.JoinReject{Reason: messages.RejectSessionExpired})

	// The token is gone; the next attempt is a fresh Join.
	join := ss.expect(c, clk, protocol.MsgJoin).(*messages.Join)
	assert.Equal(t, "mayor", join.Name)

	ss.send(&messages.JoinAccept{
		PlayerID:     3,
		ServerTimeMs: uint64(clk.now.UnixMilli()),
		Token:        protocol.SessionToken{9, 9, 9},
		StartTick:    80,
	})
	pump(t, c, clk, func() bool { return c.State() == StateConnected })
	assert.Equal(t, protocol.PlayerID(3), c.PlayerID())
}

func TestClientBackoffDoublesToCap(t *testing.T) {
	// No Link: every dial fails immediately.
	cliTr := transport.NewMemoryTransport()
	c := newTestClient(t, cliTr)
	clk := newClock()

	require.NoError(t, c.Connect("memory", 7777, "mayor"))
	pump(t, c, clk, func() bool { return c.State() == StateReconnecting })
	assert.Equal(t, 200*time.Millisecond, c.reconnectDelay)

	// Each cycle: wait out the delay, fail again, delay doubles to cap.
	pump(t, c, clk, func() bool { return c.reconnectDelay == 400*time.Millisecond })
	for i := 0; i < 100; i++ {
		c.Update(clk.tick())
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 400*time.Millisecond, c.reconnectDelay)
	assert.NotEqual(t, StateDisconnected, c.State())
}

func TestClientKickTerminal(t *testing.T) {
	c, ss, clk := joinedClient(t)

	ss.send(&messages.Kick{Reason: messages.KickAdmin, Message: "banned"})
	pump(t, c, clk, func() bool { return c.State() == StateDisconnected })

	reason, msg, ok := c.LastKick()
	require.True(t, ok)
	assert.Equal(t, messages.KickAdmin, reason)
	assert.Equal(t, "banned", msg)
	assert.True(t, c.Token().IsZero())
}

func TestClientKickRetryableKeepsToken(t *testing.T) {
	c, ss, clk := joinedClient(t)

	ss.send(&messages.Kick{Reason: messages.KickShutdown, Message: "restarting"})
	ss.tr.Disconnect(ss.peer)
	ss.tr.Flush()

	pump(t, c, clk, func() bool { return c.State() == StateReconnecting })
	assert.Equal(t, testToken, c.Token())
}

func TestClientTimeoutLevels(t *testing.T) {
	c, _, clk := joinedClient(t)
	require.Equal(t, TimeoutNone, c.TimeoutLevel())

	c.Update(clk.advance(3 * time.Second))
	assert.Equal(t, TimeoutIndicator, c.TimeoutLevel())

	c.Update(clk.advance(3 * time.Second))
	assert.Equal(t, TimeoutBanner, c.TimeoutLevel())

	c.Update(clk.advance(10 * time.Second))
	assert.Equal(t, TimeoutFullUI, c.TimeoutLevel())
}

func TestClientTerrainHandshake(t *testing.T) {
	c, ss, clk := joinedClient(t)

	mgr, err := terrain.NewSyncManager(12345, protocol.MapSmall)
	require.NoError(t, err)
	_, err = mgr.Modify(2, messages.TerrainLevel, 4, 4, 2, 2, 10, 41)
	require.NoError(t, err)

	ss.send(mgr.JoinData())

	verify := ss.expect(c, clk, protocol.MsgTerrainVerify).(*messages.TerrainVerify)
	require.True(t, mgr.VerifyChecksum(verify.Checksum), "client checksum diverged")

	ss.send(&messages.TerrainSyncComplete{OK: true})
	pump(t, c, clk, func() bool { return c.Terrain().Synced() })

	// Later broadcasts keep the mirror current.
	mod, err := mgr.Modify(2, messages.TerrainRaise, 1, 1, 1, 1, 3, 42)
	require.NoError(t, err)
	ss.send(&messages.TerrainModified{Mod: mod})

	pump(t, c, clk, func() bool { return c.Terrain().LastSeq() == mod.Seq })
	assert.Equal(t, mgr.Checksum(), c.Terrain().Grid().Checksum())
}

func TestClientDisconnectIsClean(t *testing.T) {
	c, ss, clk := joinedClient(t)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.Token().IsZero())

	// The farewell reaches the server before the link closes.
	bye := ss.expect(c, clk, protocol.MsgDisconnect).(*messages.Disconnect)
	assert.Equal(t, messages.DisconnectQuit, bye.Reason)
}
