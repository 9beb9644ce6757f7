package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitasdev/civitas/internal/client"
	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

func TestJoinRejectedWhenFull(t *testing.T) {
	cfg := envConfig()
	cfg.MaxPlayers = 2
	e := newEnv(t, cfg)

	c1 := e.join("alice")
	c2 := e.join("bob")
	require.Equal(t, 2, e.srv.PlayerCount())

	c3 := e.addClient("carol", fastClientConfig())
	e.waitFor(func() bool { return c3.State() == client.StateDisconnected }, "carol rejected")

	assert.Equal(t, 2, e.srv.PlayerCount())
	assert.Equal(t, protocol.InvalidPlayer, c3.PlayerID())
	assert.Equal(t, client.StatePlaying, c1.State())
	assert.Equal(t, client.StatePlaying, c2.State())
}

func TestReconnectWithinGracePreservesSession(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")
	pid := c.PlayerID()
	token := c.Token()

	seq := c.SendInput(messages.InputPlaceBuilding, protocol.GridPosition{X: 5, Y: 5}, 1, 0, 0)
	e.waitFor(func() bool {
		a, ok := c.Pending().Get(seq)
		return ok && a.State == client.ActionConfirmed
	}, "placement confirmed")
	require.Equal(t, 1, e.srv.Registry().Len())
	require.Equal(t, 1, e.inputs.PendingCount(pid))

	// Sever the transport link without quitting; the session must enter
	// grace instead of ending.
	e.srvTr.Disconnect(e.serverPeer(pid))
	e.waitFor(func() bool {
		sess, ok := e.srv.Sessions().ByPlayer(pid)
		return ok && !sess.Connected()
	}, "session in grace")
	sess, _ := e.srv.Sessions().ByPlayer(pid)
	assert.Equal(t, messages.PlayerReconnecting, sess.Status)

	e.waitFor(func() bool { return c.State() == client.StatePlaying }, "resumed")

	assert.Equal(t, pid, c.PlayerID())
	assert.Equal(t, token, c.Token())
	assert.Equal(t, 1, e.srv.Registry().Len(), "placed building survives the drop")
	assert.Equal(t, 1, e.inputs.PendingCount(pid), "uncommitted action still pending")
	assert.Equal(t, 1, e.srv.SessionCount())
}

func TestReconnectAfterGraceRollsBackAndRejoins(t *testing.T) {
	cfg := envConfig()
	cfg.SessionGrace = 200 * time.Millisecond
	e := newEnv(t, cfg)

	// Slow the client's backoff past the grace window so its first retry
	// finds the session already expired.
	ccfg := fastClientConfig()
	ccfg.ReconnectDelayMin = time.Second
	c := e.addClient("alice", ccfg)
	e.waitFor(func() bool { return c.State() == client.StatePlaying }, "alice playing")
	pid := c.PlayerID()
	token := c.Token()

	seq := c.SendInput(messages.InputPlaceBuilding, protocol.GridPosition{X: 9, Y: 9}, 1, 0, 0)
	e.waitFor(func() bool {
		a, ok := c.Pending().Get(seq)
		return ok && a.State == client.ActionConfirmed
	}, "placement confirmed")
	require.Equal(t, 1, e.srv.Registry().Len())

	e.srvTr.Disconnect(e.serverPeer(pid))

	e.waitFor(func() bool {
		return c.State() == client.StatePlaying && c.Token() != token
	}, "fresh join after expiry")

	assert.Equal(t, 0, e.srv.Registry().Len(), "uncommitted placement rolled back")
	assert.Equal(t, 0, e.inputs.PendingCount(pid))
	assert.Equal(t, 1, e.srv.SessionCount())
	assert.Equal(t, 0, c.Registry().Len(), "fresh snapshot reflects the rollback")
}

func TestCommittedActionsSurviveSessionExpiry(t *testing.T) {
	cfg := envConfig()
	cfg.SessionGrace = 200 * time.Millisecond
	e := newEnv(t, cfg)

	ccfg := fastClientConfig()
	ccfg.ReconnectDelayMin = time.Second
	c := e.addClient("alice", ccfg)
	e.waitFor(func() bool { return c.State() == client.StatePlaying }, "alice playing")
	pid := c.PlayerID()
	token := c.Token()

	seq := c.SendInput(messages.InputBuildRoad, protocol.GridPosition{X: 3, Y: 3}, uint32(ecs.RoadStreet), 0, 0)
	e.waitFor(func() bool {
		a, ok := c.Pending().Get(seq)
		return ok && a.State == client.ActionConfirmed
	}, "road confirmed")

	// Past the broadcast horizon the action belongs to shared state.
	e.inputs.CommitThrough(e.srv.Tick())
	require.Equal(t, 0, e.inputs.PendingCount(pid))

	e.srvTr.Disconnect(e.serverPeer(pid))
	e.waitFor(func() bool {
		return c.State() == client.StatePlaying && c.Token() != token
	}, "fresh join after expiry")

	assert.Equal(t, 1, e.srv.Registry().Len(), "committed road survives the expiry")
	assert.Equal(t, 1, c.Registry().Len())
}

func TestSilentClientTimesOutIntoGrace(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")
	pid := c.PlayerID()

	// The client process stalls: its worker keeps the link up but no
	// heartbeats flow. Ten silent intervals end the connection.
	e.waitServerOnly(func() bool {
		sess, ok := e.srv.Sessions().ByPlayer(pid)
		return ok && !sess.Connected()
	}, "silent connection dropped")

	sess, ok := e.srv.Sessions().ByPlayer(pid)
	require.True(t, ok)
	assert.True(t, sess.TimedOut)
	assert.Equal(t, messages.PlayerReconnecting, sess.Status)
	assert.Equal(t, 0, e.srv.PlayerCount())
	assert.Equal(t, 1, e.srv.SessionCount(), "session waits out its grace window")
}

func TestGracefulQuitEndsSessionImmediately(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")
	pid := c.PlayerID()

	seq := c.SendInput(messages.InputPlaceBuilding, protocol.GridPosition{X: 2, Y: 2}, 1, 0, 0)
	e.waitFor(func() bool {
		a, ok := c.Pending().Get(seq)
		return ok && a.State == client.ActionConfirmed
	}, "placement confirmed")

	c.Disconnect()
	e.waitFor(func() bool { return e.srv.SessionCount() == 0 }, "session removed")

	assert.Equal(t, client.StateDisconnected, c.State())
	assert.Equal(t, 0, e.srv.Registry().Len(), "quit rolls back uncommitted actions")
	_, ok := e.srv.Sessions().ByPlayer(pid)
	assert.False(t, ok)
}
