// Package integration exercises the full client/server stack over linked
// in-memory transports: real server, real clients, real netio workers,
// with only time made synthetic.
package integration

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civitasdev/civitas/internal/client"
	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/server"
	"github.com/civitasdev/civitas/internal/terrain"
	"github.com/civitasdev/civitas/internal/transport"
)

// clock drives both sides of the stack on synthetic time so heartbeat,
// grace and backoff schedules run in milliseconds of wall time. The base
// is the real now because the server stamps its maintenance timer from
// the wall clock at Start.
type clock struct {
	now  time.Time
	step time.Duration
}

func newClock() *clock {
	return &clock{now: time.Now(), step: 20 * time.Millisecond}
}

func (c *clock) tick() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// env is one running server plus any number of linked clients.
type env struct {
	t   *testing.T
	clk *clock
	cfg config.Server

	srvTr  *transport.MemoryTransport
	srv    *server.Server
	inputs *server.InputHandler
	trades *server.TradeHandler

	clients []*client.Client
}

// envConfig returns the server config the scenarios start from: a small
// fixed-seed map and room for four mayors.
func envConfig() config.Server {
	cfg := config.DefaultServer()
	cfg.MapSeed = 42
	cfg.MapTier = uint8(protocol.MapSmall)
	cfg.MaxPlayers = 4
	return cfg
}

func newEnv(t *testing.T, cfg config.Server) *env {
	t.Helper()

	tmgr, err := terrain.NewSyncManager(cfg.MapSeed, protocol.MapTier(cfg.MapTier))
	require.NoError(t, err)

	srvTr := transport.NewMemoryTransport()
	srv, err := server.NewServer(cfg, srvTr, ecs.NewRegistry(), tmgr, testLogger(), nil)
	require.NoError(t, err)

	inputs := server.NewInputHandler(nil, nil, testLogger(), nil)
	inputs.Attach(srv)
	trades := server.NewTradeHandler(nil, testLogger())
	srv.RegisterHandler(trades)

	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	srv.SetRunning()

	return &env{
		t:      t,
		clk:    newClock(),
		cfg:    cfg,
		srvTr:  srvTr,
		srv:    srv,
		inputs: inputs,
		trades: trades,
	}
}

// fastClientConfig shrinks the reconnect backoff so retries land within a
// few synthetic frames.
func fastClientConfig() config.Client {
	cfg := config.DefaultClient()
	cfg.ReconnectDelayMin = 40 * time.Millisecond
	cfg.ReconnectDelayMax = 400 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

// addClient links a new client to the server and starts its connect.
func (e *env) addClient(name string, cfg config.Client) *client.Client {
	e.t.Helper()
	tr := transport.NewMemoryTransport()
	transport.Link(e.srvTr, tr)
	c := client.NewClient(cfg, tr, testLogger(), nil)
	e.t.Cleanup(func() { _ = c.Close() })
	require.NoError(e.t, c.Connect("city.test", e.cfg.Port, name))
	e.clients = append(e.clients, c)
	return c
}

// join connects a client and pumps until it reaches Playing: accepted,
// terrain synced, world snapshot applied.
func (e *env) join(name string) *client.Client {
	e.t.Helper()
	c := e.addClient(name, fastClientConfig())
	e.waitFor(func() bool { return c.State() == client.StatePlaying }, name+" playing")
	return c
}

// step advances synthetic time one frame and runs a full server tick plus
// every client's update. The short sleep gives the worker goroutines a
// turn to move frames across the memory links.
func (e *env) step() {
	now := e.clk.tick()
	e.srv.Update(now)
	e.srv.AdvanceTick()
	e.srv.BroadcastDelta()
	for _, c := range e.clients {
		c.Update(now)
	}
	time.Sleep(time.Millisecond)
}

// stepFrozen pumps both sides without moving synthetic time, for
// rate-limit scenarios where bucket refill must stay at zero.
func (e *env) stepFrozen() {
	e.srv.Update(e.clk.now)
	e.srv.AdvanceTick()
	e.srv.BroadcastDelta()
	for _, c := range e.clients {
		c.Update(e.clk.now)
	}
	time.Sleep(time.Millisecond)
}

// stepServerOnly advances the server while every client stays idle, the
// harness version of a stalled client process.
func (e *env) stepServerOnly() {
	now := e.clk.tick()
	e.srv.Update(now)
	e.srv.AdvanceTick()
	e.srv.BroadcastDelta()
	time.Sleep(time.Millisecond)
}

// waitFor pumps step until cond holds, bounded by a real-time deadline.
func (e *env) waitFor(cond func() bool, msg string) {
	e.t.Helper()
	e.waitWith(e.step, cond, msg)
}

// waitFrozen pumps stepFrozen until cond holds.
func (e *env) waitFrozen(cond func() bool, msg string) {
	e.t.Helper()
	e.waitWith(e.stepFrozen, cond, msg)
}

// waitServerOnly pumps stepServerOnly until cond holds.
func (e *env) waitServerOnly(cond func() bool, msg string) {
	e.t.Helper()
	e.waitWith(e.stepServerOnly, cond, msg)
}

func (e *env) waitWith(pump func(), cond func() bool, msg string) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			e.t.Fatalf("condition not reached: %s", msg)
		}
		pump()
	}
}

// serverPeer returns the live transport peer behind a player.
func (e *env) serverPeer(id protocol.PlayerID) protocol.PeerID {
	e.t.Helper()
	sess, ok := e.srv.Sessions().ByPlayer(id)
	require.True(e.t, ok, "no session for player %d", id)
	return sess.Peer
}
