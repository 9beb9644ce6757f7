package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitasdev/civitas/internal/client"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/server"
	"github.com/civitasdev/civitas/internal/transport"
)

func TestRateLimitDropsBurstSilently(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")
	pid := c.PlayerID()

	// Frozen clock: the building bucket starts full (burst 15) and never
	// refills while the burst is processed.
	for i := 0; i < 50; i++ {
		c.SendInput(messages.InputPlaceBuilding, protocol.GridPosition{X: int16(10 + i), Y: 3}, 1, 0, 0)
	}
	e.waitFrozen(func() bool {
		_, confirmed, _, _ := c.Pending().Stats()
		return e.srv.Limiter().PlayerDropped(pid) == 35 && confirmed == 15
	}, "burst processed")

	_, confirmed, rejected, _ := c.Pending().Stats()
	assert.EqualValues(t, 15, confirmed)
	assert.EqualValues(t, 0, rejected, "rate-limited inputs get no rejection")
	assert.Equal(t, 35, c.Pending().PendingCount(), "dropped inputs stay unresolved")
	assert.Equal(t, 15, e.srv.Registry().Len())
	assert.EqualValues(t, 35, e.srv.Limiter().DroppedTotal())
	assert.EqualValues(t, 0, e.srv.Limiter().AbuseEvents())
}

func TestOccupiedTileRejectionFeedback(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")
	pos := protocol.GridPosition{X: 7, Y: 7}

	first := c.SendInput(messages.InputPlaceBuilding, pos, 1, 0, 0)
	second := c.SendInput(messages.InputPlaceBuilding, pos, 1, 0, 0)

	var fb client.RejectionFeedback
	e.waitFor(func() bool {
		got, ok := c.PollRejection()
		if ok {
			fb = got
		}
		return ok
	}, "rejection feedback")

	assert.Equal(t, messages.InputRejectOccupied, fb.Reason)
	assert.Equal(t, pos, fb.Target)

	a, ok := c.Pending().Get(first)
	require.True(t, ok)
	assert.Equal(t, client.ActionConfirmed, a.State)
	a, ok = c.Pending().Get(second)
	require.True(t, ok)
	assert.Equal(t, client.ActionRejected, a.State)
	assert.Equal(t, 1, e.srv.Registry().Len())
}

func TestGameControlInputsSteerSimulation(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")

	c.SendInput(messages.InputSetSimSpeed, protocol.GridPosition{}, 2, 0, 0)
	e.waitFor(func() bool { return e.srv.SimSpeed() == 2 }, "speed applied")

	c.SendInput(messages.InputPauseResume, protocol.GridPosition{}, 1, 0, 0)
	e.waitFor(func() bool { return e.srv.Paused() }, "paused")

	c.SendInput(messages.InputPauseResume, protocol.GridPosition{}, 0, 0, 0)
	e.waitFor(func() bool { return !e.srv.Paused() }, "resumed")
}

func TestChatReachesEveryPlayer(t *testing.T) {
	e := newEnv(t, envConfig())
	c1 := e.join("alice")
	c2 := e.join("bob")

	c1.SendChat("power plant's on fire")

	for _, c := range []*client.Client{c1, c2} {
		var line *messages.Chat
		e.waitFor(func() bool {
			got, ok := c.PollChat()
			if ok {
				line = got
			}
			return ok
		}, "chat delivered")
		assert.Equal(t, c1.PlayerID(), line.PlayerID)
		assert.Equal(t, "power plant's on fire", line.Text)
	}
}

func TestTradeOfferRelayAndAccept(t *testing.T) {
	e := newEnv(t, envConfig())
	c1 := e.join("alice")
	c2 := e.join("bob")

	offerID := c1.SendTradeOffer(c2.PlayerID(), messages.ResourceGoods, 10, 500)
	require.NotZero(t, offerID)

	var offer *messages.TradeOffer
	e.waitFor(func() bool {
		got, ok := c2.PollTradeOffer()
		if ok {
			offer = got
		}
		return ok
	}, "offer relayed")
	assert.Equal(t, offerID, offer.OfferID)
	assert.Equal(t, c1.PlayerID(), offer.From)
	assert.Equal(t, messages.ResourceGoods, offer.Resource)
	assert.EqualValues(t, 10, offer.Amount)
	assert.EqualValues(t, 500, offer.Price)

	c2.RespondTrade(offer.OfferID, true)

	var verdict *messages.TradeResponse
	e.waitFor(func() bool {
		got, ok := c1.PollTradeResponse()
		if ok {
			verdict = got
		}
		return ok
	}, "verdict relayed")
	assert.Equal(t, offerID, verdict.OfferID)
	assert.True(t, verdict.Accepted)
	assert.Equal(t, c2.PlayerID(), verdict.From)

	relayed, declined := e.trades.Stats()
	assert.EqualValues(t, 1, relayed)
	assert.EqualValues(t, 0, declined)
	assert.Equal(t, 0, e.trades.OpenCount())
}

func TestTradeOfferToAbsentPlayerBounces(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")

	ghost := protocol.PlayerID(77)
	offerID := c.SendTradeOffer(ghost, messages.ResourcePower, 3, 40)

	var verdict *messages.TradeResponse
	e.waitFor(func() bool {
		got, ok := c.PollTradeResponse()
		if ok {
			verdict = got
		}
		return ok
	}, "bounce delivered")
	assert.Equal(t, offerID, verdict.OfferID)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, ghost, verdict.From)
	assert.Equal(t, 0, e.trades.OpenCount())
}

func TestForgedPlayerIDGetsPeerKicked(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")
	victim := e.join("bob")
	pid := c.PlayerID()

	// A compromised client claims the other player's id. Repeated
	// mismatches cross the strike threshold and end the connection.
	for i := 0; i < server.DefaultIdentityKickThreshold; i++ {
		forged := &messages.Chat{PlayerID: victim.PlayerID(), Text: fmt.Sprintf("forged %d", i)}
		data, err := messages.Encode(forged)
		require.NoError(t, err)
		e.srvTr.InjectReceive(e.serverPeer(pid), data, transport.Reliable)
	}

	e.waitFor(func() bool {
		sess, ok := e.srv.Sessions().ByPlayer(pid)
		return ok && !sess.Connected()
	}, "forger kicked")

	sess, _ := e.srv.Sessions().ByPlayer(pid)
	assert.Equal(t, messages.KickProtocol, sess.KickedFor)
	assert.Equal(t, client.StatePlaying, victim.State())
}
