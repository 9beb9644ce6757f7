package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitasdev/civitas/internal/client"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

func TestTerrainHandshakeOnJoin(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")

	require.True(t, c.Terrain().Synced())
	require.NotNil(t, c.Terrain().Grid())
	assert.Equal(t, e.srv.Terrain().Checksum(), c.Terrain().Grid().Checksum())
	assert.Equal(t, protocol.MapSmall, c.MapTier())
}

func TestTerraformBroadcastsToEveryClient(t *testing.T) {
	e := newEnv(t, envConfig())
	c1 := e.join("alice")
	c2 := e.join("bob")

	seq := c1.SendInput(messages.InputTerraform, protocol.GridPosition{X: 8, Y: 8},
		uint32(messages.TerrainLevel), 4<<16|4, 12)
	e.waitFor(func() bool {
		a, ok := c1.Pending().Get(seq)
		return ok && a.State == client.ActionConfirmed
	}, "terraform confirmed")

	require.EqualValues(t, 12, e.srv.Terrain().Grid().At(8, 8))
	require.Len(t, e.srv.Terrain().Journal(), 1)

	for _, c := range []*client.Client{c1, c2} {
		e.waitFor(func() bool { return c.Terrain().LastSeq() == 1 }, "modification applied")
		assert.EqualValues(t, 12, c.Terrain().Grid().At(8, 8))
		assert.EqualValues(t, 12, c.Terrain().Grid().At(11, 11))
		assert.Equal(t, e.srv.Terrain().Checksum(), c.Terrain().Grid().Checksum())
	}
}

func TestTerraformRectOutOfBoundsRejected(t *testing.T) {
	e := newEnv(t, envConfig())
	c := e.join("alice")

	// Anchor in bounds, rect spilling past the east edge of the 128-tile map.
	seq := c.SendInput(messages.InputTerraform, protocol.GridPosition{X: 126, Y: 10},
		uint32(messages.TerrainRaise), 4<<16|2, 5)

	var fb client.RejectionFeedback
	e.waitFor(func() bool {
		got, ok := c.PollRejection()
		if ok {
			fb = got
		}
		return ok
	}, "rejection delivered")

	assert.Equal(t, messages.InputRejectOutOfBounds, fb.Reason)
	a, ok := c.Pending().Get(seq)
	require.True(t, ok)
	assert.Equal(t, client.ActionRejected, a.State)
	assert.Empty(t, e.srv.Terrain().Journal())
}

func TestLateJoinerReplaysTerrainJournal(t *testing.T) {
	e := newEnv(t, envConfig())
	c1 := e.join("alice")

	mods := []struct {
		pos  protocol.GridPosition
		op   messages.TerrainOp
		dims uint32
		elev int32
	}{
		{protocol.GridPosition{X: 20, Y: 20}, messages.TerrainLevel, 8<<16 | 8, 7},
		{protocol.GridPosition{X: 24, Y: 24}, messages.TerrainRaise, 4<<16 | 4, 9},
		{protocol.GridPosition{X: 20, Y: 20}, messages.TerrainLower, 2<<16 | 2, 3},
	}
	for _, m := range mods {
		seq := c1.SendInput(messages.InputTerraform, m.pos, uint32(m.op), m.dims, m.elev)
		e.waitFor(func() bool {
			a, ok := c1.Pending().Get(seq)
			return ok && a.State == client.ActionConfirmed
		}, "terraform confirmed")
	}
	require.Len(t, e.srv.Terrain().Journal(), len(mods))

	// A fresh client regenerates from the seed and replays the journal;
	// its checksum must match without any snapshot fallback.
	c2 := e.join("bob")
	assert.True(t, c2.Terrain().Synced())
	assert.EqualValues(t, len(mods), c2.Terrain().LastSeq())
	assert.Equal(t, e.srv.Terrain().Checksum(), c2.Terrain().Grid().Checksum())
	assert.EqualValues(t, 3, c2.Terrain().Grid().At(20, 20))
	assert.EqualValues(t, 9, c2.Terrain().Grid().At(25, 25))
}
