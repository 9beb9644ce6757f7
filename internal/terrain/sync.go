package terrain

import (
	"fmt"
	"sort"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// SyncManager is the server's authoritative terrain: generated grid plus
// modification journal. It is owned by the simulation goroutine; the
// snapshot fallback body is built synchronously there, so no locking is
// needed.
type SyncManager struct {
	seed    int64
	grid    *Grid
	journal Journal
	nextSeq uint32
}

// NewSyncManager generates the authoritative grid for a seed and tier.
func NewSyncManager(seed int64, tier protocol.MapTier) (*SyncManager, error) {
	g, err := Generate(seed, tier)
	if err != nil {
		return nil, err
	}
	return &SyncManager{seed: seed, grid: g, nextSeq: 1}, nil
}

// NewSyncManagerFromSave rebuilds terrain from persisted state: generate
// from the seed, then replay the saved journal.
func NewSyncManagerFromSave(seed int64, tier protocol.MapTier, mods []messages.TerrainMod) (*SyncManager, error) {
	m, err := NewSyncManager(seed, tier)
	if err != nil {
		return nil, err
	}
	if err := Replay(m.grid, mods); err != nil {
		return nil, err
	}
	for _, mod := range mods {
		if err := m.journal.Append(mod); err != nil {
			return nil, err
		}
	}
	m.nextSeq = m.journal.LastSeq() + 1
	return m, nil
}

// Grid returns the authoritative grid.
func (m *SyncManager) Grid() *Grid { return m.grid }

// Seed returns the generation seed.
func (m *SyncManager) Seed() int64 { return m.seed }

// Journal returns a copy of the modification history.
func (m *SyncManager) Journal() []messages.TerrainMod { return m.journal.Mods() }

// Checksum returns the current grid checksum.
func (m *SyncManager) Checksum() uint32 { return m.grid.Checksum() }

// JoinData builds the seed+journal handshake sent to a joining client.
func (m *SyncManager) JoinData() *messages.TerrainData {
	return &messages.TerrainData{
		Seed:     m.seed,
		Tier:     m.grid.Tier(),
		Mods:     m.journal.Mods(),
		Checksum: m.grid.Checksum(),
	}
}

// Modify validates and applies one terrain change, assigns it the next
// sequence number, and records it in the journal. The returned entry is
// what the server broadcasts as TerrainModified.
func (m *SyncManager) Modify(player protocol.PlayerID, op messages.TerrainOp, x, y, w, h, newElevation int16, tick protocol.Tick) (messages.TerrainMod, error) {
	mod := messages.TerrainMod{
		Seq:          m.nextSeq,
		Player:       player,
		Op:           op,
		X:            x,
		Y:            y,
		W:            w,
		H:            h,
		NewElevation: newElevation,
		Tick:         tick,
	}
	if err := Apply(m.grid, mod); err != nil {
		return messages.TerrainMod{}, err
	}
	if err := m.journal.Append(mod); err != nil {
		return messages.TerrainMod{}, err
	}
	m.nextSeq++
	return mod, nil
}

// VerifyChecksum reports whether a client's checksum matches the
// authoritative grid.
func (m *SyncManager) VerifyChecksum(sum uint32) bool {
	return sum == m.grid.Checksum()
}

// SnapshotBody serializes the full grid for the terrain-scope snapshot
// fallback: tier, elevations, and the last journal sequence so the
// client resumes TerrainModified ordering where the snapshot leaves off.
func (m *SyncManager) SnapshotBody() []byte {
	buf := protocol.GetBuffer()
	defer buf.Put()
	m.grid.appendBody(buf)
	buf.WriteUint32(m.journal.LastSeq())
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// RenderChunkSize is the tile span of one render chunk; modified terrain
// marks every overlapping chunk dirty for the renderer.
const RenderChunkSize = 16

// ChunkCoord addresses one render chunk.
type ChunkCoord struct {
	X, Y int16
}

// SyncClient mirrors the server's terrain on the client: it regenerates
// from the handshake seed, replays the journal, answers the checksum
// handshake, and applies modification broadcasts afterwards.
type SyncClient struct {
	grid    *Grid
	lastSeq uint32
	dirty   map[ChunkCoord]struct{}
	synced  bool
}

// NewSyncClient returns an empty client-side mirror.
func NewSyncClient() *SyncClient {
	return &SyncClient{dirty: make(map[ChunkCoord]struct{})}
}

// Grid returns the local grid, nil before the first handshake.
func (c *SyncClient) Grid() *Grid { return c.grid }

// Synced reports whether the local grid matched the server's checksum
// (or was replaced by a fallback snapshot).
func (c *SyncClient) Synced() bool { return c.synced }

// LastSeq returns the newest applied journal sequence.
func (c *SyncClient) LastSeq() uint32 { return c.lastSeq }

// HandleData runs the client half of the handshake: regenerate from the
// seed, replay the journal, compute the local checksum. The returned
// verify message is always non-nil and must be sent to the server; when
// local reconstruction fails the reported checksum is guaranteed not to
// match, which steers the server onto the snapshot fallback. The error
// then explains the failure for logging.
func (c *SyncClient) HandleData(d *messages.TerrainData) (*messages.TerrainVerify, error) {
	c.synced = false
	g, err := Generate(d.Seed, d.Tier)
	if err != nil {
		return &messages.TerrainVerify{Checksum: ^d.Checksum}, err
	}
	if err := Replay(g, d.Mods); err != nil {
		return &messages.TerrainVerify{Checksum: ^d.Checksum}, err
	}
	c.grid = g
	if len(d.Mods) > 0 {
		c.lastSeq = d.Mods[len(d.Mods)-1].Seq
	} else {
		c.lastSeq = 0
	}
	c.markAll()
	return &messages.TerrainVerify{Checksum: g.Checksum()}, nil
}

// HandleComplete records the handshake outcome. OK false means a
// terrain-scope snapshot follows.
func (c *SyncClient) HandleComplete(ok bool) {
	c.synced = ok
}

// ApplySnapshot installs a terrain-scope fallback snapshot body,
// replacing the local grid wholesale.
func (c *SyncClient) ApplySnapshot(body []byte) error {
	buf := protocol.NewBufferFrom(body)
	g, err := gridFromBody(buf)
	if err != nil {
		return err
	}
	lastSeq, err := buf.ReadUint32()
	if err != nil {
		return fmt.Errorf("terrain body: last seq: %w", err)
	}
	if buf.Remaining() != 0 {
		return fmt.Errorf("terrain body: %d trailing bytes", buf.Remaining())
	}
	c.grid = g
	c.lastSeq = lastSeq
	c.synced = true
	c.markAll()
	return nil
}

// HandleModified applies one terrain broadcast. Entries at or below the
// last applied sequence are duplicates and are dropped silently.
func (c *SyncClient) HandleModified(mod messages.TerrainMod) error {
	if c.grid == nil {
		return fmt.Errorf("terrain: modification seq %d before handshake", mod.Seq)
	}
	if mod.Seq <= c.lastSeq {
		return nil
	}
	if err := Apply(c.grid, mod); err != nil {
		return err
	}
	c.lastSeq = mod.Seq
	c.markRect(mod.X, mod.Y, mod.W, mod.H)
	return nil
}

// DirtyChunks drains the set of render chunks touched since the last
// call, ordered row-major.
func (c *SyncClient) DirtyChunks() []ChunkCoord {
	if len(c.dirty) == 0 {
		return nil
	}
	out := make([]ChunkCoord, 0, len(c.dirty))
	for cc := range c.dirty {
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	c.dirty = make(map[ChunkCoord]struct{})
	return out
}

func (c *SyncClient) markRect(x, y, w, h int16) {
	cx1 := x / RenderChunkSize
	cy1 := y / RenderChunkSize
	cx2 := (x + w - 1) / RenderChunkSize
	cy2 := (y + h - 1) / RenderChunkSize
	for cy := cy1; cy <= cy2; cy++ {
		for cx := cx1; cx <= cx2; cx++ {
			c.dirty[ChunkCoord{X: cx, Y: cy}] = struct{}{}
		}
	}
}

func (c *SyncClient) markAll() {
	span := int16(c.grid.Size() / RenderChunkSize)
	for cy := int16(0); cy < span; cy++ {
		for cx := int16(0); cx < span; cx++ {
			c.dirty[ChunkCoord{X: cx, Y: cy}] = struct{}{}
		}
	}
}
