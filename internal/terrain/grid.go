// Package terrain holds the elevation grid, its deterministic generator,
// and the seed+journal sync protocol that lets a client rebuild the
// server's terrain without downloading it.
package terrain

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/civitasdev/civitas/internal/protocol"
)

// TierSize returns the square grid dimension for a map tier.
func TierSize(tier protocol.MapTier) (int, error) {
	switch tier {
	case protocol.MapSmall:
		return 128, nil
	case protocol.MapMedium:
		return 256, nil
	case protocol.MapLarge:
		return 512, nil
	default:
		return 0, fmt.Errorf("terrain: unknown map tier %d", tier)
	}
}

// Grid is the elevation field, row-major.
type Grid struct {
	tier       protocol.MapTier
	size       int
	elevations []int16
}

// NewGrid returns a zeroed grid for the tier.
func NewGrid(tier protocol.MapTier) (*Grid, error) {
	size, err := TierSize(tier)
	if err != nil {
		return nil, err
	}
	return &Grid{
		tier:       tier,
		size:       size,
		elevations: make([]int16, size*size),
	}, nil
}

// Tier returns the grid's map tier.
func (g *Grid) Tier() protocol.MapTier { return g.tier }

// Size returns the grid dimension (the grid is square).
func (g *Grid) Size() int { return g.size }

// InBounds reports whether (x, y) addresses a tile.
func (g *Grid) InBounds(x, y int16) bool {
	return x >= 0 && y >= 0 && int(x) < g.size && int(y) < g.size
}

// At returns the elevation at (x, y). Out-of-bounds reads return 0.
func (g *Grid) At(x, y int16) int16 {
	if !g.InBounds(x, y) {
		return 0
	}
	return g.elevations[int(y)*g.size+int(x)]
}

// Set writes the elevation at (x, y). Out-of-bounds writes are dropped.
func (g *Grid) Set(x, y, elevation int16) {
	if !g.InBounds(x, y) {
		return
	}
	g.elevations[int(y)*g.size+int(x)] = elevation
}

// Clone returns an independent copy.
func (g *Grid) Clone() *Grid {
	cp := &Grid{
		tier:       g.tier,
		size:       g.size,
		elevations: make([]int16, len(g.elevations)),
	}
	copy(cp.elevations, g.elevations)
	return cp
}

// Checksum is the CRC-32 (IEEE) over the row-major little-endian
// elevation bytes. Identical grids produce identical checksums on every
// platform; it is the terrain sync contract.
func (g *Grid) Checksum() uint32 {
	var sum uint32
	row := make([]byte, g.size*2)
	for y := 0; y < g.size; y++ {
		base := y * g.size
		for x := 0; x < g.size; x++ {
			binary.LittleEndian.PutUint16(row[x*2:], uint16(g.elevations[base+x]))
		}
		sum = crc32.Update(sum, crc32.IEEETable, row)
	}
	return sum
}

// appendBody serializes the grid for the snapshot fallback path.
func (g *Grid) appendBody(buf *protocol.Buffer) {
	buf.WriteUint8(uint8(g.tier))
	for _, e := range g.elevations {
		buf.WriteInt16(e)
	}
}

// gridFromBody rebuilds a grid from snapshot fallback bytes.
func gridFromBody(buf *protocol.Buffer) (*Grid, error) {
	tier, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("terrain body: %w", err)
	}
	g, err := NewGrid(protocol.MapTier(tier))
	if err != nil {
		return nil, err
	}
	for i := range g.elevations {
		e, err := buf.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("terrain body: tile %d: %w", i, err)
		}
		g.elevations[i] = e
	}
	return g, nil
}
