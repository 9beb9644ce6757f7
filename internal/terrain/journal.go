package terrain

import (
	"fmt"

	"github.com/civitasdev/civitas/internal/messages"
)

// ValidateMod checks that a modification is applicable to the grid:
// known op, positive extent, rectangle fully in bounds.
func ValidateMod(g *Grid, mod messages.TerrainMod) error {
	switch mod.Op {
	case messages.TerrainClear, messages.TerrainLevel, messages.TerrainGrade,
		messages.TerrainRaise, messages.TerrainLower:
	default:
		return fmt.Errorf("terrain: unknown op %d", mod.Op)
	}
	if mod.W < 1 || mod.H < 1 {
		return fmt.Errorf("terrain: empty rect %dx%d", mod.W, mod.H)
	}
	if !g.InBounds(mod.X, mod.Y) || !g.InBounds(mod.X+mod.W-1, mod.Y+mod.H-1) {
		return fmt.Errorf("terrain: rect (%d,%d %dx%d) out of bounds for size %d",
			mod.X, mod.Y, mod.W, mod.H, g.size)
	}
	return nil
}

// Apply executes one journal entry against the grid. All arithmetic is
// integer, so replaying the same journal on the same base grid is
// bit-exact on every platform.
//
// NewElevation is literal in every op: Level sets it, Raise lifts tiles
// up to it, Lower caps tiles down to it, Grade ramps each row from its
// west-edge elevation to it, Clear ignores it and resets to zero.
func Apply(g *Grid, mod messages.TerrainMod) error {
	if err := ValidateMod(g, mod); err != nil {
		return err
	}
	x1, y1 := mod.X, mod.Y
	x2, y2 := mod.X+mod.W-1, mod.Y+mod.H-1

	switch mod.Op {
	case messages.TerrainClear:
		for y := y1; y <= y2; y++ {
			for x := x1; x <= x2; x++ {
				g.Set(x, y, 0)
			}
		}
	case messages.TerrainLevel:
		for y := y1; y <= y2; y++ {
			for x := x1; x <= x2; x++ {
				g.Set(x, y, mod.NewElevation)
			}
		}
	case messages.TerrainGrade:
		for y := y1; y <= y2; y++ {
			west := int32(g.At(x1, y))
			span := int32(mod.W - 1)
			for x := x1; x <= x2; x++ {
				if span == 0 {
					g.Set(x, y, mod.NewElevation)
					continue
				}
				step := int32(x - x1)
				v := west + (int32(mod.NewElevation)-west)*step/span
				g.Set(x, y, int16(v))
			}
		}
	case messages.TerrainRaise:
		for y := y1; y <= y2; y++ {
			for x := x1; x <= x2; x++ {
				if g.At(x, y) < mod.NewElevation {
					g.Set(x, y, mod.NewElevation)
				}
			}
		}
	case messages.TerrainLower:
		for y := y1; y <= y2; y++ {
			for x := x1; x <= x2; x++ {
				if g.At(x, y) > mod.NewElevation {
					g.Set(x, y, mod.NewElevation)
				}
			}
		}
	}
	return nil
}

// Replay applies an ordered journal to the grid, stopping at the first
// failure.
func Replay(g *Grid, mods []messages.TerrainMod) error {
	for i, mod := range mods {
		if err := Apply(g, mod); err != nil {
			return fmt.Errorf("terrain: replay entry %d (seq %d): %w", i, mod.Seq, err)
		}
	}
	return nil
}

// Journal is the ordered modification history since generation. Base
// grid plus journal is the full authoritative terrain state.
type Journal struct {
	mods []messages.TerrainMod
}

// Append adds an entry. Sequence numbers must be strictly ascending.
func (j *Journal) Append(mod messages.TerrainMod) error {
	if n := len(j.mods); n > 0 && mod.Seq <= j.mods[n-1].Seq {
		return fmt.Errorf("terrain: journal seq %d not after %d", mod.Seq, j.mods[n-1].Seq)
	}
	j.mods = append(j.mods, mod)
	return nil
}

// Mods returns a copy of the journal entries in order.
func (j *Journal) Mods() []messages.TerrainMod {
	out := make([]messages.TerrainMod, len(j.mods))
	copy(out, j.mods)
	return out
}

// Len returns the number of entries.
func (j *Journal) Len() int { return len(j.mods) }

// LastSeq returns the newest sequence number, 0 when empty.
func (j *Journal) LastSeq() uint32 {
	if len(j.mods) == 0 {
		return 0
	}
	return j.mods[len(j.mods)-1].Seq
}
