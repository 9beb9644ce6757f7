package terrain

import "github.com/civitasdev/civitas/internal/protocol"

// Generation parameters. Changing any of these changes every generated
// map, so they are part of the sync contract between client and server.
const (
	noiseScale       = 64.0
	noiseOctaves     = 4
	noisePersistence = 0.5
	elevationRange   = 100
)

// Generate builds the elevation grid for a seed and tier. The output is
// fully determined by the arguments; the client regenerates the same
// grid from the seed it receives at join, and the checksum handshake
// catches any divergence.
func Generate(seed int64, tier protocol.MapTier) (*Grid, error) {
	g, err := NewGrid(tier)
	if err != nil {
		return nil, err
	}
	noise := newPerlin(seed)
	for y := 0; y < g.size; y++ {
		fy := float64(y) / noiseScale
		for x := 0; x < g.size; x++ {
			n := noise.octaves(float64(x)/noiseScale, fy, noiseOctaves, noisePersistence)
			g.elevations[y*g.size+x] = int16(n * elevationRange)
		}
	}
	return g, nil
}
