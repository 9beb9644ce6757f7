package terrain

import "math"

// perlin is gradient noise with a seed-shuffled permutation table.
// Identical seeds produce identical fields, which is what lets clients
// regenerate terrain locally instead of downloading it.
type perlin struct {
	perm [512]int
}

func newPerlin(seed int64) *perlin {
	p := &perlin{}
	var base [256]int
	for i := range base {
		base[i] = i
	}

	// Fisher-Yates driven by a small LCG so shuffling depends only on
	// the seed, not on math/rand internals that may change between
	// releases.
	s := uint64(seed)
	for i := 255; i > 0; i-- {
		s = s*6364136223846793005 + 1442695040888963407
		j := int(s % uint64(i+1))
		base[i], base[j] = base[j], base[i]
	}

	for i := 0; i < 256; i++ {
		p.perm[i] = base[i]
		p.perm[i+256] = base[i]
	}
	return p
}

func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

func grad(hash int, x, y float64) float64 {
	switch hash & 3 {
	case 0:
		return x + y
	case 1:
		return -x + y
	case 2:
		return x - y
	default:
		return -x - y
	}
}

// at samples the noise field at (x, y), returning a value in roughly
// [-1, 1].
func (p *perlin) at(x, y float64) float64 {
	xi := int(math.Floor(x)) & 255
	yi := int(math.Floor(y)) & 255
	xf := x - math.Floor(x)
	yf := y - math.Floor(y)

	u := fade(xf)
	v := fade(yf)

	aa := p.perm[p.perm[xi]+yi]
	ab := p.perm[p.perm[xi]+yi+1]
	ba := p.perm[p.perm[xi+1]+yi]
	bb := p.perm[p.perm[xi+1]+yi+1]

	x1 := lerp(grad(aa, xf, yf), grad(ba, xf-1, yf), u)
	x2 := lerp(grad(ab, xf, yf-1), grad(bb, xf-1, yf-1), u)
	return lerp(x1, x2, v)
}

// octaves layers the field at increasing frequency and decreasing
// amplitude, normalized back to roughly [-1, 1].
func (p *perlin) octaves(x, y float64, count int, persistence float64) float64 {
	var total, amplitude, maxValue float64
	amplitude = 1
	frequency := 1.0
	for i := 0; i < count; i++ {
		total += p.at(x*frequency, y*frequency) * amplitude
		maxValue += amplitude
		amplitude *= persistence
		frequency *= 2
	}
	return total / maxValue
}
