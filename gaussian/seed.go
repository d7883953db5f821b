package gaussian

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Initial opacity for seeded primitives, matching the common splatting
// initialization.
const seedOpacity = 0.1

// FromPoints builds an initial population from a seed point cloud.
//
// points holds 3 floats per point, colors 3 floats per point (linear RGB
// mapped onto the SH DC band), types one tag per point (nil means all
// generic). Scales are initialized isotropically from the mean squared
// distance to each point's three nearest seeds so that neighboring
// primitives overlap, rotations start at identity and opacities at a low
// uniform value.
func FromPoints(points, colors []float32, types []Type, maxSHDegree int) (*Cloud, error) {
	if len(points)%PositionStride != 0 {
		return nil, fmt.Errorf("gaussian: points length %d not a multiple of %d", len(points), PositionStride)
	}
	n := len(points) / PositionStride
	if len(colors) != n*FeatureDCStride {
		return nil, fmt.Errorf("gaussian: colors length %d, want %d", len(colors), n*FeatureDCStride)
	}
	if types != nil && len(types) != n {
		return nil, fmt.Errorf("gaussian: types length %d, want %d", len(types), n)
	}

	c := New(maxSHDegree)
	if n == 0 {
		return c, nil
	}

	spacing := meanSquaredNeighborDist(points, n)

	batch := &RowBatch{}
	rest := make([]float32, c.restStride)
	for i := 0; i < n; i++ {
		logScale := math32.Log(math32.Sqrt(clampMin(spacing[i], 1e-7)))
		t := TypeGeneric
		if types != nil {
			t = types[i]
		}
		batch.Add(
			points[i*PositionStride:i*PositionStride+PositionStride],
			[]float32{1, 0, 0, 0},
			[]float32{logScale, logScale, logScale},
			InvSigmoid(seedOpacity),
			shDC(colors[i*FeatureDCStride:i*FeatureDCStride+FeatureDCStride]),
			rest,
			t,
		)
	}

	if err := c.Append(batch); err != nil {
		return nil, err
	}
	return c, nil
}

// shC0 is the SH basis constant for the DC band.
const shC0 = 0.28209479177387814

func shDC(rgb []float32) []float32 {
	return []float32{
		(rgb[0] - 0.5) / shC0,
		(rgb[1] - 0.5) / shC0,
		(rgb[2] - 0.5) / shC0,
	}
}

func clampMin(v, lo float32) float32 {
	if v < lo {
		return lo
	}
	return v
}

// meanSquaredNeighborDist computes, per point, the mean squared distance to
// its three nearest other points. Exact brute force: seed clouds are small
// relative to the trained population and this runs once.
func meanSquaredNeighborDist(points []float32, n int) []float32 {
	const k = 3

	out := make([]float32, n)
	for i := 0; i < n; i++ {
		pi := points[i*PositionStride : i*PositionStride+PositionStride]

		var best [k]float32
		for j := range best {
			best[j] = math32.MaxFloat32
		}

		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			pj := points[j*PositionStride : j*PositionStride+PositionStride]
			dx := pi[0] - pj[0]
			dy := pi[1] - pj[1]
			dz := pi[2] - pj[2]
			d := dx*dx + dy*dy + dz*dz

			// Insertion into the small sorted best list.
			for b := 0; b < k; b++ {
				if d < best[b] {
					copy(best[b+1:], best[b:k-1])
					best[b] = d
					break
				}
			}
		}

		var sum float32
		var cnt int
		for _, d := range best {
			if d < math32.MaxFloat32 {
				sum += d
				cnt++
			}
		}
		if cnt > 0 {
			out[i] = sum / float32(cnt)
		} else {
			out[i] = 1e-4
		}
	}
	return out
}
