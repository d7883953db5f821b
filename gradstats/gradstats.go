// Package gradstats accumulates per-primitive gradient statistics across
// training iterations.
//
// The accumulator keeps three index-parallel arrays aligned with the live
// population: the running sum of view-space positional gradient norms, the
// number of iterations each primitive was visible in (the accumulation
// denominator), and the maximum screen-space radius observed so far. The
// densification controller consumes the average gradient, defined as zero
// while the denominator is zero.
package gradstats

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/chewxy/math32"
)

// ViewGradStride is the number of gradient components per primitive: the
// rasterizer reports screen-space (x, y) positional gradients.
const ViewGradStride = 2

// Accumulator holds running gradient statistics, one row per primitive.
type Accumulator struct {
	gradNormSum []float32
	denom       []int32
	maxRadii    []float32
}

// New creates an Accumulator with n zeroed rows.
func New(n int) *Accumulator {
	return &Accumulator{
		gradNormSum: make([]float32, n),
		denom:       make([]int32, n),
		maxRadii:    make([]float32, n),
	}
}

// Len returns the number of rows.
func (a *Accumulator) Len() int { return len(a.denom) }

// Update folds one iteration's render outputs into the statistics.
//
// viewGrads holds two floats per row (the view-space positional gradient),
// radii one screen-space radius per row, and visible marks the rows the
// rasterizer touched this iteration. Rows outside the mask are untouched.
// Update must run exactly once per iteration, after the backward pass and
// before any densification decision.
func (a *Accumulator) Update(viewGrads []float32, visible *roaring.Bitmap, radii []float32) error {
	n := a.Len()
	if len(viewGrads) != n*ViewGradStride {
		return fmt.Errorf("gradstats: view gradients length %d, want %d", len(viewGrads), n*ViewGradStride)
	}
	if len(radii) != n {
		return fmt.Errorf("gradstats: radii length %d, want %d", len(radii), n)
	}
	if visible == nil || visible.IsEmpty() {
		return nil
	}
	if int(visible.Maximum()) >= n {
		return fmt.Errorf("gradstats: visibility mask row %d out of range (len %d)", visible.Maximum(), n)
	}

	it := visible.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		gx := viewGrads[i*ViewGradStride]
		gy := viewGrads[i*ViewGradStride+1]
		a.gradNormSum[i] += math32.Sqrt(gx*gx + gy*gy)
		a.denom[i]++
		if radii[i] > a.maxRadii[i] {
			a.maxRadii[i] = radii[i]
		}
	}
	return nil
}

// AvgGrad returns the average accumulated gradient norm of row i, or zero
// while the row has never been visible.
func (a *Accumulator) AvgGrad(i int) float32 {
	if a.denom[i] == 0 {
		return 0
	}
	return a.gradNormSum[i] / float32(a.denom[i])
}

// Denom returns the accumulation denominator of row i.
func (a *Accumulator) Denom(i int) int32 { return a.denom[i] }

// MaxRadius returns the maximum observed screen-space radius of row i.
func (a *Accumulator) MaxRadius(i int) float32 { return a.maxRadii[i] }

// Compact applies the population's keep/newborn plan: survivors keep their
// statistics in keep order and newborn rows start zeroed. It must mirror
// every Cloud compaction exactly.
func (a *Accumulator) Compact(keep []uint32, newbornRows int) error {
	n := a.Len()
	total := len(keep) + newbornRows

	gradNormSum := make([]float32, 0, total)
	denom := make([]int32, 0, total)
	maxRadii := make([]float32, 0, total)

	for _, idx := range keep {
		if int(idx) >= n {
			return fmt.Errorf("gradstats: keep index %d out of range (len %d)", idx, n)
		}
		gradNormSum = append(gradNormSum, a.gradNormSum[idx])
		denom = append(denom, a.denom[idx])
		maxRadii = append(maxRadii, a.maxRadii[idx])
	}

	a.gradNormSum = append(gradNormSum, make([]float32, newbornRows)...)
	a.denom = append(denom, make([]int32, newbornRows)...)
	a.maxRadii = append(maxRadii, make([]float32, newbornRows)...)

	return nil
}

// Reset zeroes every row in place, keeping the length.
func (a *Accumulator) Reset() {
	for i := range a.denom {
		a.gradNormSum[i] = 0
		a.denom[i] = 0
		a.maxRadii[i] = 0
	}
}
