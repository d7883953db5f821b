package gaussian

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Strides of the fixed-width columns (floats per row).
const (
	PositionStride = 3
	RotationStride = 4
	ScaleStride    = 3
	OpacityStride  = 1
	FeatureDCStride = 3
)

// Type tags a primitive with its role in the scene.
type Type uint8

const (
	// TypeGeneric is an ordinary volumetric primitive.
	TypeGeneric Type = iota
	// TypeSurface marks a primitive that participates in the
	// surface-alignment regularizer and the neighbor graph.
	TypeSurface
)

func (t Type) String() string {
	switch t {
	case TypeGeneric:
		return "generic"
	case TypeSurface:
		return "surface"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// RestStride returns the number of float32 values in the higher
// spherical-harmonic bands for the given maximum degree.
func RestStride(maxSHDegree int) int {
	return 3 * ((maxSHDegree+1)*(maxSHDegree+1) - 1)
}

// Cloud is the live primitive population in columnar layout.
//
// Thread safety: the Cloud has a single-writer contract. All mutation goes
// through Append/Compact/SetOpacityRaw on one control thread; readers must
// not overlap a mutation.
type Cloud struct {
	positions    []float32 // 3 per row, world xyz
	rotations    []float32 // 4 per row, raw quaternion (w, x, y, z)
	scales       []float32 // 3 per row, log-space
	opacities    []float32 // 1 per row, logit
	featuresDC   []float32 // 3 per row, SH degree-0 color
	featuresRest []float32 // restStride per row, higher SH bands
	types        []Type

	restStride  int
	maxSHDegree int
	generation  uint64
}

// New creates an empty Cloud sized for the given maximum SH degree.
func New(maxSHDegree int) *Cloud {
	return &Cloud{
		restStride:  RestStride(maxSHDegree),
		maxSHDegree: maxSHDegree,
	}
}

// Len returns the authoritative number of live primitives. Consumers must
// re-fetch it after any mutation rather than cache it across a boundary.
func (c *Cloud) Len() int { return len(c.types) }

// MaxSHDegree returns the configured maximum spherical-harmonic degree.
func (c *Cloud) MaxSHDegree() int { return c.maxSHDegree }

// RestStride returns the per-row width of the higher SH bands.
func (c *Cloud) RestStride() int { return c.restStride }

// Generation returns the mutation stamp. It increases on every structural
// mutation and never repeats within a Cloud's lifetime.
func (c *Cloud) Generation() uint64 { return c.generation }

// Position returns the world position of row i as a subslice of the backing
// column. The slice is valid until the next mutation.
func (c *Cloud) Position(i int) []float32 {
	return c.positions[i*PositionStride : i*PositionStride+PositionStride]
}

// RawRotation returns the unnormalized quaternion of row i.
func (c *Cloud) RawRotation(i int) []float32 {
	return c.rotations[i*RotationStride : i*RotationStride+RotationStride]
}

// UnitRotation returns the activated (normalized) quaternion of row i as
// (w, x, y, z). A zero quaternion activates to identity.
func (c *Cloud) UnitRotation(i int) [4]float32 {
	q := c.RawRotation(i)
	n := math32.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return [4]float32{1, 0, 0, 0}
	}
	inv := 1 / n
	return [4]float32{q[0] * inv, q[1] * inv, q[2] * inv, q[3] * inv}
}

// LogScale returns the raw log-space scale of row i.
func (c *Cloud) LogScale(i int) []float32 {
	return c.scales[i*ScaleStride : i*ScaleStride+ScaleStride]
}

// Scale returns the activated (exponentiated) scale of row i.
func (c *Cloud) Scale(i int) [3]float32 {
	s := c.LogScale(i)
	return [3]float32{math32.Exp(s[0]), math32.Exp(s[1]), math32.Exp(s[2])}
}

// MaxScale returns the largest activated scale dimension of row i.
func (c *Cloud) MaxScale(i int) float32 {
	s := c.Scale(i)
	m := s[0]
	if s[1] > m {
		m = s[1]
	}
	if s[2] > m {
		m = s[2]
	}
	return m
}

// RawOpacity returns the opacity logit of row i.
func (c *Cloud) RawOpacity(i int) float32 { return c.opacities[i] }

// Opacity returns the activated opacity of row i in [0, 1].
func (c *Cloud) Opacity(i int) float32 { return Sigmoid(c.opacities[i]) }

// SetOpacityRaw overwrites the opacity logit of row i.
func (c *Cloud) SetOpacityRaw(i int, v float32) { c.opacities[i] = v }

// FeatureDC returns the SH degree-0 color of row i.
func (c *Cloud) FeatureDC(i int) []float32 {
	return c.featuresDC[i*FeatureDCStride : i*FeatureDCStride+FeatureDCStride]
}

// FeatureRest returns the higher SH bands of row i.
func (c *Cloud) FeatureRest(i int) []float32 {
	return c.featuresRest[i*c.restStride : i*c.restStride+c.restStride]
}

// TypeOf returns the type tag of row i.
func (c *Cloud) TypeOf(i int) Type { return c.types[i] }

// Params returns the raw backing column for the named parameter group along
// with its per-row stride. The optimizer updates these slices in place.
func (c *Cloud) Params(group string) ([]float32, int, error) {
	switch group {
	case GroupXYZ:
		return c.positions, PositionStride, nil
	case GroupFeatureDC:
		return c.featuresDC, FeatureDCStride, nil
	case GroupFeatureRest:
		return c.featuresRest, c.restStride, nil
	case GroupOpacity:
		return c.opacities, OpacityStride, nil
	case GroupScaling:
		return c.scales, ScaleStride, nil
	case GroupRotation:
		return c.rotations, RotationStride, nil
	default:
		return nil, 0, fmt.Errorf("gaussian: unknown parameter group %q", group)
	}
}

// Parameter group names, shared with the optimizer state store.
const (
	GroupXYZ         = "xyz"
	GroupFeatureDC   = "f_dc"
	GroupFeatureRest = "f_rest"
	GroupOpacity     = "opacity"
	GroupScaling     = "scaling"
	GroupRotation    = "rotation"
)

// Groups lists every parameter group in canonical order.
func Groups() []string {
	return []string{GroupXYZ, GroupFeatureDC, GroupFeatureRest, GroupOpacity, GroupScaling, GroupRotation}
}

// GroupStride returns the per-row float width of the named group for a
// cloud with the given rest stride.
func GroupStride(group string, restStride int) (int, error) {
	switch group {
	case GroupXYZ:
		return PositionStride, nil
	case GroupFeatureDC:
		return FeatureDCStride, nil
	case GroupFeatureRest:
		return restStride, nil
	case GroupOpacity:
		return OpacityStride, nil
	case GroupScaling:
		return ScaleStride, nil
	case GroupRotation:
		return RotationStride, nil
	default:
		return 0, fmt.Errorf("gaussian: unknown parameter group %q", group)
	}
}

// Append adds the batch rows to the end of the population.
// Existing row indices keep their meaning, but the generation stamp is
// bumped anyway: derived structures sized to the old length are stale.
func (c *Cloud) Append(b *RowBatch) error {
	n, err := b.Rows(c.restStride)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	c.positions = append(c.positions, b.Positions...)
	c.rotations = append(c.rotations, b.Rotations...)
	c.scales = append(c.scales, b.Scales...)
	c.opacities = append(c.opacities, b.Opacities...)
	c.featuresDC = append(c.featuresDC, b.FeaturesDC...)
	c.featuresRest = append(c.featuresRest, b.FeaturesRest...)
	c.types = append(c.types, b.Types...)
	c.generation++

	return nil
}

// Compact rebuilds the population from the surviving rows listed in keep
// (old indices, in order) followed by the newborn batch. Every external
// index into the Cloud is invalid after this call.
//
// The same keep/newborn plan must be applied to all index-parallel
// bookkeeping (gradient statistics, optimizer state) before the next read.
func (c *Cloud) Compact(keep []uint32, newborn *RowBatch) error {
	n := c.Len()
	for _, idx := range keep {
		if int(idx) >= n {
			return fmt.Errorf("gaussian: keep index %d out of range (len %d)", idx, n)
		}
	}

	var newRows int
	if newborn != nil {
		var err error
		newRows, err = newborn.Rows(c.restStride)
		if err != nil {
			return err
		}
	}

	total := len(keep) + newRows
	positions := make([]float32, 0, total*PositionStride)
	rotations := make([]float32, 0, total*RotationStride)
	scales := make([]float32, 0, total*ScaleStride)
	opacities := make([]float32, 0, total*OpacityStride)
	featuresDC := make([]float32, 0, total*FeatureDCStride)
	featuresRest := make([]float32, 0, total*c.restStride)
	types := make([]Type, 0, total)

	for _, idx := range keep {
		i := int(idx)
		positions = append(positions, c.Position(i)...)
		rotations = append(rotations, c.RawRotation(i)...)
		scales = append(scales, c.LogScale(i)...)
		opacities = append(opacities, c.opacities[i])
		featuresDC = append(featuresDC, c.FeatureDC(i)...)
		featuresRest = append(featuresRest, c.FeatureRest(i)...)
		types = append(types, c.types[i])
	}

	if newRows > 0 {
		positions = append(positions, newborn.Positions...)
		rotations = append(rotations, newborn.Rotations...)
		scales = append(scales, newborn.Scales...)
		opacities = append(opacities, newborn.Opacities...)
		featuresDC = append(featuresDC, newborn.FeaturesDC...)
		featuresRest = append(featuresRest, newborn.FeaturesRest...)
		types = append(types, newborn.Types...)
	}

	c.positions = positions
	c.rotations = rotations
	c.scales = scales
	c.opacities = opacities
	c.featuresDC = featuresDC
	c.featuresRest = featuresRest
	c.types = types
	c.generation++

	return nil
}

// RowBatch accumulates primitive rows in columnar form for Append/Compact.
type RowBatch struct {
	Positions    []float32
	Rotations    []float32
	Scales       []float32
	Opacities    []float32
	FeaturesDC   []float32
	FeaturesRest []float32
	Types        []Type
}

// Add appends one row to the batch. featuresRest may be nil for a cloud
// with rest stride zero.
func (b *RowBatch) Add(pos, rot, logScale []float32, opacityRaw float32, featureDC, featuresRest []float32, t Type) {
	b.Positions = append(b.Positions, pos...)
	b.Rotations = append(b.Rotations, rot...)
	b.Scales = append(b.Scales, logScale...)
	b.Opacities = append(b.Opacities, opacityRaw)
	b.FeaturesDC = append(b.FeaturesDC, featureDC...)
	b.FeaturesRest = append(b.FeaturesRest, featuresRest...)
	b.Types = append(b.Types, t)
}

// AddRow copies row i of the cloud into the batch.
func (b *RowBatch) AddRow(c *Cloud, i int) {
	b.Add(c.Position(i), c.RawRotation(i), c.LogScale(i), c.opacities[i], c.FeatureDC(i), c.FeatureRest(i), c.types[i])
}

// Rows returns the number of rows in the batch and validates that every
// column is consistent with it.
func (b *RowBatch) Rows(restStride int) (int, error) {
	if b == nil {
		return 0, nil
	}
	n := len(b.Types)
	if len(b.Positions) != n*PositionStride ||
		len(b.Rotations) != n*RotationStride ||
		len(b.Scales) != n*ScaleStride ||
		len(b.Opacities) != n*OpacityStride ||
		len(b.FeaturesDC) != n*FeatureDCStride ||
		len(b.FeaturesRest) != n*restStride {
		return 0, fmt.Errorf("gaussian: inconsistent row batch (rows %d)", n)
	}
	return n, nil
}
