package gaussian

import "fmt"

// Columns is a raw view of the cloud's backing arrays, used by the
// checkpoint codec. The slices are shared with the Cloud; callers must
// treat them as read-only and must not hold them across a mutation.
type Columns struct {
	Positions    []float32
	Rotations    []float32
	Scales       []float32
	Opacities    []float32
	FeaturesDC   []float32
	FeaturesRest []float32
	Types        []Type
	MaxSHDegree  int
}

// Columns exposes the backing arrays for serialization.
func (c *Cloud) Columns() Columns {
	return Columns{
		Positions:    c.positions,
		Rotations:    c.rotations,
		Scales:       c.scales,
		Opacities:    c.opacities,
		FeaturesDC:   c.featuresDC,
		FeaturesRest: c.featuresRest,
		Types:        c.types,
		MaxSHDegree:  c.maxSHDegree,
	}
}

// FromColumns reconstructs a Cloud from serialized columns, validating that
// every column agrees on the row count.
func FromColumns(cols Columns) (*Cloud, error) {
	c := New(cols.MaxSHDegree)
	n := len(cols.Types)

	if len(cols.Positions) != n*PositionStride ||
		len(cols.Rotations) != n*RotationStride ||
		len(cols.Scales) != n*ScaleStride ||
		len(cols.Opacities) != n*OpacityStride ||
		len(cols.FeaturesDC) != n*FeatureDCStride ||
		len(cols.FeaturesRest) != n*c.restStride {
		return nil, fmt.Errorf("gaussian: column shapes disagree for %d rows (max SH degree %d)", n, cols.MaxSHDegree)
	}

	c.positions = append(c.positions, cols.Positions...)
	c.rotations = append(c.rotations, cols.Rotations...)
	c.scales = append(c.scales, cols.Scales...)
	c.opacities = append(c.opacities, cols.Opacities...)
	c.featuresDC = append(c.featuresDC, cols.FeaturesDC...)
	c.featuresRest = append(c.featuresRest, cols.FeaturesRest...)
	c.types = append(c.types, cols.Types...)

	return c, nil
}
