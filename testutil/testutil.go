// Package testutil provides testing utilities for splatgo.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded thread-safe RNG and constructors for random
// primitive populations.
//
//	rng := testutil.NewRNG(seed)
//	cloud := testutil.RandomCloud(rng, 1000, 3, 0.5)
package testutil

import (
	"math/rand"
	"sync"

	"github.com/hupe1980/splatgo/gaussian"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// NormFloat32 returns a standard-normally distributed float32.
func (r *RNG) NormFloat32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float32(r.rand.NormFloat64())
}

// FillUniform fills vec with uniform values in [0, 1).
func (r *RNG) FillUniform(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = r.rand.Float32()
	}
}

// FillGaussian fills vec with standard-normal values.
func (r *RNG) FillGaussian(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = float32(r.rand.NormFloat64())
	}
}

// RandomCloud builds a population of n random primitives with the given
// maximum SH degree. surfaceFrac of the rows (rounded down) are marked as
// surface primitives, interleaved deterministically.
func RandomCloud(rng *RNG, n, maxSHDegree int, surfaceFrac float64) *gaussian.Cloud {
	c := gaussian.New(maxSHDegree)
	b := &gaussian.RowBatch{}

	surfaceEvery := 0
	if surfaceFrac > 0 {
		surfaceEvery = int(1 / surfaceFrac)
	}

	pos := make([]float32, gaussian.PositionStride)
	rot := make([]float32, gaussian.RotationStride)
	scale := make([]float32, gaussian.ScaleStride)
	dc := make([]float32, gaussian.FeatureDCStride)
	for i := 0; i < n; i++ {
		rng.FillGaussian(pos)
		rng.FillGaussian(rot)
		rng.FillGaussian(scale)
		rng.FillUniform(dc)
		rest := make([]float32, c.RestStride())
		rng.FillUniform(rest)

		ty := gaussian.TypeGeneric
		if surfaceEvery > 0 && i%surfaceEvery == 0 {
			ty = gaussian.TypeSurface
		}
		b.Add(append([]float32(nil), pos...), append([]float32(nil), rot...), append([]float32(nil), scale...), rng.NormFloat32(), append([]float32(nil), dc...), rest, ty)
	}

	if err := c.Append(b); err != nil {
		panic(err)
	}
	return c
}

// RandomImage returns a random RGB image buffer for the given dimensions.
func RandomImage(rng *RNG, width, height int) []float32 {
	img := make([]float32, width*height*3)
	rng.FillUniform(img)
	return img
}
