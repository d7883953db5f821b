// Package population owns all structural mutation of the primitive
// population: densification (clone and split), pruning, the population cap
// and the periodic opacity reset.
//
// Every mutation is a single atomic compaction: the controller builds one
// keep/newborn plan and applies it to the primitive cloud, the gradient
// statistics and the optimizer state together, so the three stay
// index-aligned at every observable point. External indices into the
// population are invalid after any call that compacts.
package population

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/chewxy/math32"

	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/gradstats"
	"github.com/hupe1980/splatgo/optim"
)

// Options configures a Controller.
type Options struct {
	// SplitShrink divides a split parent's scale to produce the child
	// scales.
	SplitShrink float32
	// SplitChildren is the number of children replacing a split parent.
	SplitChildren int
	// PruneOpacityFloor removes primitives whose activated opacity falls
	// below it.
	PruneOpacityFloor float32
	// ResetOpacityTo is the ceiling opacities are clamped to on reset.
	ResetOpacityTo float32
	// BigPointWorldFrac prunes primitives whose world-space scale exceeds
	// this fraction of the scene extent once the size threshold is active.
	BigPointWorldFrac float32
	// Rand drives the split position sampling.
	Rand *rand.Rand
}

// DefaultOptions mirror the reference training setup.
var DefaultOptions = Options{
	SplitShrink:       1.6,
	SplitChildren:     2,
	PruneOpacityFloor: 0.05,
	ResetOpacityTo:    0.01,
	BigPointWorldFrac: 0.1,
}

// Controller mutates the population and its parallel bookkeeping.
//
// Single-writer: exactly one control thread may call its methods, strictly
// between renderer reads. A concurrent reimplementation must serialize
// every method behind a mutex or a single-owner channel.
type Controller struct {
	cloud *gaussian.Cloud
	stats *gradstats.Accumulator
	store *optim.StateStore

	opts     Options
	shDegree int
}

// New creates a Controller over an aligned cloud/stats/state triple.
func New(cloud *gaussian.Cloud, stats *gradstats.Accumulator, store *optim.StateStore, optFns ...func(*Options)) (*Controller, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}

	c := &Controller{cloud: cloud, stats: stats, store: store, opts: opts}
	if err := c.checkAligned(); err != nil {
		return nil, err
	}
	return c, nil
}

// DensifyOptions are the per-invocation densification thresholds.
type DensifyOptions struct {
	// GradThreshold selects growth candidates by average view-space
	// gradient norm.
	GradThreshold float32
	// PercentDense, scaled by SceneExtent, separates clone candidates
	// (small) from split candidates (large).
	PercentDense float32
	// SceneExtent characterizes the spatial scale of the scene.
	SceneExtent float32
	// SizeThreshold prunes primitives whose maximum screen-space radius
	// exceeds it. Zero disables the screen-size and world-size pruning.
	SizeThreshold float32
	// MaxPopulation caps the post-prune population by dropping the
	// lowest-opacity excess. Zero means uncapped.
	MaxPopulation int
}

// Result reports what one DensifyAndPrune invocation did.
type Result struct {
	Created int // newborn rows surviving the call
	Deleted int // rows removed: split parents, pruned, capped, dead newborns
	Cloned  int
	Split   int
	Pruned  int
	Capped  int
}

// DensifyAndPrune runs one growth/prune/cap/compaction cycle.
//
// Growth candidates are rows whose average accumulated gradient meets
// GradThreshold. Small candidates are cloned (exact duplicate, optimizer
// momentum copied from the parent); large candidates are split into
// SplitChildren smaller children sampled from the parent's anisotropic
// distribution, replacing the parent. Pruning then removes low-opacity
// rows and, once SizeThreshold is active, oversized ones. Finally the cap
// drops the lowest-opacity excess.
//
// An empty population is a no-op. After return, all external row indices
// are invalid.
func (c *Controller) DensifyAndPrune(opts DensifyOptions) (Result, error) {
	var res Result

	if opts.GradThreshold <= 0 {
		return res, &ErrInvalidThreshold{Name: "gradient threshold", Value: opts.GradThreshold}
	}
	if opts.PercentDense <= 0 {
		return res, &ErrInvalidThreshold{Name: "percent dense", Value: opts.PercentDense}
	}
	if opts.SceneExtent <= 0 {
		return res, &ErrInvalidThreshold{Name: "scene extent", Value: opts.SceneExtent}
	}

	n := c.cloud.Len()
	if n == 0 {
		return res, nil
	}

	sizeLimit := opts.PercentDense * opts.SceneExtent

	newborn := &gaussian.RowBatch{}
	var momentumSrc []int32
	removed := make([]bool, n)

	// Growth: clone small high-gradient rows, split large ones.
	for i := 0; i < n; i++ {
		if c.stats.AvgGrad(i) < opts.GradThreshold {
			continue
		}
		if c.cloud.MaxScale(i) <= sizeLimit {
			newborn.AddRow(c.cloud, i)
			momentumSrc = append(momentumSrc, int32(i))
			res.Cloned++
			continue
		}

		c.splitRow(i, newborn)
		for j := 0; j < c.opts.SplitChildren; j++ {
			momentumSrc = append(momentumSrc, optim.FreshRow)
		}
		removed[i] = true
		res.Split++
	}

	// Pruning applies to the post-growth population: survivors and
	// newborns alike. Newborn rows have no radius history yet, so only
	// the opacity and world-size tests can catch them.
	worldLimit := c.opts.BigPointWorldFrac * opts.SceneExtent
	for i := 0; i < n; i++ {
		if removed[i] {
			continue
		}
		if c.pruneRow(c.cloud.Opacity(i), c.stats.MaxRadius(i), c.cloud.MaxScale(i), opts.SizeThreshold, worldLimit) {
			removed[i] = true
			res.Pruned++
		}
	}

	newbornTotal := len(newborn.Types)
	newbornRemoved := make([]bool, newbornTotal)
	for j := 0; j < newbornTotal; j++ {
		opacity := gaussian.Sigmoid(newborn.Opacities[j])
		maxScale := batchMaxScale(newborn, j)
		if c.pruneRow(opacity, 0, maxScale, opts.SizeThreshold, worldLimit) {
			newbornRemoved[j] = true
			res.Pruned++
		}
	}

	// Cap enforcement: drop the lowest-opacity excess. Nothing stops the
	// cap from emptying the population entirely; that robustness gap is
	// deliberate and surfaced by tests.
	live := 0
	for i := 0; i < n; i++ {
		if !removed[i] {
			live++
		}
	}
	for j := 0; j < newbornTotal; j++ {
		if !newbornRemoved[j] {
			live++
		}
	}
	if opts.MaxPopulation > 0 && live > opts.MaxPopulation {
		res.Capped = c.enforceCap(live-opts.MaxPopulation, removed, newborn, newbornRemoved)
	}

	// Single atomic compaction of all three parallel structures.
	keep := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		if !removed[i] {
			keep = append(keep, uint32(i))
		}
	}

	finalBatch, finalSrc := filterNewborn(newborn, momentumSrc, newbornRemoved, c.cloud.RestStride())

	if err := c.cloud.Compact(keep, finalBatch); err != nil {
		return res, err
	}
	if err := c.stats.Compact(keep, len(finalSrc)); err != nil {
		return res, err
	}
	if err := c.store.Compact(keep, finalSrc); err != nil {
		return res, err
	}
	if err := c.checkAligned(); err != nil {
		return res, err
	}

	res.Created = len(finalSrc)
	res.Deleted = (n - len(keep)) + (newbornTotal - len(finalSrc))

	return res, nil
}

// splitRow appends SplitChildren children of row i to the batch. Child
// positions are sampled from the parent's scale along its principal axes;
// child scales shrink by SplitShrink. Everything else is copied.
func (c *Controller) splitRow(i int, batch *gaussian.RowBatch) {
	pos := c.cloud.Position(i)
	q := c.cloud.UnitRotation(i)
	scale := c.cloud.Scale(i)

	childLogScale := []float32{
		math32.Log(scale[0] / c.opts.SplitShrink),
		math32.Log(scale[1] / c.opts.SplitShrink),
		math32.Log(scale[2] / c.opts.SplitShrink),
	}

	for j := 0; j < c.opts.SplitChildren; j++ {
		sample := [3]float32{
			float32(c.opts.Rand.NormFloat64()) * scale[0],
			float32(c.opts.Rand.NormFloat64()) * scale[1],
			float32(c.opts.Rand.NormFloat64()) * scale[2],
		}
		offset := gaussian.RotateVec(q, sample)
		childPos := []float32{pos[0] + offset[0], pos[1] + offset[1], pos[2] + offset[2]}

		batch.Add(
			childPos,
			c.cloud.RawRotation(i),
			childLogScale,
			c.cloud.RawOpacity(i),
			c.cloud.FeatureDC(i),
			c.cloud.FeatureRest(i),
			c.cloud.TypeOf(i),
		)
	}
}

func (c *Controller) pruneRow(opacity, maxRadius, maxScale, sizeThreshold, worldLimit float32) bool {
	if opacity < c.opts.PruneOpacityFloor {
		return true
	}
	if sizeThreshold > 0 && (maxRadius > sizeThreshold || maxScale > worldLimit) {
		return true
	}
	return false
}

// enforceCap marks the lowest-opacity live rows as removed until excess
// rows are gone, considering survivors and newborns together.
func (c *Controller) enforceCap(excess int, removed []bool, newborn *gaussian.RowBatch, newbornRemoved []bool) int {
	type victim struct {
		opacity float32
		newborn bool
		idx     int
	}

	candidates := make([]victim, 0, len(removed)+len(newbornRemoved))
	for i, gone := range removed {
		if !gone {
			candidates = append(candidates, victim{opacity: c.cloud.Opacity(i), idx: i})
		}
	}
	for j, gone := range newbornRemoved {
		if !gone {
			candidates = append(candidates, victim{opacity: gaussian.Sigmoid(newborn.Opacities[j]), newborn: true, idx: j})
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].opacity < candidates[b].opacity
	})

	capped := 0
	for _, v := range candidates {
		if capped == excess {
			break
		}
		if v.newborn {
			newbornRemoved[v.idx] = true
		} else {
			removed[v.idx] = true
		}
		capped++
	}
	return capped
}

func batchMaxScale(b *gaussian.RowBatch, j int) float32 {
	s := b.Scales[j*gaussian.ScaleStride : j*gaussian.ScaleStride+gaussian.ScaleStride]
	m := math32.Exp(s[0])
	if v := math32.Exp(s[1]); v > m {
		m = v
	}
	if v := math32.Exp(s[2]); v > m {
		m = v
	}
	return m
}

func filterNewborn(b *gaussian.RowBatch, momentumSrc []int32, removed []bool, restStride int) (*gaussian.RowBatch, []int32) {
	out := &gaussian.RowBatch{}
	var src []int32
	for j := range b.Types {
		if removed[j] {
			continue
		}
		out.Add(
			b.Positions[j*gaussian.PositionStride:j*gaussian.PositionStride+gaussian.PositionStride],
			b.Rotations[j*gaussian.RotationStride:j*gaussian.RotationStride+gaussian.RotationStride],
			b.Scales[j*gaussian.ScaleStride:j*gaussian.ScaleStride+gaussian.ScaleStride],
			b.Opacities[j],
			b.FeaturesDC[j*gaussian.FeatureDCStride:j*gaussian.FeatureDCStride+gaussian.FeatureDCStride],
			b.FeaturesRest[j*restStride:j*restStride+restStride],
			b.Types[j],
		)
		src = append(src, momentumSrc[j])
	}
	return out, src
}

// ResetOpacity clamps every opacity down to the configured reset value,
// leaving positions, scales and rotations untouched. The opacity group's
// optimizer moments are zeroed: the column was rewritten wholesale, so
// momentum accumulated against the old values no longer applies. The
// population size is unchanged and no compaction happens; the call is
// idempotent.
func (c *Controller) ResetOpacity() error {
	ceiling := c.opts.ResetOpacityTo
	for i := 0; i < c.cloud.Len(); i++ {
		o := c.cloud.Opacity(i)
		if o > ceiling {
			o = ceiling
		}
		c.cloud.SetOpacityRaw(i, gaussian.InvSigmoid(o))
	}
	return c.store.ResetGroup(gaussian.GroupOpacity)
}

// OneUpSHDegree escalates the active spherical-harmonic degree, capped at
// the cloud's maximum. Purely a counter; no population effect.
func (c *Controller) OneUpSHDegree() {
	if c.shDegree < c.cloud.MaxSHDegree() {
		c.shDegree++
	}
}

// ActiveSHDegree returns the active spherical-harmonic degree.
func (c *Controller) ActiveSHDegree() int { return c.shDegree }

// SetActiveSHDegree restores the degree counter, e.g. from a checkpoint.
func (c *Controller) SetActiveSHDegree(d int) {
	if d > c.cloud.MaxSHDegree() {
		d = c.cloud.MaxSHDegree()
	}
	c.shDegree = d
}

func (c *Controller) checkAligned() error {
	if c.cloud.Len() != c.stats.Len() || c.cloud.Len() != c.store.Rows() {
		return fmt.Errorf("population: bookkeeping misaligned: cloud %d, stats %d, optimizer %d rows",
			c.cloud.Len(), c.stats.Len(), c.store.Rows())
	}
	return nil
}
