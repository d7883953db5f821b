package population

import (
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/gradstats"
	"github.com/hupe1980/splatgo/optim"
)

// fixture bundles an aligned cloud/stats/store triple.
type fixture struct {
	cloud *gaussian.Cloud
	stats *gradstats.Accumulator
	store *optim.StateStore
	ctrl  *Controller
}

type rowSpec struct {
	scale   float32 // activated isotropic scale
	opacity float32 // activated opacity
	avgGrad float32 // desired average view-space gradient
	typ     gaussian.Type
}

func newFixture(t *testing.T, rows []rowSpec, optFns ...func(*Options)) *fixture {
	t.Helper()

	cloud := gaussian.New(0)
	batch := &gaussian.RowBatch{}
	for i, r := range rows {
		ls := math32.Log(r.scale)
		batch.Add(
			[]float32{float32(i), 0, 0},
			[]float32{1, 0, 0, 0},
			[]float32{ls, ls, ls},
			gaussian.InvSigmoid(r.opacity),
			[]float32{0, 0, 0},
			nil,
			r.typ,
		)
	}
	require.NoError(t, cloud.Append(batch))

	stats := gradstats.New(len(rows))
	grads := make([]float32, len(rows)*gradstats.ViewGradStride)
	radii := make([]float32, len(rows))
	visible := roaring.New()
	for i, r := range rows {
		grads[i*gradstats.ViewGradStride] = r.avgGrad
		visible.Add(uint32(i))
	}
	require.NoError(t, stats.Update(grads, visible, radii))

	store := optim.NewStateStore(cloud)

	optFns = append([]func(*Options){func(o *Options) {
		o.Rand = rand.New(rand.NewSource(42))
	}}, optFns...)
	ctrl, err := New(cloud, stats, store, optFns...)
	require.NoError(t, err)

	return &fixture{cloud: cloud, stats: stats, store: store, ctrl: ctrl}
}

func (f *fixture) requireAligned(t *testing.T) {
	t.Helper()
	require.Equal(t, f.cloud.Len(), f.stats.Len())
	require.Equal(t, f.cloud.Len(), f.store.Rows())
}

func manyRows(n int, spec rowSpec) []rowSpec {
	rows := make([]rowSpec, n)
	for i := range rows {
		rows[i] = spec
	}
	return rows
}

func TestDensifyAndPrune(t *testing.T) {
	base := DensifyOptions{
		GradThreshold: 0.0002,
		PercentDense:  0.05,
		SceneExtent:   10,
	}

	t.Run("ScenarioA_CloneSmallHighGradient", func(t *testing.T) {
		rows := manyRows(950, rowSpec{scale: 0.3, opacity: 0.5, avgGrad: 0.0001})
		rows = append(rows, manyRows(50, rowSpec{scale: 0.3, opacity: 0.5, avgGrad: 0.0003})...)
		f := newFixture(t, rows)

		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)

		assert.Equal(t, 50, res.Cloned)
		assert.Equal(t, 0, res.Split)
		assert.Equal(t, 50, res.Created)
		assert.Equal(t, 0, res.Deleted)
		assert.Equal(t, 1050, f.cloud.Len())
		f.requireAligned(t)
	})

	t.Run("ScenarioB_SplitLargeHighGradient", func(t *testing.T) {
		rows := manyRows(950, rowSpec{scale: 0.3, opacity: 0.5, avgGrad: 0.0001})
		rows = append(rows, manyRows(40, rowSpec{scale: 0.3, opacity: 0.5, avgGrad: 0.0003})...)
		rows = append(rows, manyRows(10, rowSpec{scale: 0.8, opacity: 0.5, avgGrad: 0.0003})...)
		f := newFixture(t, rows)

		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)

		assert.Equal(t, 40, res.Cloned)
		assert.Equal(t, 10, res.Split)
		// 40 clones + 20 split children created, 10 split parents removed:
		// net +50.
		assert.Equal(t, 60, res.Created)
		assert.Equal(t, 10, res.Deleted)
		assert.Equal(t, 1050, f.cloud.Len())
		f.requireAligned(t)
	})

	t.Run("SplitChildrenShrinkAndScatter", func(t *testing.T) {
		f := newFixture(t, []rowSpec{{scale: 0.8, opacity: 0.5, avgGrad: 0.001, typ: gaussian.TypeSurface}})

		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)
		require.Equal(t, 1, res.Split)
		require.Equal(t, 2, f.cloud.Len())

		for i := 0; i < 2; i++ {
			assert.InDelta(t, 0.8/1.6, f.cloud.MaxScale(i), 1e-5)
			assert.Equal(t, gaussian.TypeSurface, f.cloud.TypeOf(i))
			assert.InDelta(t, 0.5, f.cloud.Opacity(i), 1e-5)
		}
		// The two children are sampled independently.
		assert.NotEqual(t, f.cloud.Position(0), f.cloud.Position(1))
	})

	t.Run("CloneWarmStartsMomentum_SplitStartsFresh", func(t *testing.T) {
		f := newFixture(t, []rowSpec{
			{scale: 0.3, opacity: 0.5, avgGrad: 0.001}, // cloned
			{scale: 0.8, opacity: 0.5, avgGrad: 0.001}, // split
		})

		g, _ := f.store.Group(gaussian.GroupXYZ)
		for i := range g.ExpAvg {
			g.ExpAvg[i] = float32(i + 1)
		}

		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)
		require.Equal(t, 1, res.Cloned)
		require.Equal(t, 1, res.Split)
		// Rows: 0 = survivor (clone parent), 1 = clone child, 2..3 = split
		// children.
		require.Equal(t, 4, f.cloud.Len())

		g, _ = f.store.Group(gaussian.GroupXYZ)
		assert.Equal(t, []float32{1, 2, 3}, g.ExpAvg[0:3], "survivor keeps momentum")
		assert.Equal(t, []float32{1, 2, 3}, g.ExpAvg[3:6], "clone inherits parent momentum")
		assert.Equal(t, []float32{0, 0, 0}, g.ExpAvg[6:9], "split child starts fresh")
		assert.Equal(t, []float32{0, 0, 0}, g.ExpAvg[9:12], "split child starts fresh")

		// Newborn gradient statistics start zeroed.
		assert.Equal(t, int32(0), f.stats.Denom(1))
		assert.Equal(t, int32(0), f.stats.Denom(2))
	})

	t.Run("PrunesLowOpacity", func(t *testing.T) {
		f := newFixture(t, []rowSpec{
			{scale: 0.3, opacity: 0.5},
			{scale: 0.3, opacity: 0.01}, // below the 0.05 floor
			{scale: 0.3, opacity: 0.5},
		})

		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Pruned)
		assert.Equal(t, 1, res.Deleted)
		assert.Equal(t, 2, f.cloud.Len())
		f.requireAligned(t)
	})

	t.Run("SizeThresholdPrunesFloaters", func(t *testing.T) {
		f := newFixture(t, []rowSpec{
			{scale: 0.3, opacity: 0.5},
			{scale: 2.0, opacity: 0.5}, // world scale > 0.1 * extent
			{scale: 0.3, opacity: 0.5},
		})
		// Give row 2 a pathological screen radius.
		visible := roaring.BitmapOf(2)
		require.NoError(t, f.stats.Update(make([]float32, 6), visible, []float32{0, 0, 25}))

		opts := base
		opts.SizeThreshold = 20
		res, err := f.ctrl.DensifyAndPrune(opts)
		require.NoError(t, err)

		assert.Equal(t, 2, res.Pruned)
		assert.Equal(t, 1, f.cloud.Len())

		// With the threshold inactive neither row would have been pruned.
		f2 := newFixture(t, []rowSpec{{scale: 2.0, opacity: 0.5}})
		res2, err := f2.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)
		assert.Equal(t, 0, res2.Pruned)
	})

	t.Run("ScenarioD_CapDropsLowestOpacity", func(t *testing.T) {
		// 100 growth candidates clone to reach 1100; 50 rows fall below
		// the opacity floor leaving 1050; the cap then removes the 50
		// lowest-opacity survivors to land exactly on 1000.
		rows := manyRows(100, rowSpec{scale: 0.3, opacity: 0.5, avgGrad: 0.001})
		rows = append(rows, manyRows(50, rowSpec{scale: 0.3, opacity: 0.01})...) // pruned
		rows = append(rows, manyRows(50, rowSpec{scale: 0.3, opacity: 0.06})...) // capped
		rows = append(rows, manyRows(800, rowSpec{scale: 0.3, opacity: 0.9})...)
		f := newFixture(t, rows)

		opts := base
		opts.MaxPopulation = 1000
		res, err := f.ctrl.DensifyAndPrune(opts)
		require.NoError(t, err)

		assert.Equal(t, 100, res.Cloned)
		assert.Equal(t, 50, res.Pruned)
		assert.Equal(t, 50, res.Capped)
		assert.Equal(t, 1000, f.cloud.Len())
		f.requireAligned(t)

		// Every capped victim was one of the 0.06 rows.
		for i := 0; i < f.cloud.Len(); i++ {
			assert.Greater(t, f.cloud.Opacity(i), float32(0.07))
		}
	})

	t.Run("CapIsMonotonic", func(t *testing.T) {
		rows := manyRows(30, rowSpec{scale: 0.3, opacity: 0.5, avgGrad: 0.001})
		f := newFixture(t, rows)

		opts := base
		opts.MaxPopulation = 40
		for i := 0; i < 3; i++ {
			_, err := f.ctrl.DensifyAndPrune(opts)
			require.NoError(t, err)
			assert.LessOrEqual(t, f.cloud.Len(), 40)
			f.requireAligned(t)
		}
	})

	t.Run("CapCanNearlyEmptyPopulation", func(t *testing.T) {
		// Open robustness gap: nothing guards against the cap collapsing
		// the population. Documented behavior, not a bug to fix silently.
		f := newFixture(t, manyRows(10, rowSpec{scale: 0.3, opacity: 0.5}))

		opts := base
		opts.MaxPopulation = 1
		_, err := f.ctrl.DensifyAndPrune(opts)
		require.NoError(t, err)
		assert.Equal(t, 1, f.cloud.Len())
	})

	t.Run("EmptyPopulationIsNoop", func(t *testing.T) {
		f := newFixture(t, nil)
		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)
		assert.Equal(t, Result{}, res)
	})

	t.Run("InvalidThresholds", func(t *testing.T) {
		f := newFixture(t, manyRows(1, rowSpec{scale: 0.3, opacity: 0.5}))

		for _, opts := range []DensifyOptions{
			{PercentDense: 0.05, SceneExtent: 10},                    // no grad threshold
			{GradThreshold: 0.0002, SceneExtent: 10},                 // no percent dense
			{GradThreshold: 0.0002, PercentDense: 0.05},              // no extent
			{GradThreshold: -1, PercentDense: 0.05, SceneExtent: 10}, // negative
		} {
			_, err := f.ctrl.DensifyAndPrune(opts)
			var invalid *ErrInvalidThreshold
			assert.ErrorAs(t, err, &invalid)
		}
	})

	t.Run("NeverVisibleRowsAreNotCandidates", func(t *testing.T) {
		// denom == 0 means the average gradient is zero, never a division.
		f := newFixture(t, nil)
		cloud := f.cloud
		batch := &gaussian.RowBatch{}
		batch.Add([]float32{0, 0, 0}, []float32{1, 0, 0, 0}, []float32{-1, -1, -1}, gaussian.InvSigmoid(0.5), []float32{0, 0, 0}, nil, gaussian.TypeGeneric)
		require.NoError(t, cloud.Append(batch))
		require.NoError(t, f.stats.Compact(nil, 1))
		require.NoError(t, f.store.Compact(nil, []int32{optim.FreshRow}))

		res, err := f.ctrl.DensifyAndPrune(base)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Created)
		assert.Equal(t, 1, cloud.Len())
	})
}

func TestResetOpacity(t *testing.T) {
	f := newFixture(t, []rowSpec{
		{scale: 0.3, opacity: 0.9},
		{scale: 0.3, opacity: 0.005}, // already below the ceiling
	})

	op, _ := f.store.Group(gaussian.GroupOpacity)
	xyz, _ := f.store.Group(gaussian.GroupXYZ)
	op.ExpAvg[0] = 1
	xyz.ExpAvg[0] = 2

	require.NoError(t, f.ctrl.ResetOpacity())

	assert.Equal(t, 2, f.cloud.Len())
	assert.LessOrEqual(t, f.cloud.Opacity(0), float32(0.0100001))
	assert.InDelta(t, 0.005, f.cloud.Opacity(1), 1e-5)

	// Opacity moments are zeroed, other groups untouched.
	assert.Equal(t, float32(0), op.ExpAvg[0])
	assert.Equal(t, float32(2), xyz.ExpAvg[0])

	// Idempotence: a second reset changes nothing.
	first := []float32{f.cloud.Opacity(0), f.cloud.Opacity(1)}
	require.NoError(t, f.ctrl.ResetOpacity())
	assert.Equal(t, 2, f.cloud.Len())
	assert.InDelta(t, first[0], f.cloud.Opacity(0), 1e-6)
	assert.InDelta(t, first[1], f.cloud.Opacity(1), 1e-6)
}

func TestOneUpSHDegree(t *testing.T) {
	cloud := gaussian.New(2)
	stats := gradstats.New(0)
	store := optim.NewStateStore(cloud)
	ctrl, err := New(cloud, stats, store)
	require.NoError(t, err)

	assert.Equal(t, 0, ctrl.ActiveSHDegree())
	ctrl.OneUpSHDegree()
	ctrl.OneUpSHDegree()
	ctrl.OneUpSHDegree() // capped at the maximum
	assert.Equal(t, 2, ctrl.ActiveSHDegree())

	ctrl.SetActiveSHDegree(7)
	assert.Equal(t, 2, ctrl.ActiveSHDegree())
}

func TestNewRejectsMisalignedTriple(t *testing.T) {
	cloud := gaussian.New(0)
	batch := &gaussian.RowBatch{}
	batch.Add([]float32{0, 0, 0}, []float32{1, 0, 0, 0}, []float32{0, 0, 0}, 0, []float32{0, 0, 0}, nil, gaussian.TypeGeneric)
	require.NoError(t, cloud.Append(batch))

	_, err := New(cloud, gradstats.New(0), optim.NewStateStore(cloud))
	assert.Error(t, err)
}
