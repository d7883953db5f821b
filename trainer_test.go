package splatgo

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/splatgo/blobstore"
	"github.com/hupe1980/splatgo/checkpoint"
	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/gradstats"
	"github.com/hupe1980/splatgo/knn"
	"github.com/hupe1980/splatgo/optim"
	"github.com/hupe1980/splatgo/render"
	"github.com/hupe1980/splatgo/testutil"
)

// fakeRenderer reports every row visible, and fills the gradient buffers
// with constant values during Backward.
type fakeRenderer struct {
	viewGrad  float32
	gradValue float32

	renders   int
	backwards int
	shDegrees []int
}

func (f *fakeRenderer) Render(_ context.Context, cloud *gaussian.Cloud, cam render.Camera, _ [3]float32, shDegree int) (*render.Result, error) {
	f.renders++
	f.shDegrees = append(f.shDegrees, shDegree)

	n := cloud.Len()
	visible := roaring.New()
	radii := make([]float32, n)
	for i := 0; i < n; i++ {
		visible.Add(uint32(i))
		radii[i] = 2
	}

	return &render.Result{
		Image:     make([]float32, cam.Width*cam.Height*3),
		Visible:   visible,
		Radii:     radii,
		ViewGrads: make([]float32, n*gradstats.ViewGradStride),
		Grads:     optim.NewGradients(cloud),
	}, nil
}

func (f *fakeRenderer) Backward(_ context.Context, res *render.Result, _ float32) error {
	f.backwards++

	for i := 0; i < len(res.ViewGrads); i += gradstats.ViewGradStride {
		res.ViewGrads[i] = f.viewGrad
	}
	if f.gradValue != 0 {
		for _, name := range gaussian.Groups() {
			buf := res.Grads.Group(name)
			for i := range buf {
				buf[i] = f.gradValue
			}
		}
	}

	return nil
}

type fakeAligner struct {
	calls int
}

func (a *fakeAligner) AlignLoss(context.Context, *gaussian.Cloud, *knn.Graph, *roaring.Bitmap) (float32, float32, error) {
	a.calls++
	return 0.1, 0.05, nil
}

func testCameras(rng *testutil.RNG, n int) []render.Camera {
	cams := make([]render.Camera, n)
	for i := range cams {
		cams[i] = render.Camera{
			Name:   "cam" + string(rune('A'+i)),
			Width:  2,
			Height: 2,
			FovX:   1.2,
			FovY:   1.2,
			Image:  testutil.RandomImage(rng, 2, 2),
		}
	}
	return cams
}

func smokeConfig() Config {
	cfg := DefaultConfig()
	cfg.Iterations = 30
	cfg.SceneExtent = 1
	cfg.MaxSHDegree = 2
	cfg.SHDegreeInterval = 8
	cfg.DensifyFromIter = 5
	cfg.DensifyUntilIter = 20
	cfg.DensificationInterval = 5
	cfg.OpacityResetInterval = 10
	cfg.PostWindowKNNInterval = 5
	cfg.KNNNeighbors = 3
	cfg.MaxPopulation = 150
	cfg.TestIterations = nil
	cfg.SaveIterations = nil
	return cfg
}

func TestTrainerRun(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(7)

	renderer := &fakeRenderer{viewGrad: 1}
	aligner := &fakeAligner{}
	sink := NewBasicSink()

	cloud := testutil.RandomCloud(rng, 30, 2, 0.5)
	trainer, err := New(smokeConfig(), renderer, cloud, testCameras(rng, 3),
		WithTelemetry(sink),
		WithSurfaceAligner(aligner),
		WithRandSeed(7),
	)
	require.NoError(t, err)

	require.NoError(t, trainer.Run(ctx))

	assert.Equal(t, 30, trainer.Iteration())
	assert.Equal(t, 30, renderer.renders)
	assert.Equal(t, 30, renderer.backwards)

	// The active degree starts at 0 and climbs to the configured maximum.
	assert.Equal(t, 0, renderer.shDegrees[0])
	assert.Equal(t, 2, renderer.shDegrees[len(renderer.shDegrees)-1])

	// Densification grew the population, bounded by the cap.
	assert.Greater(t, trainer.Cloud().Len(), 30)
	assert.LessOrEqual(t, trainer.Cloud().Len(), 150)

	// The graph was rebuilt with the population and is current at the end.
	require.NotNil(t, trainer.Graph())
	assert.True(t, trainer.Graph().ValidFor(trainer.Cloud()))

	// The geometry term ran once a graph existed.
	assert.Greater(t, aligner.calls, 0)

	last, ok := sink.Last("population/size")
	require.True(t, ok)
	assert.Equal(t, float64(trainer.Cloud().Len()), last.Value)
	assert.NotEmpty(t, sink.Samples("loss/ema"))
	assert.Equal(t, PhaseDone, trainer.Phase())
}

func TestTrainerSkipsStepOnFinalIteration(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, iterations int) (before, after float32) {
		t.Helper()
		rng := testutil.NewRNG(3)
		cfg := DefaultConfig()
		cfg.Iterations = iterations
		cfg.SceneExtent = 1
		cfg.MaxSHDegree = 1
		cfg.TestIterations = nil
		cfg.SaveIterations = nil

		cloud := testutil.RandomCloud(rng, 10, 1, 0)
		trainer, err := New(cfg, &fakeRenderer{gradValue: 1}, cloud, testCameras(rng, 2))
		require.NoError(t, err)

		before = cloud.Position(0)[0]
		require.NoError(t, trainer.Run(ctx))
		return before, cloud.Position(0)[0]
	}

	t.Run("SingleIterationLeavesParamsUntouched", func(t *testing.T) {
		before, after := run(t, 1)
		assert.Equal(t, before, after)
	})

	t.Run("EarlierIterationsStep", func(t *testing.T) {
		before, after := run(t, 2)
		assert.NotEqual(t, before, after)
	})
}

func TestTrainerWhiteBackgroundResetsOpacityAtWindowStart(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(11)

	cfg := DefaultConfig()
	cfg.Iterations = 4
	cfg.SceneExtent = 1
	cfg.MaxSHDegree = 1
	cfg.WhiteBackground = true
	cfg.DensifyFromIter = 3
	cfg.DensifyUntilIter = 10
	cfg.DensificationInterval = 7
	cfg.OpacityResetInterval = 100
	cfg.TestIterations = nil
	cfg.SaveIterations = nil

	cloud := testutil.RandomCloud(rng, 20, 1, 0)
	trainer, err := New(cfg, &fakeRenderer{}, cloud, testCameras(rng, 2))
	require.NoError(t, err)

	require.NoError(t, trainer.Run(ctx))

	// The periodic reset never fired; only the window-start trigger did.
	for i := 0; i < cloud.Len(); i++ {
		assert.LessOrEqual(t, cloud.Opacity(i), float32(0.0101))
	}
}

func TestTrainerCheckpointAndResume(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Iterations = 3
	cfg.SceneExtent = 1
	cfg.MaxSHDegree = 1
	cfg.CheckpointIterations = []int{2}
	cfg.TestIterations = nil
	cfg.SaveIterations = nil

	mgr := checkpoint.NewManager(blobstore.NewMemoryStore())

	rng := testutil.NewRNG(5)
	cams := testCameras(rng, 2)
	first, err := New(cfg, &fakeRenderer{gradValue: 1}, testutil.RandomCloud(rng, 10, 1, 0),
		cams, WithCheckpointManager(mgr), WithRandSeed(5))
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))

	// A second trainer resumes from the committed snapshot instead of its
	// own seed population.
	rng.Reset()
	second, err := New(cfg, &fakeRenderer{gradValue: 1}, testutil.RandomCloud(rng, 10, 1, 0),
		testCameras(rng, 2), WithCheckpointManager(mgr), WithRandSeed(5))
	require.NoError(t, err)

	require.NoError(t, second.Resume(ctx))
	assert.Equal(t, 2, second.Iteration())

	// The step of iteration 3 is skipped as the final one, so the restored
	// population matches the first trainer's final state exactly.
	assert.Equal(t, first.Cloud().Columns(), second.Cloud().Columns())

	require.NoError(t, second.Run(ctx))
	assert.Equal(t, 3, second.Iteration())
}

func TestTrainerResumeWithoutCheckpoints(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(1)

	cfg := DefaultConfig()
	cfg.Iterations = 1
	cfg.SceneExtent = 1
	cfg.MaxSHDegree = 1

	t.Run("NoManager", func(t *testing.T) {
		trainer, err := New(cfg, &fakeRenderer{}, testutil.RandomCloud(rng, 5, 1, 0), testCameras(rng, 1))
		require.NoError(t, err)
		require.NoError(t, trainer.Resume(ctx))
		assert.Equal(t, 0, trainer.Iteration())
	})

	t.Run("EmptyStore", func(t *testing.T) {
		mgr := checkpoint.NewManager(blobstore.NewMemoryStore())
		trainer, err := New(cfg, &fakeRenderer{}, testutil.RandomCloud(rng, 5, 1, 0), testCameras(rng, 1),
			WithCheckpointManager(mgr))
		require.NoError(t, err)
		require.NoError(t, trainer.Resume(ctx))
		assert.Equal(t, 0, trainer.Iteration())
	})
}

func TestNewValidation(t *testing.T) {
	rng := testutil.NewRNG(2)
	cfg := DefaultConfig()
	cfg.SceneExtent = 1
	cfg.MaxSHDegree = 1

	cloud := testutil.RandomCloud(rng, 5, 1, 0)
	cams := testCameras(rng, 1)

	t.Run("NilRenderer", func(t *testing.T) {
		_, err := New(cfg, nil, cloud, cams)
		assert.ErrorIs(t, err, ErrRendererRequired)
	})

	t.Run("NoCameras", func(t *testing.T) {
		_, err := New(cfg, &fakeRenderer{}, cloud, nil)
		assert.ErrorIs(t, err, ErrNoCameras)
	})

	t.Run("EmptyPopulation", func(t *testing.T) {
		_, err := New(cfg, &fakeRenderer{}, gaussian.New(1), cams)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("SHDegreeMismatch", func(t *testing.T) {
		_, err := New(cfg, &fakeRenderer{}, testutil.RandomCloud(rng, 5, 3, 0), cams)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("BadConfig", func(t *testing.T) {
		bad := cfg
		bad.Iterations = 0
		_, err := New(bad, &fakeRenderer{}, cloud, cams)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestTrainerContextCancellation(t *testing.T) {
	rng := testutil.NewRNG(9)
	cfg := DefaultConfig()
	cfg.Iterations = 100
	cfg.SceneExtent = 1
	cfg.MaxSHDegree = 1

	trainer, err := New(cfg, &fakeRenderer{}, testutil.RandomCloud(rng, 5, 1, 0), testCameras(rng, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, trainer.Run(ctx), context.Canceled)
}
