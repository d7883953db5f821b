package splatgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/splatgo/blobstore"
	"github.com/hupe1980/splatgo/checkpoint"
	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/gradstats"
	"github.com/hupe1980/splatgo/knn"
	"github.com/hupe1980/splatgo/optim"
	"github.com/hupe1980/splatgo/population"
	"github.com/hupe1980/splatgo/render"
)

// Trainer drives the training loop: it owns the population, the optimizer
// state, the densification schedule and the neighbor graph, and calls out
// to the renderer for the forward/backward passes.
//
// A Trainer is single-threaded: Run, Resume and Restore must not be
// called concurrently.
type Trainer struct {
	cfg   Config
	sched schedule
	posLR optim.ExponentialLR

	cloud *gaussian.Cloud
	stats *gradstats.Accumulator
	adam  *optim.Adam
	ctrl  *population.Controller

	builder *knn.Builder
	graph   *knn.Graph

	renderer render.Renderer
	cameras  []render.Camera
	order    []int

	opts options

	iteration    int
	emaLoss      float64
	createdTotal int
	deletedTotal int
}

// New creates a Trainer over an initial population and its training
// views. The cloud is typically seeded from a sparse point cloud with
// gaussian.FromPoints.
func New(cfg Config, renderer render.Renderer, cloud *gaussian.Cloud, cameras []render.Camera, optFns ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if renderer == nil {
		return nil, ErrRendererRequired
	}
	if len(cameras) == 0 {
		return nil, ErrNoCameras
	}
	if cloud == nil || cloud.Len() == 0 {
		return nil, &ConfigurationError{Field: "cloud", Value: 0, Reason: "initial population is empty"}
	}
	if cloud.MaxSHDegree() != cfg.MaxSHDegree {
		return nil, &ConfigurationError{Field: "max_sh_degree", Value: cfg.MaxSHDegree, Reason: fmt.Sprintf("initial population carries degree %d", cloud.MaxSHDegree())}
	}

	t := &Trainer{
		cfg:      cfg,
		sched:    newSchedule(cfg),
		posLR:    cfg.positionSchedule(),
		renderer: renderer,
		cameras:  cameras,
		opts:     applyOptions(optFns),
	}
	t.builder = knn.NewBuilder(func(o *knn.Options) {
		o.K = cfg.KNNNeighbors
	})

	if err := t.rebind(cloud, optim.NewStateStore(cloud), 0); err != nil {
		return nil, err
	}

	return t, nil
}

// rebind points the trainer at a population/optimizer-state pair: fresh
// gradient statistics, a fresh Adam over the store, a controller, and no
// graph. Used at construction and after a checkpoint restore.
func (t *Trainer) rebind(cloud *gaussian.Cloud, store *optim.StateStore, shDegree int) error {
	stats := gradstats.New(cloud.Len())

	ctrl, err := population.New(cloud, stats, store, func(o *population.Options) {
		o.Rand = t.opts.rng
	})
	if err != nil {
		return err
	}
	ctrl.SetActiveSHDegree(shDegree)

	adam := optim.NewAdam(store)
	adam.SetLearningRate(gaussian.GroupXYZ, t.posLR.At(t.iteration))
	adam.SetLearningRate(gaussian.GroupFeatureDC, float32(t.cfg.FeatureLR))
	adam.SetLearningRate(gaussian.GroupFeatureRest, float32(t.cfg.FeatureLR/20))
	adam.SetLearningRate(gaussian.GroupOpacity, float32(t.cfg.OpacityLR))
	adam.SetLearningRate(gaussian.GroupScaling, float32(t.cfg.ScalingLR))
	adam.SetLearningRate(gaussian.GroupRotation, float32(t.cfg.RotationLR))

	t.cloud = cloud
	t.stats = stats
	t.adam = adam
	t.ctrl = ctrl
	t.graph = nil

	return nil
}

// Iteration returns the last completed iteration.
func (t *Trainer) Iteration() int { return t.iteration }

// Cloud returns the current population.
func (t *Trainer) Cloud() *gaussian.Cloud { return t.cloud }

// Graph returns the current neighbor graph, possibly nil.
func (t *Trainer) Graph() *knn.Graph { return t.graph }

// EMALoss returns the exponential moving average of the training loss.
func (t *Trainer) EMALoss() float64 { return t.emaLoss }

// Phase returns the phase the trainer is currently in.
func (t *Trainer) Phase() Phase { return t.cfg.PhaseAt(t.iteration + 1) }

// Run executes the training loop from the iteration after the last
// completed one (1 on a fresh trainer) through cfg.Iterations.
func (t *Trainer) Run(ctx context.Context) error {
	for iteration := t.iteration + 1; iteration <= t.cfg.Iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.step(ctx, iteration); err != nil {
			return fmt.Errorf("iteration %d: %w", iteration, err)
		}
		t.iteration = iteration
	}

	return t.opts.telemetry.Flush()
}

func (t *Trainer) step(ctx context.Context, iteration int) error {
	t.adam.SetLearningRate(gaussian.GroupXYZ, t.posLR.At(iteration))

	if t.sched.raiseSHDegree.fires(iteration) {
		t.ctrl.OneUpSHDegree()
	}

	cam := t.nextCamera()
	res, err := t.renderer.Render(ctx, t.cloud, cam, t.background(), t.ctrl.ActiveSHDegree())
	if err != nil {
		return fmt.Errorf("render %q: %w", cam.Name, err)
	}

	loss := t.photometricLoss(res.Image, cam.Image) + res.DepthLoss
	if t.opts.aligner != nil && t.graph.ValidFor(t.cloud) {
		pairDist, pairNormal, err := t.opts.aligner.AlignLoss(ctx, t.cloud, t.graph, res.Visible)
		if err != nil {
			return fmt.Errorf("surface alignment: %w", err)
		}
		loss += t.cfg.LambdaPairDist*pairDist + t.cfg.LambdaPairNormal*pairNormal
	}

	if err := t.renderer.Backward(ctx, res, loss); err != nil {
		return fmt.Errorf("backward: %w", err)
	}

	if iteration < t.cfg.DensifyUntilIter {
		if err := t.stats.Update(res.ViewGrads, res.Visible, res.Radii); err != nil {
			return err
		}
	}

	// Structural mutation invalidates this iteration's gradient buffers;
	// the optimizer step is skipped when it happens.
	mutated := false
	if t.sched.densify.fires(iteration) {
		dres, err := t.ctrl.DensifyAndPrune(t.densifyOptions(iteration))
		if err != nil {
			return err
		}
		mutated = dres.Created > 0 || dres.Deleted > 0
		t.createdTotal += dres.Created
		t.deletedTotal += dres.Deleted
		t.opts.logger.LogDensify(ctx, iteration, dres, t.cloud.Len())

		if err := t.rebuildGraph(ctx, iteration); err != nil {
			return err
		}
	}

	if t.sched.opacityReset.fires(iteration) || (t.cfg.WhiteBackground && iteration == t.cfg.DensifyFromIter) {
		if err := t.ctrl.ResetOpacity(); err != nil {
			return err
		}
		t.opts.logger.LogOpacityReset(ctx, iteration)
	}

	if t.sched.postWindowKNN.fires(iteration) {
		if err := t.rebuildGraph(ctx, iteration); err != nil {
			return err
		}
	}

	if !mutated && iteration != t.cfg.Iterations {
		if err := t.adam.Step(t.cloud, res.Grads); err != nil {
			return err
		}
	}
	t.adam.ZeroGrad(res.Grads)

	t.observe(ctx, iteration, loss)

	return t.hooks(ctx, iteration)
}

func (t *Trainer) densifyOptions(iteration int) population.DensifyOptions {
	var sizeThreshold float32
	if iteration > t.cfg.sizeThresholdFrom() {
		sizeThreshold = t.cfg.SizeThreshold
	}
	return population.DensifyOptions{
		GradThreshold: t.cfg.DensifyGradThreshold,
		PercentDense:  t.cfg.PercentDense,
		SceneExtent:   t.cfg.SceneExtent,
		SizeThreshold: sizeThreshold,
		MaxPopulation: t.cfg.MaxPopulation,
	}
}

func (t *Trainer) rebuildGraph(ctx context.Context, iteration int) error {
	graph, err := t.builder.Build(ctx, t.cloud)
	if err != nil {
		t.opts.logger.LogGraphRebuild(ctx, iteration, 0, err)
		return fmt.Errorf("rebuild neighbor graph: %w", err)
	}
	t.opts.logger.LogGraphRebuild(ctx, iteration, graph.Len(), nil)
	t.graph = graph
	return nil
}

// nextCamera pops from a shuffled stack of views, reshuffling once every
// view has been visited.
func (t *Trainer) nextCamera() render.Camera {
	if len(t.order) == 0 {
		t.order = make([]int, len(t.cameras))
		for i := range t.order {
			t.order[i] = i
		}
		t.opts.rng.Shuffle(len(t.order), func(i, j int) {
			t.order[i], t.order[j] = t.order[j], t.order[i]
		})
	}
	idx := t.order[len(t.order)-1]
	t.order = t.order[:len(t.order)-1]
	return t.cameras[idx]
}

func (t *Trainer) background() [3]float32 {
	if t.cfg.RandomBackground {
		return [3]float32{t.opts.rng.Float32(), t.opts.rng.Float32(), t.opts.rng.Float32()}
	}
	if t.cfg.WhiteBackground {
		return [3]float32{1, 1, 1}
	}
	return [3]float32{}
}

func (t *Trainer) photometricLoss(image, groundTruth []float32) float32 {
	loss := (1 - t.cfg.LambdaDSSIM) * t.opts.l1(image, groundTruth)
	if t.opts.dssim != nil {
		loss += t.cfg.LambdaDSSIM * t.opts.dssim(image, groundTruth)
	}
	return loss
}

func (t *Trainer) observe(ctx context.Context, iteration int, loss float32) {
	t.emaLoss = 0.4*float64(loss) + 0.6*t.emaLoss

	t.opts.telemetry.EmitScalar("loss/total", iteration, float64(loss))
	t.opts.telemetry.EmitScalar("loss/ema", iteration, t.emaLoss)
	t.opts.telemetry.EmitScalar("population/size", iteration, float64(t.cloud.Len()))
	t.opts.telemetry.EmitScalar("population/created_total", iteration, float64(t.createdTotal))
	t.opts.telemetry.EmitScalar("population/deleted_total", iteration, float64(t.deletedTotal))

	if t.opts.progress.Allow() || iteration == t.cfg.Iterations {
		t.opts.logger.LogProgress(ctx, iteration, t.emaLoss, t.cloud.Len(), t.cfg.PhaseAt(iteration))
	}
}

func (t *Trainer) hooks(ctx context.Context, iteration int) error {
	if t.opts.ckpt != nil && t.sched.checkpoint.contains(iteration) {
		name, err := t.opts.ckpt.Save(ctx, t.snapshot(iteration))
		t.opts.logger.LogCheckpoint(ctx, iteration, name, err)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	if t.opts.saveHook != nil && t.sched.save.contains(iteration) {
		if err := t.opts.saveHook(ctx, iteration, t.cloud); err != nil {
			return fmt.Errorf("save hook: %w", err)
		}
	}
	if t.opts.evalHook != nil && t.sched.test.contains(iteration) {
		if err := t.opts.evalHook(ctx, iteration); err != nil {
			return fmt.Errorf("eval hook: %w", err)
		}
	}
	return nil
}

func (t *Trainer) snapshot(iteration int) *checkpoint.Snapshot {
	return &checkpoint.Snapshot{
		Iteration:      uint64(iteration),
		ActiveSHDegree: t.ctrl.ActiveSHDegree(),
		Cloud:          t.cloud,
		Optim:          t.adam.Store(),
	}
}

// Restore replaces the trainer's population, optimizer state and counters
// with the snapshot's. Gradient statistics restart empty; the neighbor
// graph is rebuilt lazily at the next scheduled point.
func (t *Trainer) Restore(ctx context.Context, snap *checkpoint.Snapshot) error {
	if snap.Cloud.MaxSHDegree() != t.cfg.MaxSHDegree {
		return fmt.Errorf("%w: snapshot carries SH degree %d, config wants %d", checkpoint.ErrShapeMismatch, snap.Cloud.MaxSHDegree(), t.cfg.MaxSHDegree)
	}

	t.iteration = int(snap.Iteration)
	if err := t.rebind(snap.Cloud, snap.Optim, snap.ActiveSHDegree); err != nil {
		return err
	}
	t.emaLoss = 0
	t.order = nil

	t.opts.logger.LogRestore(ctx, snap.Iteration, t.cloud.Len())

	return nil
}

// Resume restores the latest committed checkpoint, if any. Without a
// checkpoint manager, or on a fresh run with no checkpoints, it is a
// no-op.
func (t *Trainer) Resume(ctx context.Context) error {
	if t.opts.ckpt == nil {
		return nil
	}

	snap, err := t.opts.ckpt.LoadLatest(ctx)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	return t.Restore(ctx, snap)
}
