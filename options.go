package splatgo

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/splatgo/checkpoint"
	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/render"
)

type options struct {
	logger    *Logger
	telemetry TelemetrySink
	ckpt      *checkpoint.Manager
	aligner   render.SurfaceAligner

	l1    render.LossFunc
	dssim render.LossFunc

	rng      *rand.Rand
	progress *rate.Limiter

	evalHook func(ctx context.Context, iteration int) error
	saveHook func(ctx context.Context, iteration int, cloud *gaussian.Cloud) error
}

// Option configures Trainer construction.
type Option func(*options)

// WithLogger configures structured logging for the training loop.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithTelemetry configures a sink for scalar training metrics.
// Pass nil to disable telemetry.
func WithTelemetry(sink TelemetrySink) Option {
	return func(o *options) {
		if sink == nil {
			sink = NoopSink{}
		}
		o.telemetry = sink
	}
}

// WithCheckpointManager enables checkpointing at the configured
// CheckpointIterations, and Resume.
func WithCheckpointManager(mgr *checkpoint.Manager) Option {
	return func(o *options) {
		o.ckpt = mgr
	}
}

// WithSurfaceAligner enables the geometric-consistency loss over the
// surface neighbor graph. The term is only requested when the graph is
// valid for the current population snapshot.
func WithSurfaceAligner(aligner render.SurfaceAligner) Option {
	return func(o *options) {
		o.aligner = aligner
	}
}

// WithPhotometricLoss supplies the photometric loss kernels: l1 is the
// mean absolute error term, dssim the structural term (1-SSIM). A nil
// dssim drops the structural term; a nil l1 keeps the built-in mean
// absolute error.
func WithPhotometricLoss(l1, dssim render.LossFunc) Option {
	return func(o *options) {
		if l1 != nil {
			o.l1 = l1
		}
		o.dssim = dssim
	}
}

// WithRandSeed seeds the trainer's RNG (camera shuffling, random
// backgrounds, split sampling). Runs with the same seed, data and
// renderer are reproducible.
func WithRandSeed(seed int64) Option {
	return func(o *options) {
		o.rng = rand.New(rand.NewSource(seed))
	}
}

// WithProgressInterval throttles progress log emission to at most one
// line per interval.
func WithProgressInterval(d time.Duration) Option {
	return func(o *options) {
		o.progress = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithEvalHook registers a callback fired at each TestIterations entry.
func WithEvalHook(fn func(ctx context.Context, iteration int) error) Option {
	return func(o *options) {
		o.evalHook = fn
	}
}

// WithSaveHook registers a callback fired at each SaveIterations entry,
// typically a point-cloud export.
func WithSaveHook(fn func(ctx context.Context, iteration int, cloud *gaussian.Cloud) error) Option {
	return func(o *options) {
		o.saveHook = fn
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:    NoopLogger(),
		telemetry: NoopSink{},
		l1:        meanAbsoluteError,
		rng:       rand.New(rand.NewSource(1)),
		progress:  rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// meanAbsoluteError is the fallback L1 kernel; production callers supply
// their own kernels via WithPhotometricLoss.
func meanAbsoluteError(image, groundTruth []float32) float32 {
	n := min(len(image), len(groundTruth))
	if n == 0 {
		return 0
	}
	var sum float32
	for i := 0; i < n; i++ {
		d := image[i] - groundTruth[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float32(n)
}
