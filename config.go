package splatgo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/splatgo/optim"
)

// PositionLR is the exponential decay schedule of the position learning
// rate.
type PositionLR struct {
	Init       float64 `yaml:"init"`
	Final      float64 `yaml:"final"`
	DelayMult  float64 `yaml:"delay_mult"`
	DelaySteps int     `yaml:"delay_steps"`
	MaxSteps   int     `yaml:"max_steps"`
}

// Config drives the training schedule. Zero values are not usable; start
// from DefaultConfig or LoadConfig.
type Config struct {
	// Iterations is the total number of training iterations.
	Iterations int `yaml:"iterations"`

	// SceneExtent characterizes the spatial scale of the scene; the
	// densification thresholds and the world-size prune scale with it.
	SceneExtent float32 `yaml:"scene_extent"`

	// WhiteBackground renders against white instead of black, and
	// additionally resets opacity once when densification begins.
	WhiteBackground bool `yaml:"white_background"`
	// RandomBackground randomizes the background color every iteration.
	RandomBackground bool `yaml:"random_background"`

	// MaxSHDegree is the highest spherical-harmonics degree the population
	// carries. The active degree starts at 0 and is raised every
	// SHDegreeInterval iterations until it reaches this maximum.
	MaxSHDegree      int `yaml:"max_sh_degree"`
	SHDegreeInterval int `yaml:"sh_degree_interval"`

	// LambdaDSSIM weights the structural term of the photometric loss:
	// loss = (1-lambda)*L1 + lambda*(1-SSIM).
	LambdaDSSIM float32 `yaml:"lambda_dssim"`

	// LambdaPairDist and LambdaPairNormal weight the geometric-consistency
	// terms computed over the surface neighbor graph.
	LambdaPairDist   float32 `yaml:"lambda_pair_dist"`
	LambdaPairNormal float32 `yaml:"lambda_pair_normal"`

	// Densification window and cadence. The window is
	// [DensifyFromIter, DensifyUntilIter).
	DensifyFromIter       int     `yaml:"densify_from_iter"`
	DensifyUntilIter      int     `yaml:"densify_until_iter"`
	DensificationInterval int     `yaml:"densification_interval"`
	DensifyGradThreshold  float32 `yaml:"densify_grad_threshold"`
	PercentDense          float32 `yaml:"percent_dense"`

	// OpacityResetInterval fires the periodic opacity reset inside the
	// densification window.
	OpacityResetInterval int `yaml:"opacity_reset_interval"`

	// SizeThreshold prunes primitives whose maximum screen-space radius
	// exceeds it, active once the iteration passes SizeThresholdFromIter.
	// SizeThresholdFromIter of 0 follows OpacityResetInterval.
	SizeThreshold         float32 `yaml:"size_threshold"`
	SizeThresholdFromIter int     `yaml:"size_threshold_from_iter"`

	// PostWindowKNNInterval rebuilds the neighbor graph after the
	// densification window has closed.
	PostWindowKNNInterval int `yaml:"post_window_knn_interval"`

	// KNNNeighbors is the k of the surface neighbor graph.
	KNNNeighbors int `yaml:"knn_neighbors"`

	// MaxPopulation caps the population size. Zero means uncapped.
	MaxPopulation int `yaml:"max_population"`

	// Learning rates per parameter group. FeatureLR applies to the DC
	// color features; the higher-order features train at FeatureLR/20.
	PositionLR PositionLR `yaml:"position_lr"`
	FeatureLR  float64    `yaml:"feature_lr"`
	OpacityLR  float64    `yaml:"opacity_lr"`
	ScalingLR  float64    `yaml:"scaling_lr"`
	RotationLR float64    `yaml:"rotation_lr"`

	// Iteration lists for the periodic hooks.
	TestIterations       []int `yaml:"test_iterations"`
	SaveIterations       []int `yaml:"save_iterations"`
	CheckpointIterations []int `yaml:"checkpoint_iterations"`
}

// DefaultConfig returns the reference training setup for a 30k-iteration
// run.
func DefaultConfig() Config {
	return Config{
		Iterations: 30000,

		MaxSHDegree:      3,
		SHDegreeInterval: 1000,

		LambdaDSSIM:      0.2,
		LambdaPairDist:   0.05,
		LambdaPairNormal: 0.01,

		DensifyFromIter:       500,
		DensifyUntilIter:      15000,
		DensificationInterval: 100,
		DensifyGradThreshold:  0.0002,
		PercentDense:          0.01,

		OpacityResetInterval:  3000,
		SizeThreshold:         20,
		PostWindowKNNInterval: 3000,
		KNNNeighbors:          10,

		PositionLR: PositionLR{
			Init:     1.6e-4,
			Final:    1.6e-6,
			MaxSteps: 30000,
		},
		FeatureLR:  0.0025,
		OpacityLR:  0.05,
		ScalingLR:  0.005,
		RotationLR: 0.001,

		TestIterations: []int{7000, 30000},
		SaveIterations: []int{7000, 30000},
	}
}

// LoadConfig reads a yaml config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the config for values the training loop cannot run
// with.
func (c *Config) Validate() error {
	switch {
	case c.Iterations <= 0:
		return &ConfigurationError{Field: "iterations", Value: c.Iterations, Reason: "must be positive"}
	case c.SceneExtent <= 0:
		return &ConfigurationError{Field: "scene_extent", Value: c.SceneExtent, Reason: "must be positive"}
	case c.MaxSHDegree < 0:
		return &ConfigurationError{Field: "max_sh_degree", Value: c.MaxSHDegree, Reason: "must not be negative"}
	case c.SHDegreeInterval <= 0:
		return &ConfigurationError{Field: "sh_degree_interval", Value: c.SHDegreeInterval, Reason: "must be positive"}
	case c.LambdaDSSIM < 0 || c.LambdaDSSIM > 1:
		return &ConfigurationError{Field: "lambda_dssim", Value: c.LambdaDSSIM, Reason: "must be in [0, 1]"}
	case c.DensifyFromIter < 0:
		return &ConfigurationError{Field: "densify_from_iter", Value: c.DensifyFromIter, Reason: "must not be negative"}
	case c.DensifyUntilIter < c.DensifyFromIter:
		return &ConfigurationError{Field: "densify_until_iter", Value: c.DensifyUntilIter, Reason: "must not precede densify_from_iter"}
	case c.DensificationInterval <= 0:
		return &ConfigurationError{Field: "densification_interval", Value: c.DensificationInterval, Reason: "must be positive"}
	case c.DensifyGradThreshold <= 0:
		return &ConfigurationError{Field: "densify_grad_threshold", Value: c.DensifyGradThreshold, Reason: "must be positive"}
	case c.PercentDense <= 0 || c.PercentDense > 1:
		return &ConfigurationError{Field: "percent_dense", Value: c.PercentDense, Reason: "must be in (0, 1]"}
	case c.OpacityResetInterval <= 0:
		return &ConfigurationError{Field: "opacity_reset_interval", Value: c.OpacityResetInterval, Reason: "must be positive"}
	case c.SizeThreshold < 0:
		return &ConfigurationError{Field: "size_threshold", Value: c.SizeThreshold, Reason: "must not be negative"}
	case c.SizeThresholdFromIter < 0:
		return &ConfigurationError{Field: "size_threshold_from_iter", Value: c.SizeThresholdFromIter, Reason: "must not be negative"}
	case c.PostWindowKNNInterval <= 0:
		return &ConfigurationError{Field: "post_window_knn_interval", Value: c.PostWindowKNNInterval, Reason: "must be positive"}
	case c.KNNNeighbors <= 0:
		return &ConfigurationError{Field: "knn_neighbors", Value: c.KNNNeighbors, Reason: "must be positive"}
	case c.MaxPopulation < 0:
		return &ConfigurationError{Field: "max_population", Value: c.MaxPopulation, Reason: "must not be negative"}
	case c.PositionLR.MaxSteps <= 0:
		return &ConfigurationError{Field: "position_lr.max_steps", Value: c.PositionLR.MaxSteps, Reason: "must be positive"}
	}
	return nil
}

// sizeThresholdFrom resolves the default of SizeThresholdFromIter.
func (c *Config) sizeThresholdFrom() int {
	if c.SizeThresholdFromIter > 0 {
		return c.SizeThresholdFromIter
	}
	return c.OpacityResetInterval
}

// positionSchedule builds the optimizer-side schedule from the config.
func (c *Config) positionSchedule() optim.ExponentialLR {
	return optim.ExponentialLR{
		LRInit:     c.PositionLR.Init,
		LRFinal:    c.PositionLR.Final,
		DelaySteps: c.PositionLR.DelaySteps,
		DelayMult:  c.PositionLR.DelayMult,
		MaxSteps:   c.PositionLR.MaxSteps,
	}
}
