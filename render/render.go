// Package render declares the contracts of the external differentiable
// rasterizer and loss kernels the training core drives. No rendering
// happens in this module; implementations wrap a GPU pipeline.
package render

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/knn"
	"github.com/hupe1980/splatgo/optim"
)

// Camera is one calibrated training view.
type Camera struct {
	Name   string
	Width  int
	Height int

	// World-to-camera rotation (row-major 3x3) and translation.
	Rotation    [9]float32
	Translation [3]float32

	FovX float32
	FovY float32

	// Image is the ground-truth photograph, 3 floats per pixel.
	Image []float32
}

// Result is the forward output of one render call plus the gradient
// buffers the backward pass fills in.
//
// Indices in Visible, Radii and ViewGrads refer to the population snapshot
// the render was issued against; they are invalid after any compaction.
type Result struct {
	// Image is the rendered view, 3 floats per pixel.
	Image []float32
	// Depth is the rendered depth map, 1 float per pixel.
	Depth []float32
	// DepthLoss is the rasterizer's auxiliary depth regularization term.
	DepthLoss float32

	// Visible marks the rows the rasterizer touched for this view.
	Visible *roaring.Bitmap
	// Radii is the screen-space radius per row (0 when invisible).
	Radii []float32

	// ViewGrads receives the view-space positional gradients (2 floats
	// per row) during Backward.
	ViewGrads []float32
	// Grads receives the parameter gradients during Backward.
	Grads *optim.Gradients
}

// Renderer is the differentiable rasterizer.
//
// Render executes synchronously from the caller's perspective: when it
// returns, the forward buffers are readable. Backward must complete before
// anything reads ViewGrads or Grads; the training loop guarantees it never
// reads gradient buffers of iteration i before Backward(i) has returned.
type Renderer interface {
	Render(ctx context.Context, cloud *gaussian.Cloud, cam Camera, background [3]float32, shDegree int) (*Result, error)
	Backward(ctx context.Context, res *Result, loss float32) error
}

// LossFunc is a photometric loss between a rendered image and ground
// truth. L1 and SSIM-style losses are supplied by the caller.
type LossFunc func(image, groundTruth []float32) float32

// SurfaceAligner computes the geometric-consistency loss over the surface
// neighbor graph. Implementations must only be handed graphs that are
// valid for the cloud's current snapshot; the training loop skips the term
// otherwise.
type SurfaceAligner interface {
	AlignLoss(ctx context.Context, cloud *gaussian.Cloud, graph *knn.Graph, visible *roaring.Bitmap) (pairDist, pairNormal float32, err error)
}
