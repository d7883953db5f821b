package optim

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/hupe1980/splatgo/gaussian"
)

// Gradients holds per-group parameter gradients for one iteration,
// index-parallel with the primitive population. The backward pass of the
// renderer fills these buffers; the optimizer consumes and zeroes them.
type Gradients struct {
	rows   int
	groups map[string][]float32
}

// NewGradients allocates zeroed gradient buffers matching the cloud.
func NewGradients(c *gaussian.Cloud) *Gradients {
	g := &Gradients{rows: c.Len(), groups: make(map[string][]float32)}
	for _, name := range gaussian.Groups() {
		stride, _ := gaussian.GroupStride(name, c.RestStride())
		g.groups[name] = make([]float32, c.Len()*stride)
	}
	return g
}

// Rows returns the number of population rows the buffers are sized for.
func (g *Gradients) Rows() int { return g.rows }

// Group returns the gradient buffer of the named parameter group.
func (g *Gradients) Group(name string) []float32 { return g.groups[name] }

// Zero clears every buffer in place.
func (g *Gradients) Zero() {
	for _, buf := range g.groups {
		clear(buf)
	}
}

// Adam implements the Adam update rule over the population's parameter
// groups, with an independent learning rate per group.
type Adam struct {
	store *StateStore
	lrs   map[string]float32

	beta1 float32
	beta2 float32
	eps   float32
}

// AdamOptions configures NewAdam.
type AdamOptions struct {
	Beta1 float32
	Beta2 float32
	Eps   float32
}

// DefaultAdamOptions mirrors the usual training defaults.
var DefaultAdamOptions = AdamOptions{
	Beta1: 0.9,
	Beta2: 0.999,
	Eps:   1e-15,
}

// NewAdam creates an Adam optimizer backed by the given state store.
func NewAdam(store *StateStore, optFns ...func(*AdamOptions)) *Adam {
	opts := DefaultAdamOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adam{
		store: store,
		lrs:   make(map[string]float32),
		beta1: opts.Beta1,
		beta2: opts.Beta2,
		eps:   opts.Eps,
	}
}

// SetLearningRate sets the learning rate of one parameter group.
func (o *Adam) SetLearningRate(group string, lr float32) { o.lrs[group] = lr }

// LearningRate returns the current learning rate of one parameter group.
func (o *Adam) LearningRate(group string) float32 { return o.lrs[group] }

// Store returns the optimizer's state store.
func (o *Adam) Store() *StateStore { return o.store }

// Step applies one Adam update to every parameter group that has a
// gradient buffer, writing updated parameters into the cloud in place.
func (o *Adam) Step(c *gaussian.Cloud, grads *Gradients) error {
	if grads.Rows() != c.Len() || o.store.Rows() != c.Len() {
		return fmt.Errorf("optim: step shape mismatch: grads %d, state %d, cloud %d rows", grads.Rows(), o.store.Rows(), c.Len())
	}

	for _, g := range o.store.groups {
		buf := grads.Group(g.Name)
		if buf == nil {
			continue
		}
		params, stride, err := c.Params(g.Name)
		if err != nil {
			return err
		}
		if len(buf) != len(params) || stride != g.Stride {
			return fmt.Errorf("optim: group %q gradient shape mismatch", g.Name)
		}

		lr := o.lrs[g.Name]
		if lr == 0 {
			continue
		}

		g.Step++
		c1 := 1 - float32(math.Pow(float64(o.beta1), float64(g.Step)))
		c2 := 1 - float32(math.Pow(float64(o.beta2), float64(g.Step)))

		for i := range params {
			grad := buf[i]
			g.ExpAvg[i] = o.beta1*g.ExpAvg[i] + (1-o.beta1)*grad
			g.ExpAvgSq[i] = o.beta2*g.ExpAvgSq[i] + (1-o.beta2)*grad*grad

			mHat := g.ExpAvg[i] / c1
			vHat := g.ExpAvgSq[i] / c2
			params[i] -= lr * mHat / (math32.Sqrt(vHat) + o.eps)
		}
	}

	return nil
}

// ZeroGrad clears the gradient buffers between iterations.
func (o *Adam) ZeroGrad(grads *Gradients) { grads.Zero() }
