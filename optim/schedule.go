package optim

import "math"

// ExponentialLR is the position learning-rate schedule: log-linear
// interpolation from LRInit to LRFinal over MaxSteps, with an optional
// sine-shaped warmup delay.
//
// At is a pure function of the step, so the scheduler can re-derive the
// rate at any iteration (including after a checkpoint restore).
type ExponentialLR struct {
	LRInit     float64
	LRFinal    float64
	DelaySteps int
	DelayMult  float64
	MaxSteps   int
}

// At returns the learning rate for the given step.
func (s ExponentialLR) At(step int) float32 {
	if step < 0 || (s.LRInit == 0 && s.LRFinal == 0) {
		return 0
	}

	delay := 1.0
	if s.DelaySteps > 0 {
		t := clamp01(float64(step) / float64(s.DelaySteps))
		delay = s.DelayMult + (1-s.DelayMult)*math.Sin(0.5*math.Pi*t)
	}

	t := clamp01(float64(step) / float64(s.MaxSteps))
	logLerp := math.Exp(math.Log(s.LRInit)*(1-t) + math.Log(s.LRFinal)*t)

	return float32(delay * logLerp)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
