package splatgo

import "fmt"

// Phase names the stage of the training schedule. It is a pure function
// of the iteration counter, so it survives checkpoint restores without
// any extra state.
type Phase uint8

const (
	// PhaseWarmup runs before densification begins.
	PhaseWarmup Phase = iota
	// PhaseDensifying is the adaptive density window.
	PhaseDensifying
	// PhasePostDensification runs after the window closes, with a frozen
	// population size.
	PhasePostDensification
	// PhaseDone means the iteration budget is exhausted.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseDensifying:
		return "densifying"
	case PhasePostDensification:
		return "post-densification"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// PhaseAt returns the phase of the given iteration.
func (c *Config) PhaseAt(iteration int) Phase {
	switch {
	case iteration > c.Iterations:
		return PhaseDone
	case iteration < c.DensifyFromIter:
		return PhaseWarmup
	case iteration < c.DensifyUntilIter:
		return PhaseDensifying
	default:
		return PhasePostDensification
	}
}
