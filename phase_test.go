package splatgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseAt(t *testing.T) {
	cfg := validConfig()

	tests := []struct {
		iteration int
		want      Phase
	}{
		{1, PhaseWarmup},
		{499, PhaseWarmup},
		{500, PhaseDensifying},
		{14999, PhaseDensifying},
		{15000, PhasePostDensification},
		{30000, PhasePostDensification},
		{30001, PhaseDone},
	}

	for _, tt := range tests {
		assert.Equalf(t, tt.want, cfg.PhaseAt(tt.iteration), "iteration %d", tt.iteration)
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "warmup", PhaseWarmup.String())
	assert.Equal(t, "densifying", PhaseDensifying.String())
	assert.Equal(t, "post-densification", PhasePostDensification.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
