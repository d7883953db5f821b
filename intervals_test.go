package splatgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalRule(t *testing.T) {
	tests := []struct {
		name      string
		rule      intervalRule
		iteration int
		want      bool
	}{
		{"FiresOnMultiple", intervalRule{every: 100}, 300, true},
		{"SkipsOffBeat", intervalRule{every: 100}, 301, false},
		{"BeforeWindow", intervalRule{every: 100, from: 500}, 400, false},
		{"WindowStartInclusive", intervalRule{every: 100, from: 500}, 500, true},
		{"WindowEndExclusive", intervalRule{every: 100, from: 500, until: 15000}, 15000, false},
		{"LastBeatInWindow", intervalRule{every: 100, from: 500, until: 15000}, 14900, true},
		{"OpenEnded", intervalRule{every: 3000, from: 15000}, 27000, true},
		{"DisabledRule", intervalRule{}, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.fires(tt.iteration))
		})
	}
}

func TestScheduleFromConfig(t *testing.T) {
	sched := newSchedule(validConfig())

	t.Run("Densify", func(t *testing.T) {
		assert.False(t, sched.densify.fires(400))
		assert.True(t, sched.densify.fires(500))
		assert.True(t, sched.densify.fires(14900))
		assert.False(t, sched.densify.fires(14950))
		assert.False(t, sched.densify.fires(15000))
	})

	t.Run("OpacityResetOnlyInsideWindow", func(t *testing.T) {
		assert.True(t, sched.opacityReset.fires(3000))
		assert.True(t, sched.opacityReset.fires(12000))
		assert.False(t, sched.opacityReset.fires(15000))
		assert.False(t, sched.opacityReset.fires(18000))
	})

	t.Run("PostWindowKNN", func(t *testing.T) {
		assert.False(t, sched.postWindowKNN.fires(12000))
		assert.True(t, sched.postWindowKNN.fires(15000))
		assert.True(t, sched.postWindowKNN.fires(27000))
	})

	t.Run("SHDegree", func(t *testing.T) {
		assert.True(t, sched.raiseSHDegree.fires(1000))
		assert.False(t, sched.raiseSHDegree.fires(1500))
	})

	t.Run("IterationSets", func(t *testing.T) {
		assert.True(t, sched.test.contains(7000))
		assert.True(t, sched.save.contains(30000))
		assert.False(t, sched.checkpoint.contains(7000))
	})
}
