package splatgo

// intervalRule is one periodic behavior of the schedule: fire every
// `every` iterations inside the half-open window [from, until). An
// `until` of 0 leaves the window open-ended.
//
// Every periodic behavior of the trainer is declared as one rule in
// newSchedule and evaluated each iteration; nothing else in the loop
// does its own modulo arithmetic.
type intervalRule struct {
	every int
	from  int
	until int
}

func (r intervalRule) fires(iteration int) bool {
	if r.every <= 0 || iteration < r.from {
		return false
	}
	if r.until > 0 && iteration >= r.until {
		return false
	}
	return iteration%r.every == 0
}

// iterationSet answers membership for the explicit iteration lists
// (tests, saves, checkpoints).
type iterationSet map[int]struct{}

func newIterationSet(iters []int) iterationSet {
	s := make(iterationSet, len(iters))
	for _, it := range iters {
		s[it] = struct{}{}
	}
	return s
}

func (s iterationSet) contains(iteration int) bool {
	_, ok := s[iteration]
	return ok
}

// schedule is the compiled form of the config's periodic behaviors.
type schedule struct {
	raiseSHDegree intervalRule
	densify       intervalRule
	opacityReset  intervalRule
	postWindowKNN intervalRule

	test       iterationSet
	save       iterationSet
	checkpoint iterationSet
}

func newSchedule(cfg Config) schedule {
	return schedule{
		raiseSHDegree: intervalRule{every: cfg.SHDegreeInterval},
		densify: intervalRule{
			every: cfg.DensificationInterval,
			from:  cfg.DensifyFromIter,
			until: cfg.DensifyUntilIter,
		},
		// The periodic reset only runs while densification can still
		// recover from it.
		opacityReset: intervalRule{
			every: cfg.OpacityResetInterval,
			until: cfg.DensifyUntilIter,
		},
		postWindowKNN: intervalRule{
			every: cfg.PostWindowKNNInterval,
			from:  cfg.DensifyUntilIter,
		},

		test:       newIterationSet(cfg.TestIterations),
		save:       newIterationSet(cfg.SaveIterations),
		checkpoint: newIterationSet(cfg.CheckpointIterations),
	}
}
