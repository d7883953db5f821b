package optim

import (
	"fmt"

	"github.com/hupe1980/splatgo/gaussian"
)

// CopyParent marks a newborn row whose moments are cloned from a parent;
// any non-negative value in a momentum-source plan is the parent's old row.
// FreshRow marks a newborn row that starts with zeroed moments.
const FreshRow = int32(-1)

// GroupState holds the Adam moment buffers for one parameter group.
// ExpAvg and ExpAvgSq are index-parallel with the primitive population,
// Stride floats per row.
type GroupState struct {
	Name     string
	Stride   int
	Step     int64
	ExpAvg   []float32
	ExpAvgSq []float32
}

// StateStore owns the per-group optimizer state for the whole population.
type StateStore struct {
	groups []*GroupState
	byName map[string]*GroupState
	rows   int
}

// NewStateStore creates zeroed state for every parameter group of the
// given cloud.
func NewStateStore(c *gaussian.Cloud) *StateStore {
	s := &StateStore{byName: make(map[string]*GroupState)}
	s.rows = c.Len()
	for _, name := range gaussian.Groups() {
		stride, _ := gaussian.GroupStride(name, c.RestStride())
		g := &GroupState{
			Name:     name,
			Stride:   stride,
			ExpAvg:   make([]float32, s.rows*stride),
			ExpAvgSq: make([]float32, s.rows*stride),
		}
		s.groups = append(s.groups, g)
		s.byName[name] = g
	}
	return s
}

// Rows returns the number of population rows the store is aligned to.
func (s *StateStore) Rows() int { return s.rows }

// Group returns the state of the named parameter group.
func (s *StateStore) Group(name string) (*GroupState, bool) {
	g, ok := s.byName[name]
	return g, ok
}

// Groups returns every group in canonical order, for serialization.
func (s *StateStore) Groups() []*GroupState { return s.groups }

// Compact applies the population's keep/newborn plan to every group.
//
// momentumSrc has one entry per newborn row: the old row whose moments the
// newborn inherits (a cloned primitive warm-starts from its parent), or
// FreshRow for zeroed moments (split children restart their history).
func (s *StateStore) Compact(keep []uint32, momentumSrc []int32) error {
	for _, idx := range keep {
		if int(idx) >= s.rows {
			return fmt.Errorf("optim: keep index %d out of range (rows %d)", idx, s.rows)
		}
	}
	for _, src := range momentumSrc {
		if src != FreshRow && int(src) >= s.rows {
			return fmt.Errorf("optim: momentum source %d out of range (rows %d)", src, s.rows)
		}
	}

	total := len(keep) + len(momentumSrc)
	for _, g := range s.groups {
		expAvg := make([]float32, 0, total*g.Stride)
		expAvgSq := make([]float32, 0, total*g.Stride)

		for _, idx := range keep {
			o := int(idx) * g.Stride
			expAvg = append(expAvg, g.ExpAvg[o:o+g.Stride]...)
			expAvgSq = append(expAvgSq, g.ExpAvgSq[o:o+g.Stride]...)
		}
		for _, src := range momentumSrc {
			if src == FreshRow {
				expAvg = append(expAvg, make([]float32, g.Stride)...)
				expAvgSq = append(expAvgSq, make([]float32, g.Stride)...)
				continue
			}
			o := int(src) * g.Stride
			expAvg = append(expAvg, g.ExpAvg[o:o+g.Stride]...)
			expAvgSq = append(expAvgSq, g.ExpAvgSq[o:o+g.Stride]...)
		}

		g.ExpAvg = expAvg
		g.ExpAvgSq = expAvgSq
	}
	s.rows = total

	return nil
}

// ResetGroup zeroes the moment buffers of one group, leaving the others
// untouched. Used by the opacity reset, which replaces the opacity column
// wholesale and must not reuse momentum accumulated for the old values.
func (s *StateStore) ResetGroup(name string) error {
	g, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("optim: unknown parameter group %q", name)
	}
	clear(g.ExpAvg)
	clear(g.ExpAvgSq)
	return nil
}

// FromGroups reconstructs a store from deserialized group state, validating
// that every group agrees on the row count.
func FromGroups(groups []*GroupState) (*StateStore, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("optim: no parameter groups")
	}

	s := &StateStore{byName: make(map[string]*GroupState)}
	s.rows = -1
	for _, g := range groups {
		if g.Stride <= 0 {
			return nil, fmt.Errorf("optim: group %q has invalid stride %d", g.Name, g.Stride)
		}
		if len(g.ExpAvg) != len(g.ExpAvgSq) || len(g.ExpAvg)%g.Stride != 0 {
			return nil, fmt.Errorf("optim: group %q has inconsistent buffers", g.Name)
		}
		rows := len(g.ExpAvg) / g.Stride
		if s.rows == -1 {
			s.rows = rows
		} else if rows != s.rows {
			return nil, fmt.Errorf("optim: group %q has %d rows, want %d", g.Name, rows, s.rows)
		}
		if _, dup := s.byName[g.Name]; dup {
			return nil, fmt.Errorf("optim: duplicate parameter group %q", g.Name)
		}
		s.groups = append(s.groups, g)
		s.byName[g.Name] = g
	}
	return s, nil
}
