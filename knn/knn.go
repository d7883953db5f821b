// Package knn builds the k-nearest-neighbor graph over surface-typed
// primitives that feeds the geometric-consistency regularizer.
//
// A Graph is valid only against the exact population snapshot it was built
// from. It records the cloud's generation stamp; after any structural
// mutation the stamps diverge and ValidFor reports false. Consumers must
// skip the regularizer for that iteration instead of indexing stale
// positions.
package knn

import (
	"container/heap"
	"context"
	"errors"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/splatgo/gaussian"
)

// DefaultK is the default neighbor count. A tuning constant, not
// structural.
const DefaultK = 10

// ErrStaleGraph is returned when a consumer insists on using a graph whose
// population has mutated since the build.
var ErrStaleGraph = errors.New("knn: graph is stale against the current population")

// Graph is the neighbor index over surface-typed rows.
type Graph struct {
	k          int
	rows       []uint32 // surface row ids, ascending
	neighbors  []uint32 // k entries per row in rows, nearest first
	generation uint64
}

// K returns the neighbor count per row.
func (g *Graph) K() int { return g.k }

// Len returns the number of surface rows in the graph.
func (g *Graph) Len() int { return len(g.rows) }

// Rows returns the surface row ids the graph covers, in ascending order.
func (g *Graph) Rows() []uint32 { return g.rows }

// Neighbors returns the neighbor row ids of the i-th surface row, nearest
// first. When fewer than K other surface rows exist, the tail is padded
// with the row's own id.
func (g *Graph) Neighbors(i int) []uint32 {
	return g.neighbors[i*g.k : i*g.k+g.k]
}

// Generation returns the population generation the graph was built against.
func (g *Graph) Generation() uint64 { return g.generation }

// ValidFor reports whether the graph still matches the cloud's snapshot.
func (g *Graph) ValidFor(c *gaussian.Cloud) bool {
	return g != nil && g.generation == c.Generation()
}

// Options configures a Builder.
type Options struct {
	// K is the number of neighbors per surface row.
	K int
	// Parallelism bounds the number of concurrent workers; 0 means
	// GOMAXPROCS.
	Parallelism int
}

// DefaultOptions are the default Builder options.
var DefaultOptions = Options{
	K:           DefaultK,
	Parallelism: 0,
}

// Builder computes exact neighbor graphs by brute force. Exact search is
// deliberate: the graph is rebuilt rarely (after every compaction and on a
// coarse cadence afterwards) and the surface subset is small relative to
// the full population.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder.
func NewBuilder(optFns ...func(*Options)) *Builder {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	return &Builder{opts: opts}
}

// Build computes the neighbor graph for the cloud's current snapshot.
// It must be invoked immediately after every population compaction and
// periodically afterwards so the graph does not drift stale against slow
// positional movement.
func (b *Builder) Build(ctx context.Context, c *gaussian.Cloud) (*Graph, error) {
	n := c.Len()
	var rows []uint32
	for i := 0; i < n; i++ {
		if c.TypeOf(i) == gaussian.TypeSurface {
			rows = append(rows, uint32(i))
		}
	}

	g := &Graph{
		k:          b.opts.K,
		rows:       rows,
		neighbors:  make([]uint32, len(rows)*b.opts.K),
		generation: c.Generation(),
	}
	if len(rows) == 0 {
		return g, nil
	}

	workers := b.opts.Parallelism
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	chunk := (len(rows) + workers - 1) / workers
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		eg.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				b.nearest(c, rows, i, g.neighbors[i*g.k:i*g.k+g.k])
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return g, nil
}

// nearest fills out with the k nearest surface rows to rows[i], nearest
// first, padding with the row's own id when candidates run out.
func (b *Builder) nearest(c *gaussian.Cloud, rows []uint32, i int, out []uint32) {
	self := rows[i]
	p := c.Position(int(self))

	h := &candidateHeap{}
	heap.Init(h)

	for _, other := range rows {
		if other == self {
			continue
		}
		q := c.Position(int(other))
		dx := p[0] - q[0]
		dy := p[1] - q[1]
		dz := p[2] - q[2]
		d := dx*dx + dy*dy + dz*dz

		if h.Len() < b.opts.K {
			heap.Push(h, candidate{row: other, dist: d})
		} else if d < h.items[0].dist {
			h.items[0] = candidate{row: other, dist: d}
			heap.Fix(h, 0)
		}
	}

	// Drain the max-heap into nearest-first order.
	found := h.Len()
	for j := found - 1; j >= 0; j-- {
		out[j] = heap.Pop(h).(candidate).row
	}
	for j := found; j < b.opts.K; j++ {
		out[j] = self
	}
}

type candidate struct {
	row  uint32
	dist float32
}

// candidateHeap is a max-heap by distance, keeping the k best candidates.
type candidateHeap struct {
	items []candidate
}

func (h *candidateHeap) Len() int           { return len(h.items) }
func (h *candidateHeap) Less(i, j int) bool { return h.items[i].dist > h.items[j].dist }
func (h *candidateHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x any) {
	h.items = append(h.items, x.(candidate))
}

func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
