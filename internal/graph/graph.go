// Package graph builds and validates the dependency graph over atoms.
//
// The graph is built once, read-only afterwards: atoms live in a dense
// array sorted by id, edges in a canonical coalesced list, adjacency as
// index slices. No component ever mutates a built graph; cycle breaking
// returns a new one.
package graph

import (
	"fmt"
	"sort"

	"waveforge/internal/logging"
	"waveforge/internal/types"
)

// Graph is an immutable directed dependency graph.
type Graph struct {
	atoms []types.Atom
	index map[types.AtomID]int

	// edges is coalesced and canonically ordered by (src, dst, kind).
	edges []types.Edge

	out [][]int // adjacency by edge index
	in  [][]int
}

// Build constructs a graph from atoms plus declared edges.
//
// Edges whose confidence is below floor are dropped. Parallel edges of the
// same kind are coalesced by summing weights and keeping the strongest
// confidence. An edge referencing an unknown atom fails the whole build.
func Build(atoms []types.Atom, edges []types.Edge, confidenceFloor float64) (*Graph, error) {
	log := logging.Get(logging.CategoryGraph)

	sorted := make([]types.Atom, len(atoms))
	copy(sorted, atoms)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	index := make(map[types.AtomID]int, len(sorted))
	for i, a := range sorted {
		if _, dup := index[a.ID]; dup {
			return nil, types.WrapError(types.KindInvalidInput, nil, "duplicate atom id %s", a.ID)
		}
		index[a.ID] = i
	}

	type edgeKey struct {
		src, dst types.AtomID
		kind     types.EdgeKind
	}
	coalesced := make(map[edgeKey]types.Edge)
	dropped := 0
	for _, e := range edges {
		if _, ok := index[e.Src]; !ok {
			return nil, types.WrapError(types.KindInvalidInput, types.ErrInvalidEdge,
				"src %s", e.Src)
		}
		if _, ok := index[e.Dst]; !ok {
			return nil, types.WrapError(types.KindInvalidInput, types.ErrInvalidEdge,
				"dst %s", e.Dst)
		}
		if e.Confidence < confidenceFloor {
			dropped++
			continue
		}
		k := edgeKey{e.Src, e.Dst, e.Kind}
		if prev, ok := coalesced[k]; ok {
			prev.Weight += e.Weight
			if e.Confidence > prev.Confidence {
				prev.Confidence = e.Confidence
			}
			coalesced[k] = prev
		} else {
			coalesced[k] = e
		}
	}

	canonical := make([]types.Edge, 0, len(coalesced))
	for _, e := range coalesced {
		canonical = append(canonical, e)
	}
	sortEdges(canonical)

	g := &Graph{atoms: sorted, index: index, edges: canonical}
	g.rebuildAdjacency()

	log.Debugw("graph built",
		"atoms", len(sorted), "edges", len(canonical), "below_floor", dropped)
	return g, nil
}

func sortEdges(es []types.Edge) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.Src != b.Src {
			return a.Src.String() < b.Src.String()
		}
		if a.Dst != b.Dst {
			return a.Dst.String() < b.Dst.String()
		}
		return a.Kind < b.Kind
	})
}

func (g *Graph) rebuildAdjacency() {
	g.out = make([][]int, len(g.atoms))
	g.in = make([][]int, len(g.atoms))
	for ei, e := range g.edges {
		s, d := g.index[e.Src], g.index[e.Dst]
		g.out[s] = append(g.out[s], ei)
		g.in[d] = append(g.in[d], ei)
	}
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.atoms) }

// Atoms returns the atoms in canonical (id-sorted) order. Callers must not
// mutate the returned slice.
func (g *Graph) Atoms() []types.Atom { return g.atoms }

// Edges returns the coalesced edges in canonical order.
func (g *Graph) Edges() []types.Edge { return g.edges }

// Atom looks up one atom by id.
func (g *Graph) Atom(id types.AtomID) (types.Atom, bool) {
	i, ok := g.index[id]
	if !ok {
		return types.Atom{}, false
	}
	return g.atoms[i], true
}

// FanIn counts incoming dependency edges of id.
func (g *Graph) FanIn(id types.AtomID) int {
	if i, ok := g.index[id]; ok {
		return len(g.in[i])
	}
	return 0
}

// FanOut counts outgoing dependency edges of id.
func (g *Graph) FanOut(id types.AtomID) int {
	if i, ok := g.index[id]; ok {
		return len(g.out[i])
	}
	return 0
}

// Predecessors returns the ids this atom depends on, in canonical order.
func (g *Graph) Predecessors(id types.AtomID) []types.AtomID {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]types.AtomID, 0, len(g.in[i]))
	for _, ei := range g.in[i] {
		out = append(out, g.edges[ei].Src)
	}
	return out
}

// Successors returns the ids depending on this atom, in canonical order.
func (g *Graph) Successors(id types.AtomID) []types.AtomID {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]types.AtomID, 0, len(g.out[i]))
	for _, ei := range g.out[i] {
		out = append(out, g.edges[ei].Dst)
	}
	return out
}

// Acyclic reports whether the graph has no directed cycle, via Kahn.
func (g *Graph) Acyclic() bool {
	indeg := make([]int, len(g.atoms))
	for _, e := range g.edges {
		indeg[g.index[e.Dst]]++
	}
	queue := make([]int, 0, len(g.atoms))
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	seen := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		seen++
		for _, ei := range g.out[n] {
			d := g.index[g.edges[ei].Dst]
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return seen == len(g.atoms)
}

// withEdges derives a graph sharing atoms but with a replaced edge set.
func (g *Graph) withEdges(edges []types.Edge) *Graph {
	ng := &Graph{atoms: g.atoms, index: g.index, edges: edges}
	ng.rebuildAdjacency()
	return ng
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph(atoms=%d edges=%d)", len(g.atoms), len(g.edges))
}
