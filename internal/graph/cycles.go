package graph

import (
	"fmt"

	"waveforge/internal/logging"
	"waveforge/internal/types"
)

// BreakCycles removes a small feedback arc set so the residual graph is
// acyclic, and returns the new graph plus the removed edges with reasons.
//
// Per non-trivial SCC the greedy repeatedly drops the edge with the lowest
// weight-to-cycle-participation ratio, where an edge's participation is
// outdeg(src)+indeg(dst)-1 counted over SCC-internal edges. Ties break on
// lower confidence, then lexicographic (src, dst), then kind, so identical
// inputs always lose identical edges. Applying BreakCycles to an acyclic
// graph is a no-op, which makes it idempotent.
func BreakCycles(g *Graph) (*Graph, []types.RemovedEdge, error) {
	log := logging.Get(logging.CategoryGraph)

	edges := make([]types.Edge, len(g.edges))
	copy(edges, g.edges)
	var removed []types.RemovedEdge

	// Self-loops can never be satisfied by wave ordering; drop them first.
	kept := edges[:0]
	for _, e := range edges {
		if e.Src == e.Dst {
			removed = append(removed, types.RemovedEdge{Edge: e, Reason: "self_loop"})
			continue
		}
		kept = append(kept, e)
	}
	edges = kept

	cur := g.withEdges(edges)
	for {
		sccs := cur.SCCs()
		if len(sccs) == 0 {
			break
		}
		for _, comp := range sccs {
			victim, ok := pickVictim(cur, comp)
			if !ok {
				continue
			}
			removed = append(removed, types.RemovedEdge{
				Edge: victim,
				Reason: fmt.Sprintf("feedback_arc scc_size=%d weight=%.3f confidence=%.2f",
					len(comp), victim.Weight, victim.Confidence),
			})
			edges = deleteEdge(edges, victim)
		}
		cur = cur.withEdges(edges)
	}

	if !cur.Acyclic() {
		return nil, nil, types.NewError(types.KindGraphNonAcyclic,
			"residual graph still cyclic after feedback arc removal")
	}
	if len(removed) > 0 {
		log.Warnw("cycles broken", "removed_edges", len(removed))
	}
	return cur, removed, nil
}

// pickVictim selects the edge to drop from one SCC.
func pickVictim(g *Graph, comp []int) (types.Edge, bool) {
	inComp := make(map[int]bool, len(comp))
	for _, n := range comp {
		inComp[n] = true
	}

	outdeg := make(map[int]int)
	indeg := make(map[int]int)
	var internal []types.Edge
	for _, e := range g.edges {
		s, d := g.index[e.Src], g.index[e.Dst]
		if inComp[s] && inComp[d] {
			internal = append(internal, e)
			outdeg[s]++
			indeg[d]++
		}
	}
	if len(internal) == 0 {
		return types.Edge{}, false
	}

	best := -1
	bestRatio := 0.0
	for i, e := range internal {
		part := outdeg[g.index[e.Src]] + indeg[g.index[e.Dst]] - 1
		if part < 1 {
			part = 1
		}
		ratio := e.Weight / float64(part)
		if best == -1 || ratio < bestRatio || (ratio == bestRatio && tieBreak(e, internal[best])) {
			best = i
			bestRatio = ratio
		}
	}
	return internal[best], true
}

// tieBreak reports whether a should be preferred over b as the victim when
// their ratios are equal: lower confidence first, then lexicographic ids.
func tieBreak(a, b types.Edge) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence < b.Confidence
	}
	if a.Src != b.Src {
		return a.Src.String() < b.Src.String()
	}
	if a.Dst != b.Dst {
		return a.Dst.String() < b.Dst.String()
	}
	return a.Kind < b.Kind
}

func deleteEdge(edges []types.Edge, victim types.Edge) []types.Edge {
	out := make([]types.Edge, 0, len(edges))
	for _, e := range edges {
		if e.Src == victim.Src && e.Dst == victim.Dst && e.Kind == victim.Kind {
			continue
		}
		out = append(out, e)
	}
	return out
}
