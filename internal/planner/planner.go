// Package planner converts an acyclic dependency graph into a
// level-partitioned execution plan of topological waves.
package planner

import (
	"fmt"
	"sort"

	"waveforge/internal/graph"
	"waveforge/internal/logging"
	"waveforge/internal/types"
)

// Options tunes plan creation.
type Options struct {
	// MaxWaveSize splits waves larger than this into consecutive chunks.
	// Zero means no splitting.
	MaxWaveSize int

	// GlobalParallelism caps each wave's MaxParallel.
	GlobalParallelism int
}

// CreatePlan partitions the graph into waves by longest-path depth: an
// atom's wave is one past the deepest of its predecessors. Runs in O(V+E).
//
// Atoms inside a wave are ordered by (complexity rank desc, id asc) so the
// plan is identical for identical inputs. Waves over MaxWaveSize are split
// into consecutive chunks; adjacent small waves are never merged because
// downstream observers rely on the level invariant.
//
// The graph must already be acyclic; removed denotes the cycle-break audit
// trail carried into the plan verbatim.
func CreatePlan(g *graph.Graph, masterplanID string, removed []types.RemovedEdge, opts Options) (*types.ExecutionPlan, error) {
	log := logging.Get(logging.CategoryPlanner)

	atoms := g.Atoms()
	n := len(atoms)
	pos := make(map[types.AtomID]int, n)
	for i, a := range atoms {
		pos[a.ID] = i
	}

	indeg := make([]int, n)
	for _, e := range g.Edges() {
		indeg[pos[e.Dst]]++
	}

	depth := make([]int, n)
	queue := make([]int, 0, n)
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	maxDepth := 0
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		processed++
		if depth[v] > maxDepth {
			maxDepth = depth[v]
		}
		for _, succ := range g.Successors(atoms[v].ID) {
			s := pos[succ]
			if depth[v]+1 > depth[s] {
				depth[s] = depth[v] + 1
			}
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if processed != n {
		return nil, types.NewError(types.KindGraphNonAcyclic,
			"planner saw a cycle: %d of %d atoms reachable", processed, n)
	}

	levels := make([][]types.Atom, maxDepth+1)
	for i, a := range atoms {
		levels[depth[i]] = append(levels[depth[i]], a)
	}

	var waves []types.Wave
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool {
			ri, rj := level[i].Complexity.Rank(), level[j].Complexity.Rank()
			if ri != rj {
				return ri < rj // rank 0 = critical first
			}
			return level[i].ID.String() < level[j].ID.String()
		})
		for _, chunk := range split(level, opts.MaxWaveSize) {
			ids := make([]types.AtomID, len(chunk))
			for i, a := range chunk {
				ids[i] = a.ID
			}
			waves = append(waves, types.Wave{
				Index:       len(waves),
				AtomIDs:     ids,
				MaxParallel: maxParallel(len(ids), opts.GlobalParallelism),
			})
		}
	}
	if n == 0 {
		waves = nil
	}

	plan := &types.ExecutionPlan{
		MasterplanID:     masterplanID,
		Waves:            waves,
		TotalAtoms:       n,
		CycleBrokenEdges: removed,
	}
	log.Debugw("plan created", "atoms", n, "waves", len(waves), "max_depth", maxDepth)
	return plan, nil
}

func split(level []types.Atom, maxSize int) [][]types.Atom {
	if maxSize <= 0 || len(level) <= maxSize {
		if len(level) == 0 {
			return nil
		}
		return [][]types.Atom{level}
	}
	var chunks [][]types.Atom
	for start := 0; start < len(level); start += maxSize {
		end := start + maxSize
		if end > len(level) {
			end = len(level)
		}
		chunks = append(chunks, level[start:end])
	}
	return chunks
}

func maxParallel(waveSize, global int) int {
	if global <= 0 {
		return waveSize
	}
	if waveSize < global {
		return waveSize
	}
	return global
}

// Validate checks the plan against the graph it was derived from: every
// atom in exactly one wave, total count matching, and every edge pointing
// strictly forward across wave indices.
func Validate(plan *types.ExecutionPlan, g *graph.Graph) error {
	waveOf := make(map[types.AtomID]int, plan.TotalAtoms)
	seen := 0
	for _, w := range plan.Waves {
		for _, id := range w.AtomIDs {
			if prev, dup := waveOf[id]; dup {
				return types.NewError(types.KindInvalidInput,
					"atom %s appears in waves %d and %d", id, prev, w.Index)
			}
			waveOf[id] = w.Index
			seen++
		}
	}
	if seen != plan.TotalAtoms || seen != g.Len() {
		return types.NewError(types.KindInvalidInput,
			"plan covers %d atoms, graph has %d (declared %d)", seen, g.Len(), plan.TotalAtoms)
	}
	for _, a := range g.Atoms() {
		if _, ok := waveOf[a.ID]; !ok {
			return types.NewError(types.KindInvalidInput, "atom %s missing from plan", a.ID)
		}
	}
	for _, e := range g.Edges() {
		if waveOf[e.Src] >= waveOf[e.Dst] {
			return types.NewError(types.KindInvalidInput,
				"edge %s->%s not strictly forward (wave %d >= %d)",
				e.Src, e.Dst, waveOf[e.Src], waveOf[e.Dst])
		}
	}
	return nil
}

// Describe renders a short human-readable plan summary for the CLI.
func Describe(plan *types.ExecutionPlan) string {
	s := fmt.Sprintf("%d atoms across %d waves", plan.TotalAtoms, len(plan.Waves))
	if len(plan.CycleBrokenEdges) > 0 {
		s += fmt.Sprintf(" (%d edges removed to break cycles)", len(plan.CycleBrokenEdges))
	}
	return s
}
