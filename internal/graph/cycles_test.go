package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveforge/internal/types"
)

func TestBreakCyclesNoOpOnAcyclic(t *testing.T) {
	g, err := Build(
		[]types.Atom{atom(1), atom(2), atom(3)},
		[]types.Edge{
			edge(1, 2, types.EdgeCall, 1, 1),
			edge(2, 3, types.EdgeCall, 1, 1),
		}, 0)
	require.NoError(t, err)

	ng, removed, err := BreakCycles(g)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, ng.Edges(), 2)
}

func TestBreakCyclesDropsSelfLoop(t *testing.T) {
	g, err := Build(
		[]types.Atom{atom(1), atom(2)},
		[]types.Edge{
			edge(1, 1, types.EdgeCall, 1, 1),
			edge(1, 2, types.EdgeCall, 1, 1),
		}, 0)
	require.NoError(t, err)

	ng, removed, err := BreakCycles(g)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "self_loop", removed[0].Reason)
	assert.Equal(t, aid(1), removed[0].Edge.Src)
	assert.Len(t, ng.Edges(), 1)
	assert.True(t, ng.Acyclic())
}

func TestBreakCyclesRemovesLightestEdge(t *testing.T) {
	// 1 -> 2 -> 3 -> 1; the back edge has the smallest weight and loses.
	g, err := Build(
		[]types.Atom{atom(1), atom(2), atom(3)},
		[]types.Edge{
			edge(1, 2, types.EdgeCall, 5, 1),
			edge(2, 3, types.EdgeCall, 5, 1),
			edge(3, 1, types.EdgeCall, 1, 1),
		}, 0)
	require.NoError(t, err)

	ng, removed, err := BreakCycles(g)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, aid(3), removed[0].Edge.Src)
	assert.Equal(t, aid(1), removed[0].Edge.Dst)
	assert.True(t, ng.Acyclic())
	assert.Len(t, ng.Edges(), 2)
}

func TestBreakCyclesTieBreaksOnConfidence(t *testing.T) {
	// Symmetric two-cycle with equal weights: the lower-confidence edge loses.
	g, err := Build(
		[]types.Atom{atom(1), atom(2)},
		[]types.Edge{
			edge(1, 2, types.EdgeCall, 1, 0.9),
			edge(2, 1, types.EdgeCall, 1, 0.4),
		}, 0)
	require.NoError(t, err)

	_, removed, err := BreakCycles(g)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, 0.4, removed[0].Edge.Confidence)
}

func TestBreakCyclesDeterministic(t *testing.T) {
	build := func() *Graph {
		g, err := Build(
			[]types.Atom{atom(1), atom(2), atom(3), atom(4)},
			[]types.Edge{
				edge(1, 2, types.EdgeCall, 1, 1),
				edge(2, 3, types.EdgeCall, 1, 1),
				edge(3, 1, types.EdgeCall, 1, 1),
				edge(3, 4, types.EdgeCall, 1, 1),
				edge(4, 2, types.EdgeCall, 1, 1),
			}, 0)
		require.NoError(t, err)
		return g
	}

	_, first, err := BreakCycles(build())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, again, err := BreakCycles(build())
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("removed edges differ between runs (-first +again):\n%s", diff)
		}
	}
}

func TestBreakCyclesIdempotent(t *testing.T) {
	g, err := Build(
		[]types.Atom{atom(1), atom(2)},
		[]types.Edge{
			edge(1, 2, types.EdgeCall, 1, 1),
			edge(2, 1, types.EdgeCall, 1, 0.5),
		}, 0)
	require.NoError(t, err)

	once, removed, err := BreakCycles(g)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	twice, removedAgain, err := BreakCycles(once)
	require.NoError(t, err)
	assert.Empty(t, removedAgain)
	assert.Len(t, twice.Edges(), len(once.Edges()))
}

func TestBreakCyclesLeavesOriginalGraphIntact(t *testing.T) {
	g, err := Build(
		[]types.Atom{atom(1), atom(2)},
		[]types.Edge{
			edge(1, 2, types.EdgeCall, 1, 1),
			edge(2, 1, types.EdgeCall, 1, 0.5),
		}, 0)
	require.NoError(t, err)

	_, _, err = BreakCycles(g)
	require.NoError(t, err)
	assert.Len(t, g.Edges(), 2)
	assert.False(t, g.Acyclic())
}
