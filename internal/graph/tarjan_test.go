package graph

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveforge/internal/types"
)

func TestSCCsFindsOnlyNonTrivialComponents(t *testing.T) {
	// 1<->2 form a component; 3 is a free rider; 4 has a self-loop.
	g, err := Build(
		[]types.Atom{atom(1), atom(2), atom(3), atom(4)},
		[]types.Edge{
			edge(1, 2, types.EdgeCall, 1, 1),
			edge(2, 1, types.EdgeCall, 1, 1),
			edge(2, 3, types.EdgeCall, 1, 1),
			edge(4, 4, types.EdgeCall, 1, 1),
		}, 0)
	require.NoError(t, err)

	sccs := g.SCCs()
	require.Len(t, sccs, 2)

	var sizes []int
	for _, c := range sccs {
		sizes = append(sizes, len(c))
	}
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestSCCsEmptyOnDAG(t *testing.T) {
	g, err := Build(
		[]types.Atom{atom(1), atom(2)},
		[]types.Edge{edge(1, 2, types.EdgeCall, 1, 1)}, 0)
	require.NoError(t, err)
	assert.Empty(t, g.SCCs())
}
