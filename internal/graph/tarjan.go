package graph

// Tarjan's strongly connected components, iterative so deep chains cannot
// blow the goroutine stack. Components come out in a deterministic order
// because node indices and adjacency are canonically ordered at build time.

// SCCs returns the strongly connected components with more than one node,
// as slices of dense node indices. Single-node components are returned only
// when the node carries a self-loop, since that is still a cycle.
func (g *Graph) SCCs() [][]int {
	n := len(g.atoms)
	const unvisited = -1

	indexOf := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range indexOf {
		indexOf[i] = unvisited
	}

	var (
		stack   []int
		next    int
		result  [][]int
		callSt  []frame
		selfRef = g.selfLoops()
	)

	for root := 0; root < n; root++ {
		if indexOf[root] != unvisited {
			continue
		}
		callSt = append(callSt[:0], frame{node: root})
		for len(callSt) > 0 {
			f := &callSt[len(callSt)-1]
			v := f.node
			if f.edge == 0 {
				indexOf[v] = next
				lowlink[v] = next
				next++
				stack = append(stack, v)
				onStack[v] = true
			}
			advanced := false
			for f.edge < len(g.out[v]) {
				ei := g.out[v][f.edge]
				f.edge++
				w := g.index[g.edges[ei].Dst]
				if indexOf[w] == unvisited {
					callSt = append(callSt, frame{node: w})
					advanced = true
					break
				}
				if onStack[w] && indexOf[w] < lowlink[v] {
					lowlink[v] = indexOf[w]
				}
			}
			if advanced {
				continue
			}
			// v is finished; pop and propagate lowlink to the caller.
			callSt = callSt[:len(callSt)-1]
			if len(callSt) > 0 {
				p := callSt[len(callSt)-1].node
				if lowlink[v] < lowlink[p] {
					lowlink[p] = lowlink[v]
				}
			}
			if lowlink[v] == indexOf[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				if len(comp) > 1 || selfRef[comp[0]] {
					result = append(result, comp)
				}
			}
		}
	}
	return result
}

type frame struct {
	node int
	edge int
}

func (g *Graph) selfLoops() []bool {
	loops := make([]bool, len(g.atoms))
	for _, e := range g.edges {
		if e.Src == e.Dst {
			loops[g.index[e.Src]] = true
		}
	}
	return loops
}
