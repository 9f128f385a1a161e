package service

import (
	"context"
	"sort"
	"strings"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// Satisfied reports whether every predecessor of node is COMPLETED or
// SKIPPED, reading the current transaction. A predecessor id that no longer
// resolves to a node is not satisfied.
func Satisfied(ctx context.Context, tx repository.Tx, node *repository.NodeInstance) (bool, error) {
	if len(node.DependencyIDs) == 0 {
		return true, nil
	}

	preds, err := tx.GetNodesByIDs(ctx, node.DependencyIDs)
	if err != nil {
		return false, err
	}
	found := make(map[string]bool, len(preds))
	for _, p := range preds {
		if !p.Status.Done() {
			return false, nil
		}
		found[p.ID] = true
	}
	for _, id := range node.DependencyIDs {
		if !found[id] {
			return false, nil
		}
	}
	return true, nil
}

// Graph is an arena adjacency list of node dependencies: each node id maps
// to a slot, and preds[slot] lists predecessor slots in declared order.
type Graph struct {
	index map[string]int
	ids   []string
	preds [][]int
}

// NewGraph builds a graph from nodes. Predecessor ids that are not among
// nodes get their own slots with no edges.
func NewGraph(nodes []*repository.NodeInstance) *Graph {
	g := &Graph{index: make(map[string]int, len(nodes))}
	for _, n := range nodes {
		g.slot(n.ID)
	}
	for _, n := range nodes {
		g.SetPredecessors(n.ID, n.DependencyIDs)
	}
	return g
}

func (g *Graph) slot(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.index[id] = i
	g.ids = append(g.ids, id)
	g.preds = append(g.preds, nil)
	return i
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Predecessors returns id's predecessor ids in declared order.
func (g *Graph) Predecessors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(g.preds[i]))
	for k, p := range g.preds[i] {
		out[k] = g.ids[p]
	}
	return out
}

// SetPredecessors replaces id's predecessor list.
func (g *Graph) SetPredecessors(id string, preds []string) {
	i := g.slot(id)
	edges := make([]int, 0, len(preds))
	for _, p := range preds {
		edges = append(edges, g.slot(p))
	}
	g.preds[i] = edges
}

// AddPredecessor appends pred to id's predecessors unless already present.
func (g *Graph) AddPredecessor(id, pred string) {
	i, p := g.slot(id), g.slot(pred)
	for _, existing := range g.preds[i] {
		if existing == p {
			return
		}
	}
	g.preds[i] = append(g.preds[i], p)
}

// FindCycle returns the ids along one dependency cycle, or nil when the
// graph is acyclic.
func (g *Graph) FindCycle() []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	var cycle []string

	var dfs func(n int) bool
	dfs = func(n int) bool {
		state[n] = visiting
		for _, p := range g.preds[n] {
			switch state[p] {
			case visiting:
				cycle = []string{g.ids[p]}
				for cur := n; cur != p; cur = parent[cur] {
					cycle = append(cycle, g.ids[cur])
				}
				cycle = append(cycle, g.ids[p])
				return true
			case unvisited:
				parent[p] = n
				if dfs(p) {
					return true
				}
			}
		}
		state[n] = visited
		return false
	}

	for n := range g.ids {
		if state[n] == unvisited && dfs(n) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns ids so that every node follows its predecessors.
// Ties are broken by id for a stable result.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make([]int, len(g.ids))
	succs := make([][]int, len(g.ids))
	for n, preds := range g.preds {
		indegree[n] = len(preds)
		for _, p := range preds {
			succs[p] = append(succs[p], n)
		}
	}

	var ready []int
	for n, d := range indegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(g.ids))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return g.ids[ready[a]] < g.ids[ready[b]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, g.ids[n])
		for _, s := range succs[n] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}

	if len(order) != len(g.ids) {
		return nil, cycleError(g.FindCycle())
	}
	return order, nil
}

func cycleError(cycle []string) error {
	return errors.InvalidInput("dependency_ids", "circular dependency detected").
		WithDetail("cycle", strings.Join(cycle, " -> "))
}

// loadGraph builds the dependency graph around seed, pulling in every
// transitive predecessor from the transaction so cross-stage edges are
// covered.
func loadGraph(ctx context.Context, tx repository.Tx, seed []*repository.NodeInstance) (*Graph, error) {
	g := NewGraph(seed)
	known := make(map[string]bool, len(seed))
	for _, n := range seed {
		known[n.ID] = true
	}

	frontier := make([]string, 0)
	for _, n := range seed {
		for _, dep := range n.DependencyIDs {
			if !known[dep] {
				frontier = append(frontier, dep)
				known[dep] = true
			}
		}
	}

	for len(frontier) > 0 {
		nodes, err := tx.GetNodesByIDs(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, n := range nodes {
			g.SetPredecessors(n.ID, n.DependencyIDs)
			for _, dep := range n.DependencyIDs {
				if !known[dep] {
					frontier = append(frontier, dep)
					known[dep] = true
				}
			}
		}
	}
	return g, nil
}
