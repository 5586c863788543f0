package library

import (
	"slices"

	"github.com/roach88/fhirengine/internal/resource"
)

// Graph is an explicit adjacency structure over library identifiers.
// Edges point from a library to the libraries it depends on.
type Graph struct {
	edges map[string][]string
	defs  map[string]Definition
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		edges: make(map[string][]string),
		defs:  make(map[string]Definition),
	}
}

// add registers d as a node. It reports whether the node is new.
func (g *Graph) add(d Definition) bool {
	k := key(d)
	if _, ok := g.defs[k]; ok {
		return false
	}
	g.defs[k] = d
	if g.edges[k] == nil {
		g.edges[k] = []string{}
	}
	return true
}

// Link adds the edge from -> to, creating nodes as needed. Duplicate
// edges are ignored.
func (g *Graph) Link(from, to string) {
	if g.edges[to] == nil {
		g.edges[to] = []string{}
	}
	if !slices.Contains(g.edges[from], to) {
		g.edges[from] = append(g.edges[from], to)
	}
}

type color int

const (
	white color = iota // unvisited
	grey               // on the current DFS path
	black              // finished
)

// Order returns root and its transitive dependencies, dependencies before
// dependents. Among libraries whose dependencies are all placed, the one
// with the smallest identifier goes first, so the order is the same on
// every call for the same graph.
//
// A cycle reachable from root fails with a CyclicDependencyError naming
// the cycle, e.g. "A -> B -> A".
func (g *Graph) Order(root string) ([]string, error) {
	reach, err := g.reachable(root)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]int, len(reach))
	dependents := make(map[string][]string, len(reach))
	for _, n := range reach {
		pending[n] = len(g.edges[n])
		for _, dep := range g.edges[n] {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var ready, order []string
	for _, n := range reach {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}
	for len(ready) > 0 {
		slices.SortFunc(ready, resource.CompareUTF16)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			pending[m]--
			if pending[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return order, nil
}

// reachable walks the graph from root with white/grey/black coloring and
// returns the visited nodes in identifier order.
func (g *Graph) reachable(root string) ([]string, error) {
	colors := make(map[string]color)
	var path []string

	var visit func(n string) error
	visit = func(n string) error {
		colors[n] = grey
		path = append(path, n)

		deps := slices.Clone(g.edges[n])
		slices.SortFunc(deps, resource.CompareUTF16)
		for _, dep := range deps {
			switch colors[dep] {
			case grey:
				start := slices.Index(path, dep)
				cycle := append(slices.Clone(path[start:]), dep)
				return resource.NewCyclicDependencyError(cycle)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		colors[n] = black
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}

	nodes := make([]string, 0, len(colors))
	for n := range colors {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, resource.CompareUTF16)
	return nodes, nil
}
