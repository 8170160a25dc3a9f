// Package selection resolves step-selection clauses like "some_op",
// "*some_op" or "some_op++" into a concrete node-name inclusion mapping
// over a graph. The full query grammar lives outside the core; this
// package covers the clause forms the core consumes.
package selection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/graph"
)

var clauseRe = regexp.MustCompile(`^(\*|\+*)?([\w.-]+)(\*|\+*)?$`)

// Resolve expands a list of clauses against a graph and returns the
// selection tree containing every matched node, fully included. Failures
// are reported as *derror.InvalidSubsetError.
func Resolve(g *graph.GraphDefinition, clauses []string) (graph.SelectionTree, error) {
	selected := map[string]bool{}
	for _, clause := range clauses {
		names, err := resolveClause(g, clause)
		if err != nil {
			return nil, &derror.InvalidSubsetError{Query: strings.Join(clauses, ","), Err: err}
		}
		for _, name := range names {
			selected[name] = true
		}
	}
	tree := graph.SelectionTree{}
	for name := range selected {
		tree[name] = graph.SelectionNode{Entire: true}
	}
	return tree, nil
}

func resolveClause(g *graph.GraphDefinition, clause string) ([]string, error) {
	m := clauseRe.FindStringSubmatch(clause)
	if m == nil {
		return nil, fmt.Errorf("malformed selection clause %q", clause)
	}
	up, name, down := m[1], m[2], m[3]

	if !g.HasNode(name) {
		return nil, fmt.Errorf("no node named %q", name)
	}

	names := []string{name}
	names = append(names, traverse(g, name, up, g.UpstreamNodeNames)...)
	names = append(names, traverse(g, name, down, g.DownstreamNodeNames)...)
	return names, nil
}

// traverse walks the graph from start through next, either unbounded ("*")
// or depth-limited (one level per "+").
func traverse(g *graph.GraphDefinition, start, marker string, next func(string) []string) []string {
	if marker == "" {
		return nil
	}
	depth := len(marker)
	unbounded := marker == "*"

	visited := map[string]bool{start: true}
	var out []string
	frontier := []string{start}
	for level := 0; len(frontier) > 0 && (unbounded || level < depth); level++ {
		var nextFrontier []string
		for _, name := range frontier {
			for _, neighbor := range next(name) {
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				out = append(out, neighbor)
				nextFrontier = append(nextFrontier, neighbor)
			}
		}
		frontier = nextFrontier
	}
	return out
}
