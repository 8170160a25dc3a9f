package graph

import (
	"github.com/vk/dagrun/internal/derror"
)

// SelectionNode marks a node as fully selected, or partially selected with
// a nested selection into its sub-graph.
type SelectionNode struct {
	Entire bool
	Nested SelectionTree
}

// SelectionTree maps node names to their selection state. It is the
// concrete output of the external selection DSL resolver.
type SelectionTree map[string]SelectionNode

// SelectEntire builds a tree that fully selects the given node names.
func SelectEntire(names ...string) SelectionTree {
	tree := make(SelectionTree, len(names))
	for _, name := range names {
		tree[name] = SelectionNode{Entire: true}
	}
	return tree
}

// UnconnectedInputPolicy decides what happens when subsetting drops the
// upstream producer of a connected input.
type UnconnectedInputPolicy int

const (
	// FailUnlessSatisfiable rejects the subset unless the orphaned input
	// carries a default value.
	FailUnlessSatisfiable UnconnectedInputPolicy = iota
	// AllowUnconnected silently drops the edge; the input is expected to be
	// satisfied via config or a default at plan time.
	AllowUnconnected
)

// Subselect returns a new graph containing only the selected nodes, with
// dependencies and mappings filtered to reference only survivors. The
// receiver is never mutated. Selecting every node returns an equivalent
// graph, so the operation is idempotent for a fixed selection.
func (g *GraphDefinition) Subselect(sel SelectionTree, policy UnconnectedInputPolicy) (*GraphDefinition, error) {
	for name := range sel {
		if !g.HasNode(name) {
			return nil, derror.Definitionf("graph %q has no node %q to select", g.name, name)
		}
	}

	kept := make([]*Node, 0, len(sel))
	keptNames := map[string]bool{}
	for _, n := range g.nodes {
		state, ok := sel[n.Name()]
		if !ok {
			continue
		}
		if state.Entire || n.GraphDef() == nil {
			kept = append(kept, n)
		} else {
			subGraph, err := n.GraphDef().Subselect(state.Nested, policy)
			if err != nil {
				return nil, err
			}
			kept = append(kept, NewNode(n.Name(), subGraph))
		}
		keptNames[n.Name()] = true
	}

	keptByName := make(map[string]*Node, len(kept))
	for _, n := range kept {
		keptByName[n.Name()] = n
	}

	newDeps := DependencySet{}
	for _, n := range kept {
		for inputName, dep := range g.deps[n.Name()] {
			var surviving []OutputHandle
			for _, h := range dep.Upstreams {
				upstream, ok := keptByName[h.Node]
				if !ok {
					continue
				}
				// A nested subselect may have dropped the mapped output the
				// handle pointed at; treat that like a dropped upstream.
				if _, ok := outputDef(upstream.Definition(), h.Output); !ok {
					continue
				}
				surviving = append(surviving, h)
			}
			if len(surviving) == 0 {
				in, _ := inputDef(n.Definition(), inputName)
				if policy == FailUnlessSatisfiable && !in.HasDefault() {
					return nil, derror.Definitionf(
						"subset drops the producer of input %q on node %q, and the input has no default",
						inputName, n.Name())
				}
				continue
			}
			if newDeps[n.Name()] == nil {
				newDeps[n.Name()] = map[string]Dependency{}
			}
			newDeps[n.Name()][inputName] = Dependency{Kind: dep.Kind, Upstreams: surviving}
		}
	}

	var newInputMappings []InputMapping
	for _, m := range g.inputMappings {
		n, ok := keptByName[m.Node]
		if !ok {
			continue
		}
		if _, ok := inputDef(n.Definition(), m.NodeInput); !ok {
			continue
		}
		newInputMappings = append(newInputMappings, m)
	}

	var newOutputMappings []OutputMapping
	for _, m := range g.outputMappings {
		n, ok := keptByName[m.Node]
		if !ok {
			continue
		}
		if _, ok := outputDef(n.Definition(), m.NodeOutput); !ok {
			continue
		}
		newOutputMappings = append(newOutputMappings, m)
	}

	return NewGraph(g.name, kept, newDeps, newInputMappings, newOutputMappings)
}
