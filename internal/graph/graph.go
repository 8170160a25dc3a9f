// Package graph holds the structural DAG model: node definitions, the
// dependency structure between them, and the operations every other layer
// is built on — ordering, validation and subsetting. A GraphDefinition is
// built once and never mutated; subsetting produces a new projection.
package graph

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/derror"
)

// GraphDefinition owns a node set, its dependency structure, and the
// input/output mappings used when the graph is nested inside another one.
type GraphDefinition struct {
	name           string
	nodes          []*Node
	nodesByName    map[string]*Node
	deps           DependencySet
	inputMappings  []InputMapping
	outputMappings []OutputMapping

	// topo is computed once at construction; a cycle is a build failure.
	topo []*Node
}

// NewGraph validates the structure and builds an immutable graph. Nodes
// keep their declaration order, which is the tie-break for topological
// ordering.
func NewGraph(
	name string,
	nodes []*Node,
	deps DependencySet,
	inputMappings []InputMapping,
	outputMappings []OutputMapping,
) (*GraphDefinition, error) {
	if name == "" {
		return nil, derror.Definitionf("graph definition requires a name")
	}

	byName := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name()]; dup {
			return nil, derror.Definitionf("graph %q: duplicate node name %q", name, n.Name())
		}
		byName[n.Name()] = n
	}

	g := &GraphDefinition{
		name:           name,
		nodes:          nodes,
		nodesByName:    byName,
		deps:           deps,
		inputMappings:  inputMappings,
		outputMappings: outputMappings,
	}

	if err := g.validateDeps(); err != nil {
		return nil, err
	}
	if err := g.validateMappings(); err != nil {
		return nil, err
	}

	topo, err := g.computeTopologicalOrder()
	if err != nil {
		return nil, err
	}
	g.topo = topo

	return g, nil
}

// MustGraph is NewGraph that panics on error, for declaration-time wiring.
func MustGraph(
	name string,
	nodes []*Node,
	deps DependencySet,
	inputMappings []InputMapping,
	outputMappings []OutputMapping,
) *GraphDefinition {
	g, err := NewGraph(name, nodes, deps, inputMappings, outputMappings)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *GraphDefinition) validateDeps() error {
	for nodeName, byInput := range g.deps {
		downstream, ok := g.nodesByName[nodeName]
		if !ok {
			return derror.Definitionf("graph %q: dependency declared for unknown node %q", g.name, nodeName)
		}
		for inputName, dep := range byInput {
			if _, ok := inputDef(downstream.Definition(), inputName); !ok {
				return derror.Definitionf(
					"graph %q: node %q has no input %q to depend on", g.name, nodeName, inputName)
			}
			if len(dep.Upstreams) == 0 {
				return derror.Definitionf(
					"graph %q: dependency on input %q of node %q has no upstream", g.name, inputName, nodeName)
			}
			for _, h := range dep.Upstreams {
				upstream, ok := g.nodesByName[h.Node]
				if !ok {
					return derror.Definitionf(
						"graph %q: node %q input %q depends on unknown node %q",
						g.name, nodeName, inputName, h.Node)
				}
				out, ok := outputDef(upstream.Definition(), h.Output)
				if !ok {
					return derror.Definitionf(
						"graph %q: node %q input %q depends on unknown output %q of node %q",
						g.name, nodeName, inputName, h.Output, h.Node)
				}
				if dep.Kind == DependencyDynamicFanIn && !out.IsDynamic {
					return derror.Definitionf(
						"graph %q: dynamic fan-in on input %q of node %q requires a dynamic upstream output, got %q",
						g.name, inputName, nodeName, h.String())
				}
				if h.Node == nodeName {
					return derror.Definitionf("graph %q: node %q depends on itself", g.name, nodeName)
				}
			}
		}
	}
	return nil
}

func (g *GraphDefinition) validateMappings() error {
	for _, m := range g.inputMappings {
		n, ok := g.nodesByName[m.Node]
		if !ok {
			return derror.Definitionf(
				"graph %q: input mapping %q targets unknown node %q", g.name, m.GraphInput, m.Node)
		}
		if _, ok := inputDef(n.Definition(), m.NodeInput); !ok {
			return derror.Definitionf(
				"graph %q: input mapping %q targets unknown input %q of node %q",
				g.name, m.GraphInput, m.NodeInput, m.Node)
		}
	}
	for _, m := range g.outputMappings {
		n, ok := g.nodesByName[m.Node]
		if !ok {
			return derror.Definitionf(
				"graph %q: output mapping %q targets unknown node %q", g.name, m.GraphOutput, m.Node)
		}
		if _, ok := outputDef(n.Definition(), m.NodeOutput); !ok {
			return derror.Definitionf(
				"graph %q: output mapping %q targets unknown output %q of node %q",
				g.name, m.GraphOutput, m.NodeOutput, m.Node)
		}
	}
	return nil
}

// computeTopologicalOrder runs Kahn's algorithm; among ready nodes the
// declaration order decides, which keeps the result stable across calls.
func (g *GraphDefinition) computeTopologicalOrder() ([]*Node, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.Name()] = 0
	}
	for nodeName, byInput := range g.deps {
		seen := map[string]bool{}
		for _, dep := range byInput {
			for _, h := range dep.Upstreams {
				if seen[h.Node] {
					continue
				}
				seen[h.Node] = true
				indegree[nodeName]++
				dependents[h.Node] = append(dependents[h.Node], nodeName)
			}
		}
	}

	order := make([]*Node, 0, len(g.nodes))
	done := map[string]bool{}
	for len(order) < len(g.nodes) {
		progressed := false
		for _, n := range g.nodes {
			if done[n.Name()] || indegree[n.Name()] != 0 {
				continue
			}
			done[n.Name()] = true
			order = append(order, n)
			for _, dependent := range dependents[n.Name()] {
				indegree[dependent]--
			}
			progressed = true
		}
		if !progressed {
			for _, n := range g.nodes {
				if !done[n.Name()] {
					return nil, derror.Definitionf(
						"graph %q: cycle detected involving node %q", g.name, n.Name())
				}
			}
		}
	}
	return order, nil
}

// NodesInTopologicalOrder returns the cached deterministic ordering.
// Callers must not mutate the returned slice.
func (g *GraphDefinition) NodesInTopologicalOrder() []*Node {
	return g.topo
}

// Nodes returns the node set in declaration order.
func (g *GraphDefinition) Nodes() []*Node { return g.nodes }

// Node looks a node up by instance name.
func (g *GraphDefinition) Node(name string) (*Node, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// HasNode reports whether a node with the given name exists.
func (g *GraphDefinition) HasNode(name string) bool {
	_, ok := g.nodesByName[name]
	return ok
}

// DependenciesOf returns the dependency-by-input mapping for a node. The
// returned map must not be mutated.
func (g *GraphDefinition) DependenciesOf(nodeName string) map[string]Dependency {
	return g.deps[nodeName]
}

// UpstreamNodeNames returns the distinct upstream node names of a node.
func (g *GraphDefinition) UpstreamNodeNames(nodeName string) []string {
	seen := map[string]bool{}
	var out []string
	for _, dep := range g.deps[nodeName] {
		for _, h := range dep.Upstreams {
			if !seen[h.Node] {
				seen[h.Node] = true
				out = append(out, h.Node)
			}
		}
	}
	return out
}

// DownstreamNodeNames returns the distinct node names depending on a node.
func (g *GraphDefinition) DownstreamNodeNames(nodeName string) []string {
	var out []string
	for _, n := range g.nodes {
		for _, dep := range g.deps[n.Name()] {
			found := false
			for _, h := range dep.Upstreams {
				if h.Node == nodeName {
					found = true
					break
				}
			}
			if found {
				out = append(out, n.Name())
				break
			}
		}
	}
	return out
}

// InputMappings returns the graph's input mappings.
func (g *GraphDefinition) InputMappings() []InputMapping { return g.inputMappings }

// OutputMappings returns the graph's output mappings.
func (g *GraphDefinition) OutputMappings() []OutputMapping { return g.outputMappings }

func (g *GraphDefinition) DefName() string { return g.name }

// InputDefs derives the graph's inputs from its input mappings, carrying
// the type and default of the mapped inner input.
func (g *GraphDefinition) InputDefs() []InputDef {
	defs := make([]InputDef, 0, len(g.inputMappings))
	for _, m := range g.inputMappings {
		inner, _ := inputDef(g.nodesByName[m.Node].Definition(), m.NodeInput)
		defs = append(defs, InputDef{Name: m.GraphInput, Type: inner.Type, Default: inner.Default})
	}
	return defs
}

// OutputDefs derives the graph's outputs from its output mappings.
func (g *GraphDefinition) OutputDefs() []OutputDef {
	defs := make([]OutputDef, 0, len(g.outputMappings))
	for _, m := range g.outputMappings {
		inner, _ := outputDef(g.nodesByName[m.Node].Definition(), m.NodeOutput)
		defs = append(defs, OutputDef{Name: m.GraphOutput, Type: inner.Type, IsDynamic: inner.IsDynamic})
	}
	return defs
}

func (g *GraphDefinition) isNodeDefinition() {}

// RequiredResourceKeys walks the graph recursively and collects every
// resource key any leaf op requires.
func (g *GraphDefinition) RequiredResourceKeys() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(gd *GraphDefinition)
	walk = func(gd *GraphDefinition) {
		for _, n := range gd.nodes {
			if sub := n.GraphDef(); sub != nil {
				walk(sub)
				continue
			}
			for _, key := range n.OpDef().RequiredResourceKeys() {
				if !seen[key] {
					seen[key] = true
					out = append(out, key)
				}
			}
		}
	}
	walk(g)
	return out
}

func inputDef(def NodeDefinition, name string) (InputDef, bool) {
	for _, in := range def.InputDefs() {
		if in.Name == name {
			return in, true
		}
	}
	return InputDef{}, false
}

func outputDef(def NodeDefinition, name string) (OutputDef, bool) {
	for _, out := range def.OutputDefs() {
		if out.Name == name {
			return out, true
		}
	}
	return OutputDef{}, false
}

// LinearGraph is a convenience constructor for a chain a -> b -> c where
// each op's first input is fed by the previous op's first output. Ops with
// no inputs are simply appended without an edge.
func LinearGraph(name string, ops ...*OpDefinition) (*GraphDefinition, error) {
	nodes := make([]*Node, len(ops))
	deps := DependencySet{}
	for i, op := range ops {
		nodes[i] = NewNode(op.DefName(), op)
		if i == 0 {
			continue
		}
		prev := ops[i-1]
		if len(op.InputDefs()) > 0 && len(prev.OutputDefs()) > 0 {
			deps[op.DefName()] = map[string]Dependency{
				op.InputDefs()[0].Name: DirectDep(prev.DefName(), prev.OutputDefs()[0].Name),
			}
		}
	}
	return NewGraph(name, nodes, deps, nil, nil)
}

// Void is the cty type used by ops that produce a presence-only result.
var Void = cty.EmptyObject
