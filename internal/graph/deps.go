package graph

import "fmt"

// OutputHandle addresses one output of one node within a graph.
type OutputHandle struct {
	Node   string
	Output string
}

func (h OutputHandle) String() string {
	return fmt.Sprintf("%s:%s", h.Node, h.Output)
}

// DependencyKind distinguishes the edge variants.
type DependencyKind int

const (
	// DependencyDirect is a 1:1 edge from one upstream output.
	DependencyDirect DependencyKind = iota
	// DependencyFanIn collects an ordered, fixed list of upstream outputs
	// into one input.
	DependencyFanIn
	// DependencyDynamicFanIn collects the unbounded dynamic set produced by
	// one upstream dynamic output.
	DependencyDynamicFanIn
)

func (k DependencyKind) String() string {
	switch k {
	case DependencyDirect:
		return "direct"
	case DependencyFanIn:
		return "fan_in"
	case DependencyDynamicFanIn:
		return "dynamic_fan_in"
	default:
		return fmt.Sprintf("DependencyKind(%d)", int(k))
	}
}

// Dependency is a directed edge feeding one input of a node. For direct and
// dynamic fan-in edges Upstreams has exactly one entry; fan-in edges keep
// declaration order.
type Dependency struct {
	Kind      DependencyKind
	Upstreams []OutputHandle
}

// DirectDep builds a 1:1 dependency on an upstream output.
func DirectDep(node, output string) Dependency {
	return Dependency{Kind: DependencyDirect, Upstreams: []OutputHandle{{Node: node, Output: output}}}
}

// FanInDep builds an ordered multi-upstream dependency.
func FanInDep(handles ...OutputHandle) Dependency {
	return Dependency{Kind: DependencyFanIn, Upstreams: handles}
}

// DynamicFanInDep builds a dependency collecting a dynamic output's set.
func DynamicFanInDep(node, output string) Dependency {
	return Dependency{Kind: DependencyDynamicFanIn, Upstreams: []OutputHandle{{Node: node, Output: output}}}
}

// DependencySet maps node name -> input name -> dependency. It is the
// construction-time shape handed to NewGraph.
type DependencySet map[string]map[string]Dependency

// InputMapping exposes a nested graph's input by forwarding it to an input
// of an inner node.
type InputMapping struct {
	GraphInput string
	Node       string
	NodeInput  string
}

// OutputMapping exposes an inner node's output as an output of the graph.
type OutputMapping struct {
	GraphOutput string
	Node        string
	NodeOutput  string
}
