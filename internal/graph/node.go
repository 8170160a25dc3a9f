package graph

import (
	"context"
	"log/slog"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/derror"
)

// NodeDefinition is the definition a node invokes: either a leaf
// OpDefinition or a nested GraphDefinition.
type NodeDefinition interface {
	DefName() string
	InputDefs() []InputDef
	OutputDefs() []OutputDef

	isNodeDefinition()
}

// InputDef declares a typed input of an op or graph.
type InputDef struct {
	Name string
	// Type is the cty type of the value flowing in. cty.DynamicPseudoType
	// disables checking.
	Type cty.Type
	// Default, when non-nil, satisfies the input if nothing is connected.
	Default *cty.Value
}

// HasDefault reports whether the input can be left unconnected.
func (d InputDef) HasDefault() bool {
	return d.Default != nil
}

// OutputDef declares a typed output of an op or graph.
type OutputDef struct {
	Name string
	Type cty.Type
	// IsDynamic marks an output that fans out into an unbounded set of
	// mapping-keyed values at runtime.
	IsDynamic bool
}

// Inputs carries the resolved input values handed to an op body, keyed by
// input name.
type Inputs map[string]any

// OutputValue is one value produced by an op body. MappingKey is set only
// for values emitted through a dynamic output.
type OutputValue struct {
	Output     string
	Value      any
	MappingKey string
}

// OpContext is the per-step context handed to an op body.
type OpContext struct {
	Logger       *slog.Logger
	Resources    map[string]any
	Config       cty.Value
	RunID        string
	StepKey      string
	PartitionKey string
}

// ComputeFn is a one-shot op body: consume inputs, return every output.
type ComputeFn func(ctx context.Context, oc *OpContext, in Inputs) ([]OutputValue, error)

// StreamFn is the lazy op body variant: outputs are emitted one at a time
// through emit, which may be called any number of times before returning.
type StreamFn func(ctx context.Context, oc *OpContext, in Inputs, emit func(OutputValue) error) error

// OpSpec is the construction argument for NewOp.
type OpSpec struct {
	Name    string
	Ins     []InputDef
	Outs    []OutputDef
	Compute ComputeFn
	Stream  StreamFn
	// ConfigSchema, when non-nil object type, contributes a per-op section
	// to the job's run-config schema.
	ConfigSchema *cty.Type
	// RequiredResourceKeys are resource keys the body reads from its context.
	RequiredResourceKeys []string
	Tags                 map[string]string
}

// OpDefinition is a leaf computation unit. Immutable once constructed.
type OpDefinition struct {
	name                 string
	ins                  []InputDef
	outs                 []OutputDef
	compute              ComputeFn
	stream               StreamFn
	configSchema         *cty.Type
	requiredResourceKeys []string
	tags                 map[string]string
}

// NewOp validates an OpSpec and constructs the immutable definition.
func NewOp(spec OpSpec) (*OpDefinition, error) {
	if spec.Name == "" {
		return nil, derror.Definitionf("op definition requires a name")
	}
	if spec.Compute == nil && spec.Stream == nil {
		return nil, derror.Definitionf("op %q: exactly one of Compute or Stream must be set", spec.Name)
	}
	if spec.Compute != nil && spec.Stream != nil {
		return nil, derror.Definitionf("op %q: Compute and Stream are mutually exclusive", spec.Name)
	}
	seen := map[string]bool{}
	for _, in := range spec.Ins {
		if seen[in.Name] {
			return nil, derror.Definitionf("op %q: duplicate input %q", spec.Name, in.Name)
		}
		seen[in.Name] = true
	}
	seen = map[string]bool{}
	for _, out := range spec.Outs {
		if seen[out.Name] {
			return nil, derror.Definitionf("op %q: duplicate output %q", spec.Name, out.Name)
		}
		seen[out.Name] = true
	}
	return &OpDefinition{
		name:                 spec.Name,
		ins:                  spec.Ins,
		outs:                 spec.Outs,
		compute:              spec.Compute,
		stream:               spec.Stream,
		configSchema:         spec.ConfigSchema,
		requiredResourceKeys: spec.RequiredResourceKeys,
		tags:                 spec.Tags,
	}, nil
}

// MustOp is NewOp that panics on error, for declaration-time construction.
func MustOp(spec OpSpec) *OpDefinition {
	op, err := NewOp(spec)
	if err != nil {
		panic(err)
	}
	return op
}

func (o *OpDefinition) DefName() string         { return o.name }
func (o *OpDefinition) InputDefs() []InputDef   { return o.ins }
func (o *OpDefinition) OutputDefs() []OutputDef { return o.outs }
func (o *OpDefinition) isNodeDefinition()       {}

// ConfigSchema returns the op's config object type, or nil.
func (o *OpDefinition) ConfigSchema() *cty.Type { return o.configSchema }

// RequiredResourceKeys returns the resource keys the op body consumes.
func (o *OpDefinition) RequiredResourceKeys() []string { return o.requiredResourceKeys }

// Tags returns the op's static tags.
func (o *OpDefinition) Tags() map[string]string { return o.tags }

// Compute runs the op body, flattening the streaming variant into a slice.
func (o *OpDefinition) Compute(ctx context.Context, oc *OpContext, in Inputs) ([]OutputValue, error) {
	if o.compute != nil {
		return o.compute(ctx, oc, in)
	}
	var collected []OutputValue
	err := o.stream(ctx, oc, in, func(v OutputValue) error {
		collected = append(collected, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collected, nil
}

// IsStreaming reports whether the op body emits outputs lazily.
func (o *OpDefinition) IsStreaming() bool { return o.stream != nil }

// Stream runs the lazy body directly; for one-shot bodies it adapts the
// slice return into a sequence of emit calls.
func (o *OpDefinition) Stream(ctx context.Context, oc *OpContext, in Inputs, emit func(OutputValue) error) error {
	if o.stream != nil {
		return o.stream(ctx, oc, in, emit)
	}
	outs, err := o.compute(ctx, oc, in)
	if err != nil {
		return err
	}
	for _, v := range outs {
		if err := emit(v); err != nil {
			return err
		}
	}
	return nil
}

// Node is a named invocation of a definition inside a graph. Immutable.
type Node struct {
	name string
	def  NodeDefinition
}

// NewNode binds a definition to an instance name within a graph.
func NewNode(name string, def NodeDefinition) *Node {
	return &Node{name: name, def: def}
}

// Name is the node's instance name, unique within its enclosing graph.
func (n *Node) Name() string { return n.name }

// Definition returns the invoked definition.
func (n *Node) Definition() NodeDefinition { return n.def }

// IsGraph reports whether the node invokes a nested graph.
func (n *Node) IsGraph() bool {
	_, ok := n.def.(*GraphDefinition)
	return ok
}

// GraphDef returns the nested graph definition, or nil for op nodes.
func (n *Node) GraphDef() *GraphDefinition {
	if g, ok := n.def.(*GraphDefinition); ok {
		return g
	}
	return nil
}

// OpDef returns the leaf op definition, or nil for graph nodes.
func (n *Node) OpDef() *OpDefinition {
	if o, ok := n.def.(*OpDefinition); ok {
		return o
	}
	return nil
}
