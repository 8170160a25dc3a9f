// Package plan compiles a job definition plus resolved run config into an
// ordered list of concrete steps. Graph nodes expand recursively into
// leaf steps with handle-qualified keys ("parent.child"); each step input
// resolves to the upstream step-output handles feeding it. A plan is
// immutable once built and is never shared between runs.
package plan

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/graph"
	"github.com/vk/dagrun/internal/job"
)

// OutputRef addresses one step output within a plan.
type OutputRef struct {
	StepKey string
	Output  string
}

func (r OutputRef) String() string { return r.StepKey + ":" + r.Output }

// InputKind discriminates how a step input gets its value.
type InputKind int

const (
	// InputKindStepOutput reads a single upstream output.
	InputKindStepOutput InputKind = iota
	// InputKindFanIn reads an ordered list of upstream outputs.
	InputKindFanIn
	// InputKindDynamicCollect gathers every mapping-keyed value of a
	// dynamic upstream output, ordered by mapping key.
	InputKindDynamicCollect
	// InputKindPendingDynamic stays unresolved until runtime: the step
	// executes once per mapping key of the dynamic upstream output.
	InputKindPendingDynamic
	// InputKindValue is a literal resolved at build time (input value or
	// declared default).
	InputKindValue
)

// StepInput is one resolved input of a step.
type StepInput struct {
	Name    string
	Kind    InputKind
	Handle  OutputRef   // StepOutput, DynamicCollect, PendingDynamic
	Handles []OutputRef // FanIn, ordered
	Value   cty.Value   // Value
}

// upstreamRefs lists every output ref the input reads.
func (in StepInput) upstreamRefs() []OutputRef {
	switch in.Kind {
	case InputKindStepOutput, InputKindDynamicCollect, InputKindPendingDynamic:
		return []OutputRef{in.Handle}
	case InputKindFanIn:
		return in.Handles
	}
	return nil
}

// StepKind distinguishes computed steps from source steps whose outputs
// are assumed already materialized by a prior run.
type StepKind int

const (
	StepKindCompute StepKind = iota
	StepKindSource
)

// Step is one executable unit of a plan.
type Step struct {
	// Key is the globally unique, handle-qualified step key.
	Key string
	// NodeName is the leaf node's name within its enclosing graph.
	NodeName string
	Op       *graph.OpDefinition
	Kind     StepKind
	Inputs   []StepInput
	Outputs  []graph.OutputDef
	// Config is the step's resolved op config, cty.NilVal when the op
	// declares no schema.
	Config cty.Value
}

// UpstreamStepKeys returns the distinct keys of steps feeding this one.
func (s *Step) UpstreamStepKeys() []string {
	seen := map[string]bool{}
	var out []string
	for _, in := range s.Inputs {
		for _, ref := range in.upstreamRefs() {
			if !seen[ref.StepKey] {
				seen[ref.StepKey] = true
				out = append(out, ref.StepKey)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Plan is the compiled execution plan for one run.
type Plan struct {
	jobName    string
	steps      []*Step // topological order, source steps included
	byKey      map[string]*Step
	snapshotID string
}

// JobName returns the name of the job the plan was built from.
func (p *Plan) JobName() string { return p.jobName }

// Steps returns every step in topological order.
func (p *Plan) Steps() []*Step { return p.steps }

// ExecutableSteps returns the compute steps in topological order.
func (p *Plan) ExecutableSteps() []*Step {
	var out []*Step
	for _, s := range p.steps {
		if s.Kind == StepKindCompute {
			out = append(out, s)
		}
	}
	return out
}

// Step looks up a step by key.
func (p *Plan) Step(key string) (*Step, bool) {
	s, ok := p.byKey[key]
	return s, ok
}

// StepKeys returns every step key in topological order.
func (p *Plan) StepKeys() []string {
	keys := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		keys = append(keys, s.Key)
	}
	return keys
}

// SnapshotID is the stable content hash of the plan's structure.
func (p *Plan) SnapshotID() string { return p.snapshotID }

// KnownState carries prior-execution state for re-execution planning:
// outputs already materialized by the run being retried.
type KnownState struct {
	ReadyOutputs map[OutputRef]bool
}

// Options tune plan construction.
type Options struct {
	// StepKeysToExecute prunes the plan to exactly these steps; producers
	// outside the subset become source steps.
	StepKeysToExecute []string
	// KnownState, when set with StepKeysToExecute, restricts source steps
	// to outputs the prior run actually materialized.
	KnownState *KnownState
}

// Build compiles a plan from a job and raw run config.
func Build(j *job.Definition, rc config.RunConfig, opts Options) (*Plan, error) {
	resolved, err := j.ResolveConfig(rc)
	if err != nil {
		return nil, err
	}
	return buildResolved(j, resolved, opts)
}

func buildResolved(j *job.Definition, resolved *config.Resolved, opts Options) (*Plan, error) {
	b := &builder{job: j, resolved: resolved}
	if _, err := b.compileGraph(j.Graph(), "", nil); err != nil {
		return nil, err
	}
	p := &Plan{jobName: j.Name(), steps: b.steps, byKey: map[string]*Step{}}
	for _, s := range b.steps {
		p.byKey[s.Key] = s
	}
	if len(opts.StepKeysToExecute) > 0 {
		if err := p.prune(opts.StepKeysToExecute, opts.KnownState); err != nil {
			return nil, err
		}
	}
	p.snapshotID = snapshotID(p, j)
	return p, nil
}

type builder struct {
	job      *job.Definition
	resolved *config.Resolved
	steps    []*Step
}

// outRef is a scope-level resolution of a node output to a concrete step
// output, carrying dynamism through nested graph boundaries.
type outRef struct {
	ref     OutputRef
	dynamic bool
}

func qualify(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// compileGraph emits steps for one graph scope and returns the refs its
// mapped outputs resolve to, keyed by graph output name. external binds
// the scope's graph inputs to inputs resolved in the parent scope.
func (b *builder) compileGraph(g *graph.GraphDefinition, prefix string, external map[string]StepInput) (map[string]outRef, error) {
	produced := map[graph.OutputHandle]outRef{}

	for _, node := range g.NodesInTopologicalOrder() {
		inputs, err := b.resolveInputs(g, node, prefix, produced, external)
		if err != nil {
			return nil, err
		}

		if nested := node.GraphDef(); nested != nil {
			inner := map[string]StepInput{}
			for i := range inputs {
				inner[inputs[i].Name] = inputs[i]
			}
			exported, err := b.compileGraph(nested, qualify(prefix, node.Name()), inner)
			if err != nil {
				return nil, err
			}
			for name, ref := range exported {
				produced[graph.OutputHandle{Node: node.Name(), Output: name}] = ref
			}
			continue
		}

		op := node.OpDef()
		key := qualify(prefix, node.Name())
		step := &Step{
			Key:      key,
			NodeName: node.Name(),
			Op:       op,
			Kind:     StepKindCompute,
			Inputs:   inputs,
			Outputs:  op.OutputDefs(),
			Config:   b.resolved.OpConfig(key),
		}
		b.steps = append(b.steps, step)
		for _, out := range op.OutputDefs() {
			produced[graph.OutputHandle{Node: node.Name(), Output: out.Name}] = outRef{
				ref:     OutputRef{StepKey: key, Output: out.Name},
				dynamic: out.IsDynamic,
			}
		}
	}

	exported := map[string]outRef{}
	for _, om := range g.OutputMappings() {
		ref, ok := produced[graph.OutputHandle{Node: om.Node, Output: om.NodeOutput}]
		if !ok {
			return nil, derror.Invariantf("graph %q output mapping %q refers to unproduced %s.%s",
				g.DefName(), om.GraphOutput, om.Node, om.NodeOutput)
		}
		exported[om.GraphOutput] = ref
	}
	return exported, nil
}

func (b *builder) resolveInputs(
	g *graph.GraphDefinition,
	node *graph.Node,
	prefix string,
	produced map[graph.OutputHandle]outRef,
	external map[string]StepInput,
) ([]StepInput, error) {
	deps := g.DependenciesOf(node.Name())
	var out []StepInput

	for _, in := range node.Definition().InputDefs() {
		if dep, ok := deps[in.Name]; ok {
			resolved, err := b.resolveDep(g, node.Name(), in.Name, dep, produced)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
			continue
		}
		if ext, ok := externalInput(g, node.Name(), in.Name, external); ok {
			ext.Name = in.Name
			out = append(out, ext)
			continue
		}
		if prefix == "" {
			if raw, ok := b.job.InputValues()[in.Name]; ok {
				v, err := config.GoToCty(raw, in.Type)
				if err != nil {
					return nil, fmt.Errorf("input value %q for node %q: %w", in.Name, node.Name(), err)
				}
				out = append(out, StepInput{Name: in.Name, Kind: InputKindValue, Value: v})
				continue
			}
		}
		if in.HasDefault() {
			out = append(out, StepInput{Name: in.Name, Kind: InputKindValue, Value: *in.Default})
			continue
		}
		return nil, derror.Definitionf("input %q of node %q in graph %q is unconnected and has no default",
			in.Name, node.Name(), g.DefName())
	}
	return out, nil
}

func (b *builder) resolveDep(
	g *graph.GraphDefinition,
	nodeName, inputName string,
	dep graph.Dependency,
	produced map[graph.OutputHandle]outRef,
) (StepInput, error) {
	lookup := func(h graph.OutputHandle) (outRef, error) {
		ref, ok := produced[h]
		if !ok {
			return outRef{}, derror.Invariantf("graph %q: input %s.%s depends on unproduced output %s",
				g.DefName(), nodeName, inputName, h)
		}
		return ref, nil
	}

	switch dep.Kind {
	case graph.DependencyDirect:
		ref, err := lookup(dep.Upstreams[0])
		if err != nil {
			return StepInput{}, err
		}
		kind := InputKindStepOutput
		if ref.dynamic {
			kind = InputKindPendingDynamic
		}
		return StepInput{Name: inputName, Kind: kind, Handle: ref.ref}, nil

	case graph.DependencyFanIn:
		refs := make([]OutputRef, 0, len(dep.Upstreams))
		for _, h := range dep.Upstreams {
			ref, err := lookup(h)
			if err != nil {
				return StepInput{}, err
			}
			refs = append(refs, ref.ref)
		}
		return StepInput{Name: inputName, Kind: InputKindFanIn, Handles: refs}, nil

	case graph.DependencyDynamicFanIn:
		ref, err := lookup(dep.Upstreams[0])
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Name: inputName, Kind: InputKindDynamicCollect, Handle: ref.ref}, nil
	}
	return StepInput{}, derror.Invariantf("unknown dependency kind %v", dep.Kind)
}

// externalInput finds the parent-scope input bound to a node input via
// the graph's input mappings.
func externalInput(g *graph.GraphDefinition, nodeName, inputName string, external map[string]StepInput) (StepInput, bool) {
	for _, im := range g.InputMappings() {
		if im.Node == nodeName && im.NodeInput == inputName {
			in, ok := external[im.GraphInput]
			return in, ok
		}
	}
	return StepInput{}, false
}

// prune restricts execution to the given step keys. Steps outside the
// subset whose outputs are still needed become source steps; everything
// else is dropped.
func (p *Plan) prune(stepKeys []string, known *KnownState) error {
	execute := map[string]bool{}
	for _, k := range stepKeys {
		if _, ok := p.byKey[k]; !ok {
			return derror.Definitionf("step key %q not in plan for job %q", k, p.jobName)
		}
		execute[k] = true
	}

	needed := map[string]bool{}
	for _, s := range p.steps {
		if !execute[s.Key] {
			continue
		}
		for _, in := range s.Inputs {
			for _, ref := range in.upstreamRefs() {
				if !execute[ref.StepKey] {
					if known != nil && !known.ReadyOutputs[ref] {
						return derror.Definitionf(
							"step %q needs output %s which is neither selected for execution nor known to be materialized",
							s.Key, ref)
					}
					needed[ref.StepKey] = true
				}
			}
		}
	}

	var kept []*Step
	byKey := map[string]*Step{}
	for _, s := range p.steps {
		switch {
		case execute[s.Key]:
		case needed[s.Key]:
			s.Kind = StepKindSource
		default:
			continue
		}
		kept = append(kept, s)
		byKey[s.Key] = s
	}
	p.steps = kept
	p.byKey = byKey
	return nil
}
