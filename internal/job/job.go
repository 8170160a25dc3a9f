// Package job implements the definition layer: a JobDefinition wraps a
// graph with resource bindings, loggers, an executor choice, hooks, retry
// policy and optional partitioned config. Definitions are immutable; every
// derived form (subset selection, hook attachment, executor swap) produces
// a new instance.
package job

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/graph"
	"github.com/vk/dagrun/internal/resource"
	"github.com/vk/dagrun/internal/selection"
)

// ExecutorKind selects the pluggable step executor.
type ExecutorKind string

const (
	// ExecutorInProcess runs steps sequentially on the calling goroutine.
	ExecutorInProcess ExecutorKind = "in_process"
	// ExecutorMultithread runs independent steps on a worker pool.
	ExecutorMultithread ExecutorKind = "multithread"
)

// Spec is the construction argument for New.
type Spec struct {
	Graph *graph.GraphDefinition
	// Name defaults to the graph's name.
	Name      string
	Resources map[string]*resource.Definition
	Loggers   map[string]*slog.Logger
	Executor  ExecutorKind

	// At most one of ConfigMapping, DefaultConfig and Partitioned may be
	// set. DefaultConfig is a plain mapping auto-derived into a defaulting
	// config mapping, validated against the schema up front.
	ConfigMapping *config.Mapping
	DefaultConfig *config.RunConfig
	Partitioned   *config.PartitionedConfig

	Tags        map[string]string
	Hooks       []Hook
	Retry       *RetryPolicy
	InputValues map[string]any

	// Assets maps top-level node names to the asset keys they materialize,
	// enabling asset selection on the job.
	Assets map[string]asset.Key

	// UnconnectedPolicy governs subset operations that orphan an input.
	UnconnectedPolicy graph.UnconnectedInputPolicy
}

// subsetData records how a subset definition was derived from its parent.
type subsetData struct {
	parent         *Definition
	opSelection    []string
	assetSelection []asset.Key
}

// Definition is an executable job. Immutable after construction.
type Definition struct {
	name        string
	graph       *graph.GraphDefinition
	resources   map[string]*resource.Definition
	loggers     map[string]*slog.Logger
	executor    ExecutorKind
	mapping     *config.Mapping
	partitioned *config.PartitionedConfig
	tags        map[string]string
	hooks       []Hook
	retry       *RetryPolicy
	inputValues map[string]any
	assets      map[string]asset.Key
	policy      graph.UnconnectedInputPolicy

	subset *subsetData

	// schemaOnce guards the derived run-config schema; safe because the
	// definition never mutates after construction.
	schemaOnce sync.Once
	schema     *config.Schema
}

// New validates the spec and constructs a job definition.
func New(spec Spec) (*Definition, error) {
	if spec.Graph == nil {
		return nil, derror.Definitionf("job definition requires a graph")
	}
	name := spec.Name
	if name == "" {
		name = spec.Graph.DefName()
	}

	configVariants := 0
	if spec.ConfigMapping != nil {
		configVariants++
	}
	if spec.DefaultConfig != nil {
		configVariants++
	}
	if spec.Partitioned != nil {
		configVariants++
	}
	if configVariants > 1 {
		return nil, derror.Definitionf(
			"job %q: ConfigMapping, DefaultConfig and Partitioned are mutually exclusive", name)
	}

	resources := make(map[string]*resource.Definition, len(spec.Resources)+1)
	for key, def := range spec.Resources {
		resources[key] = def
	}
	if _, ok := resources[resource.DefaultIOManagerKey]; !ok {
		// Default I/O manager: a no-op pass-through marker resolved into a
		// concrete store by the executor.
		resources[resource.DefaultIOManagerKey] = resource.Static(nil)
	}

	d := &Definition{
		name:        name,
		graph:       spec.Graph,
		resources:   resources,
		loggers:     spec.Loggers,
		executor:    defaultExecutor(spec.Executor),
		mapping:     spec.ConfigMapping,
		partitioned: spec.Partitioned,
		tags:        spec.Tags,
		hooks:       spec.Hooks,
		retry:       spec.Retry,
		inputValues: spec.InputValues,
		assets:      spec.Assets,
		policy:      spec.UnconnectedPolicy,
	}

	if err := d.validateInputValues(); err != nil {
		return nil, err
	}
	if err := d.validateResourceRequirements(); err != nil {
		return nil, err
	}
	for nodeName := range spec.Assets {
		if !spec.Graph.HasNode(nodeName) {
			return nil, derror.Definitionf(
				"job %q: asset layer references unknown node %q", name, nodeName)
		}
	}

	if spec.DefaultConfig != nil {
		mapping, err := config.DefaultedMapping(d.RunConfigSchema(), *spec.DefaultConfig)
		if err != nil {
			return nil, err
		}
		d.mapping = mapping
	}

	return d, nil
}

func defaultExecutor(kind ExecutorKind) ExecutorKind {
	if kind == "" {
		return ExecutorMultithread
	}
	return kind
}

// validateInputValues checks every direct input value names an actual
// graph input: either a mapped graph-level input or an unconnected input
// of a top-level node.
func (d *Definition) validateInputValues() error {
	if len(d.inputValues) == 0 {
		return nil
	}
	valid := map[string]bool{}
	for _, in := range d.graph.InputDefs() {
		valid[in.Name] = true
	}
	for _, n := range d.graph.Nodes() {
		deps := d.graph.DependenciesOf(n.Name())
		for _, in := range n.Definition().InputDefs() {
			if _, connected := deps[in.Name]; !connected {
				valid[in.Name] = true
			}
		}
	}
	for name := range d.inputValues {
		if !valid[name] {
			return derror.Definitionf(
				"job %q: input value %q does not map to any graph input", d.name, name)
		}
	}
	return nil
}

// validateResourceRequirements checks that every resource key any node
// requires is bound, following resource-to-resource dependencies
// transitively.
func (d *Definition) validateResourceRequirements() error {
	pending := d.graph.RequiredResourceKeys()
	seen := map[string]bool{}
	for len(pending) > 0 {
		key := pending[0]
		pending = pending[1:]
		if seen[key] {
			continue
		}
		seen[key] = true
		def, ok := d.resources[key]
		if !ok {
			return derror.Definitionf(
				"job %q requires resource %q, which is not supplied in its resource definitions",
				d.name, key)
		}
		pending = append(pending, def.RequiredResourceKeys...)
	}
	return nil
}

// CheckResourceRequirements re-runs the transitive resource requirement
// validation, for aggregators that vet jobs they did not construct.
func (d *Definition) CheckResourceRequirements() error {
	return d.validateResourceRequirements()
}

// Name returns the job name.
func (d *Definition) Name() string { return d.name }

// Graph returns the job's (possibly subsetted) graph.
func (d *Definition) Graph() *graph.GraphDefinition { return d.graph }

// Resources returns the resource bindings. Callers must not mutate it.
func (d *Definition) Resources() map[string]*resource.Definition { return d.resources }

// Loggers returns the logger bindings.
func (d *Definition) Loggers() map[string]*slog.Logger { return d.loggers }

// Executor returns the configured executor kind.
func (d *Definition) Executor() ExecutorKind { return d.executor }

// Tags returns the job tags.
func (d *Definition) Tags() map[string]string { return d.tags }

// Hooks returns the attached hooks.
func (d *Definition) Hooks() []Hook { return d.hooks }

// Retry returns the step retry policy, or nil.
func (d *Definition) Retry() *RetryPolicy { return d.retry }

// InputValues returns the direct top-level input values.
func (d *Definition) InputValues() map[string]any { return d.inputValues }

// AssetForNode returns the asset key a node materializes, if any.
func (d *Definition) AssetForNode(nodeName string) (asset.Key, bool) {
	key, ok := d.assets[nodeName]
	return key, ok
}

// AssetKeys returns every asset key in the job's asset layer.
func (d *Definition) AssetKeys() []asset.Key {
	var keys []asset.Key
	for _, k := range d.assets {
		keys = append(keys, k)
	}
	return keys
}

// IsSubset reports whether the definition was produced by a selection.
func (d *Definition) IsSubset() bool { return d.subset != nil }

// Parent returns the definition this subset was derived from, or nil.
func (d *Definition) Parent() *Definition {
	if d.subset == nil {
		return nil
	}
	return d.subset.parent
}

// OpSelection returns the op-selection clauses of a subset definition.
func (d *Definition) OpSelection() []string {
	if d.subset == nil {
		return nil
	}
	return d.subset.opSelection
}

// AssetSelection returns the asset selection of a subset definition.
func (d *Definition) AssetSelection() []asset.Key {
	if d.subset == nil {
		return nil
	}
	return d.subset.assetSelection
}

// IsPartitioned reports whether the job carries partitioned config.
func (d *Definition) IsPartitioned() bool { return d.partitioned != nil }

// PartitionedConfig returns the partitioned config, or nil.
func (d *Definition) PartitionedConfig() *config.PartitionedConfig { return d.partitioned }

// RunConfigSchema derives the job's run-config schema from its configurable
// ops and resources. Computed once and memoized; safe because the
// definition is immutable.
func (d *Definition) RunConfigSchema() *config.Schema {
	d.schemaOnce.Do(func() {
		schema := &config.Schema{
			Ops:       map[string]cty.Type{},
			Resources: map[string]cty.Type{},
		}
		collectOpSchemas(d.graph, "", schema.Ops)
		for key, def := range d.resources {
			if def.ConfigSchema != nil {
				schema.Resources[key] = *def.ConfigSchema
			}
		}
		d.schema = schema
	})
	return d.schema
}

// collectOpSchemas walks leaves recursively, qualifying nested op names by
// their parent handle ("outer.inner").
func collectOpSchemas(g *graph.GraphDefinition, prefix string, out map[string]cty.Type) {
	for _, n := range g.Nodes() {
		handle := n.Name()
		if prefix != "" {
			handle = prefix + "." + n.Name()
		}
		if sub := n.GraphDef(); sub != nil {
			collectOpSchemas(sub, handle, out)
			continue
		}
		if schema := n.OpDef().ConfigSchema(); schema != nil {
			out[handle] = *schema
		}
	}
}

// EffectiveRunConfig merges the caller's run config with the job's config
// mapping or defaults. Caller-supplied fields win over mapping defaults.
func (d *Definition) EffectiveRunConfig(rc config.RunConfig) (config.RunConfig, error) {
	if d.mapping == nil {
		return rc, nil
	}
	defaults, err := d.mapping.Apply(cty.NilVal)
	if err != nil {
		return config.RunConfig{}, fmt.Errorf("applying config mapping for job %q: %w", d.name, err)
	}
	return mergeRunConfig(defaults, rc), nil
}

// ResolveConfig produces the fully validated, typed run config for a run.
func (d *Definition) ResolveConfig(rc config.RunConfig) (*config.Resolved, error) {
	effective, err := d.EffectiveRunConfig(rc)
	if err != nil {
		return nil, err
	}
	return d.RunConfigSchema().Resolve(effective)
}

// mergeRunConfig overlays override onto base field-by-field.
func mergeRunConfig(base, override config.RunConfig) config.RunConfig {
	out := base.Clone()
	for name, fields := range override.Ops {
		if out.Ops == nil {
			out.Ops = map[string]map[string]any{}
		}
		if out.Ops[name] == nil {
			out.Ops[name] = map[string]any{}
		}
		for k, v := range fields {
			out.Ops[name][k] = v
		}
	}
	for name, fields := range override.Resources {
		if out.Resources == nil {
			out.Resources = map[string]map[string]any{}
		}
		if out.Resources[name] == nil {
			out.Resources[name] = map[string]any{}
		}
		for k, v := range fields {
			out.Resources[name][k] = v
		}
	}
	return out
}

// clone copies every shared field into a new definition, resetting the
// memoized schema.
func (d *Definition) clone() *Definition {
	return &Definition{
		name:        d.name,
		graph:       d.graph,
		resources:   d.resources,
		loggers:     d.loggers,
		executor:    d.executor,
		mapping:     d.mapping,
		partitioned: d.partitioned,
		tags:        d.tags,
		hooks:       d.hooks,
		retry:       d.retry,
		inputValues: d.inputValues,
		assets:      d.assets,
		policy:      d.policy,
		subset:      d.subset,
	}
}

// WithHooks returns a copy with the hooks appended.
func (d *Definition) WithHooks(hooks ...Hook) *Definition {
	out := d.clone()
	out.hooks = append(append([]Hook(nil), d.hooks...), hooks...)
	return out
}

// WithExecutor returns a copy using the given executor kind.
func (d *Definition) WithExecutor(kind ExecutorKind) *Definition {
	out := d.clone()
	out.executor = defaultExecutor(kind)
	return out
}

// WithResources returns a copy with the given bindings overlaid, after
// revalidating requirements.
func (d *Definition) WithResources(overrides map[string]*resource.Definition) (*Definition, error) {
	out := d.clone()
	merged := make(map[string]*resource.Definition, len(d.resources)+len(overrides))
	for k, v := range d.resources {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out.resources = merged
	if err := out.validateResourceRequirements(); err != nil {
		return nil, err
	}
	return out, nil
}

// WithLoggers returns a copy with the given logger bindings.
func (d *Definition) WithLoggers(loggers map[string]*slog.Logger) *Definition {
	out := d.clone()
	out.loggers = loggers
	return out
}

// ForSubsetSelection narrows the job to an op selection or an asset
// selection (never both) and returns a new subset definition. Selection
// failures surface as *derror.InvalidSubsetError.
func (d *Definition) ForSubsetSelection(opSelection []string, assetSelection []asset.Key) (*Definition, error) {
	if len(opSelection) > 0 && len(assetSelection) > 0 {
		return nil, derror.Invariantf(
			"job %q: op selection and asset selection are mutually exclusive", d.name)
	}
	if len(opSelection) == 0 && len(assetSelection) == 0 {
		return d, nil
	}

	var tree graph.SelectionTree
	if len(opSelection) > 0 {
		var err error
		tree, err = selection.Resolve(d.graph, opSelection)
		if err != nil {
			return nil, err
		}
	} else {
		wanted := map[asset.Key]bool{}
		for _, key := range assetSelection {
			wanted[key] = true
		}
		var names []string
		for nodeName, key := range d.assets {
			if wanted[key] {
				names = append(names, nodeName)
				delete(wanted, key)
			}
		}
		for key := range wanted {
			return nil, &derror.InvalidSubsetError{
				Query: fmt.Sprintf("asset selection on job %q", d.name),
				Err:   fmt.Errorf("job does not materialize asset %q", key),
			}
		}
		tree = graph.SelectEntire(names...)
	}

	subGraph, err := d.graph.Subselect(tree, d.policy)
	if err != nil {
		return nil, &derror.InvalidSubsetError{
			Query: strings.Join(opSelection, ","),
			Err:   err,
		}
	}

	out := d.clone()
	out.graph = subGraph
	out.subset = &subsetData{
		parent:         d,
		opSelection:    append([]string(nil), opSelection...),
		assetSelection: append([]asset.Key(nil), assetSelection...),
	}
	// The asset layer shrinks with the graph.
	if len(d.assets) > 0 {
		kept := map[string]asset.Key{}
		for nodeName, key := range d.assets {
			if subGraph.HasNode(nodeName) {
				kept[nodeName] = key
			}
		}
		out.assets = kept
	}
	return out, nil
}
