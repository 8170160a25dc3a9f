// Package repo aggregates heterogeneous definitions (jobs, bare graphs,
// assets, asset jobs, schedules, sensors) into one validated, queryable
// repository. Construction is two-phase: assets are collected first so
// asset jobs can resolve against the complete asset graph.
package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/graph"
	"github.com/vk/dagrun/internal/job"
	"github.com/vk/dagrun/internal/partition"
	"github.com/vk/dagrun/internal/run"
)

// Asset pairs an asset declaration with the optional op body that
// materializes it. A nil Compute yields a bookkeeping-only materialization.
type Asset struct {
	Def     *asset.Def
	Compute graph.ComputeFn
}

// AssetJob names a job over a selection of assets. It stays unresolved
// until the repository has collected every asset definition.
type AssetJob struct {
	Name string
	// Selection picks the assets; empty selects every asset in the
	// repository.
	Selection []asset.Key
	Tags      map[string]string
}

// Schedule triggers a job on a cron expression.
type Schedule struct {
	Name string
	Cron string
	// Target is a *job.Definition, *graph.GraphDefinition or *AssetJob.
	Target    any
	RunConfig config.RunConfig
	Tags      map[string]string
}

// Sensor evaluates a user function on an interval and submits the run
// requests it returns.
type Sensor struct {
	Name        string
	Target      any
	MinInterval time.Duration
	Evaluate    func() ([]run.Request, error)
}

// Repository is the validated aggregate. Immutable after Build.
type Repository struct {
	name      string
	jobs      map[string]*job.Definition
	jobOrder  []string
	assets    *asset.Graph
	assetDefs []*asset.Def
	schedules map[string]*Schedule
	sensors   map[string]*Sensor
}

// jobSource records what registered a job name, for collision reporting.
type jobSource struct {
	kind   string // "job", "graph", "asset job"
	origin any
	def    *job.Definition
}

// Build validates a definition sequence into a repository. Accepted
// definition types: *job.Definition, *graph.GraphDefinition, Asset,
// *AssetJob, *Schedule, *Sensor.
func Build(name string, defs ...any) (*Repository, error) {
	r := &Repository{
		name:      name,
		jobs:      map[string]*job.Definition{},
		schedules: map[string]*Schedule{},
		sensors:   map[string]*Sensor{},
	}

	sources := map[string]jobSource{}
	// Schedules and sensors share one name namespace.
	tickNames := map[string]string{}
	var assetEntries []Asset
	var unresolved []*AssetJob

	register := func(kind string, origin any, build func() (*job.Definition, error)) error {
		var jobName string
		switch kind {
		case "job":
			jobName = origin.(*job.Definition).Name()
		case "graph":
			jobName = origin.(*graph.GraphDefinition).DefName()
		case "asset job":
			jobName = origin.(*AssetJob).Name
		}
		if prev, ok := sources[jobName]; ok {
			if prev.origin == origin {
				return nil
			}
			return derror.Definitionf(
				"duplicate definitions for job name %q: a %s target and a %s target",
				jobName, prev.kind, kind)
		}
		jd, err := build()
		if err != nil {
			return err
		}
		sources[jobName] = jobSource{kind: kind, origin: origin, def: jd}
		return nil
	}

	// Phase one: collect assets, register everything registerable now,
	// defer asset jobs.
	for _, def := range defs {
		switch d := def.(type) {
		case *job.Definition:
			if err := register("job", d, func() (*job.Definition, error) { return d, nil }); err != nil {
				return nil, err
			}
		case *graph.GraphDefinition:
			if err := register("graph", d, func() (*job.Definition, error) {
				return job.New(job.Spec{Graph: d})
			}); err != nil {
				return nil, err
			}
		case Asset:
			assetEntries = append(assetEntries, d)
		case *AssetJob:
			unresolved = append(unresolved, d)
		case *Schedule:
			if d.Name == "" {
				return nil, derror.Definitionf("schedule requires a name")
			}
			if kind, dup := tickNames[d.Name]; dup {
				if kind == "schedule" {
					return nil, derror.Definitionf("duplicate schedule %q", d.Name)
				}
				return nil, derror.Definitionf(
					"name %q is used by both a schedule and a sensor", d.Name)
			}
			tickNames[d.Name] = "schedule"
			r.schedules[d.Name] = d
		case *Sensor:
			if d.Name == "" {
				return nil, derror.Definitionf("sensor requires a name")
			}
			if kind, dup := tickNames[d.Name]; dup {
				if kind == "sensor" {
					return nil, derror.Definitionf("duplicate sensor %q", d.Name)
				}
				return nil, derror.Definitionf(
					"name %q is used by both a schedule and a sensor", d.Name)
			}
			tickNames[d.Name] = "sensor"
			r.sensors[d.Name] = d
		default:
			return nil, derror.Definitionf("repository %q: unsupported definition type %T", name, def)
		}
	}

	// Schedule and sensor targets register under the same job namespace.
	for _, s := range r.schedules {
		if err := registerTarget(register, &unresolved, s.Target, "schedule", s.Name); err != nil {
			return nil, err
		}
	}
	for _, s := range r.sensors {
		if err := registerTarget(register, &unresolved, s.Target, "sensor", s.Name); err != nil {
			return nil, err
		}
	}

	// Phase two: the asset graph is complete, resolve asset jobs.
	assetGraph, computes, err := buildAssetGraph(assetEntries)
	if err != nil {
		return nil, err
	}
	r.assets = assetGraph
	for _, key := range assetGraph.Keys() {
		r.assetDefs = append(r.assetDefs, assetGraph.Def(key))
	}

	for _, aj := range unresolved {
		aj := aj
		if err := register("asset job", aj, func() (*job.Definition, error) {
			return resolveAssetJob(aj, assetGraph, computes)
		}); err != nil {
			return nil, err
		}
	}

	for jobName, src := range sources {
		if err := src.def.CheckResourceRequirements(); err != nil {
			return nil, fmt.Errorf("repository %q: job %q: %w", name, jobName, err)
		}
		r.jobs[jobName] = src.def
	}
	for jobName := range r.jobs {
		r.jobOrder = append(r.jobOrder, jobName)
	}
	sort.Strings(r.jobOrder)
	return r, nil
}

func registerTarget(
	register func(kind string, origin any, build func() (*job.Definition, error)) error,
	unresolved *[]*AssetJob,
	target any,
	ownerKind, ownerName string,
) error {
	switch tgt := target.(type) {
	case nil:
		return derror.Definitionf("%s %q has no target", ownerKind, ownerName)
	case *job.Definition:
		return register("job", tgt, func() (*job.Definition, error) { return tgt, nil })
	case *graph.GraphDefinition:
		return register("graph", tgt, func() (*job.Definition, error) {
			return job.New(job.Spec{Graph: tgt})
		})
	case *AssetJob:
		for _, pending := range *unresolved {
			if pending == tgt {
				return nil
			}
		}
		*unresolved = append(*unresolved, tgt)
		return nil
	default:
		return derror.Definitionf("%s %q targets unsupported type %T", ownerKind, ownerName, target)
	}
}

func buildAssetGraph(entries []Asset) (*asset.Graph, map[asset.Key]graph.ComputeFn, error) {
	computes := map[asset.Key]graph.ComputeFn{}
	var defs []*asset.Def
	for _, e := range entries {
		if e.Def == nil {
			return nil, nil, derror.Definitionf("asset entry without a definition")
		}
		defs = append(defs, e.Def)
		if e.Compute != nil {
			computes[e.Def.Key] = e.Compute
		}
	}
	g, err := asset.NewGraph(defs...)
	if err != nil {
		return nil, nil, err
	}
	return g, computes, nil
}

// resolveAssetJob builds the executable job for an asset selection: one
// leaf node per asset, dependency edges between co-selected assets, and
// the asset layer wired so materialization events carry the right keys.
func resolveAssetJob(aj *AssetJob, assets *asset.Graph, computes map[asset.Key]graph.ComputeFn) (*job.Definition, error) {
	if aj.Name == "" {
		return nil, derror.Definitionf("asset job requires a name")
	}
	selection := aj.Selection
	if len(selection) == 0 {
		selection = assets.Keys()
	}

	selected := map[asset.Key]bool{}
	for _, key := range selection {
		if !assets.Has(key) {
			return nil, derror.Definitionf("asset job %q selects unknown asset %q", aj.Name, key)
		}
		selected[key] = true
	}

	var nodes []*graph.Node
	deps := graph.DependencySet{}
	assetLayer := map[string]asset.Key{}
	var partitionDefs []partition.Definition

	for _, key := range assets.Keys() {
		if !selected[key] {
			continue
		}
		d := assets.Def(key)
		nodeName := nodeNameForAsset(key)
		op, err := materializeOp(d, computes[key], countSelectedParents(d, selected))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, graph.NewNode(nodeName, op))
		assetLayer[nodeName] = key
		if d.Partitions != nil {
			partitionDefs = append(partitionDefs, d.Partitions)
		}

		var handles []graph.OutputHandle
		for _, parent := range d.Parents {
			if selected[parent] {
				handles = append(handles, graph.OutputHandle{Node: nodeNameForAsset(parent), Output: "result"})
			}
		}
		if len(handles) > 0 {
			deps[nodeName] = map[string]graph.Dependency{"upstream": graph.FanInDep(handles...)}
		}
	}

	for _, p := range partitionDefs {
		if !partition.Same(p, partitionDefs[0]) {
			return nil, derror.Definitionf(
				"asset job %q mixes partitionings %q and %q", aj.Name, partitionDefs[0].Name(), p.Name())
		}
	}

	g, err := graph.NewGraph(aj.Name, nodes, deps, nil, nil)
	if err != nil {
		return nil, err
	}
	spec := job.Spec{Graph: g, Assets: assetLayer, Tags: aj.Tags}
	if len(partitionDefs) > 0 {
		parts := partitionDefs[0]
		spec.Partitioned = &config.PartitionedConfig{
			Partitions: parts,
			ForPartition: func(string) (config.RunConfig, map[string]string) {
				return config.RunConfig{}, nil
			},
		}
	}
	return job.New(spec)
}

func countSelectedParents(d *asset.Def, selected map[asset.Key]bool) int {
	n := 0
	for _, parent := range d.Parents {
		if selected[parent] {
			n++
		}
	}
	return n
}

// materializeOp builds the leaf op for one asset. The op consumes its
// co-selected parents through a fan-in input purely for ordering; the
// body defaults to a bookkeeping no-op.
func materializeOp(d *asset.Def, compute graph.ComputeFn, selectedParents int) (*graph.OpDefinition, error) {
	spec := graph.OpSpec{
		Name:    "materialize_" + nodeNameForAsset(d.Key),
		Outs:    []graph.OutputDef{{Name: "result", Type: cty.DynamicPseudoType}},
		Compute: compute,
	}
	if spec.Compute == nil {
		spec.Compute = func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: string(d.Key)}}, nil
		}
	}
	if selectedParents > 0 {
		spec.Ins = []graph.InputDef{{Name: "upstream", Type: cty.DynamicPseudoType}}
	}
	return graph.NewOp(spec)
}

func nodeNameForAsset(key asset.Key) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, string(key))
}

// Name returns the repository name.
func (r *Repository) Name() string { return r.name }

// JobNamed returns a job by name; it satisfies the engine's resolver.
func (r *Repository) JobNamed(name string) (*job.Definition, error) {
	jd, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("repository %q has no job %q", r.name, name)
	}
	return jd, nil
}

// HasJob reports whether a job name exists.
func (r *Repository) HasJob(name string) bool {
	_, ok := r.jobs[name]
	return ok
}

// JobNames lists job names sorted.
func (r *Repository) JobNames() []string { return r.jobOrder }

// Jobs lists the jobs in name order.
func (r *Repository) Jobs() []*job.Definition {
	out := make([]*job.Definition, 0, len(r.jobOrder))
	for _, name := range r.jobOrder {
		out = append(out, r.jobs[name])
	}
	return out
}

// AssetGraph returns the repository's asset graph.
func (r *Repository) AssetGraph() *asset.Graph { return r.assets }

// AssetDefs lists the asset definitions in graph order.
func (r *Repository) AssetDefs() []*asset.Def { return r.assetDefs }

// ScheduleNamed returns a schedule by name.
func (r *Repository) ScheduleNamed(name string) (*Schedule, bool) {
	s, ok := r.schedules[name]
	return s, ok
}

// Schedules lists schedules sorted by name.
func (r *Repository) Schedules() []*Schedule {
	return sortedValues(r.schedules)
}

// SensorNamed returns a sensor by name.
func (r *Repository) SensorNamed(name string) (*Sensor, bool) {
	s, ok := r.sensors[name]
	return s, ok
}

// Sensors lists sensors sorted by name.
func (r *Repository) Sensors() []*Sensor {
	return sortedValues(r.sensors)
}

func sortedValues[T any](m map[string]*T) []*T {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*T, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}
