package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/graph"
	"github.com/vk/dagrun/internal/job"
)

func emitOne(t *testing.T, name string) *graph.OpDefinition {
	t.Helper()
	return graph.MustOp(graph.OpSpec{
		Name: name,
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: 1}}, nil
		},
	})
}

func consumeOne(t *testing.T, name string) *graph.OpDefinition {
	t.Helper()
	return graph.MustOp(graph.OpSpec{
		Name: name,
		Ins:  []graph.InputDef{{Name: "value", Type: cty.Number}},
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: in["value"]}}, nil
		},
	})
}

// diamondJob is source -> {left, right} -> sink, sink fanning in.
func diamondJob(t *testing.T) *job.Definition {
	t.Helper()
	sink := graph.MustOp(graph.OpSpec{
		Name: "sum",
		Ins:  []graph.InputDef{{Name: "values", Type: cty.DynamicPseudoType}},
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: 0}}, nil
		},
	})
	g, err := graph.NewGraph("diamond",
		[]*graph.Node{
			graph.NewNode("source", emitOne(t, "emit")),
			graph.NewNode("left", consumeOne(t, "double")),
			graph.NewNode("right", consumeOne(t, "triple")),
			graph.NewNode("sink", sink),
		},
		graph.DependencySet{
			"left":  {"value": graph.DirectDep("source", "result")},
			"right": {"value": graph.DirectDep("source", "result")},
			"sink": {"values": graph.FanInDep(
				graph.OutputHandle{Node: "left", Output: "result"},
				graph.OutputHandle{Node: "right", Output: "result"},
			)},
		},
		nil, nil,
	)
	require.NoError(t, err)
	j, err := job.New(job.Spec{Graph: g})
	require.NoError(t, err)
	return j
}

func TestBuildDiamond(t *testing.T) {
	p, err := Build(diamondJob(t), config.RunConfig{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"source", "left", "right", "sink"}, p.StepKeys())
	assert.Len(t, p.ExecutableSteps(), 4)

	left, ok := p.Step("left")
	require.True(t, ok)
	require.Len(t, left.Inputs, 1)
	assert.Equal(t, InputKindStepOutput, left.Inputs[0].Kind)
	assert.Equal(t, OutputRef{StepKey: "source", Output: "result"}, left.Inputs[0].Handle)

	sink, ok := p.Step("sink")
	require.True(t, ok)
	require.Len(t, sink.Inputs, 1)
	assert.Equal(t, InputKindFanIn, sink.Inputs[0].Kind)
	assert.Equal(t, []OutputRef{
		{StepKey: "left", Output: "result"},
		{StepKey: "right", Output: "result"},
	}, sink.Inputs[0].Handles, "fan-in handles keep declaration order")
	assert.Equal(t, []string{"left", "right"}, sink.UpstreamStepKeys())
}

func TestBuildNestedGraph(t *testing.T) {
	inner, err := graph.NewGraph("inner",
		[]*graph.Node{
			graph.NewNode("first", consumeOne(t, "double")),
			graph.NewNode("second", consumeOne(t, "double")),
		},
		graph.DependencySet{
			"second": {"value": graph.DirectDep("first", "result")},
		},
		[]graph.InputMapping{{GraphInput: "seed", Node: "first", NodeInput: "value"}},
		[]graph.OutputMapping{{GraphOutput: "out", Node: "second", NodeOutput: "result"}},
	)
	require.NoError(t, err)

	outer, err := graph.NewGraph("outer",
		[]*graph.Node{
			graph.NewNode("emit", emitOne(t, "emit")),
			graph.NewNode("wrapped", inner),
			graph.NewNode("after", consumeOne(t, "double")),
		},
		graph.DependencySet{
			"wrapped": {"seed": graph.DirectDep("emit", "result")},
			"after":   {"value": graph.DirectDep("wrapped", "out")},
		},
		nil, nil,
	)
	require.NoError(t, err)

	j, err := job.New(job.Spec{Graph: outer})
	require.NoError(t, err)
	p, err := Build(j, config.RunConfig{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"emit", "wrapped.first", "wrapped.second", "after"}, p.StepKeys())

	first, ok := p.Step("wrapped.first")
	require.True(t, ok)
	assert.Equal(t, OutputRef{StepKey: "emit", Output: "result"}, first.Inputs[0].Handle,
		"graph input mapping resolves through the parent scope")

	after, ok := p.Step("after")
	require.True(t, ok)
	assert.Equal(t, OutputRef{StepKey: "wrapped.second", Output: "result"}, after.Inputs[0].Handle,
		"graph output mapping resolves to the producing leaf step")
}

func TestBuildDynamic(t *testing.T) {
	fanOut := graph.MustOp(graph.OpSpec{
		Name: "fan_out",
		Outs: []graph.OutputDef{{Name: "chunks", Type: cty.Number, IsDynamic: true}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return nil, nil
		},
	})
	g, err := graph.NewGraph("dyn",
		[]*graph.Node{
			graph.NewNode("spread", fanOut),
			graph.NewNode("each", consumeOne(t, "double")),
			graph.NewNode("gather", consumeOne(t, "double")),
		},
		graph.DependencySet{
			"each":   {"value": graph.DirectDep("spread", "chunks")},
			"gather": {"value": graph.DynamicFanInDep("spread", "chunks")},
		},
		nil, nil,
	)
	require.NoError(t, err)
	j, err := job.New(job.Spec{Graph: g})
	require.NoError(t, err)

	p, err := Build(j, config.RunConfig{}, Options{})
	require.NoError(t, err)

	each, _ := p.Step("each")
	assert.Equal(t, InputKindPendingDynamic, each.Inputs[0].Kind,
		"direct dep on a dynamic output stays pending until runtime")

	gather, _ := p.Step("gather")
	assert.Equal(t, InputKindDynamicCollect, gather.Inputs[0].Kind)
}

func TestBuildInputSources(t *testing.T) {
	withDefault := cty.NumberIntVal(7)

	op := graph.MustOp(graph.OpSpec{
		Name: "configurable",
		Ins: []graph.InputDef{
			{Name: "seed", Type: cty.Number},
			{Name: "scale", Type: cty.Number, Default: &withDefault},
		},
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return nil, nil
		},
	})
	g, err := graph.NewGraph("lonely", []*graph.Node{graph.NewNode("calc", op)}, nil, nil, nil)
	require.NoError(t, err)

	t.Run("job input value wins", func(t *testing.T) {
		j, err := job.New(job.Spec{Graph: g, InputValues: map[string]any{"seed": 3}})
		require.NoError(t, err)
		p, err := Build(j, config.RunConfig{}, Options{})
		require.NoError(t, err)

		calc, _ := p.Step("calc")
		require.Len(t, calc.Inputs, 2)
		assert.Equal(t, InputKindValue, calc.Inputs[0].Kind)
		assert.True(t, calc.Inputs[0].Value.RawEquals(cty.NumberIntVal(3)))
		assert.True(t, calc.Inputs[1].Value.RawEquals(withDefault), "default fills the unconnected input")
	})

	t.Run("unconnected input without default fails", func(t *testing.T) {
		j, err := job.New(job.Spec{Graph: g})
		require.NoError(t, err)
		_, err = Build(j, config.RunConfig{}, Options{})
		require.Error(t, err)
		var defErr *derror.InvalidDefinitionError
		require.ErrorAs(t, err, &defErr)
		assert.Contains(t, err.Error(), `"seed"`)
	})
}

func TestBuildConfigError(t *testing.T) {
	schema := cty.Object(map[string]cty.Type{"limit": cty.Number})
	op := graph.MustOp(graph.OpSpec{
		Name:         "fetch",
		Outs:         []graph.OutputDef{{Name: "result", Type: cty.Number}},
		ConfigSchema: &schema,
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return nil, nil
		},
	})
	g, err := graph.NewGraph("cfg", []*graph.Node{graph.NewNode("fetch", op)}, nil, nil, nil)
	require.NoError(t, err)
	j, err := job.New(job.Spec{Graph: g})
	require.NoError(t, err)

	_, err = Build(j, config.RunConfig{
		Ops: map[string]map[string]any{"fetch": {"limit": "not a number", "ghost": true}},
	}, Options{})
	require.Error(t, err)
	var cfgErr *derror.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	require.Len(t, cfgErr.Errors, 2, "every invalid path is enumerated")

	p, err := Build(j, config.RunConfig{
		Ops: map[string]map[string]any{"fetch": {"limit": 10}},
	}, Options{})
	require.NoError(t, err)
	fetch, _ := p.Step("fetch")
	assert.True(t, fetch.Config.GetAttr("limit").RawEquals(cty.NumberIntVal(10)))
}

func TestPrune(t *testing.T) {
	j := diamondJob(t)

	t.Run("outside producers become source steps", func(t *testing.T) {
		p, err := Build(j, config.RunConfig{}, Options{StepKeysToExecute: []string{"left", "sink"}})
		require.NoError(t, err)

		assert.Equal(t, []string{"source", "left", "right", "sink"}, p.StepKeys())
		assert.Equal(t, []string{"left", "sink"}, stepKeys(p.ExecutableSteps()))

		source, _ := p.Step("source")
		assert.Equal(t, StepKindSource, source.Kind)
		right, _ := p.Step("right")
		assert.Equal(t, StepKindSource, right.Kind)
	})

	t.Run("unknown step key rejected", func(t *testing.T) {
		_, err := Build(j, config.RunConfig{}, Options{StepKeysToExecute: []string{"ghost"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"ghost"`)
	})

	t.Run("known state restricts source outputs", func(t *testing.T) {
		known := &KnownState{ReadyOutputs: map[OutputRef]bool{
			{StepKey: "source", Output: "result"}: true,
		}}
		_, err := Build(j, config.RunConfig{}, Options{
			StepKeysToExecute: []string{"sink"},
			KnownState:        known,
		})
		require.Error(t, err, "sink needs left and right outputs which are not known")

		known.ReadyOutputs[OutputRef{StepKey: "left", Output: "result"}] = true
		known.ReadyOutputs[OutputRef{StepKey: "right", Output: "result"}] = true
		p, err := Build(j, config.RunConfig{}, Options{
			StepKeysToExecute: []string{"sink"},
			KnownState:        known,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"sink"}, stepKeys(p.ExecutableSteps()))
	})
}

func TestSnapshot(t *testing.T) {
	j := diamondJob(t)

	p1, err := Build(j, config.RunConfig{}, Options{})
	require.NoError(t, err)
	p2, err := Build(j, config.RunConfig{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, p1.SnapshotID(), p2.SnapshotID(), "snapshot id is content-stable")

	sub, err := j.ForSubsetSelection([]string{"source", "left"}, nil)
	require.NoError(t, err)
	p3, err := Build(sub, config.RunConfig{}, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, p1.SnapshotID(), p3.SnapshotID())

	snap := p1.Snapshot(j)
	assert.Equal(t, p1.SnapshotID(), snap.ID)
	assert.True(t, snap.SelectionMatches(j))
	assert.False(t, snap.SelectionMatches(sub))

	t.Run("from snapshot honors the selection gate", func(t *testing.T) {
		_, reused, err := FromSnapshot(j, snap, config.RunConfig{}, Options{})
		require.NoError(t, err)
		assert.True(t, reused)

		_, reused, err = FromSnapshot(sub, snap, config.RunConfig{}, Options{})
		require.NoError(t, err)
		assert.False(t, reused, "selection mismatch forces a full rebuild")
	})
}

func TestSnapshotCache(t *testing.T) {
	j := diamondJob(t)
	cache := NewSnapshotCache()

	h := SelectorHash(j.Name(), nil, nil)
	assert.Equal(t, h, SelectorHash(j.Name(), nil, nil), "selector hash is stable")
	assert.NotEqual(t, h, SelectorHash(j.Name(), []string{"left"}, nil))

	_, ok := cache.Get(h)
	assert.False(t, ok)

	p, err := Build(j, config.RunConfig{}, Options{})
	require.NoError(t, err)
	cache.Put(h, p.Snapshot(j))

	got, ok := cache.Get(h)
	require.True(t, ok)
	assert.Equal(t, p.SnapshotID(), got.ID)
}

func stepKeys(steps []*Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Key)
	}
	return out
}
