package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/graph"
	"github.com/vk/dagrun/internal/instance"
	"github.com/vk/dagrun/internal/job"
	"github.com/vk/dagrun/internal/partition"
	"github.com/vk/dagrun/internal/run"
)

func passOp(name string) *graph.OpDefinition {
	return graph.MustOp(graph.OpSpec{
		Name: name,
		Ins:  []graph.InputDef{{Name: "value", Type: cty.DynamicPseudoType}},
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: float64(1)}}, nil
		},
	})
}

func sourceOp(name string) *graph.OpDefinition {
	return graph.MustOp(graph.OpSpec{
		Name: name,
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: float64(1)}}, nil
		},
	})
}

func brokenOp(name string) *graph.OpDefinition {
	return graph.MustOp(graph.OpSpec{
		Name: name,
		Ins:  []graph.InputDef{{Name: "value", Type: cty.DynamicPseudoType}},
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return nil, errors.New("boom")
		},
	})
}

func threeStepJob(t *testing.T, middle *graph.OpDefinition) *job.Definition {
	t.Helper()
	g, err := graph.LinearGraph("pipeline", sourceOp("first"), middle, passOp("third"))
	require.NoError(t, err)
	j, err := job.New(job.Spec{Graph: g})
	require.NoError(t, err)
	return j
}

func startRun(t *testing.T, inst *instance.Instance, j *job.Definition, tags map[string]string) *run.Run {
	t.Helper()
	r, err := inst.CreateRun(context.Background(), instance.CreateRunParams{
		JobName: j.Name(),
		Tags:    tags,
	})
	require.NoError(t, err)
	return r
}

func terminalEvents(events []event.Event) []event.Event {
	var out []event.Event
	for _, e := range events {
		if e.IsRunTerminal() {
			out = append(out, e)
		}
	}
	return out
}

func TestRunIteratorSuccess(t *testing.T) {
	ctx := context.Background()
	inst := instance.NewEphemeral()
	j := threeStepJob(t, passOp("second"))
	r := startRun(t, inst, j, nil)

	eng := New(inst, SingleJob{Job: j})
	it, err := eng.ExecuteRunIterator(ctx, r.ID)
	require.NoError(t, err)
	events := it.Drain()

	require.NotEmpty(t, events)
	assert.Equal(t, event.TypeRunStart, events[0].Type, "run start precedes all step events")
	assert.Equal(t, event.TypeRunSuccess, events[len(events)-1].Type)
	assert.Len(t, terminalEvents(events), 1)

	stored, err := inst.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, stored.Status)

	records, err := inst.EventsForRun(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, len(events), "every emitted event is persisted")
}

func TestRunIteratorStepFailure(t *testing.T) {
	ctx := context.Background()
	inst := instance.NewEphemeral()
	j := threeStepJob(t, brokenOp("second"))
	r := startRun(t, inst, j, nil)

	eng := New(inst, SingleJob{Job: j})
	it, err := eng.ExecuteRunIterator(ctx, r.ID)
	require.NoError(t, err)
	events := it.Drain()

	var types []event.Type
	var sawFailure bool
	for _, e := range events {
		types = append(types, e.Type)
		if sawFailure {
			assert.NotEqual(t, event.TypeRunSuccess, e.Type, "never a success event after a failure")
		}
		if e.Type == event.TypeStepFailure {
			sawFailure = true
		}
	}
	assert.Equal(t, []event.Type{
		event.TypeRunStart,
		event.TypeStepStart, event.TypeStepOutput, event.TypeStepSuccess,
		event.TypeStepStart, event.TypeStepFailure,
		event.TypeStepSkipped,
		event.TypeRunFailure,
	}, types)

	terminal := events[len(events)-1]
	assert.Contains(t, terminal.Message, "second", "terminal failure names the failed step")
	require.Len(t, terminalEvents(events), 1)

	stored, err := inst.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailure, stored.Status)
}

func TestRunIteratorCancellation(t *testing.T) {
	ctx := context.Background()
	inst := instance.NewEphemeral()

	started := make(chan struct{})
	release := make(chan struct{})
	waiter := graph.MustOp(graph.OpSpec{
		Name: "wait",
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			close(started)
			<-release
			return []graph.OutputValue{{Output: "result", Value: float64(1)}}, nil
		},
	})
	g, err := graph.LinearGraph("cancelable", waiter, passOp("after"))
	require.NoError(t, err)
	j, err := job.New(job.Spec{Graph: g})
	require.NoError(t, err)
	r := startRun(t, inst, j, nil)

	eng := New(inst, SingleJob{Job: j})
	it, err := eng.ExecuteRunIterator(ctx, r.ID)
	require.NoError(t, err)

	go func() {
		<-started
		assert.NoError(t, inst.RequestCancellation(ctx, r.ID))
		close(release)
	}()

	events := it.Drain()
	terminals := terminalEvents(events)
	require.Len(t, terminals, 1, "exactly one terminal event")
	assert.Equal(t, event.TypeRunCanceled, terminals[0].Type)

	stored, err := inst.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCanceled, stored.Status)
}

func TestRunIteratorConsumerClose(t *testing.T) {
	ctx := context.Background()
	inst := instance.NewEphemeral()
	j := threeStepJob(t, passOp("second"))
	r := startRun(t, inst, j, nil)

	eng := New(inst, SingleJob{Job: j})
	it, err := eng.ExecuteRunIterator(ctx, r.ID)
	require.NoError(t, err)

	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, event.TypeRunStart, first.Type)

	// Closing must never panic or propagate anything; the engine records
	// the interruption against the log instead.
	it.Close()
	it.Close()

	records, err := inst.EventsForRun(ctx, r.ID, 0)
	require.NoError(t, err)
	var terminals []event.Event
	for _, rec := range records {
		if rec.Event.IsRunTerminal() {
			terminals = append(terminals, rec.Event)
		}
	}
	require.Len(t, terminals, 1)
	assert.Equal(t, event.TypeRunFailure, terminals[0].Type)
	assert.Contains(t, terminals[0].Message, "interrupted")
}

func TestRunIteratorWillResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst := instance.NewEphemeral()

	started := make(chan struct{})
	waiter := graph.MustOp(graph.OpSpec{
		Name: "wait",
		Outs: []graph.OutputDef{{Name: "result", Type: cty.Number}},
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	g, err := graph.LinearGraph("resumable", waiter)
	require.NoError(t, err)
	j, err := job.New(job.Spec{Graph: g})
	require.NoError(t, err)
	r := startRun(t, inst, j, map[string]string{run.TagResumeRetry: "true"})

	eng := New(inst, SingleJob{Job: j})
	it, err := eng.ExecuteRunIterator(ctx, r.ID)
	require.NoError(t, err)

	go func() {
		<-started
		cancel()
	}()

	events := it.Drain()
	assert.Empty(t, terminalEvents(events), "a resuming run gets no terminal event")

	var engineMessages []string
	for _, e := range events {
		if e.Type == event.TypeEngine {
			engineMessages = append(engineMessages, e.Message)
		}
	}
	require.NotEmpty(t, engineMessages)
	assert.Contains(t, engineMessages[len(engineMessages)-1], "will resume")

	stored, err := inst.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStarted, stored.Status, "run stays live for the resuming worker")
}

func TestRunIteratorRejectsTerminalRuns(t *testing.T) {
	ctx := context.Background()
	inst := instance.NewEphemeral()
	j := threeStepJob(t, passOp("second"))
	r := startRun(t, inst, j, nil)

	eng := New(inst, SingleJob{Job: j})
	require.NoError(t, eng.LaunchRun(ctx, r.ID))

	_, err := eng.ExecuteRunIterator(ctx, r.ID)
	require.Error(t, err, "a finished run cannot be executed again")
}

func TestExecuteInProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("success with outputs", func(t *testing.T) {
		j := threeStepJob(t, passOp("second"))
		res, err := ExecuteInProcess(ctx, InProcessParams{Job: j})
		require.NoError(t, err)
		assert.True(t, res.Success())

		v, err := res.OutputFor("third", "")
		require.NoError(t, err)
		assert.Equal(t, float64(1), v)
	})

	t.Run("raise on error", func(t *testing.T) {
		j := threeStepJob(t, brokenOp("second"))
		res, err := ExecuteInProcess(ctx, InProcessParams{Job: j, RaiseOnError: true})
		require.Error(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Success())
		assert.Equal(t, []string{"second"}, res.FailedStepKeys())
	})

	t.Run("op selection executes ancestors plus self", func(t *testing.T) {
		j := threeStepJob(t, passOp("second"))
		res, err := ExecuteInProcess(ctx, InProcessParams{
			Job:         j,
			OpSelection: []string{"*second"},
		})
		require.NoError(t, err)
		require.True(t, res.Success())

		var executed []string
		for _, e := range res.EventsOfType(event.TypeStepSuccess) {
			executed = append(executed, e.StepKey)
		}
		assert.Equal(t, []string{"first", "second"}, executed)
	})
}

func TestExecuteInProcessPartitioned(t *testing.T) {
	ctx := context.Background()

	schema := cty.Object(map[string]cty.Type{"date": cty.String})
	echo := graph.MustOp(graph.OpSpec{
		Name:         "echo_date",
		Outs:         []graph.OutputDef{{Name: "result", Type: cty.String}},
		ConfigSchema: &schema,
		Compute: func(ctx context.Context, oc *graph.OpContext, in graph.Inputs) ([]graph.OutputValue, error) {
			return []graph.OutputValue{{Output: "result", Value: oc.Config.GetAttr("date").AsString()}}, nil
		},
	})
	g, err := graph.LinearGraph("daily", echo)
	require.NoError(t, err)

	partitions := config.PartitionedConfig{
		Partitions: partition.NewDaily("dates",
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)),
		ForPartition: func(key string) (config.RunConfig, map[string]string) {
			return config.RunConfig{
				Ops: map[string]map[string]any{"echo_date": {"date": key}},
			}, map[string]string{"window": key}
		},
	}
	j, err := job.New(job.Spec{Graph: g, Partitioned: &partitions})
	require.NoError(t, err)

	t.Run("partition key resolves config and tags", func(t *testing.T) {
		res, err := ExecuteInProcess(ctx, InProcessParams{Job: j, PartitionKey: "2024-01-02"})
		require.NoError(t, err)
		require.True(t, res.Success())

		v, err := res.OutputFor("echo_date", "")
		require.NoError(t, err)
		assert.Equal(t, "2024-01-02", v)

		stored, err := res.Instance().GetRun(ctx, res.RunID)
		require.NoError(t, err)
		assert.Equal(t, "2024-01-02", stored.Tag(run.TagPartitionKey))
		assert.Equal(t, "2024-01-02", stored.Tag("window"))
	})

	t.Run("partition key on unpartitioned job rejected", func(t *testing.T) {
		plain := threeStepJob(t, passOp("second"))
		_, err := ExecuteInProcess(ctx, InProcessParams{Job: plain, PartitionKey: "2024-01-02"})
		require.Error(t, err)
	})

	t.Run("unknown partition key rejected", func(t *testing.T) {
		_, err := ExecuteInProcess(ctx, InProcessParams{Job: j, PartitionKey: "1999-01-01"})
		require.Error(t, err)
	})
}
