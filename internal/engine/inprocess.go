package engine

import (
	"context"
	"fmt"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/instance"
	"github.com/vk/dagrun/internal/ioman"
	"github.com/vk/dagrun/internal/job"
	"github.com/vk/dagrun/internal/run"
)

// InProcessParams configures ExecuteInProcess.
type InProcessParams struct {
	Job       *job.Definition
	RunConfig config.RunConfig
	Tags      map[string]string
	// OpSelection and AssetSelection are mutually exclusive.
	OpSelection    []string
	AssetSelection []asset.Key
	// PartitionKey requires a partitioned job.
	PartitionKey string
	// Instance defaults to an ephemeral in-memory one.
	Instance *instance.Instance
	// RaiseOnError makes a failed run return its first failure as an
	// error instead of only reporting it through the result.
	RaiseOnError bool
}

// ExecuteInProcess runs a job synchronously on the calling goroutine's
// process: the in-process executor is forced and step outputs land in an
// in-memory I/O manager the result exposes.
func ExecuteInProcess(ctx context.Context, p InProcessParams) (*InProcessResult, error) {
	jd := p.Job.WithExecutor(job.ExecutorInProcess)

	if len(p.OpSelection) > 0 || len(p.AssetSelection) > 0 {
		sub, err := jd.ForSubsetSelection(p.OpSelection, p.AssetSelection)
		if err != nil {
			return nil, err
		}
		jd = sub
	}

	rc := p.RunConfig
	tags := map[string]string{}
	for k, v := range p.Tags {
		tags[k] = v
	}
	if p.PartitionKey != "" {
		if !jd.IsPartitioned() {
			return nil, derror.Invariantf("partition key %q given for unpartitioned job %q", p.PartitionKey, jd.Name())
		}
		partitionRC, partitionTags, err := jd.RunConfigForPartition(p.PartitionKey)
		if err != nil {
			return nil, err
		}
		rc = partitionRC
		for k, v := range partitionTags {
			tags[k] = v
		}
		tags[run.TagPartitionKey] = p.PartitionKey
	}

	inst := p.Instance
	if inst == nil {
		inst = instance.NewEphemeral()
	}

	r, err := inst.CreateRun(ctx, instance.CreateRunParams{
		JobName:        jd.Name(),
		Config:         rc,
		Tags:           tags,
		OpSelection:    jd.OpSelection(),
		AssetSelection: jd.AssetSelection(),
	})
	if err != nil {
		return nil, err
	}

	// The subset is already applied; resolve the run's job directly so
	// the engine does not re-derive it.
	mem := ioman.NewInMemory()
	eng := New(inst, SingleJob{Job: jd}).WithIOManager(mem)
	it, err := eng.ExecuteRunIterator(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	events := it.Drain()

	stored, err := inst.GetRun(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	result := &InProcessResult{
		RunID:  r.ID,
		Status: stored.Status,
		Events: events,
		inst:   inst,
		io:     mem,
	}
	if p.RaiseOnError && !result.Success() {
		return result, result.failureError()
	}
	return result, nil
}

// InProcessResult exposes the outcome of an in-process execution.
type InProcessResult struct {
	RunID  string
	Status run.Status
	Events []event.Event

	inst *instance.Instance
	io   *ioman.InMemory
}

// Success reports whether the run reached SUCCESS.
func (r *InProcessResult) Success() bool { return r.Status == run.StatusSuccess }

// Instance returns the instance the run executed against.
func (r *InProcessResult) Instance() *instance.Instance { return r.inst }

// EventsOfType filters the run's events.
func (r *InProcessResult) EventsOfType(t event.Type) []event.Event {
	var out []event.Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// FailedStepKeys lists steps that failed, in event order.
func (r *InProcessResult) FailedStepKeys() []string {
	var out []string
	for _, e := range r.Events {
		if e.IsStepFailure() || e.IsResourceInitFailure() {
			out = append(out, e.StepKey)
		}
	}
	return out
}

func (r *InProcessResult) failureError() error {
	for _, e := range r.Events {
		if e.Type == event.TypeRunFailure {
			if e.Error != nil {
				return fmt.Errorf("run %s failed: %s: %s", r.RunID, e.Message, e.Error.Message)
			}
			return fmt.Errorf("run %s failed: %s", r.RunID, e.Message)
		}
	}
	return fmt.Errorf("run %s ended in status %s", r.RunID, r.Status)
}

// OutputFor loads a step output produced by the run. An empty output name
// means "result".
func (r *InProcessResult) OutputFor(stepKey, output string) (any, error) {
	if output == "" {
		output = "result"
	}
	if r.io == nil {
		return nil, fmt.Errorf("run %s kept no in-memory outputs", r.RunID)
	}
	return r.io.LoadInput(context.Background(), ioman.OutputHandle{StepKey: stepKey, Output: output})
}
