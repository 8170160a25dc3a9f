package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/dagrun/internal/ctxlog"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/graph"
	"github.com/vk/dagrun/internal/ioman"
	"github.com/vk/dagrun/internal/job"
	"github.com/vk/dagrun/internal/plan"
	"github.com/vk/dagrun/internal/run"
)

// runStep executes one compute step, emitting its full event sequence:
// start, outputs, materialization, then success or failure. Steps whose
// upstream halted are skipped instead.
func (st *runState) runStep(ctx context.Context, s *plan.Step) {
	runID := st.params.Run.ID

	if st.upstreamHalted(s) {
		st.markHalted(s.Key)
		st.emit(event.StepSkipped(runID, s.Key))
		return
	}

	st.emit(event.StepStart(runID, s.Key))

	if err := st.computeStep(ctx, s); err != nil {
		info := derror.InfoFromError(err)
		st.markHalted(s.Key)
		st.emit(event.StepFailure(runID, s.Key, info))
		st.fireHooks(ctx, s, info)
		return
	}

	if key, ok := st.params.Job.AssetForNode(s.Key); ok {
		st.emit(event.Materialization(runID, s.Key, key, st.params.Run.Tag(run.TagPartitionKey)))
	}
	st.emit(event.StepSuccess(runID, s.Key))
	st.fireHooks(ctx, s, nil)
}

// computeStep runs the op body, once normally or once per mapping key
// when a pending-dynamic input is present, persisting outputs as they
// appear.
func (st *runState) computeStep(ctx context.Context, s *plan.Step) error {
	pending, hasPending := pendingDynamicInput(s)
	if !hasPending {
		inputs, err := st.assembleInputs(ctx, s, "", "")
		if err != nil {
			return err
		}
		return st.invokeWithRetry(ctx, s, inputs, "")
	}

	for _, mk := range st.mappingKeysFor(pending.Handle) {
		inputs, err := st.assembleInputs(ctx, s, pending.Name, mk)
		if err != nil {
			return err
		}
		if err := st.invokeWithRetry(ctx, s, inputs, mk); err != nil {
			return fmt.Errorf("mapping key %q: %w", mk, err)
		}
	}
	return nil
}

func pendingDynamicInput(s *plan.Step) (plan.StepInput, bool) {
	for _, in := range s.Inputs {
		if in.Kind == plan.InputKindPendingDynamic {
			return in, true
		}
	}
	return plan.StepInput{}, false
}

// invokeWithRetry drives one op-body invocation through the job's retry
// schedule, emitting a retry event per re-attempt.
func (st *runState) invokeWithRetry(ctx context.Context, s *plan.Step, inputs graph.Inputs, mappingKey string) error {
	attempt := 0
	operation := func() error {
		return st.invoke(ctx, s, inputs, mappingKey)
	}
	notify := func(err error, _ time.Duration) {
		attempt++
		st.emit(event.StepRetry(st.params.Run.ID, s.Key, attempt, derror.InfoFromError(err)))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(st.params.Job.Retry().NewBackOff(), ctx), notify)
}

// invoke runs the op body once and persists its outputs. Panics in the
// body are converted to errors.
func (st *runState) invoke(ctx context.Context, s *plan.Step, inputs graph.Inputs, mappingKey string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", s.Key, r)
		}
	}()

	oc := &graph.OpContext{
		Logger:       ctxlog.FromContext(ctx).With("step", s.Key),
		Resources:    st.stepResources(s),
		Config:       s.Config,
		RunID:        st.params.Run.ID,
		StepKey:      s.Key,
		PartitionKey: st.params.Run.Tag(run.TagPartitionKey),
	}

	return s.Op.Stream(ctx, oc, inputs, func(v graph.OutputValue) error {
		mk := v.MappingKey
		if mk == "" {
			mk = mappingKey
		}
		handle := ioman.OutputHandle{StepKey: s.Key, Output: v.Output, MappingKey: mk}
		if err := st.io.HandleOutput(ctx, handle, v.Value); err != nil {
			return fmt.Errorf("storing output %s: %w", handle, err)
		}
		if isDynamicOutput(s, v.Output) && mk != "" {
			st.recordMappingKey(plan.OutputRef{StepKey: s.Key, Output: v.Output}, mk)
		}
		st.emit(event.StepOutput(st.params.Run.ID, s.Key, v.Output, mk))
		return nil
	})
}

func isDynamicOutput(s *plan.Step, output string) bool {
	for _, out := range s.Outputs {
		if out.Name == output {
			return out.IsDynamic
		}
	}
	return false
}

func (st *runState) stepResources(s *plan.Step) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := map[string]any{}
	for _, key := range s.Op.RequiredResourceKeys() {
		out[key] = st.resources[key]
	}
	return out
}

// assembleInputs loads every input value for one invocation. For a
// pending-dynamic step, dynamicInput/dynamicKey select the mapping-keyed
// value this invocation consumes.
func (st *runState) assembleInputs(ctx context.Context, s *plan.Step, dynamicInput, dynamicKey string) (graph.Inputs, error) {
	inputs := graph.Inputs{}
	for _, in := range s.Inputs {
		switch in.Kind {
		case plan.InputKindValue:
			v, err := ctyToGo(in.Value)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", in.Name, err)
			}
			inputs[in.Name] = v

		case plan.InputKindStepOutput:
			v, err := st.loadOutput(ctx, in.Handle, "")
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", in.Name, err)
			}
			inputs[in.Name] = v

		case plan.InputKindFanIn:
			values := make([]any, 0, len(in.Handles))
			for _, ref := range in.Handles {
				v, err := st.loadOutput(ctx, ref, "")
				if err != nil {
					return nil, fmt.Errorf("input %q: %w", in.Name, err)
				}
				values = append(values, v)
			}
			inputs[in.Name] = values

		case plan.InputKindDynamicCollect:
			var values []any
			for _, mk := range st.mappingKeysFor(in.Handle) {
				v, err := st.loadOutput(ctx, in.Handle, mk)
				if err != nil {
					return nil, fmt.Errorf("input %q: %w", in.Name, err)
				}
				values = append(values, v)
			}
			inputs[in.Name] = values

		case plan.InputKindPendingDynamic:
			if in.Name != dynamicInput {
				return nil, derror.Invariantf("step %q has multiple pending dynamic inputs", s.Key)
			}
			v, err := st.loadOutput(ctx, in.Handle, dynamicKey)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", in.Name, err)
			}
			inputs[in.Name] = v
		}
	}
	return inputs, nil
}

func (st *runState) loadOutput(ctx context.Context, ref plan.OutputRef, mappingKey string) (any, error) {
	return st.io.LoadInput(ctx, ioman.OutputHandle{StepKey: ref.StepKey, Output: ref.Output, MappingKey: mappingKey})
}

// fireHooks runs the job's hooks for a finished step. Hook panics never
// affect the run.
func (st *runState) fireHooks(ctx context.Context, s *plan.Step, failure *derror.Info) {
	hc := job.HookContext{
		RunID:   st.params.Run.ID,
		JobName: st.params.Job.Name(),
		StepKey: s.Key,
		Err:     failure,
	}
	for _, h := range st.params.Job.Hooks() {
		fn := h.OnSuccess
		if failure != nil {
			fn = h.OnFailure
		}
		if fn == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					ctxlog.FromContext(ctx).Error("hook panicked", "hook", h.Name, "step", s.Key, "panic", r)
				}
			}()
			fn(ctx, hc)
		}()
	}
}

// ctyToGo converts a resolved cty value into the plain Go shape op bodies
// consume, going through JSON.
func ctyToGo(v cty.Value) (any, error) {
	if v == cty.NilVal || v.IsNull() {
		return nil, nil
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
