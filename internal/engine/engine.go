// Package engine drives run execution: it owns the run status state
// machine, consumes the executor's step-event stream, and guarantees
// exactly one terminal event per run. Interruptions (context cancellation,
// a cancellation request on the instance, or the consumer closing the
// iterator early) are deferred to the next checkpoint and disambiguated
// against the persisted run status before the terminal event is chosen.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/ctxlog"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/executor"
	"github.com/vk/dagrun/internal/instance"
	"github.com/vk/dagrun/internal/ioman"
	"github.com/vk/dagrun/internal/job"
	"github.com/vk/dagrun/internal/plan"
	"github.com/vk/dagrun/internal/run"
)

// JobResolver supplies job definitions by name; the repository satisfies
// it.
type JobResolver interface {
	JobNamed(name string) (*job.Definition, error)
}

// SingleJob is the resolver for a standalone definition.
type SingleJob struct {
	Job *job.Definition
}

func (s SingleJob) JobNamed(name string) (*job.Definition, error) {
	if name != s.Job.Name() {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	return s.Job, nil
}

// Engine executes runs against one instance.
type Engine struct {
	inst *instance.Instance
	jobs JobResolver
	io   ioman.IOManager
}

func New(inst *instance.Instance, jobs JobResolver) *Engine {
	return &Engine{inst: inst, jobs: jobs}
}

// WithIOManager returns an engine whose runs all use the given fallback
// I/O manager instead of the instance default.
func (e *Engine) WithIOManager(io ioman.IOManager) *Engine {
	out := *e
	out.io = io
	return &out
}

// LaunchRun executes a run synchronously, draining its event stream. A
// failed run is a successful launch; only setup problems return an error.
// This is the in-process instance.Launcher.
func (e *Engine) LaunchRun(ctx context.Context, runID string) error {
	it, err := e.ExecuteRunIterator(ctx, runID)
	if err != nil {
		return err
	}
	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	return nil
}

// ExecuteRunIterator starts executing a stored run and returns the
// pull-based event iterator. Execution paces itself to the consumer: each
// Next call releases the engine to produce the next event.
func (e *Engine) ExecuteRunIterator(ctx context.Context, runID string) (*Iterator, error) {
	r, err := e.inst.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() || r.Status == run.StatusCanceling {
		return nil, fmt.Errorf("run %s in status %s cannot be executed", runID, r.Status)
	}
	if r.Status != run.StatusNotStarted && !r.Status.IsResumable() {
		return nil, fmt.Errorf("run %s in status %s cannot be resumed", runID, r.Status)
	}

	jd, err := e.resolveJobForRun(r)
	if err != nil {
		return nil, err
	}

	return newIterator(ctx, func(ctx context.Context, emit emitFn) {
		e.driveRun(ctx, jd, r, emit)
	}), nil
}

func (e *Engine) resolveJobForRun(r *run.Run) (*job.Definition, error) {
	jd, err := e.jobs.JobNamed(r.JobName)
	if err != nil {
		return nil, err
	}
	if len(r.OpSelection) > 0 || len(r.AssetSelection) > 0 {
		return jd.ForSubsetSelection(r.OpSelection, r.AssetSelection)
	}
	return jd, nil
}

// driveRun is the run lifecycle generator. It reports every event to the
// event log and forwards it to the consumer; once the consumer closes,
// events still reach the log but forwarding stops silently.
func (e *Engine) driveRun(ctx context.Context, jd *job.Definition, r *run.Run, emit emitFn) {
	logger := ctxlog.FromContext(ctx).With("run_id", r.ID, "job", jd.Name())

	consumerOpen := true
	terminalEmitted := false
	send := func(ev event.Event) {
		if ev.IsRunTerminal() {
			// Exactly one terminal event per run.
			if terminalEmitted {
				return
			}
			terminalEmitted = true
		}
		ev.Timestamp = e.inst.Clock().Now()
		if _, err := e.inst.ReportEvent(ctx, ev); err != nil {
			logger.Error("failed to persist event", "type", ev.Type, "error", err)
		}
		if consumerOpen && !emit(ev) {
			consumerOpen = false
			logger.Debug("event consumer closed before run completion")
		}
	}

	resuming := r.Status.IsResumable()
	if !resuming {
		if _, err := e.inst.UpdateRunStatus(ctx, r.ID, run.StatusStarting); err != nil {
			send(event.RunFailure(r.ID, jd.Name(), "run could not be started", derror.InfoFromError(err)))
			return
		}
		if _, err := e.inst.UpdateRunStatus(ctx, r.ID, run.StatusStarted); err != nil {
			send(event.RunFailure(r.ID, jd.Name(), "run could not be started", derror.InfoFromError(err)))
			return
		}
		send(event.RunStart(r.ID, jd.Name()))
	} else {
		send(event.Engine(r.ID, jd.Name(), fmt.Sprintf("resuming run from status %s", r.Status)))
	}

	p, resolved, err := e.planForRun(jd, r)
	if err != nil {
		send(event.RunFailure(r.ID, jd.Name(), "execution plan could not be built", derror.InfoFromError(err)))
		e.finishRun(ctx, r.ID, run.StatusFailure, logger)
		return
	}

	if !resuming {
		partition := r.Tag(run.TagPartitionKey)
		for _, s := range p.ExecutableSteps() {
			if key, ok := jd.AssetForNode(s.Key); ok {
				send(event.MaterializationPlanned(r.ID, key, partition))
			}
		}
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	exec := executor.ForKind(jd.Executor())
	events := exec.Execute(execCtx, executor.Params{
		Run:      r,
		Job:      jd,
		Plan:     p,
		Resolved: resolved,
		IO:       e.defaultIOManager(r.ID),
	})

	var failedSteps []string
	interrupted := false

	for ev := range events {
		send(ev)
		if ev.IsStepFailure() || ev.IsResourceInitFailure() {
			failedSteps = append(failedSteps, ev.StepKey)
		}
		// Checkpoint: cancellation is observed between events, never
		// mid-step.
		if !interrupted && e.interruptionPending(ctx, r.ID, consumerOpen) {
			interrupted = true
			cancelExec()
		}
	}
	if !interrupted {
		interrupted = e.interruptionPending(ctx, r.ID, consumerOpen)
	}

	switch {
	case interrupted:
		e.emitInterrupted(ctx, jd, r, send, logger)
	case len(failedSteps) > 0:
		send(event.RunFailure(r.ID, jd.Name(),
			fmt.Sprintf("steps failed: %s", strings.Join(failedSteps, ", ")), nil))
		e.finishRun(ctx, r.ID, run.StatusFailure, logger)
	default:
		send(event.RunSuccess(r.ID, jd.Name()))
		e.finishRun(ctx, r.ID, run.StatusSuccess, logger)
	}
}

// interruptionPending reports whether execution should stop at this
// checkpoint: the context died, the consumer went away, or a cancellation
// was requested through the instance.
func (e *Engine) interruptionPending(ctx context.Context, runID string, consumerOpen bool) bool {
	if ctx.Err() != nil || !consumerOpen {
		return true
	}
	r, err := e.inst.GetRun(ctx, runID)
	if err != nil {
		return false
	}
	return r.Status == run.StatusCanceling
}

// emitInterrupted picks the single terminal (or informational) event for
// an interrupted run by consulting the persisted run status.
func (e *Engine) emitInterrupted(ctx context.Context, jd *job.Definition, r *run.Run, send func(event.Event), logger *slog.Logger) {
	stored, err := e.inst.GetRun(ctx, r.ID)
	if err != nil {
		send(event.RunFailure(r.ID, jd.Name(), "execution interrupted", nil))
		return
	}
	switch {
	case stored.Status == run.StatusCanceling:
		send(event.RunCanceled(r.ID, jd.Name(), nil))
		e.finishRun(ctx, r.ID, run.StatusCanceled, logger)
	case stored.Status == run.StatusCanceled:
		send(event.Engine(r.ID, jd.Name(), "execution interrupted for a run already marked canceled"))
	case e.inst.RunWillResume(ctx, r.ID):
		send(event.Engine(r.ID, jd.Name(), "execution interrupted; run will resume elsewhere"))
	case stored.Status == run.StatusFailure:
		send(event.Engine(r.ID, jd.Name(), "execution interrupted for a run already marked failed"))
	default:
		send(event.RunFailure(r.ID, jd.Name(), "execution interrupted", nil))
		e.finishRun(ctx, r.ID, run.StatusFailure, logger)
	}
}

func (e *Engine) finishRun(ctx context.Context, runID string, to run.Status, logger *slog.Logger) {
	if _, err := e.inst.UpdateRunStatus(ctx, runID, to); err != nil {
		logger.Error("failed to persist run status", "run_id", runID, "status", to, "error", err)
	}
}

func (e *Engine) planForRun(jd *job.Definition, r *run.Run) (*plan.Plan, *config.Resolved, error) {
	effective, err := jd.EffectiveRunConfig(r.Config)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := jd.ResolveConfig(effective)
	if err != nil {
		return nil, nil, err
	}
	p, err := plan.Build(jd, effective, plan.Options{StepKeysToExecute: r.StepKeysToExecute})
	if err != nil {
		return nil, nil, err
	}
	return p, resolved, nil
}

// defaultIOManager picks the fallback I/O manager for a run: filesystem
// under the instance artifact root when one is configured, in-memory
// otherwise.
func (e *Engine) defaultIOManager(runID string) ioman.IOManager {
	if e.io != nil {
		return e.io
	}
	if root := e.inst.ArtifactRoot(); root != "" {
		return ioman.NewFilesystem(filepath.Join(root, "runs", runID))
	}
	return ioman.NewInMemory()
}
