// Package instance ties the shared stores together: it creates and
// queries runs, appends lifecycle events, drives status transitions, and
// carries the cooperative-cancellation state the engine consults at its
// checkpoints.
package instance

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/run"
	"github.com/vk/dagrun/internal/storage"
)

// Launcher starts execution of an already-created run. The in-process
// engine provides the default implementation.
type Launcher interface {
	LaunchRun(ctx context.Context, runID string) error
}

// Options configures an instance.
type Options struct {
	Runs   storage.RunStore
	Events storage.EventLog
	Clock  clock.Clock
	// ArtifactRoot is the base directory for run-scoped filesystem
	// artifacts (step outputs).
	ArtifactRoot string
	Launcher     Launcher
}

// Instance is the shared handle to run and event storage.
type Instance struct {
	runs         storage.RunStore
	events       storage.EventLog
	clock        clock.Clock
	artifactRoot string
	launcher     Launcher
}

// New builds an instance over explicit stores.
func New(opts Options) *Instance {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	runs := opts.Runs
	if runs == nil {
		runs = storage.NewMemoryRunStore(clk)
	}
	events := opts.Events
	if events == nil {
		events = storage.NewMemoryEventLog(clk)
	}
	return &Instance{
		runs:         runs,
		events:       events,
		clock:        clk,
		artifactRoot: opts.ArtifactRoot,
		launcher:     opts.Launcher,
	}
}

// NewEphemeral builds a fully in-memory instance, the default for
// execute-in-process and tests.
func NewEphemeral() *Instance {
	return New(Options{})
}

// Clock returns the instance clock.
func (i *Instance) Clock() clock.Clock { return i.clock }

// ArtifactRoot returns the filesystem artifact root, or "".
func (i *Instance) ArtifactRoot() string { return i.artifactRoot }

// WithLauncher returns a shallow copy using the given launcher.
func (i *Instance) WithLauncher(l Launcher) *Instance {
	out := *i
	out.launcher = l
	return &out
}

// CreateRunParams carries everything needed to create a run record.
type CreateRunParams struct {
	RunID             string // generated when empty
	JobName           string
	Config            config.RunConfig
	Tags              map[string]string
	OpSelection       []string
	AssetSelection    []asset.Key
	StepKeysToExecute []string
	RootRunID         string
	ParentRunID       string
	SnapshotID        string
}

// CreateRun stores a new NOT_STARTED run and returns it.
func (i *Instance) CreateRun(ctx context.Context, params CreateRunParams) (*run.Run, error) {
	runID := params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &run.Run{
		ID:                runID,
		JobName:           params.JobName,
		Config:            params.Config,
		Tags:              params.Tags,
		Status:            run.StatusNotStarted,
		RootRunID:         params.RootRunID,
		ParentRunID:       params.ParentRunID,
		OpSelection:       params.OpSelection,
		AssetSelection:    params.AssetSelection,
		StepKeysToExecute: params.StepKeysToExecute,
		SnapshotID:        params.SnapshotID,
	}
	if err := i.runs.AddRun(ctx, r); err != nil {
		return nil, fmt.Errorf("creating run for job %q: %w", params.JobName, err)
	}
	return i.runs.GetRun(ctx, runID)
}

// GetRun fetches a run by id.
func (i *Instance) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return i.runs.GetRun(ctx, runID)
}

// Runs lists runs matching the filter.
func (i *Instance) Runs(ctx context.Context, filter storage.RunFilter) ([]*run.Run, error) {
	return i.runs.Runs(ctx, filter)
}

// RunGroup returns the re-execution lineage group the run belongs to: the
// root run plus every run re-executed from it, most recent first.
func (i *Instance) RunGroup(ctx context.Context, runID string) ([]*run.Run, error) {
	r, err := i.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rootID := r.RootRunID
	if rootID == "" {
		rootID = r.ID
	}
	return i.runs.Runs(ctx, storage.RunFilter{RootRunID: rootID})
}

// UpdateRunStatus applies one status transition.
func (i *Instance) UpdateRunStatus(ctx context.Context, runID string, to run.Status) (*run.Run, error) {
	return i.runs.UpdateRunStatus(ctx, runID, to)
}

// ReportEvent appends a lifecycle event to the log.
func (i *Instance) ReportEvent(ctx context.Context, e event.Event) (int64, error) {
	return i.events.Append(ctx, e)
}

// EventsForRun lists a run's events after the cursor.
func (i *Instance) EventsForRun(ctx context.Context, runID string, afterCursor int64) ([]storage.EventRecord, error) {
	return i.events.Events(ctx, runID, afterCursor)
}

// LatestStorageID returns the newest event-log cursor for a type.
func (i *Instance) LatestStorageID(ctx context.Context, eventType event.Type) (int64, error) {
	return i.events.LatestStorageID(ctx, eventType)
}

// MaterializationsAfter lists an asset's materializations after the cursor.
func (i *Instance) MaterializationsAfter(ctx context.Context, key asset.Key, afterCursor int64) ([]storage.EventRecord, error) {
	return i.events.MaterializationsAfter(ctx, string(key), afterCursor)
}

// PlannedMaterializationsForRun returns the asset units a run intended to
// materialize.
func (i *Instance) PlannedMaterializationsForRun(ctx context.Context, runID string) ([]asset.KeyPartition, error) {
	records, err := i.events.RecordsOfTypeForRun(ctx, runID, event.TypeAssetMaterializationPlanned)
	if err != nil {
		return nil, err
	}
	return unitsFromRecords(records), nil
}

// MaterializationsForRun returns the asset units a run actually
// materialized.
func (i *Instance) MaterializationsForRun(ctx context.Context, runID string) ([]asset.KeyPartition, error) {
	records, err := i.events.RecordsOfTypeForRun(ctx, runID, event.TypeAssetMaterialization)
	if err != nil {
		return nil, err
	}
	return unitsFromRecords(records), nil
}

func unitsFromRecords(records []storage.EventRecord) []asset.KeyPartition {
	var out []asset.KeyPartition
	for _, rec := range records {
		out = append(out, asset.KeyPartition{Key: rec.Event.AssetKey, Partition: rec.Event.Partition})
	}
	return out
}

// RequestCancellation moves a live run to CANCELING. The engine observes
// the transition at its next checkpoint.
func (i *Instance) RequestCancellation(ctx context.Context, runID string) error {
	r, err := i.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !r.Status.CanTransitionTo(run.StatusCanceling) {
		return fmt.Errorf("run %s in status %s cannot be canceled", runID, r.Status)
	}
	_, err = i.runs.UpdateRunStatus(ctx, runID, run.StatusCanceling)
	return err
}

// RunWillResume reports whether an interrupted run is marked for
// resumption elsewhere rather than failure.
func (i *Instance) RunWillResume(ctx context.Context, runID string) bool {
	r, err := i.runs.GetRun(ctx, runID)
	if err != nil {
		return false
	}
	return r.HasTag(run.TagResumeRetry, "true")
}

// SubmitRun hands a created run to the configured launcher.
func (i *Instance) SubmitRun(ctx context.Context, runID string) error {
	if i.launcher == nil {
		return fmt.Errorf("instance has no run launcher configured")
	}
	return i.launcher.LaunchRun(ctx, runID)
}

// Dispose releases both stores.
func (i *Instance) Dispose(ctx context.Context) error {
	if err := i.runs.Dispose(ctx); err != nil {
		return err
	}
	return i.events.Dispose(ctx)
}
