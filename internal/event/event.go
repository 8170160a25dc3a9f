// Package event defines the lifecycle events a run emits: run start,
// per-step events, and exactly one terminal event. Events are plain,
// serializable records so they can be persisted to the event log.
package event

import (
	"fmt"
	"time"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/derror"
)

// Type discriminates event records.
type Type string

const (
	TypeRunStart    Type = "RUN_START"
	TypeRunSuccess  Type = "RUN_SUCCESS"
	TypeRunFailure  Type = "RUN_FAILURE"
	TypeRunCanceled Type = "RUN_CANCELED"
	// TypeEngine is an informational engine message, never terminal.
	TypeEngine Type = "ENGINE"

	TypeStepStart           Type = "STEP_START"
	TypeStepOutput          Type = "STEP_OUTPUT"
	TypeStepSuccess         Type = "STEP_SUCCESS"
	TypeStepFailure         Type = "STEP_FAILURE"
	TypeStepSkipped         Type = "STEP_SKIPPED"
	TypeStepRetry           Type = "STEP_RETRY"
	TypeResourceInitFailure Type = "RESOURCE_INIT_FAILURE"

	TypeAssetMaterialization        Type = "ASSET_MATERIALIZATION"
	TypeAssetMaterializationPlanned Type = "ASSET_MATERIALIZATION_PLANNED"
)

// Event is one lifecycle record.
type Event struct {
	Type      Type         `json:"type"`
	RunID     string       `json:"run_id"`
	JobName   string       `json:"job_name,omitempty"`
	StepKey   string       `json:"step_key,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     *derror.Info `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	// Output fields, set on STEP_OUTPUT.
	Output     string `json:"output,omitempty"`
	MappingKey string `json:"mapping_key,omitempty"`

	// Asset fields, set on materialization events.
	AssetKey  asset.Key `json:"asset_key,omitempty"`
	Partition string    `json:"partition,omitempty"`
}

// IsStepFailure reports whether the event marks a failed step.
func (e Event) IsStepFailure() bool { return e.Type == TypeStepFailure }

// IsResourceInitFailure reports whether a resource failed to initialize
// for a step.
func (e Event) IsResourceInitFailure() bool { return e.Type == TypeResourceInitFailure }

// IsRunTerminal reports whether the event closes the run.
func (e Event) IsRunTerminal() bool {
	switch e.Type {
	case TypeRunSuccess, TypeRunFailure, TypeRunCanceled:
		return true
	}
	return false
}

func RunStart(runID, jobName string) Event {
	return Event{Type: TypeRunStart, RunID: runID, JobName: jobName,
		Message: fmt.Sprintf("started execution of run for %q", jobName)}
}

func RunSuccess(runID, jobName string) Event {
	return Event{Type: TypeRunSuccess, RunID: runID, JobName: jobName,
		Message: fmt.Sprintf("finished execution of run for %q", jobName)}
}

func RunFailure(runID, jobName, message string, info *derror.Info) Event {
	return Event{Type: TypeRunFailure, RunID: runID, JobName: jobName, Message: message, Error: info}
}

func RunCanceled(runID, jobName string, info *derror.Info) Event {
	return Event{Type: TypeRunCanceled, RunID: runID, JobName: jobName,
		Message: fmt.Sprintf("run for %q canceled", jobName), Error: info}
}

func Engine(runID, jobName, message string) Event {
	return Event{Type: TypeEngine, RunID: runID, JobName: jobName, Message: message}
}

func StepStart(runID, stepKey string) Event {
	return Event{Type: TypeStepStart, RunID: runID, StepKey: stepKey}
}

func StepOutput(runID, stepKey, output, mappingKey string) Event {
	return Event{Type: TypeStepOutput, RunID: runID, StepKey: stepKey, Output: output, MappingKey: mappingKey}
}

func StepSuccess(runID, stepKey string) Event {
	return Event{Type: TypeStepSuccess, RunID: runID, StepKey: stepKey}
}

func StepFailure(runID, stepKey string, info *derror.Info) Event {
	return Event{Type: TypeStepFailure, RunID: runID, StepKey: stepKey, Error: info,
		Message: fmt.Sprintf("step %q failed", stepKey)}
}

func StepSkipped(runID, stepKey string) Event {
	return Event{Type: TypeStepSkipped, RunID: runID, StepKey: stepKey}
}

func StepRetry(runID, stepKey string, attempt int, info *derror.Info) Event {
	return Event{Type: TypeStepRetry, RunID: runID, StepKey: stepKey, Error: info,
		Message: fmt.Sprintf("step %q failed, retrying (attempt %d)", stepKey, attempt)}
}

func ResourceInitFailure(runID, stepKey, resourceKey string, info *derror.Info) Event {
	return Event{Type: TypeResourceInitFailure, RunID: runID, StepKey: stepKey, Error: info,
		Message: fmt.Sprintf("resource %q failed to initialize for step %q", resourceKey, stepKey)}
}

func Materialization(runID, stepKey string, key asset.Key, partitionKey string) Event {
	return Event{Type: TypeAssetMaterialization, RunID: runID, StepKey: stepKey,
		AssetKey: key, Partition: partitionKey}
}

func MaterializationPlanned(runID string, key asset.Key, partitionKey string) Event {
	return Event{Type: TypeAssetMaterializationPlanned, RunID: runID,
		AssetKey: key, Partition: partitionKey}
}
