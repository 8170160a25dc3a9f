// Package run defines the run record and its status state machine. A run
// is created NOT_STARTED and only ever moves through the transitions
// Allowed declares; terminal statuses are immutable.
package run

import (
	"fmt"
	"time"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusStarting   Status = "STARTING"
	StatusStarted    Status = "STARTED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusCanceling  Status = "CANCELING"
	StatusCanceled   Status = "CANCELED"
)

// allowed maps each status to the statuses it may move to.
var allowed = map[Status][]Status{
	StatusNotStarted: {StatusStarting, StatusStarted, StatusFailure, StatusCanceled},
	StatusStarting:   {StatusStarted, StatusFailure, StatusCanceling, StatusCanceled},
	StatusStarted:    {StatusSuccess, StatusFailure, StatusCanceling, StatusCanceled},
	StatusCanceling:  {StatusCanceled},
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCanceled
}

// CanTransitionTo reports whether the state machine permits s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range allowed[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ResumableStatuses are the statuses a crashed worker may resume from.
var ResumableStatuses = []Status{StatusStarting, StatusStarted}

// IsResumable reports whether a crashed worker may pick the run back up.
func (s Status) IsResumable() bool {
	return s == StatusStarting || s == StatusStarted
}

// Run is one execution attempt of a job. Mutation happens only through the
// storage layer's status transitions.
type Run struct {
	ID      string
	JobName string
	Config  config.RunConfig
	Tags    map[string]string
	Status  Status

	// RootRunID / ParentRunID track re-execution lineage: parent is the
	// run this one was re-executed from, root is the first in the chain.
	RootRunID   string
	ParentRunID string

	// OpSelection and AssetSelection record what subset of the job the run
	// targets. At most one is set.
	OpSelection    []string
	AssetSelection []asset.Key

	// StepKeysToExecute restricts the plan when re-executing.
	StepKeysToExecute []string

	// SnapshotID identifies the execution-plan snapshot the run was
	// launched with.
	SnapshotID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tag returns the value of one tag, or "".
func (r *Run) Tag(key string) string {
	return r.Tags[key]
}

// HasTag reports whether the run carries key=value.
func (r *Run) HasTag(key, value string) bool {
	v, ok := r.Tags[key]
	return ok && v == value
}

// WithStatus returns a copy with the new status, validating the transition.
func (r *Run) WithStatus(to Status) (*Run, error) {
	if !r.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("run %s: invalid status transition %s -> %s", r.ID, r.Status, to)
	}
	out := *r
	out.Status = to
	return &out, nil
}

// Well-known tag keys.
const (
	TagBackfillID   = "dagrun/backfill_id"
	TagPartitionKey = "dagrun/partition"
	TagResumeRetry  = "dagrun/will_resume"
)
