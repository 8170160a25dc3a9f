// Package storage defines the shared, append-mostly stores behind an
// instance: the run store and the event log. Two implementations exist,
// an in-memory one for ephemeral instances and tests, and a SQLite-backed
// one for durable local instances. Both serialize access through a single
// logical connection with lazy, idempotent initialization.
package storage

import (
	"context"

	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/run"
)

// RunFilter narrows a run query. Zero fields match everything.
type RunFilter struct {
	JobName  string
	Statuses []run.Status
	Tags     map[string]string
	// RootRunID selects a re-execution group: the root run itself plus
	// every run whose lineage points at it.
	RootRunID string
}

func (f RunFilter) matches(r *run.Run) bool {
	if f.JobName != "" && r.JobName != f.JobName {
		return false
	}
	if f.RootRunID != "" && r.ID != f.RootRunID && r.RootRunID != f.RootRunID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, v := range f.Tags {
		if !r.HasTag(k, v) {
			return false
		}
	}
	return true
}

// RunStore persists run records and drives their status transitions.
type RunStore interface {
	// AddRun stores a new run; the run id must be unused.
	AddRun(ctx context.Context, r *run.Run) error
	// GetRun fetches a run by id.
	GetRun(ctx context.Context, runID string) (*run.Run, error)
	// UpdateRunStatus applies a status transition, rejecting moves the
	// state machine does not permit, and returns the updated record.
	UpdateRunStatus(ctx context.Context, runID string, to run.Status) (*run.Run, error)
	// Runs lists runs matching the filter, most recent first.
	Runs(ctx context.Context, filter RunFilter) ([]*run.Run, error)
	// Dispose releases the underlying connection. Idempotent.
	Dispose(ctx context.Context) error
}

// EventRecord is a stored event with its monotonically increasing cursor.
type EventRecord struct {
	StorageID int64
	Event     event.Event
}

// EventLog persists lifecycle events and supports cursor-addressed scans.
type EventLog interface {
	// Append stores the event and returns its storage id.
	Append(ctx context.Context, e event.Event) (int64, error)
	// Events lists a run's events with storage id greater than afterCursor,
	// in storage order. afterCursor < 0 means from the beginning.
	Events(ctx context.Context, runID string, afterCursor int64) ([]EventRecord, error)
	// LatestStorageID returns the newest storage id among events of the
	// given type, or 0 when none exist. An empty type matches everything.
	LatestStorageID(ctx context.Context, eventType event.Type) (int64, error)
	// MaterializationsAfter lists materialization records for an asset with
	// storage id greater than afterCursor, in storage order.
	MaterializationsAfter(ctx context.Context, assetKey string, afterCursor int64) ([]EventRecord, error)
	// RecordsOfTypeForRun lists a run's events of one type.
	RecordsOfTypeForRun(ctx context.Context, runID string, eventType event.Type) ([]EventRecord, error)
	// Dispose releases the underlying connection. Idempotent.
	Dispose(ctx context.Context) error
}
