package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/run"
)

// MemoryRunStore is the ephemeral RunStore used by in-process execution
// and tests.
type MemoryRunStore struct {
	mu    sync.Mutex
	clock clock.Clock
	runs  map[string]*run.Run
	order []string
}

// NewMemoryRunStore builds an empty in-memory run store.
func NewMemoryRunStore(clk clock.Clock) *MemoryRunStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryRunStore{clock: clk, runs: map[string]*run.Run{}}
}

func (s *MemoryRunStore) AddRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("run %q already exists", r.ID)
	}
	stored := *r
	now := s.clock.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.runs[r.ID] = &stored
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	out := *r
	return &out, nil
}

func (s *MemoryRunStore) UpdateRunStatus(_ context.Context, runID string, to run.Status) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	updated, err := r.WithStatus(to)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.clock.Now()
	s.runs[runID] = updated
	out := *updated
	return &out, nil
}

func (s *MemoryRunStore) Runs(_ context.Context, filter RunFilter) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*run.Run
	// Most recent first.
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.runs[s.order[i]]
		if filter.matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryRunStore) Dispose(context.Context) error { return nil }

// MemoryEventLog is the ephemeral EventLog. Storage ids start at 1 and
// increase by one per append.
type MemoryEventLog struct {
	mu      sync.Mutex
	clock   clock.Clock
	records []EventRecord
	nextID  int64
}

// NewMemoryEventLog builds an empty in-memory event log.
func NewMemoryEventLog(clk clock.Clock) *MemoryEventLog {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryEventLog{clock: clk, nextID: 1}
}

func (l *MemoryEventLog) Append(_ context.Context, e event.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	id := l.nextID
	l.nextID++
	l.records = append(l.records, EventRecord{StorageID: id, Event: e})
	return id, nil
}

func (l *MemoryEventLog) Events(_ context.Context, runID string, afterCursor int64) ([]EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventRecord
	for _, rec := range l.records {
		if rec.Event.RunID == runID && rec.StorageID > afterCursor {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *MemoryEventLog) LatestStorageID(_ context.Context, eventType event.Type) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var latest int64
	for _, rec := range l.records {
		if eventType != "" && rec.Event.Type != eventType {
			continue
		}
		if rec.StorageID > latest {
			latest = rec.StorageID
		}
	}
	return latest, nil
}

func (l *MemoryEventLog) MaterializationsAfter(_ context.Context, assetKey string, afterCursor int64) ([]EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventRecord
	for _, rec := range l.records {
		if rec.Event.Type != event.TypeAssetMaterialization {
			continue
		}
		if string(rec.Event.AssetKey) != assetKey || rec.StorageID <= afterCursor {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageID < out[j].StorageID })
	return out, nil
}

func (l *MemoryEventLog) RecordsOfTypeForRun(_ context.Context, runID string, eventType event.Type) ([]EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventRecord
	for _, rec := range l.records {
		if rec.Event.RunID == runID && rec.Event.Type == eventType {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *MemoryEventLog) Dispose(context.Context) error { return nil }
