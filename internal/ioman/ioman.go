// Package ioman provides the I/O managers that persist step outputs and
// load them back as downstream inputs: an in-memory map for in-process
// execution, and a filesystem store scoped to the run.
package ioman

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// OutputHandle addresses one value produced by a step.
type OutputHandle struct {
	StepKey    string
	Output     string
	MappingKey string
}

func (h OutputHandle) String() string {
	if h.MappingKey == "" {
		return fmt.Sprintf("%s:%s", h.StepKey, h.Output)
	}
	return fmt.Sprintf("%s:%s[%s]", h.StepKey, h.Output, h.MappingKey)
}

// IOManager persists step outputs by handle and loads them for inputs.
type IOManager interface {
	HandleOutput(ctx context.Context, h OutputHandle, value any) error
	LoadInput(ctx context.Context, h OutputHandle) (any, error)
}

// InMemory keeps outputs in a process-local map. It is the default for
// in-process execution.
type InMemory struct {
	mu     sync.Mutex
	values map[OutputHandle]any
}

// NewInMemory builds an empty in-memory I/O manager.
func NewInMemory() *InMemory {
	return &InMemory{values: map[OutputHandle]any{}}
}

func (m *InMemory) HandleOutput(_ context.Context, h OutputHandle, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[h] = value
	return nil
}

func (m *InMemory) LoadInput(_ context.Context, h OutputHandle) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[h]
	if !ok {
		return nil, fmt.Errorf("no stored output for %s", h)
	}
	return value, nil
}

// Values returns a snapshot of everything stored, for result inspection.
func (m *InMemory) Values() map[OutputHandle]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[OutputHandle]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Filesystem persists outputs as JSON files under a base directory scoped
// to the run. Values must be JSON-encodable.
type Filesystem struct {
	baseDir string
}

// NewFilesystem builds an I/O manager rooted at baseDir (typically
// <artifact root>/<run id>).
func NewFilesystem(baseDir string) *Filesystem {
	return &Filesystem{baseDir: baseDir}
}

func (f *Filesystem) path(h OutputHandle) string {
	name := h.Output
	if h.MappingKey != "" {
		name = fmt.Sprintf("%s__%s", h.Output, h.MappingKey)
	}
	return filepath.Join(f.baseDir, h.StepKey, name+".json")
}

func (f *Filesystem) HandleOutput(_ context.Context, h OutputHandle, value any) error {
	p := f.path(h)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating output directory for %s: %w", h, err)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding output %s: %w", h, err)
	}
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return fmt.Errorf("writing output %s: %w", h, err)
	}
	return nil
}

func (f *Filesystem) LoadInput(_ context.Context, h OutputHandle) (any, error) {
	b, err := os.ReadFile(f.path(h))
	if err != nil {
		return nil, fmt.Errorf("reading stored output for %s: %w", h, err)
	}
	var value any
	if err := json.Unmarshal(b, &value); err != nil {
		return nil, fmt.Errorf("decoding stored output for %s: %w", h, err)
	}
	return value, nil
}
