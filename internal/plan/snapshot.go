package plan

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/job"
)

// Snapshot is the serializable structural description of a plan: enough
// to identify it by content hash and to gate cached rebuilds on the
// originating selection. It carries no compute bodies, so restoring a
// snapshot always recompiles against the live job definition.
type Snapshot struct {
	ID             string         `json:"id"`
	JobName        string         `json:"job_name"`
	OpSelection    []string       `json:"op_selection,omitempty"`
	AssetSelection []asset.Key    `json:"asset_selection,omitempty"`
	Steps          []StepSnapshot `json:"steps"`
}

// StepSnapshot is one step's structural description.
type StepSnapshot struct {
	Key      string   `json:"key"`
	Kind     string   `json:"kind"`
	Upstream []string `json:"upstream,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
}

// Snapshot captures the plan's structure.
func (p *Plan) Snapshot(j *job.Definition) *Snapshot {
	return buildSnapshot(p, j)
}

func buildSnapshot(p *Plan, j *job.Definition) *Snapshot {
	snap := &Snapshot{
		JobName:        j.Name(),
		OpSelection:    sortedCopy(j.OpSelection()),
		AssetSelection: sortedKeys(j.AssetSelection()),
	}
	for _, s := range p.steps {
		kind := "compute"
		if s.Kind == StepKindSource {
			kind = "source"
		}
		var upstream []string
		for _, in := range s.Inputs {
			for _, ref := range in.upstreamRefs() {
				upstream = append(upstream, ref.String())
			}
		}
		sort.Strings(upstream)
		var outputs []string
		for _, out := range s.Outputs {
			outputs = append(outputs, out.Name)
		}
		snap.Steps = append(snap.Steps, StepSnapshot{
			Key: s.Key, Kind: kind, Upstream: upstream, Outputs: outputs,
		})
	}
	snap.ID = contentHash(snap)
	return snap
}

// SelectionMatches reports whether the snapshot was built from the same
// op/asset selection as the given job.
func (s *Snapshot) SelectionMatches(j *job.Definition) bool {
	return s.JobName == j.Name() &&
		stringSlicesEqual(s.OpSelection, sortedCopy(j.OpSelection())) &&
		keySlicesEqual(s.AssetSelection, sortedKeys(j.AssetSelection()))
}

// FromSnapshot builds a run's plan from a cached snapshot. The snapshot
// is honored only when its selection matches the job's exactly; a
// mismatch forces a full rebuild and reports false. Either way the
// returned plan is a fresh instance owned by one run.
func FromSnapshot(j *job.Definition, snap *Snapshot, rc config.RunConfig, opts Options) (*Plan, bool, error) {
	p, err := Build(j, rc, opts)
	if err != nil {
		return nil, false, err
	}
	if snap == nil || !snap.SelectionMatches(j) {
		return p, false, nil
	}
	p.snapshotID = snap.ID
	return p, true, nil
}

func snapshotID(p *Plan, j *job.Definition) string {
	return buildSnapshot(p, j).ID
}

func contentHash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// SelectorHash is the stable hash of a job selector, used to deduplicate
// plan snapshot lookups across backfill submissions.
func SelectorHash(jobName string, opSelection []string, assetSelection []asset.Key) string {
	return contentHash(struct {
		JobName        string      `json:"job_name"`
		OpSelection    []string    `json:"op_selection"`
		AssetSelection []asset.Key `json:"asset_selection"`
	}{jobName, sortedCopy(opSelection), sortedKeys(assetSelection)})
}

// SnapshotCache memoizes plan snapshots by selector hash so repeated
// submissions against the same selector skip recompilation of the
// structural description.
type SnapshotCache struct {
	mu sync.Mutex
	m  map[string]*Snapshot
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{m: map[string]*Snapshot{}}
}

// Get returns the cached snapshot for a selector hash.
func (c *SnapshotCache) Get(selectorHash string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[selectorHash]
	return s, ok
}

// Put stores a snapshot under a selector hash.
func (c *SnapshotCache) Put(selectorHash string, s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[selectorHash] = s
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedKeys(in []asset.Key) []asset.Key {
	if len(in) == 0 {
		return nil
	}
	out := append([]asset.Key(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func keySlicesEqual(a, b []asset.Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
