package backfill

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vk/dagrun/internal/asset"
)

// Data tracks the progress of one asset backfill relative to its target
// subset: which units have been requested, which have materialized, and
// which failed or sit downstream of a failure. Bookkeeping is append-only;
// each planner iteration produces a new Data rather than mutating the old
// one.
type Data struct {
	Target       *asset.GraphSubset
	Requested    *asset.GraphSubset
	Materialized *asset.GraphSubset
	Failed       *asset.GraphSubset

	// LatestStorageID is the event-log cursor up to which materializations
	// have already been folded in.
	LatestStorageID int64

	// RequestedRunsForTargetRoots records whether the seeding iteration,
	// which requests the target's root units, has happened.
	RequestedRunsForTargetRoots bool
}

// FromTarget starts bookkeeping for a fresh backfill over target, with the
// event-log cursor positioned at cursor.
func FromTarget(target *asset.GraphSubset, cursor int64) *Data {
	g := target.Graph()
	return &Data{
		Target:          target,
		Requested:       asset.EmptySubset(g),
		Materialized:    asset.EmptySubset(g),
		Failed:          asset.EmptySubset(g),
		LatestStorageID: cursor,
	}
}

func (d *Data) clone() *Data {
	out := *d
	out.Requested = d.Requested.Union(nil)
	out.Materialized = d.Materialized.Union(nil)
	out.Failed = d.Failed.Union(nil)
	return &out
}

// IsComplete reports whether every target unit has either materialized or
// failed, counted per partition. An empty target is trivially complete.
func (d *Data) IsComplete() bool {
	settled := d.Materialized.Union(d.Failed)
	for _, kp := range d.Target.Units() {
		if !settled.Contains(kp) {
			return false
		}
	}
	return true
}

// TargetRootPartitionsSubset restricts the target to its root assets,
// the ones with no targeted parent.
func (d *Data) TargetRootPartitionsSubset() *asset.GraphSubset {
	g := d.Target.Graph()
	targeted := map[asset.Key]bool{}
	for _, k := range d.Target.Keys() {
		targeted[k] = true
	}
	return d.Target.FilterKeys(g.RootsWithin(targeted)...)
}

// PartitionNames returns the targeted partition keys of one asset, sorted.
func (d *Data) PartitionNames(key asset.Key) []string {
	return d.Target.PartitionKeys(key)
}

// NumPartitions counts the targeted units of one asset.
func (d *Data) NumPartitions(key asset.Key) int {
	return d.Target.FilterKeys(key).NumUnits()
}

// AssetStatus summarizes backfill progress for one asset key.
type AssetStatus struct {
	Key             asset.Key
	NumTargeted     int
	NumRequested    int
	NumMaterialized int
	NumFailed       int
}

// StatusByAsset breaks progress down per targeted asset key, sorted by
// key.
func (d *Data) StatusByAsset() []AssetStatus {
	keys := d.Target.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]AssetStatus, 0, len(keys))
	for _, k := range keys {
		out = append(out, AssetStatus{
			Key:             k,
			NumTargeted:     d.Target.FilterKeys(k).NumUnits(),
			NumRequested:    d.Requested.FilterKeys(k).NumUnits(),
			NumMaterialized: d.Materialized.FilterKeys(k).NumUnits(),
			NumFailed:       d.Failed.FilterKeys(k).NumUnits(),
		})
	}
	return out
}

type serializedData struct {
	Target                      asset.StorageDict `json:"serialized_target_subset"`
	RequestedRunsForTargetRoots bool              `json:"requested_runs_for_target_roots"`
	LatestStorageID             int64             `json:"latest_storage_id"`
	Requested                   asset.StorageDict `json:"serialized_requested_subset"`
	Materialized                asset.StorageDict `json:"serialized_materialized_subset"`
	Failed                      asset.StorageDict `json:"serialized_failed_subset"`
}

// Serialize encodes the bookkeeping for persistence.
func (d *Data) Serialize() ([]byte, error) {
	return json.Marshal(serializedData{
		Target:                      d.Target.ToStorageDict(),
		RequestedRunsForTargetRoots: d.RequestedRunsForTargetRoots,
		LatestStorageID:             d.LatestStorageID,
		Requested:                   d.Requested.ToStorageDict(),
		Materialized:                d.Materialized.ToStorageDict(),
		Failed:                      d.Failed.ToStorageDict(),
	})
}

// IsValidSerialization reports whether raw can still be decoded against
// the current asset graph. Assets added or removed since serialization
// invalidate the stored state.
func IsValidSerialization(raw []byte, g *asset.Graph) bool {
	var s serializedData
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	for _, dict := range []asset.StorageDict{s.Target, s.Requested, s.Materialized, s.Failed} {
		if !asset.CanDeserialize(dict, g) {
			return false
		}
	}
	return true
}

// Deserialize decodes raw against g, failing when the graph no longer
// matches what the state was computed against.
func Deserialize(raw []byte, g *asset.Graph) (*Data, error) {
	var s serializedData
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding backfill data: %w", err)
	}
	if !IsValidSerialization(raw, g) {
		return nil, fmt.Errorf("serialized backfill data no longer matches the asset graph")
	}
	subsets := make([]*asset.GraphSubset, 4)
	for i, dict := range []asset.StorageDict{s.Target, s.Requested, s.Materialized, s.Failed} {
		sub, err := asset.SubsetFromStorageDict(dict, g)
		if err != nil {
			return nil, fmt.Errorf("decoding backfill data: %w", err)
		}
		subsets[i] = sub
	}
	return &Data{
		Target:                      subsets[0],
		Requested:                   subsets[1],
		Materialized:                subsets[2],
		Failed:                      subsets[3],
		LatestStorageID:             s.LatestStorageID,
		RequestedRunsForTargetRoots: s.RequestedRunsForTargetRoots,
	}, nil
}
