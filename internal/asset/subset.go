package asset

import (
	"sort"

	"github.com/vk/dagrun/internal/derror"
)

// GraphSubset is an immutable-by-convention set of (asset, partition)
// units relative to one asset graph: per-asset partition sets plus
// unpartitioned asset membership.
type GraphSubset struct {
	graph          *Graph
	partitions     map[Key]map[string]bool
	nonPartitioned map[Key]bool
}

// EmptySubset returns the empty subset over g.
func EmptySubset(g *Graph) *GraphSubset {
	return &GraphSubset{
		graph:          g,
		partitions:     map[Key]map[string]bool{},
		nonPartitioned: map[Key]bool{},
	}
}

// SubsetFromUnits builds a subset containing exactly the given units.
func SubsetFromUnits(g *Graph, units ...KeyPartition) *GraphSubset {
	s := EmptySubset(g)
	for _, kp := range units {
		s.add(kp)
	}
	return s
}

func (s *GraphSubset) add(kp KeyPartition) {
	if kp.Partition == "" {
		s.nonPartitioned[kp.Key] = true
		return
	}
	if s.partitions[kp.Key] == nil {
		s.partitions[kp.Key] = map[string]bool{}
	}
	s.partitions[kp.Key][kp.Partition] = true
}

// Graph returns the asset graph the subset was computed against.
func (s *GraphSubset) Graph() *Graph { return s.graph }

// Contains reports membership of one unit.
func (s *GraphSubset) Contains(kp KeyPartition) bool {
	if kp.Partition == "" {
		return s.nonPartitioned[kp.Key]
	}
	return s.partitions[kp.Key][kp.Partition]
}

// ContainsKey reports whether any unit of the asset is in the subset.
func (s *GraphSubset) ContainsKey(key Key) bool {
	return s.nonPartitioned[key] || len(s.partitions[key]) > 0
}

// Keys returns the asset keys present in the subset, sorted.
func (s *GraphSubset) Keys() []Key {
	seen := map[Key]bool{}
	for k := range s.nonPartitioned {
		seen[k] = true
	}
	for k, parts := range s.partitions {
		if len(parts) > 0 {
			seen[k] = true
		}
	}
	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// PartitionKeys returns the sorted partition keys of one asset.
func (s *GraphSubset) PartitionKeys(key Key) []string {
	parts := make([]string, 0, len(s.partitions[key]))
	for pk := range s.partitions[key] {
		parts = append(parts, pk)
	}
	sort.Strings(parts)
	return parts
}

// Union returns a new subset containing every unit of s and other.
func (s *GraphSubset) Union(other *GraphSubset) *GraphSubset {
	out := EmptySubset(s.graph)
	for _, src := range []*GraphSubset{s, other} {
		if src == nil {
			continue
		}
		for k := range src.nonPartitioned {
			out.nonPartitioned[k] = true
		}
		for k, parts := range src.partitions {
			for pk := range parts {
				out.add(KeyPartition{Key: k, Partition: pk})
			}
		}
	}
	return out
}

// UnionUnits returns a new subset with the given units added.
func (s *GraphSubset) UnionUnits(units ...KeyPartition) *GraphSubset {
	return s.Union(SubsetFromUnits(s.graph, units...))
}

// NumUnits counts partitions plus unpartitioned assets — the denominator
// for backfill completion.
func (s *GraphSubset) NumUnits() int {
	n := len(s.nonPartitioned)
	for _, parts := range s.partitions {
		n += len(parts)
	}
	return n
}

// Units enumerates every unit, sorted by key then partition.
func (s *GraphSubset) Units() []KeyPartition {
	var out []KeyPartition
	for k := range s.nonPartitioned {
		out = append(out, KeyPartition{Key: k})
	}
	for k, parts := range s.partitions {
		for pk := range parts {
			out = append(out, KeyPartition{Key: k, Partition: pk})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// FilterKeys returns the subset restricted to the given asset keys.
func (s *GraphSubset) FilterKeys(keys ...Key) *GraphSubset {
	want := map[Key]bool{}
	for _, k := range keys {
		want[k] = true
	}
	out := EmptySubset(s.graph)
	for k := range s.nonPartitioned {
		if want[k] {
			out.nonPartitioned[k] = true
		}
	}
	for k, parts := range s.partitions {
		if !want[k] {
			continue
		}
		for pk := range parts {
			out.add(KeyPartition{Key: k, Partition: pk})
		}
	}
	return out
}

// StorageDict is the serialized form of a GraphSubset, keyed by asset.
type StorageDict struct {
	PartitionsByAssetKey map[string][]string `json:"partitions_subsets_by_asset_key"`
	NonPartitionedKeys   []string            `json:"non_partitioned_asset_keys"`
}

// ToStorageDict serializes the subset.
func (s *GraphSubset) ToStorageDict() StorageDict {
	dict := StorageDict{PartitionsByAssetKey: map[string][]string{}}
	for k := range s.partitions {
		if len(s.partitions[k]) > 0 {
			dict.PartitionsByAssetKey[string(k)] = s.PartitionKeys(k)
		}
	}
	for k := range s.nonPartitioned {
		dict.NonPartitionedKeys = append(dict.NonPartitionedKeys, string(k))
	}
	sort.Strings(dict.NonPartitionedKeys)
	return dict
}

// CanDeserialize reports whether dict is still valid against g: every
// asset it names must exist with compatible partitioning.
func CanDeserialize(dict StorageDict, g *Graph) bool {
	for key, parts := range dict.PartitionsByAssetKey {
		def := g.PartitionsDef(Key(key))
		if def == nil {
			return false
		}
		for _, pk := range parts {
			if !def.Has(pk) {
				return false
			}
		}
	}
	for _, key := range dict.NonPartitionedKeys {
		if !g.Has(Key(key)) || g.PartitionsDef(Key(key)) != nil {
			return false
		}
	}
	return true
}

// SubsetFromStorageDict deserializes dict against g, failing when the
// graph no longer matches what the dict was computed against.
func SubsetFromStorageDict(dict StorageDict, g *Graph) (*GraphSubset, error) {
	if !CanDeserialize(dict, g) {
		return nil, derror.Definitionf("serialized asset subset no longer matches the asset graph")
	}
	s := EmptySubset(g)
	for key, parts := range dict.PartitionsByAssetKey {
		for _, pk := range parts {
			s.add(KeyPartition{Key: Key(key), Partition: pk})
		}
	}
	for _, key := range dict.NonPartitionedKeys {
		s.nonPartitioned[Key(key)] = true
	}
	return s, nil
}
