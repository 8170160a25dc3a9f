// Package asset models the asset graph: named data assets, their
// parent/child dependencies, per-asset partitioning, and subsets of
// (asset, partition) units. The backfill planner is built on top of it.
package asset

import (
	"fmt"
	"sort"

	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/partition"
)

// Key names one asset.
type Key string

// Def declares one asset: its partitioning, upstream assets, the repository
// it lives in, and the implicit job that materializes it.
type Def struct {
	Key Key
	// Partitions is nil for an unpartitioned asset.
	Partitions partition.Definition
	// Parents are the upstream asset keys this asset is derived from.
	Parents []Key
	// RepositoryHandle identifies the code location/repository owning the
	// asset. Same-wave co-scheduling requires matching handles.
	RepositoryHandle string
	// JobName is the implicit job that materializes the asset.
	JobName string
}

// KeyPartition is one (asset, partition) unit. Partition is empty for
// unpartitioned assets.
type KeyPartition struct {
	Key       Key
	Partition string
}

func (kp KeyPartition) String() string {
	if kp.Partition == "" {
		return string(kp.Key)
	}
	return fmt.Sprintf("%s[%s]", kp.Key, kp.Partition)
}

// Graph is the validated asset dependency graph. Immutable.
type Graph struct {
	assets   map[Key]*Def
	order    []Key
	children map[Key][]Key
}

// NewGraph validates the defs and builds the graph. Parents must be
// declared and the graph must be acyclic.
func NewGraph(defs ...*Def) (*Graph, error) {
	assets := make(map[Key]*Def, len(defs))
	var order []Key
	for _, d := range defs {
		if _, dup := assets[d.Key]; dup {
			return nil, derror.Definitionf("duplicate asset key %q", d.Key)
		}
		assets[d.Key] = d
		order = append(order, d.Key)
	}

	children := map[Key][]Key{}
	for _, d := range defs {
		for _, parent := range d.Parents {
			if _, ok := assets[parent]; !ok {
				return nil, derror.Definitionf("asset %q depends on undeclared asset %q", d.Key, parent)
			}
			children[parent] = append(children[parent], d.Key)
		}
	}

	g := &Graph{assets: assets, order: order, children: children}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[Key]int{}
	var visit func(k Key) error
	visit = func(k Key) error {
		switch state[k] {
		case visiting:
			return derror.Definitionf("asset graph cycle detected involving %q", k)
		case done:
			return nil
		}
		state[k] = visiting
		for _, child := range g.children[k] {
			if err := visit(child); err != nil {
				return err
			}
		}
		state[k] = done
		return nil
	}
	for _, k := range g.order {
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every asset key in declaration order.
func (g *Graph) Keys() []Key { return g.order }

// Has reports whether the graph declares key.
func (g *Graph) Has(key Key) bool {
	_, ok := g.assets[key]
	return ok
}

// Def returns the declaration for key, or nil.
func (g *Graph) Def(key Key) *Def { return g.assets[key] }

// Parents returns the upstream keys of key.
func (g *Graph) Parents(key Key) []Key {
	if d := g.assets[key]; d != nil {
		return d.Parents
	}
	return nil
}

// Children returns the downstream keys of key.
func (g *Graph) Children(key Key) []Key { return g.children[key] }

// PartitionsDef returns the partitioning of key, or nil.
func (g *Graph) PartitionsDef(key Key) partition.Definition {
	if d := g.assets[key]; d != nil {
		return d.Partitions
	}
	return nil
}

// HaveSamePartitioning reports whether two assets share a partitioning
// scheme (including both being unpartitioned).
func (g *Graph) HaveSamePartitioning(a, b Key) bool {
	return partition.Same(g.PartitionsDef(a), g.PartitionsDef(b))
}

// RepositoryHandle returns the owning repository handle for key.
func (g *Graph) RepositoryHandle(key Key) string {
	if d := g.assets[key]; d != nil {
		return d.RepositoryHandle
	}
	return ""
}

// JobNameFor returns the implicit materialization job for key.
func (g *Graph) JobNameFor(key Key) string {
	if d := g.assets[key]; d != nil {
		return d.JobName
	}
	return ""
}

// RootsWithin returns the keys in target that have no ancestor inside
// target, following parent edges through untargeted intermediates.
func (g *Graph) RootsWithin(target map[Key]bool) []Key {
	memo := map[Key]bool{}
	var hasTargetedAncestor func(k Key) bool
	hasTargetedAncestor = func(k Key) bool {
		if v, ok := memo[k]; ok {
			return v
		}
		res := false
		for _, p := range g.Parents(k) {
			if target[p] || hasTargetedAncestor(p) {
				res = true
				break
			}
		}
		memo[k] = res
		return res
	}

	var roots []Key
	for _, k := range g.order {
		if target[k] && !hasTargetedAncestor(k) {
			roots = append(roots, k)
		}
	}
	return roots
}

// ParentPartitions maps one unit to the upstream units feeding it. A parent
// with the same partitioning maps to the identical partition key; an
// unpartitioned parent maps to its single unit; a partitioned parent of an
// unpartitioned (or differently partitioned) child maps to all of its
// partitions.
func (g *Graph) ParentPartitions(kp KeyPartition) []KeyPartition {
	var out []KeyPartition
	for _, parent := range g.Parents(kp.Key) {
		out = append(out, g.mapAcrossEdge(kp, parent)...)
	}
	return out
}

// ChildPartitions maps one unit to the downstream units derived from it.
func (g *Graph) ChildPartitions(kp KeyPartition) []KeyPartition {
	var out []KeyPartition
	for _, child := range g.Children(kp.Key) {
		out = append(out, g.mapAcrossEdge(kp, child)...)
	}
	return out
}

func (g *Graph) mapAcrossEdge(from KeyPartition, to Key) []KeyPartition {
	toDef := g.PartitionsDef(to)
	if toDef == nil {
		return []KeyPartition{{Key: to}}
	}
	if g.HaveSamePartitioning(from.Key, to) && from.Partition != "" {
		return []KeyPartition{{Key: to, Partition: from.Partition}}
	}
	out := make([]KeyPartition, 0, len(toDef.Keys()))
	for _, pk := range toDef.Keys() {
		out = append(out, KeyPartition{Key: to, Partition: pk})
	}
	return out
}

// BFSFilter expands from the initial units breadth-first along child edges,
// keeping a unit only when condition accepts it given everything accepted
// so far. The returned units are deterministic: sorted by asset key then
// partition.
func (g *Graph) BFSFilter(
	initial []KeyPartition,
	condition func(candidate KeyPartition, accepted map[KeyPartition]bool) bool,
) []KeyPartition {
	accepted := map[KeyPartition]bool{}
	queued := map[KeyPartition]bool{}
	var queue []KeyPartition
	for _, kp := range initial {
		if !queued[kp] {
			queued[kp] = true
			queue = append(queue, kp)
		}
	}

	for len(queue) > 0 {
		kp := queue[0]
		queue = queue[1:]
		if !condition(kp, accepted) {
			continue
		}
		accepted[kp] = true
		for _, child := range g.ChildPartitions(kp) {
			if !queued[child] {
				queued[child] = true
				queue = append(queue, child)
			}
		}
	}

	out := make([]KeyPartition, 0, len(accepted))
	for kp := range accepted {
		out = append(out, kp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
