package asset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/dagrun/internal/partition"
)

func diamondGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph(
		&Def{Key: "raw"},
		&Def{Key: "left", Parents: []Key{"raw"}},
		&Def{Key: "right", Parents: []Key{"raw"}},
		&Def{Key: "joined", Parents: []Key{"left", "right"}},
	)
	require.NoError(t, err)
	return g
}

func TestNewGraphValidation(t *testing.T) {
	t.Run("duplicate key", func(t *testing.T) {
		_, err := NewGraph(&Def{Key: "a"}, &Def{Key: "a"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate asset key")
	})

	t.Run("undeclared parent", func(t *testing.T) {
		_, err := NewGraph(&Def{Key: "a", Parents: []Key{"ghost"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"ghost"`)
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := NewGraph(
			&Def{Key: "a", Parents: []Key{"b"}},
			&Def{Key: "b", Parents: []Key{"a"}},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})
}

func TestGraphQueries(t *testing.T) {
	g := diamondGraph(t)

	assert.Equal(t, []Key{"raw", "left", "right", "joined"}, g.Keys())
	assert.ElementsMatch(t, []Key{"left", "right"}, g.Children("raw"))
	assert.Equal(t, []Key{"left", "right"}, g.Parents("joined"))
	assert.True(t, g.Has("left"))
	assert.False(t, g.Has("ghost"))

	// joined's only targeted ancestor is raw, reached through the
	// untargeted left/right intermediates; it must not count as a root.
	roots := g.RootsWithin(map[Key]bool{"raw": true, "joined": true})
	assert.Equal(t, []Key{"raw"}, roots)

	// With raw excluded, left and right have no targeted ancestor at all.
	roots = g.RootsWithin(map[Key]bool{"left": true, "right": true, "joined": true})
	assert.Equal(t, []Key{"left", "right"}, roots)
}

func TestPartitionMapping(t *testing.T) {
	daily := partition.NewDaily("daily",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))

	g, err := NewGraph(
		&Def{Key: "events", Partitions: daily},
		&Def{Key: "daily_stats", Partitions: daily, Parents: []Key{"events"}},
		&Def{Key: "summary", Parents: []Key{"daily_stats"}},
	)
	require.NoError(t, err)

	t.Run("same partitioning maps key to key", func(t *testing.T) {
		parents := g.ParentPartitions(KeyPartition{Key: "daily_stats", Partition: "2024-01-01"})
		assert.Equal(t, []KeyPartition{{Key: "events", Partition: "2024-01-01"}}, parents)
	})

	t.Run("unpartitioned child depends on every parent partition", func(t *testing.T) {
		parents := g.ParentPartitions(KeyPartition{Key: "summary"})
		assert.Equal(t, []KeyPartition{
			{Key: "daily_stats", Partition: "2024-01-01"},
			{Key: "daily_stats", Partition: "2024-01-02"},
		}, parents)
	})

	t.Run("partitioned parent fans out into unpartitioned child", func(t *testing.T) {
		children := g.ChildPartitions(KeyPartition{Key: "daily_stats", Partition: "2024-01-02"})
		assert.Equal(t, []KeyPartition{{Key: "summary"}}, children)
	})

	assert.True(t, g.HaveSamePartitioning("events", "daily_stats"))
	assert.False(t, g.HaveSamePartitioning("daily_stats", "summary"))
}

func TestBFSFilter(t *testing.T) {
	g := diamondGraph(t)

	t.Run("rejected units stop the expansion", func(t *testing.T) {
		got := g.BFSFilter(
			[]KeyPartition{{Key: "raw"}},
			func(kp KeyPartition, accepted map[KeyPartition]bool) bool {
				return kp.Key == "raw"
			})
		assert.Equal(t, []KeyPartition{{Key: "raw"}}, got,
			"joined is never reached because neither side of the diamond was accepted")
	})

	t.Run("accepted set is visible to the predicate", func(t *testing.T) {
		got := g.BFSFilter(
			[]KeyPartition{{Key: "raw"}},
			func(kp KeyPartition, accepted map[KeyPartition]bool) bool {
				for _, p := range g.Parents(kp.Key) {
					if !accepted[KeyPartition{Key: p}] {
						return false
					}
				}
				return true
			})
		assert.Len(t, got, 4, "the whole diamond is accepted wave by wave")
	})
}

func TestSubset(t *testing.T) {
	g := diamondGraph(t)
	s := SubsetFromUnits(g, KeyPartition{Key: "raw"}, KeyPartition{Key: "left"})

	assert.True(t, s.Contains(KeyPartition{Key: "raw"}))
	assert.False(t, s.Contains(KeyPartition{Key: "joined"}))
	assert.Equal(t, 2, s.NumUnits())
	assert.Equal(t, []Key{"left", "raw"}, s.Keys())

	grown := s.UnionUnits(KeyPartition{Key: "joined"})
	assert.Equal(t, 3, grown.NumUnits())
	assert.Equal(t, 2, s.NumUnits(), "union does not mutate the receiver")

	only := grown.FilterKeys("left", "joined")
	assert.Equal(t, []KeyPartition{{Key: "joined"}, {Key: "left"}}, only.Units())
}

func TestSubsetStorageDict(t *testing.T) {
	daily := partition.NewDaily("daily",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	g, err := NewGraph(
		&Def{Key: "events", Partitions: daily},
		&Def{Key: "summary", Parents: []Key{"events"}},
	)
	require.NoError(t, err)

	s := SubsetFromUnits(g,
		KeyPartition{Key: "events", Partition: "2024-01-01"},
		KeyPartition{Key: "summary"})
	dict := s.ToStorageDict()
	assert.Equal(t, []string{"2024-01-01"}, dict.PartitionsByAssetKey["events"])
	assert.Equal(t, []string{"summary"}, dict.NonPartitionedKeys)

	back, err := SubsetFromStorageDict(dict, g)
	require.NoError(t, err)
	assert.Equal(t, s.Units(), back.Units())

	t.Run("stale dicts are rejected", func(t *testing.T) {
		flipped, err := NewGraph(
			&Def{Key: "events"}, // no longer partitioned
			&Def{Key: "summary", Parents: []Key{"events"}},
		)
		require.NoError(t, err)
		assert.False(t, CanDeserialize(dict, flipped))
		_, err = SubsetFromStorageDict(dict, flipped)
		require.Error(t, err)
	})
}
