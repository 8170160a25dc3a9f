package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/partition"
)

func testSchema() *Schema {
	return &Schema{
		Ops: map[string]cty.Type{
			"fetch": cty.Object(map[string]cty.Type{
				"table": cty.String,
				"limit": cty.Number,
			}),
			"clean": cty.ObjectWithOptionalAttrs(map[string]cty.Type{
				"fill": cty.String,
			}, []string{"fill"}),
		},
		Resources: map[string]cty.Type{
			"db": cty.Object(map[string]cty.Type{"dsn": cty.String}),
		},
	}
}

func TestSchemaResolve(t *testing.T) {
	t.Run("valid config converts every section", func(t *testing.T) {
		resolved, err := testSchema().Resolve(RunConfig{
			Ops: map[string]map[string]any{
				"fetch": {"table": "aqi", "limit": 100},
			},
			Resources: map[string]map[string]any{
				"db": {"dsn": "file::memory:"},
			},
		})
		require.NoError(t, err)

		fetch := resolved.OpConfig("fetch")
		assert.Equal(t, "aqi", fetch.GetAttr("table").AsString())
		limit, _ := fetch.GetAttr("limit").AsBigFloat().Int64()
		assert.EqualValues(t, 100, limit)
		assert.Equal(t, "file::memory:", resolved.ResourceConfig("db").GetAttr("dsn").AsString())

		// The all-optional section resolves even when absent.
		assert.True(t, resolved.OpConfig("clean").GetAttr("fill").IsNull())
	})

	t.Run("every offending field is reported at once", func(t *testing.T) {
		_, err := testSchema().Resolve(RunConfig{
			Ops: map[string]map[string]any{
				"fetch": {"table": "aqi", "limit": "not-a-number", "extra": true},
				"ghost": {"x": 1},
			},
			Resources: map[string]map[string]any{
				"db": {},
			},
		})
		require.Error(t, err)

		var cve *derror.ConfigValidationError
		require.True(t, errors.As(err, &cve))
		paths := make([]string, len(cve.Errors))
		for i, ce := range cve.Errors {
			paths[i] = ce.Path
		}
		assert.Contains(t, paths, "ops.fetch.limit")
		assert.Contains(t, paths, "ops.fetch.extra")
		assert.Contains(t, paths, "ops.ghost")
		assert.Contains(t, paths, "resources.db.dsn")
	})

	t.Run("missing required section is an error", func(t *testing.T) {
		schema := &Schema{
			Ops: map[string]cty.Type{
				"fetch": cty.Object(map[string]cty.Type{"table": cty.String}),
			},
		}
		err := schema.Validate(RunConfig{})
		require.Error(t, err)
		assert.ErrorContains(t, err, "ops.fetch")
		assert.ErrorContains(t, err, "missing required config section")
	})

	t.Run("number-to-string conversion follows cty rules", func(t *testing.T) {
		schema := &Schema{Ops: map[string]cty.Type{
			"op": cty.Object(map[string]cty.Type{"s": cty.String}),
		}}
		resolved, err := schema.Resolve(RunConfig{
			Ops: map[string]map[string]any{"op": {"s": 5}},
		})
		require.NoError(t, err)
		assert.Equal(t, "5", resolved.OpConfig("op").GetAttr("s").AsString())
	})
}

func TestDefaultedMapping(t *testing.T) {
	t.Run("validates defaults up front", func(t *testing.T) {
		_, err := DefaultedMapping(testSchema(), RunConfig{
			Ops: map[string]map[string]any{"fetch": {"bogus": 1}},
		})
		var cve *derror.ConfigValidationError
		require.True(t, errors.As(err, &cve))
	})

	t.Run("produces the defaults for every run", func(t *testing.T) {
		defaults := RunConfig{
			Ops: map[string]map[string]any{
				"fetch": {"table": "aqi", "limit": 10},
			},
			Resources: map[string]map[string]any{
				"db": {"dsn": "x"},
			},
		}
		m, err := DefaultedMapping(testSchema(), defaults)
		require.NoError(t, err)

		rc, err := m.Apply(cty.EmptyObjectVal)
		require.NoError(t, err)
		assert.Equal(t, defaults.Ops, rc.Ops)

		// Mutating the produced config must not leak into the defaults.
		rc.Ops["fetch"]["table"] = "other"
		assert.Equal(t, "aqi", defaults.Ops["fetch"]["table"])
	})
}

func TestPartitionedConfig(t *testing.T) {
	pc := &PartitionedConfig{
		Partitions: partition.NewStatic("letters", []string{"a", "b"}),
		ForPartition: func(key string) (RunConfig, map[string]string) {
			return RunConfig{
				Ops: map[string]map[string]any{"fetch": {"table": key}},
			}, map[string]string{"partition": key}
		},
	}

	t.Run("resolves a valid key", func(t *testing.T) {
		rc, tags, err := pc.RunConfigForPartition("a")
		require.NoError(t, err)
		assert.Equal(t, "a", rc.Ops["fetch"]["table"])
		assert.Equal(t, "a", tags["partition"])
	})

	t.Run("rejects an unknown key", func(t *testing.T) {
		_, _, err := pc.RunConfigForPartition("z")
		assert.ErrorContains(t, err, `unknown partition key "z"`)
	})
}

func TestDailyPartitions(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC)
	d := partition.NewDaily("daily", start, end)

	assert.Equal(t, []string{"2023-01-01", "2023-01-02", "2023-01-03"}, d.Keys())
	assert.True(t, d.Has("2023-01-02"))
	assert.False(t, d.Has("2023-01-04"))
	assert.False(t, d.Has("not-a-date"))
}
