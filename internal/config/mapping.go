package config

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/partition"
)

// Mapping transforms a small outer config value into a full RunConfig. The
// outer value is validated against OuterSchema before Fn runs.
type Mapping struct {
	OuterSchema cty.Type
	Fn          func(outer cty.Value) (RunConfig, error)
}

// Apply validates and transforms an outer value.
func (m *Mapping) Apply(outer cty.Value) (RunConfig, error) {
	if m.OuterSchema != cty.NilType && outer != cty.NilVal {
		if !outer.Type().Equals(m.OuterSchema) {
			return RunConfig{}, derror.Invariantf(
				"config mapping expected outer type %s, got %s",
				m.OuterSchema.FriendlyName(), outer.Type().FriendlyName())
		}
	}
	return m.Fn(outer)
}

// DefaultedMapping derives a mapping from a plain config map: the map is
// validated against the job schema immediately (failing fast with every
// offending field) and then used verbatim as the run config for every run.
func DefaultedMapping(schema *Schema, defaults RunConfig) (*Mapping, error) {
	if err := schema.Validate(defaults); err != nil {
		return nil, err
	}
	return &Mapping{
		OuterSchema: cty.EmptyObject,
		Fn: func(cty.Value) (RunConfig, error) {
			return defaults.Clone(), nil
		},
	}, nil
}

// PartitionedConfig binds a partition definition to a function producing
// the run config and extra tags for one partition key.
type PartitionedConfig struct {
	Partitions   partition.Definition
	ForPartition func(partitionKey string) (RunConfig, map[string]string)
}

// RunConfigForPartition validates the key and produces its run config.
func (p *PartitionedConfig) RunConfigForPartition(key string) (RunConfig, map[string]string, error) {
	if err := partition.Validate(p.Partitions, key); err != nil {
		return RunConfig{}, nil, derror.Invariantf("%v", err)
	}
	rc, tags := p.ForPartition(key)
	return rc, tags, nil
}
