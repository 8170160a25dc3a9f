package run

import (
	"sort"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/config"
)

// Request describes a run to be created and submitted: the target job,
// its resolved configuration, tags, and an optional asset selection.
type Request struct {
	JobName        string
	Config         config.RunConfig
	Tags           map[string]string
	AssetSelection []asset.Key
	PartitionKey   string
}

// NormalizedAssetSelection returns the asset selection sorted, for stable
// grouping and hashing.
func (rr Request) NormalizedAssetSelection() []asset.Key {
	keys := append([]asset.Key(nil), rr.AssetSelection...)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
