package job

import (
	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/run"
)

// RunConfigForPartition resolves the partition-specific run config and
// tags. Fails when the job is not partitioned or the key is unknown.
func (d *Definition) RunConfigForPartition(partitionKey string) (config.RunConfig, map[string]string, error) {
	if d.partitioned == nil {
		return config.RunConfig{}, nil, derror.Invariantf(
			"job %q is not partitioned, cannot resolve partition %q", d.name, partitionKey)
	}
	return d.partitioned.RunConfigForPartition(partitionKey)
}

// RunRequestForPartition builds a submittable run request targeting one
// partition of the job.
func (d *Definition) RunRequestForPartition(partitionKey string) (run.Request, error) {
	rc, partitionTags, err := d.RunConfigForPartition(partitionKey)
	if err != nil {
		return run.Request{}, err
	}
	tags := map[string]string{}
	for k, v := range d.tags {
		tags[k] = v
	}
	for k, v := range partitionTags {
		tags[k] = v
	}
	tags[run.TagPartitionKey] = partitionKey
	return run.Request{
		JobName:      d.name,
		Config:       rc,
		Tags:         tags,
		PartitionKey: partitionKey,
	}, nil
}
