package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/run"
)

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	inst := NewEphemeral()
	t.Cleanup(func() { _ = inst.Dispose(ctx) })

	r, err := inst.CreateRun(ctx, CreateRunParams{
		JobName: "etl",
		Tags:    map[string]string{"team": "data"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID, "run id should be generated")
	assert.Equal(t, run.StatusNotStarted, r.Status)
	assert.Equal(t, "data", r.Tag("team"))

	t.Run("explicit id is kept", func(t *testing.T) {
		r2, err := inst.CreateRun(ctx, CreateRunParams{RunID: "run-1", JobName: "etl"})
		require.NoError(t, err)
		assert.Equal(t, "run-1", r2.ID)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		_, err := inst.CreateRun(ctx, CreateRunParams{RunID: "run-1", JobName: "etl"})
		require.Error(t, err)
	})
}

func TestRequestCancellation(t *testing.T) {
	ctx := context.Background()
	inst := NewEphemeral()

	r, err := inst.CreateRun(ctx, CreateRunParams{JobName: "etl"})
	require.NoError(t, err)

	t.Run("not startable yet", func(t *testing.T) {
		require.Error(t, inst.RequestCancellation(ctx, r.ID))
	})

	_, err = inst.UpdateRunStatus(ctx, r.ID, run.StatusStarting)
	require.NoError(t, err)
	_, err = inst.UpdateRunStatus(ctx, r.ID, run.StatusStarted)
	require.NoError(t, err)

	require.NoError(t, inst.RequestCancellation(ctx, r.ID))
	got, err := inst.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCanceling, got.Status)

	t.Run("terminal runs cannot be canceled", func(t *testing.T) {
		_, err := inst.UpdateRunStatus(ctx, r.ID, run.StatusCanceled)
		require.NoError(t, err)
		require.Error(t, inst.RequestCancellation(ctx, r.ID))
	})
}

func TestRunWillResume(t *testing.T) {
	ctx := context.Background()
	inst := NewEphemeral()

	r, err := inst.CreateRun(ctx, CreateRunParams{
		JobName: "etl",
		Tags:    map[string]string{run.TagResumeRetry: "true"},
	})
	require.NoError(t, err)
	assert.True(t, inst.RunWillResume(ctx, r.ID))

	r2, err := inst.CreateRun(ctx, CreateRunParams{JobName: "etl"})
	require.NoError(t, err)
	assert.False(t, inst.RunWillResume(ctx, r2.ID))
}

func TestMaterializationQueries(t *testing.T) {
	ctx := context.Background()
	inst := NewEphemeral()

	_, err := inst.ReportEvent(ctx, event.MaterializationPlanned("run-1", asset.Key("users"), "2024-01-01"))
	require.NoError(t, err)
	_, err = inst.ReportEvent(ctx, event.Materialization("run-1", "users_step", asset.Key("users"), "2024-01-01"))
	require.NoError(t, err)

	planned, err := inst.PlannedMaterializationsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, asset.KeyPartition{Key: "users", Partition: "2024-01-01"}, planned[0])

	done, err := inst.MaterializationsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, done, 1)

	scans, err := inst.MaterializationsAfter(ctx, asset.Key("users"), 0)
	require.NoError(t, err)
	require.Len(t, scans, 1)
}

func TestRunGroup(t *testing.T) {
	ctx := context.Background()
	inst := NewEphemeral()

	root, err := inst.CreateRun(ctx, CreateRunParams{JobName: "etl"})
	require.NoError(t, err)
	retry, err := inst.CreateRun(ctx, CreateRunParams{
		JobName:     "etl",
		RootRunID:   root.ID,
		ParentRunID: root.ID,
	})
	require.NoError(t, err)
	_, err = inst.CreateRun(ctx, CreateRunParams{JobName: "etl"})
	require.NoError(t, err)

	group, err := inst.RunGroup(ctx, retry.ID)
	require.NoError(t, err)
	require.Len(t, group, 2, "the unrelated run stays out of the group")
	assert.Equal(t, retry.ID, group[0].ID, "most recent first")
	assert.Equal(t, root.ID, group[1].ID)

	fromRoot, err := inst.RunGroup(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, fromRoot, 2, "querying from the root yields the same group")
}

func TestFromFile(t *testing.T) {
	ctx := context.Background()

	t.Run("empty file yields ephemeral instance", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dagrun.hcl")
		require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

		inst, err := FromFile(ctx, path)
		require.NoError(t, err)
		_, err = inst.CreateRun(ctx, CreateRunParams{JobName: "etl"})
		require.NoError(t, err)
	})

	t.Run("sqlite backend", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "dagrun.hcl")
		body := `
artifact_root = "` + dir + `"

storage {
  backend = "sqlite"
  path    = "` + filepath.Join(dir, "db", "dagrun.db") + `"
}
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		inst, err := FromFile(ctx, path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = inst.Dispose(ctx) })

		assert.Equal(t, dir, inst.ArtifactRoot())
		r, err := inst.CreateRun(ctx, CreateRunParams{JobName: "etl"})
		require.NoError(t, err)
		got, err := inst.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "etl", got.JobName)
	})

	t.Run("sqlite without path rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dagrun.hcl")
		require.NoError(t, os.WriteFile(path, []byte("storage {\n  backend = \"sqlite\"\n}\n"), 0o644))

		_, err := FromFile(ctx, path)
		require.ErrorContains(t, err, "requires a path")
	})
}
