package backfill

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vk/dagrun/internal/asset"
	"github.com/vk/dagrun/internal/ctxlog"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/engine"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/instance"
	"github.com/vk/dagrun/internal/plan"
	"github.com/vk/dagrun/internal/run"
	"github.com/vk/dagrun/internal/storage"
)

// Planner drives an asset backfill one iteration at a time. Each
// iteration folds finished run outcomes into the bookkeeping, expands the
// set of requestable units breadth-first, and emits run requests for
// them. Iterations are resumable: everything they need is in Data, so a
// supervising process can persist the state between calls.
type Planner struct {
	inst  *instance.Instance
	jobs  engine.JobResolver
	cache *plan.SnapshotCache
}

// NewPlanner wires a planner to the instance it reads history from and
// the resolver supplying implicit materialization jobs.
func NewPlanner(inst *instance.Instance, jobs engine.JobResolver) *Planner {
	return &Planner{inst: inst, jobs: jobs, cache: plan.NewSnapshotCache()}
}

// NewBackfillID mints the identifier tagged onto every run of a backfill.
func NewBackfillID() string {
	return uuid.NewString()
}

// ExecuteIteration advances the backfill by one wave. The first iteration
// seeds the target's root units and must produce at least one run
// request; later iterations seed units unblocked by materializations
// recorded since the last cursor. The returned Data supersedes d.
func (p *Planner) ExecuteIteration(ctx context.Context, backfillID string, d *Data) (*Data, []run.Request, error) {
	g := d.Target.Graph()
	next := d.clone()

	var candidates []asset.KeyPartition
	if !d.RequestedRunsForTargetRoots {
		candidates = targetRootUnits(d.Target)
	} else {
		latest, err := p.inst.LatestStorageID(ctx, event.TypeAssetMaterialization)
		if err != nil {
			return nil, nil, fmt.Errorf("reading event-log cursor: %w", err)
		}
		if err := p.rollForwardRuns(ctx, backfillID, next); err != nil {
			return nil, nil, err
		}
		candidates, err = p.newlyUnblockedUnits(ctx, d)
		if err != nil {
			return nil, nil, err
		}
		next.LatestStorageID = latest
	}

	accepted := g.BFSFilter(candidates, func(kp asset.KeyPartition, wave map[asset.KeyPartition]bool) bool {
		return requestable(g, next, kp, wave)
	})
	next.Requested = next.Requested.UnionUnits(accepted...)
	requests := buildRunRequests(g, backfillID, accepted)

	if !d.RequestedRunsForTargetRoots {
		if len(requests) == 0 && d.Target.NumUnits() > 0 {
			return nil, nil, &derror.BackfillFailedError{Message: fmt.Sprintf(
				"backfill %s cannot make progress: no runs requested for the target roots", backfillID)}
		}
		next.RequestedRunsForTargetRoots = true
	}

	ctxlog.FromContext(ctx).Debug("backfill iteration complete",
		"backfill_id", backfillID,
		"requested_units", len(accepted),
		"run_requests", len(requests))
	return next, requests, nil
}

// rollForwardRuns folds the outcomes of runs tagged with the backfill id
// into next: their materializations, and for failed or canceled runs the
// planned-but-unfinished units plus everything downstream of them.
func (p *Planner) rollForwardRuns(ctx context.Context, backfillID string, next *Data) error {
	g := next.Target.Graph()
	runs, err := p.inst.Runs(ctx, storage.RunFilter{Tags: map[string]string{run.TagBackfillID: backfillID}})
	if err != nil {
		return fmt.Errorf("listing runs of backfill %s: %w", backfillID, err)
	}
	for _, r := range runs {
		mats, err := p.inst.MaterializationsForRun(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("reading materializations of run %s: %w", r.ID, err)
		}
		var done []asset.KeyPartition
		for _, kp := range mats {
			if next.Target.Contains(kp) {
				done = append(done, kp)
			}
		}
		next.Materialized = next.Materialized.UnionUnits(done...)

		if r.Status != run.StatusFailure && r.Status != run.StatusCanceled {
			continue
		}
		planned, err := p.inst.PlannedMaterializationsForRun(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("reading planned materializations of run %s: %w", r.ID, err)
		}
		var seeds []asset.KeyPartition
		for _, kp := range planned {
			if next.Target.Contains(kp) && !next.Materialized.Contains(kp) {
				seeds = append(seeds, kp)
			}
		}
		failed := g.BFSFilter(seeds, func(kp asset.KeyPartition, _ map[asset.KeyPartition]bool) bool {
			return next.Target.Contains(kp) && !next.Materialized.Contains(kp)
		})
		next.Failed = next.Failed.UnionUnits(failed...)
	}
	return nil
}

// newlyUnblockedUnits scans the event log forward from the stored cursor
// and returns the target units whose parents materialized in that window.
func (p *Planner) newlyUnblockedUnits(ctx context.Context, d *Data) ([]asset.KeyPartition, error) {
	g := d.Target.Graph()
	seen := map[asset.KeyPartition]bool{}
	var out []asset.KeyPartition
	for _, key := range g.Keys() {
		records, err := p.inst.MaterializationsAfter(ctx, key, d.LatestStorageID)
		if err != nil {
			return nil, fmt.Errorf("scanning materializations of %s: %w", key, err)
		}
		for _, rec := range records {
			parent := asset.KeyPartition{Key: rec.Event.AssetKey, Partition: rec.Event.Partition}
			for _, child := range g.ChildPartitions(parent) {
				if d.Target.Contains(child) && !seen[child] {
					seen[child] = true
					out = append(out, child)
				}
			}
		}
	}
	return out, nil
}

// requestable is the unit-acceptance predicate for the breadth-first
// expansion: a unit may join the wave only when it is targeted, not
// already settled or requested, and every targeted parent has either
// materialized or is co-requested in the same wave under the identical
// partition key, the same partitioning, and the same repository handle.
func requestable(g *asset.Graph, d *Data, kp asset.KeyPartition, wave map[asset.KeyPartition]bool) bool {
	if !d.Target.Contains(kp) || d.Failed.Contains(kp) || d.Materialized.Contains(kp) || d.Requested.Contains(kp) {
		return false
	}
	for _, parent := range g.ParentPartitions(kp) {
		if !d.Target.Contains(parent) || d.Materialized.Contains(parent) {
			continue
		}
		if wave[parent] &&
			parent.Partition == kp.Partition &&
			g.HaveSamePartitioning(parent.Key, kp.Key) &&
			g.RepositoryHandle(parent.Key) == g.RepositoryHandle(kp.Key) {
			continue
		}
		return false
	}
	return true
}

// buildRunRequests groups accepted units per implicit job and partition
// key, tagging each request with the backfill id. Requests are sorted for
// deterministic submission.
func buildRunRequests(g *asset.Graph, backfillID string, accepted []asset.KeyPartition) []run.Request {
	type groupKey struct{ job, partition string }
	groups := map[groupKey][]asset.Key{}
	for _, kp := range accepted {
		gk := groupKey{job: g.JobNameFor(kp.Key), partition: kp.Partition}
		groups[gk] = append(groups[gk], kp.Key)
	}

	order := make([]groupKey, 0, len(groups))
	for gk := range groups {
		order = append(order, gk)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].job != order[j].job {
			return order[i].job < order[j].job
		}
		return order[i].partition < order[j].partition
	})

	out := make([]run.Request, 0, len(order))
	for _, gk := range order {
		tags := map[string]string{run.TagBackfillID: backfillID}
		if gk.partition != "" {
			tags[run.TagPartitionKey] = gk.partition
		}
		out = append(out, run.Request{
			JobName:        gk.job,
			Tags:           tags,
			AssetSelection: groups[gk],
			PartitionKey:   gk.partition,
		})
	}
	return out
}

// SubmitRequests creates and launches one run per request. Plan snapshots
// are shared across requests targeting the same pipeline selector, so a
// backfill over many partitions of one selection plans its job once.
func (p *Planner) SubmitRequests(ctx context.Context, requests []run.Request) ([]string, error) {
	runIDs := make([]string, 0, len(requests))
	for _, rr := range requests {
		id, err := p.submitOne(ctx, rr)
		if err != nil {
			return runIDs, err
		}
		runIDs = append(runIDs, id)
	}
	return runIDs, nil
}

func (p *Planner) submitOne(ctx context.Context, rr run.Request) (string, error) {
	jd, err := p.jobs.JobNamed(rr.JobName)
	if err != nil {
		return "", err
	}
	selection := rr.NormalizedAssetSelection()
	target := jd
	if len(selection) > 0 && len(selection) < len(jd.AssetKeys()) {
		target, err = jd.ForSubsetSelection(nil, selection)
		if err != nil {
			return "", fmt.Errorf("selecting assets of job %q: %w", rr.JobName, err)
		}
	}

	rc := rr.Config
	tags := map[string]string{}
	for k, v := range rr.Tags {
		tags[k] = v
	}
	if rr.PartitionKey != "" && target.IsPartitioned() {
		prc, partitionTags, err := target.RunConfigForPartition(rr.PartitionKey)
		if err != nil {
			return "", err
		}
		rc = prc
		for k, v := range partitionTags {
			tags[k] = v
		}
		tags[run.TagPartitionKey] = rr.PartitionKey
	}

	selectorHash := plan.SelectorHash(rr.JobName, nil, selection)
	var pl *plan.Plan
	if snap, ok := p.cache.Get(selectorHash); ok {
		pl, _, err = plan.FromSnapshot(target, snap, rc, plan.Options{})
	} else {
		pl, err = plan.Build(target, rc, plan.Options{})
		if err == nil {
			p.cache.Put(selectorHash, pl.Snapshot(target))
		}
	}
	if err != nil {
		return "", fmt.Errorf("planning backfill run of job %q: %w", rr.JobName, err)
	}

	r, err := p.inst.CreateRun(ctx, instance.CreateRunParams{
		JobName:        rr.JobName,
		Config:         rc,
		Tags:           tags,
		AssetSelection: selection,
		SnapshotID:     pl.SnapshotID(),
	})
	if err != nil {
		return "", err
	}
	if err := p.inst.SubmitRun(ctx, r.ID); err != nil {
		return "", fmt.Errorf("submitting run %s: %w", r.ID, err)
	}
	return r.ID, nil
}

func targetRootUnits(target *asset.GraphSubset) []asset.KeyPartition {
	g := target.Graph()
	targeted := map[asset.Key]bool{}
	for _, k := range target.Keys() {
		targeted[k] = true
	}
	var out []asset.KeyPartition
	for _, root := range g.RootsWithin(targeted) {
		out = append(out, target.FilterKeys(root).Units()...)
	}
	return out
}
