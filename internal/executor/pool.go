package executor

import (
	"context"
	"sync"

	"github.com/vk/dagrun/internal/ctxlog"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/plan"
)

// Pool dispatches independent steps to a bounded set of workers. Steps
// become ready when every upstream step has finished (successfully or
// not); the skip decision stays inside runStep so the event sequence
// matches the sequential executor.
type Pool struct{}

// poolStep tracks scheduling state for one step.
type poolStep struct {
	step *plan.Step
	// waiting counts unfinished upstream steps.
	waiting int
}

func (e *Pool) Execute(ctx context.Context, p Params) <-chan event.Event {
	events := make(chan event.Event)
	st := newRunState(p, events)

	go func() {
		defer close(events)
		if !st.initResources(ctx) {
			return
		}
		defer st.teardownResources(ctx)
		e.runPool(ctx, st)
	}()
	return events
}

func (e *Pool) runPool(ctx context.Context, st *runState) {
	logger := ctxlog.FromContext(ctx)
	steps := st.params.Plan.ExecutableSteps()

	executable := map[string]bool{}
	for _, s := range steps {
		executable[s.Key] = true
	}

	var mu sync.Mutex
	pending := map[string]*poolStep{}
	dependents := map[string][]string{}
	readyChan := make(chan *plan.Step, len(steps))

	for _, s := range steps {
		ps := &poolStep{step: s}
		for _, up := range s.UpstreamStepKeys() {
			// Source-step outputs are already materialized; only
			// executable upstreams gate readiness.
			if executable[up] {
				ps.waiting++
				dependents[up] = append(dependents[up], s.Key)
			}
		}
		pending[s.Key] = ps
	}

	var wg sync.WaitGroup
	wg.Add(len(steps))

	finish := func(key string) {
		mu.Lock()
		for _, down := range dependents[key] {
			ps := pending[down]
			ps.waiting--
			if ps.waiting == 0 {
				readyChan <- ps.step
			}
		}
		mu.Unlock()
		wg.Done()
	}

	workers := st.params.Workers
	if workers <= 0 || workers > len(steps) {
		workers = len(steps)
	}
	for id := 0; id < workers; id++ {
		go func(workerID int) {
			for s := range readyChan {
				if ctx.Err() != nil {
					logger.Debug("worker observed cancellation, skipping step", "workerID", workerID, "step", s.Key)
					st.markHalted(s.Key)
					finish(s.Key)
					continue
				}
				st.runStep(ctx, s)
				finish(s.Key)
			}
		}(id)
	}

	mu.Lock()
	for _, ps := range pending {
		if ps.waiting == 0 {
			readyChan <- ps.step
		}
	}
	mu.Unlock()

	wg.Wait()
	close(readyChan)
}
