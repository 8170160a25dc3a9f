package executor

import (
	"context"

	"github.com/vk/dagrun/internal/event"
)

// InProcess walks the plan sequentially on a single goroutine, in
// topological order. It is the executor behind execute-in-process and the
// default for tests.
type InProcess struct{}

func (e *InProcess) Execute(ctx context.Context, p Params) <-chan event.Event {
	events := make(chan event.Event)
	st := newRunState(p, events)

	go func() {
		defer close(events)
		if !st.initResources(ctx) {
			return
		}
		defer st.teardownResources(ctx)

		for _, s := range p.Plan.ExecutableSteps() {
			if ctx.Err() != nil {
				return
			}
			st.runStep(ctx, s)
		}
	}()
	return events
}
