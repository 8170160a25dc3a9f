package executor

import (
	"sort"
	"sync"

	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/ioman"
	"github.com/vk/dagrun/internal/plan"
)

// runState is the mutable bookkeeping both executors share for one run.
// All mutation goes through the mutex so the pool executor can share it
// across workers.
type runState struct {
	params Params
	events chan<- event.Event
	io     ioman.IOManager

	mu        sync.Mutex
	resources map[string]any
	teardown  []string // resource keys in init order
	// halted marks steps that failed or were skipped; downstream steps
	// gate on it.
	halted map[string]bool
	// mappingKeys records the keys emitted per dynamic output, feeding
	// pending-dynamic and dynamic-collect inputs.
	mappingKeys map[plan.OutputRef][]string
}

func newRunState(p Params, events chan<- event.Event) *runState {
	return &runState{
		params:      p,
		events:      events,
		io:          p.IO,
		resources:   map[string]any{},
		halted:      map[string]bool{},
		mappingKeys: map[plan.OutputRef][]string{},
	}
}

func (st *runState) emit(e event.Event) {
	st.events <- e
}

func (st *runState) markHalted(stepKey string) {
	st.mu.Lock()
	st.halted[stepKey] = true
	st.mu.Unlock()
}

// upstreamHalted reports whether any step feeding this one did not
// complete.
func (st *runState) upstreamHalted(s *plan.Step) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, key := range s.UpstreamStepKeys() {
		if st.halted[key] {
			return true
		}
	}
	return false
}

func (st *runState) recordMappingKey(ref plan.OutputRef, mappingKey string) {
	st.mu.Lock()
	st.mappingKeys[ref] = append(st.mappingKeys[ref], mappingKey)
	st.mu.Unlock()
}

func (st *runState) mappingKeysFor(ref plan.OutputRef) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := append([]string(nil), st.mappingKeys[ref]...)
	sort.Strings(out)
	return out
}

// skipRemaining emits a skipped event for every executable step not yet
// finished, used after a resource failure aborts the run.
func (st *runState) skipRemaining(done map[string]bool) {
	for _, s := range st.params.Plan.ExecutableSteps() {
		if done[s.Key] {
			continue
		}
		st.markHalted(s.Key)
		st.emit(event.StepSkipped(st.params.Run.ID, s.Key))
	}
}
