package executor

import (
	"context"
	"fmt"

	"github.com/vk/dagrun/internal/ctxlog"
	"github.com/vk/dagrun/internal/derror"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/ioman"
	"github.com/vk/dagrun/internal/resource"
)

// requiredResourceKeys computes the resource keys this run's steps need,
// followed transitively through resource-to-resource requirements, plus
// the I/O manager binding.
func (st *runState) requiredResourceKeys() []string {
	needed := map[string]bool{resource.DefaultIOManagerKey: true}
	for _, s := range st.params.Plan.ExecutableSteps() {
		for _, key := range s.Op.RequiredResourceKeys() {
			needed[key] = true
		}
	}
	defs := st.params.Job.Resources()
	for {
		grew := false
		for key := range needed {
			def, ok := defs[key]
			if !ok {
				continue
			}
			for _, dep := range def.RequiredResourceKeys {
				if !needed[dep] {
					needed[dep] = true
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}
	var out []string
	for key := range needed {
		out = append(out, key)
	}
	return out
}

// initResources builds every required resource in dependency order. On
// failure it emits a resource-init-failure event attributed to the first
// step needing the resource and reports false; the caller then skips the
// whole plan.
func (st *runState) initResources(ctx context.Context) bool {
	logger := ctxlog.FromContext(ctx)
	defs := st.params.Job.Resources()
	pending := st.requiredResourceKeys()

	for len(pending) > 0 {
		progressed := false
		var stuck []string
		for _, key := range pending {
			def := defs[key]
			if def == nil {
				// Already checked at job construction; guard anyway.
				st.failResourceInit(key, derror.Invariantf("resource %q is required but not bound", key))
				return false
			}
			if !st.depsReady(def) {
				stuck = append(stuck, key)
				continue
			}
			value, err := st.initOne(ctx, key, def)
			if err != nil {
				logger.Error("resource initialization failed", "resource", key, "error", err)
				st.failResourceInit(key, err)
				return false
			}
			st.mu.Lock()
			st.resources[key] = value
			st.teardown = append(st.teardown, key)
			st.mu.Unlock()
			progressed = true
		}
		if !progressed {
			st.failResourceInit(stuck[0], derror.Invariantf("circular resource requirements among %v", stuck))
			return false
		}
		pending = stuck
	}

	// A resource bound under io_manager that yields an IOManager replaces
	// the fallback.
	if v, ok := st.resources[resource.DefaultIOManagerKey]; ok {
		if io, ok := v.(ioman.IOManager); ok {
			st.io = io
		}
	}
	if st.io == nil {
		st.io = ioman.NewInMemory()
	}
	return true
}

func (st *runState) depsReady(def *resource.Definition) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, dep := range def.RequiredResourceKeys {
		if _, ok := st.resources[dep]; !ok {
			return false
		}
	}
	return true
}

func (st *runState) initOne(ctx context.Context, key string, def *resource.Definition) (any, error) {
	deps := map[string]any{}
	st.mu.Lock()
	for _, dep := range def.RequiredResourceKeys {
		deps[dep] = st.resources[dep]
	}
	st.mu.Unlock()

	ic := &resource.InitContext{
		Config:    st.params.Resolved.ResourceConfig(key),
		Logger:    ctxlog.FromContext(ctx).With("resource", key),
		RunID:     st.params.Run.ID,
		Resources: deps,
	}
	value, err := def.Init(ctx, ic)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", key, err)
	}
	return value, nil
}

func (st *runState) failResourceInit(key string, err error) {
	stepKey := ""
	for _, s := range st.params.Plan.ExecutableSteps() {
		if key == resource.DefaultIOManagerKey {
			stepKey = s.Key
			break
		}
		for _, rk := range s.Op.RequiredResourceKeys() {
			if rk == key {
				stepKey = s.Key
				break
			}
		}
		if stepKey != "" {
			break
		}
	}
	st.emit(event.ResourceInitFailure(st.params.Run.ID, stepKey, key, derror.InfoFromError(err)))
	st.skipRemaining(map[string]bool{})
}

// teardownResources releases resources in reverse init order. Teardown
// errors are logged, never fatal.
func (st *runState) teardownResources(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	defs := st.params.Job.Resources()
	st.mu.Lock()
	order := append([]string(nil), st.teardown...)
	st.mu.Unlock()
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		def := defs[key]
		if def == nil || def.Teardown == nil {
			continue
		}
		if err := def.Teardown(ctx, st.resources[key]); err != nil {
			logger.Error("resource teardown failed", "resource", key, "error", err)
		}
	}
}
