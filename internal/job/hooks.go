package job

import (
	"context"

	"github.com/vk/dagrun/internal/derror"
)

// HookContext describes the step a hook fires for.
type HookContext struct {
	RunID   string
	JobName string
	StepKey string
	// Err is set for failure hooks.
	Err *derror.Info
}

// HookFn is a user callback fired after a step completes. Hook panics and
// errors never affect the run outcome.
type HookFn func(ctx context.Context, hc HookContext)

// Hook bundles success and failure callbacks under a name.
type Hook struct {
	Name      string
	OnSuccess HookFn
	OnFailure HookFn
}
