// Package resource models the resources a job binds by string key: opaque
// values (connections, clients, I/O managers) initialized per run, with
// optional config schemas and resource-to-resource dependencies.
package resource

import (
	"context"
	"log/slog"

	"github.com/zclconf/go-cty/cty"
)

// InitContext is handed to a resource initializer.
type InitContext struct {
	Config cty.Value
	Logger *slog.Logger
	RunID  string
	// Resources holds already-initialized resources this one declared a
	// dependency on.
	Resources map[string]any
}

// InitFn produces the resource value for one run.
type InitFn func(ctx context.Context, ic *InitContext) (any, error)

// TeardownFn releases a resource value at the end of a run.
type TeardownFn func(ctx context.Context, value any) error

// Definition declares how a resource is built.
type Definition struct {
	Init     InitFn
	Teardown TeardownFn
	// ConfigSchema, when set, contributes a section to the job's
	// run-config schema under the resource's binding key.
	ConfigSchema *cty.Type
	// RequiredResourceKeys are other resource keys the initializer reads
	// from its context; requirement checking follows them transitively.
	RequiredResourceKeys []string
}

// Static wraps a fixed value as a resource definition.
func Static(value any) *Definition {
	return &Definition{
		Init: func(context.Context, *InitContext) (any, error) {
			return value, nil
		},
	}
}

// DefaultIOManagerKey is the binding key of the I/O manager every job
// carries unless the user supplies their own.
const DefaultIOManagerKey = "io_manager"
