// Package derror defines the error taxonomy for the orchestration core.
//
// Definition-time problems (duplicate names, cycles, unsatisfied resource
// requirements) are fatal and surface as *InvalidDefinitionError. Narrowing
// a graph or job with a bad selection surfaces as *InvalidSubsetError so
// callers can tell a bad user selection apart from a bad underlying graph.
// Step failures and interruptions never escape the engine as raw errors;
// they are converted into events carrying an Info record.
package derror

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidDefinitionError indicates a fatal problem detected while
// constructing a definition. No partial object is ever returned with it.
type InvalidDefinitionError struct {
	Message string
}

func (e *InvalidDefinitionError) Error() string {
	return e.Message
}

// Definitionf builds an *InvalidDefinitionError from a format string.
func Definitionf(format string, args ...any) *InvalidDefinitionError {
	return &InvalidDefinitionError{Message: fmt.Sprintf(format, args...)}
}

// InvalidSubsetError wraps a definition error encountered while narrowing a
// graph or job to a selection.
type InvalidSubsetError struct {
	Query string
	Err   error
}

func (e *InvalidSubsetError) Error() string {
	return fmt.Sprintf("invalid subset selection %q: %v", e.Query, e.Err)
}

func (e *InvalidSubsetError) Unwrap() error {
	return e.Err
}

// ConfigValidationError reports every invalid path found while resolving a
// run configuration against a schema, not just the first one.
type ConfigValidationError struct {
	Errors []ConfigError
}

// ConfigError is a single schema violation at a config path.
type ConfigError struct {
	Path    string
	Message string
}

func (e *ConfigValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, ce := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", ce.Path, ce.Message)
	}
	return fmt.Sprintf("invalid run config:\n- %s", strings.Join(parts, "\n- "))
}

// InvariantError indicates a caller violated a call-time invariant, such as
// passing both an op selection and an asset selection.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return e.Message
}

// Invariantf builds an *InvariantError from a format string.
func Invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// BackfillFailedError indicates a backfill cannot make progress, e.g. its
// first iteration produced zero run requests.
type BackfillFailedError struct {
	Message string
}

func (e *BackfillFailedError) Error() string {
	return e.Message
}

// ErrInterrupted is the sentinel recognized by the engine as a cooperative
// cancellation signal rather than a genuine failure.
var ErrInterrupted = errors.New("execution interrupted")

// IsInterrupted reports whether err is, or wraps, ErrInterrupted.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
