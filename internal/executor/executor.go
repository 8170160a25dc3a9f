// Package executor turns an execution plan into an ordered stream of step
// events. Two implementations share the same per-step logic: an in-process
// executor that walks steps sequentially on one goroutine, and a pool
// executor that dispatches independent steps to concurrent workers.
//
// The executor owns the resource lifecycle for a run: resources are
// initialized before the first step and torn down after the last, and an
// initialization failure surfaces as a resource-init-failure event rather
// than an error return.
package executor

import (
	"context"

	"github.com/vk/dagrun/internal/config"
	"github.com/vk/dagrun/internal/event"
	"github.com/vk/dagrun/internal/ioman"
	"github.com/vk/dagrun/internal/job"
	"github.com/vk/dagrun/internal/plan"
	"github.com/vk/dagrun/internal/run"
)

// Params carries everything an executor needs for one run.
type Params struct {
	Run      *run.Run
	Job      *job.Definition
	Plan     *plan.Plan
	Resolved *config.Resolved
	// IO is the fallback I/O manager, used when the job's io_manager
	// resource does not yield one.
	IO ioman.IOManager
	// Workers bounds pool concurrency; <= 0 means one worker per step.
	Workers int
}

// Executor produces the step-event stream for one run. The returned
// channel is closed when no more events will be produced; consumers own
// the pace of the stream.
type Executor interface {
	Execute(ctx context.Context, p Params) <-chan event.Event
}

// ForKind maps a job's executor selection to an implementation.
func ForKind(kind job.ExecutorKind) Executor {
	if kind == job.ExecutorMultithread {
		return &Pool{}
	}
	return &InProcess{}
}
