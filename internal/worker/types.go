package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/trolley/pkg/types"
)

// Context is the shared, read-mostly mapping handed to every job invocation.
// Each execution receives its own JSON copy, so mutations never propagate
// between jobs.
type Context map[string]any

// Func is a job body. It is called with the job index and the shared context.
// A non-nil error marks the job as failed.
type Func func(index int, shared Context) error

// JobRef names a registered job function. Only the name crosses the process
// boundary; the child resolves it from its own registry.
type JobRef struct {
	Name string
}

// Invocation is everything a Runner needs to execute one attempt of a job.
type Invocation struct {
	Index   int
	Job     JobRef
	Shared  Context
	Timeout time.Duration // zero means unbounded
}

// Result describes one finished attempt.
type Result struct {
	Outcome  types.Outcome
	ExitCode int    // -1 when the process was killed or never exited normally
	Err      string // failure reason, empty on success
	Duration time.Duration
}

// Runner executes a job invocation in isolation.
//
// A returned error means the isolated context could not be created at all
// (for example the subprocess failed to start). That is fatal for the run.
// Everything that happens after a successful start is reported through Result.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}
