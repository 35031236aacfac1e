// ============================================================================
// Trolley Worker - Job Handle
// ============================================================================
//
// Package: internal/worker
// File: handle.go
// Function: Wraps one job (index + registered function + shared context +
//           timeout) and tracks its state while a Runner executes it.
//
// Lifecycle:
//   pending ──Execute()──> running ──Runner.Run()──> terminated
//
//   - Transitions use CompareAndSwap, so Execute can succeed only once.
//   - The outcome is written exactly once, right before the final transition.
//   - With maxRetries > 0 a failed or timed out attempt is re-run; the Handle
//     stays running between attempts.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/trolley/pkg/types"
)

// Handle is one job's execution wrapper. It is created by the scheduler at
// partition time and mutated only by the slot queue that owns it.
type Handle struct {
	index      int
	job        JobRef
	shared     Context
	timeout    time.Duration
	maxRetries int

	state atomicState

	mu       sync.Mutex
	outcome  types.Outcome
	attempts int
	lastErr  string
	duration time.Duration
}

// NewHandle creates a pending Handle. A zero timeout means unbounded.
func NewHandle(index int, job JobRef, shared Context, timeout time.Duration, maxRetries int) *Handle {
	if maxRetries < 0 {
		maxRetries = 0
	}

	h := &Handle{
		index:      index,
		job:        job,
		shared:     shared,
		timeout:    timeout,
		maxRetries: maxRetries,
	}
	h.state.Store(types.StatePending)

	return h
}

// Index returns the job index.
func (h *Handle) Index() int {
	return h.index
}

// Job returns the job reference.
func (h *Handle) Job() JobRef {
	return h.job
}

// Timeout returns the configured per-attempt timeout.
func (h *Handle) Timeout() time.Duration {
	return h.timeout
}

// State returns the current state.
func (h *Handle) State() types.JobState {
	return h.state.Load()
}

// Outcome returns the outcome, or OutcomeNone while not terminated.
func (h *Handle) Outcome() types.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Attempts returns how many times the job has been run.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Entry returns a status entry for this Handle.
func (h *Handle) Entry() types.JobEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return types.JobEntry{
		JobIndex:   h.index,
		State:      h.state.Load(),
		Outcome:    h.outcome,
		Attempts:   h.attempts,
		Error:      h.lastErr,
		DurationMs: h.duration.Milliseconds(),
	}
}

// Execute runs the job through runner, retrying up to maxRetries times when an
// attempt does not complete. It returns the final outcome.
//
// A non-nil error is either an InvalidStateError (the Handle already ran) or
// the Runner's error when the isolated context could not be created; in the
// latter case the Handle is terminated as failed.
func (h *Handle) Execute(ctx context.Context, runner Runner) (types.Outcome, error) {
	if !h.state.CompareAndSwap(types.StatePending, types.StateRunning) {
		return types.OutcomeNone, NewInvalidStateError(h.state.Load(), types.StateRunning)
	}

	inv := Invocation{
		Index:   h.index,
		Job:     h.job,
		Shared:  h.shared,
		Timeout: h.timeout,
	}

	var last Result
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		res, err := runner.Run(ctx, inv)
		if err != nil {
			h.record(Result{Outcome: types.OutcomeFailed, ExitCode: -1, Err: err.Error()})
			h.terminate(types.OutcomeFailed)
			return types.OutcomeFailed, err
		}

		h.record(res)
		last = res

		if res.Outcome == types.OutcomeCompleted || ctx.Err() != nil {
			break
		}
	}

	h.terminate(last.Outcome)
	return last.Outcome, nil
}

// ExecuteInProcess runs the job body synchronously in the calling process,
// without isolation or timeout. It is used to smoke-test a job before any
// subprocess is created. A panic in the body is recovered and returned as
// ErrJobPanicked.
func (h *Handle) ExecuteInProcess() error {
	if !h.state.CompareAndSwap(types.StatePending, types.StateRunning) {
		return NewInvalidStateError(h.state.Load(), types.StateRunning)
	}

	start := time.Now()
	err := runInProcess(h.job, h.index, h.shared)

	res := Result{Outcome: types.OutcomeCompleted, Duration: time.Since(start)}
	if err != nil {
		res.Outcome = types.OutcomeFailed
		res.ExitCode = -1
		res.Err = err.Error()
	}

	h.record(res)
	h.terminate(res.Outcome)

	return err
}

func (h *Handle) record(res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.attempts++
	h.lastErr = res.Err
	h.duration += res.Duration
}

func (h *Handle) terminate(outcome types.Outcome) {
	h.mu.Lock()
	h.outcome = outcome
	h.mu.Unlock()

	h.state.Store(types.StateTerminated)
}

func runInProcess(job JobRef, index int, shared Context) (err error) {
	fn, err := Lookup(job.Name)
	if err != nil {
		return err
	}

	cp, err := cloneContext(shared)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrJobPanicked, r, debug.Stack())
		}
	}()

	return fn(index, cp)
}

// cloneContext gives a job the same view of the shared context whether it
// runs in a subprocess or in-process.
func cloneContext(c Context) (Context, error) {
	if c == nil {
		return Context{}, nil
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shared context: %w", err)
	}

	var cp Context
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode shared context: %w", err)
	}
	if cp == nil {
		cp = Context{}
	}

	return cp, nil
}
