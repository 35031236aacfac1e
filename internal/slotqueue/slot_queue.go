// ============================================================================
// Trolley Slot Queue - Per-slot Job Sequencer
// ============================================================================
//
// Package: internal/slotqueue
// File: slot_queue.go
// Function: Owns the jobs assigned to one worker slot and runs them one at a
//           time, each in its own isolated process.
//
// Buckets:
//   pending    []*Handle - FIFO, insertion order preserved from partitioning
//   running    *Handle   - at most one job, slots are strictly sequential
//   terminated []*Handle  - finished jobs with their outcome
//
//   pending ∪ running ∪ terminated is always the full set of jobs added, and
//   a job is in exactly one bucket at any instant. Bucket moves happen under
//   mu; the Handle's own state is advanced by Handle.Execute.
//
// Modes:
//   ModeManual - nothing runs unless RunNext is called
//   ModeAuto   - the queue goroutine pulls the head job whenever it is idle,
//                and parks (dormant) once pending is empty
//
// Failure Policy:
//   A timed out or failed job goes straight to terminated; retries only happen
//   inside the Handle when it was created with maxRetries > 0. A Runner error
//   (the job process could not be created) is fatal: the queue stops pulling
//   work and reports it through Err.
//
// ============================================================================

package slotqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/trolley/internal/worker"
	"github.com/ChuLiYu/trolley/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrAutoMode is returned by RunNext when the queue schedules itself.
	ErrAutoMode = errors.New("slot queue is in auto mode")
	// ErrBusy is returned by RunNext when a job is already running.
	ErrBusy = errors.New("slot queue is already running a job")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("slot queue already started")
)

// Mode is the scheduling policy of a Queue.
type Mode int

const (
	ModeManual Mode = iota
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Recorder receives job lifecycle events, e.g. for metrics.
type Recorder interface {
	RecordStart(slot int)
	RecordOutcome(slot int, outcome types.Outcome, d time.Duration)
	RecordRetries(slot int, n int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger sets the logger used for per-job lines.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithStartedAt sets the run start time that per-job log lines measure
// elapsed time against.
func WithStartedAt(t time.Time) Option {
	return func(q *Queue) { q.startedAt = t }
}

// ============================================================================
// Data Structures
// ============================================================================

// Queue is the per-slot manager that sequences and isolates execution of its
// assigned jobs.
type Queue struct {
	id        int
	runner    worker.Runner
	recorder  Recorder
	log       *slog.Logger
	startedAt time.Time

	mu         sync.Mutex
	order      []*worker.Handle // every job in assignment order
	pending    []*worker.Handle
	running    *worker.Handle
	terminated []*worker.Handle
	mode       Mode
	fatal      error
	started    bool

	wake   chan struct{}
	loopWg sync.WaitGroup
}

// New creates a Queue for slot id in ModeManual. Jobs run through runner.
func New(id int, runner worker.Runner, opts ...Option) *Queue {
	q := &Queue{
		id:        id,
		runner:    runner,
		log:       slog.Default(),
		startedAt: time.Now(),
		mode:      ModeManual,
		wake:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// ============================================================================
// Mutation
// ============================================================================

// Add appends a job to the queue. A job that has already terminated (for
// example one executed in-process before the run) goes straight to the
// terminated bucket.
func (q *Queue) Add(h *worker.Handle) {
	q.mu.Lock()
	q.order = append(q.order, h)
	if h.State() == types.StateTerminated {
		q.terminated = append(q.terminated, h)
	} else {
		q.pending = append(q.pending, h)
	}
	q.mu.Unlock()

	q.signal()
}

// SetMode switches the scheduling policy. Switching to ModeAuto wakes a
// started queue so it picks up pending work immediately.
func (q *Queue) SetMode(m Mode) {
	q.mu.Lock()
	q.mode = m
	q.mu.Unlock()

	q.signal()
}

// Start launches the queue goroutine. In ModeAuto it runs pending jobs until
// the queue drains, then stays dormant until more work is added or ctx is
// cancelled. Cancelling ctx kills the running job process; Wait returns once
// that process has been reaped.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true

	q.loopWg.Add(1)
	go func() {
		defer q.loopWg.Done()
		q.loop(ctx)
	}()

	return nil
}

// Wait blocks until the goroutine launched by Start has exited. It returns
// immediately for a queue that was never started.
func (q *Queue) Wait() {
	q.loopWg.Wait()
}

// RunNext runs the head pending job synchronously. It is the only way jobs
// run in ModeManual.
//
// Returns:
//   - bool: whether a job was run
//   - error: ErrAutoMode, ErrBusy, or the fatal Runner error
func (q *Queue) RunNext(ctx context.Context) (bool, error) {
	h, err := q.next(false)
	if err != nil || h == nil {
		return false, err
	}

	return true, q.execute(ctx, h)
}

func (q *Queue) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		h, _ := q.next(true)
		if h == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		// NOTE: The fatal error is kept on the queue and surfaced through Err;
		// the scheduler's monitor loop decides what to do with it.
		_ = q.execute(ctx, h)
	}
}

// next moves the head pending job to running. The mode and busy checks and
// the dequeue happen under one lock, so concurrent callers see ErrBusy
// rather than an empty queue.
//
// With auto set, next returns nil without an error unless the queue is in
// ModeAuto. Without it, ModeAuto is ErrAutoMode and a running job is
// ErrBusy. An empty queue or one stopped by a fatal error yields nil.
func (q *Queue) next(auto bool) (*worker.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if auto != (q.mode == ModeAuto) {
		if auto {
			return nil, nil
		}
		return nil, ErrAutoMode
	}
	if q.running != nil {
		if auto {
			return nil, nil
		}
		return nil, ErrBusy
	}
	if len(q.pending) == 0 || q.fatal != nil {
		return nil, nil
	}

	h := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.running = h

	return h, nil
}

func (q *Queue) execute(ctx context.Context, h *worker.Handle) error {
	if q.recorder != nil {
		q.recorder.RecordStart(q.id)
	}

	q.log.Debug("job started",
		"slot", q.id,
		"job_index", h.Index(),
		"elapsed", time.Since(q.startedAt))

	outcome, err := h.Execute(ctx, q.runner)
	entry := h.Entry()

	q.mu.Lock()
	q.running = nil
	q.terminated = append(q.terminated, h)
	if err != nil && !errors.As(err, &worker.InvalidStateError{}) {
		q.fatal = fmt.Errorf("slot %d: job %d: %w", q.id, h.Index(), err)
		err = q.fatal
	}
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordOutcome(q.id, outcome, time.Duration(entry.DurationMs)*time.Millisecond)
		if entry.Attempts > 1 {
			q.recorder.RecordRetries(q.id, entry.Attempts-1)
		}
	}

	attrs := []any{
		"slot", q.id,
		"job_index", h.Index(),
		"outcome", outcome,
		"attempts", entry.Attempts,
		"elapsed", time.Since(q.startedAt),
	}

	switch {
	case err != nil:
		q.log.Error("job could not be started", append(attrs, "error", err)...)
	case outcome == types.OutcomeCompleted:
		q.log.Debug("job finished", attrs...)
	default:
		q.log.Warn("job finished", append(attrs, "reason", entry.Error)...)
	}

	q.signal()

	return err
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ============================================================================
// Queries
// ============================================================================

// ID returns the slot id.
func (q *Queue) ID() int {
	return q.id
}

// Mode returns the current scheduling policy.
func (q *Queue) Mode() Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// StatusBrief returns the current bucket sizes.
func (q *Queue) StatusBrief() types.BriefStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := types.BriefStatus{
		Pending:    len(q.pending),
		Terminated: len(q.terminated),
	}
	if q.running != nil {
		b.Running = 1
	}

	return b
}

// StatusFull returns one entry per job, in assignment order. The state of
// each entry is the bucket the job is in.
func (q *Queue) StatusFull() []types.JobEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	states := make(map[*worker.Handle]types.JobState, len(q.order))
	for _, h := range q.pending {
		states[h] = types.StatePending
	}
	if q.running != nil {
		states[q.running] = types.StateRunning
	}
	for _, h := range q.terminated {
		states[h] = types.StateTerminated
	}

	entries := make([]types.JobEntry, 0, len(q.order))
	for _, h := range q.order {
		e := h.Entry()
		e.State = states[h]
		if e.State != types.StateTerminated {
			e.Outcome = types.OutcomeNone
		}
		entries = append(entries, e)
	}

	return entries
}

// Idle reports whether nothing is running and nothing is pending.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running == nil && len(q.pending) == 0
}

// Err returns the fatal error that stopped the queue, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fatal
}
