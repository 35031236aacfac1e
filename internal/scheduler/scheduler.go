// ============================================================================
// Trolley Scheduler - Run Coordinator
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Function: Partitions job indices across slots, starts one SlotQueue per
//           slot and monitors the run until every job has terminated.
//
// Run Flow:
//   1. validate config, lock the checkpoint (if any)
//   2. validate-first (optional): job 0 in-process, no isolation
//   3. partition 0..N-1 round-robin, seed one SlotQueue per slot, AUTO mode
//   4. monitor loop: every PollInterval
//        - StatusBrief of every slot -> observers (progress, metrics, health)
//        - StatusFull of every slot  -> checkpoint file (atomic overwrite)
//      until every slot reports done
//
// Failure Handling:
//   - job timeouts and failures are outcomes, never errors
//   - a slot that could not create a job process aborts the run with
//     ErrSchedulerFatal; the remaining job processes are killed through the
//     slots' context
//   - caller cancellation returns ctx.Err() after the same cleanup
//   - Run returns only after every slot goroutine has exited, so no job
//     process it started is still running
//
// Cleanup of job processes on abort is at-least-effort: a process that
// ignores SIGKILL propagation (e.g. one that left its process group) may
// outlive the run.
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/trolley/internal/slotqueue"
	"github.com/ChuLiYu/trolley/internal/snapshot"
	"github.com/ChuLiYu/trolley/internal/worker"
	"github.com/ChuLiYu/trolley/pkg/types"
)

// Observer receives the brief status of every slot, indexed by slot id, on
// each poll of the monitor loop. Observe is called from the monitor
// goroutine and must not block for long.
type Observer interface {
	Observe(now time.Time, briefs []types.BriefStatus)
}

// ============================================================================
// Data Structures
// ============================================================================

// Scheduler runs one batch of jobs. It is single-use.
type Scheduler struct {
	cfg       Config
	job       worker.JobRef
	shared    worker.Context
	log       *slog.Logger
	runner    worker.Runner
	observers []Observer
	recorder  slotqueue.Recorder
	runID     string

	mu        sync.Mutex
	slots     []*slotqueue.Queue
	startedAt time.Time
	ran       bool
}

// SolveProblemWithWorkerPool runs job for every index in 0..jobCount-1 on
// slotCount parallel slots and returns once every job has terminated.
// Individual job timeouts and failures do not produce an error; inspect the
// checkpoint or the Scheduler's status queries for outcomes.
func SolveProblemWithWorkerPool(ctx context.Context, job worker.JobRef, shared worker.Context, jobCount, slotCount int, opts ...Option) error {
	s, err := New(Config{JobCount: jobCount, SlotCount: slotCount}, job, shared, opts...)
	if err != nil {
		return err
	}

	return s.Run(ctx)
}

// New creates a Scheduler. Options are applied on top of cfg.
//
// Returns ErrInvalidArgument for a bad configuration or an unregistered job.
func New(cfg Config, job worker.JobRef, shared worker.Context, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:    cfg,
		job:    job,
		shared: shared,
		log:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.cfg.validate(); err != nil {
		return nil, err
	}

	if _, err := worker.Lookup(job.Name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if s.runner == nil {
		r, err := worker.NewProcessRunner()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSchedulerFatal, err)
		}
		s.runner = r
	}

	if s.runID == "" {
		s.runID = uuid.NewString()
	}

	s.log = s.log.With("run_id", s.runID)

	return s, nil
}

// ============================================================================
// Run
// ============================================================================

// Run executes the batch. It can be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return fmt.Errorf("%w: scheduler already ran", ErrInvalidArgument)
	}
	s.ran = true
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	startedAt := s.startedAt
	s.mu.Unlock()

	s.log.Info("Run started",
		"job", s.job.Name,
		"jobs", s.cfg.JobCount,
		"slots", s.cfg.SlotCount,
		"timeout", s.cfg.Timeout,
		"checkpoint", s.cfg.CheckpointPath)

	var ckpt *snapshot.Manager
	if s.cfg.CheckpointPath != "" {
		ckpt = snapshot.NewManager(s.cfg.CheckpointPath)
		if err := ckpt.Lock(); err != nil {
			return fmt.Errorf("%w: %w", ErrSchedulerFatal, err)
		}
		defer func() {
			if err := ckpt.Unlock(); err != nil {
				s.log.Error("Failed to release checkpoint lock", "error", err)
			}
		}()
	}

	handles := make([]*worker.Handle, s.cfg.JobCount)
	for i := range handles {
		handles[i] = worker.NewHandle(i, s.job, s.shared, s.cfg.Timeout, s.cfg.MaxRetries)
	}

	if s.cfg.ValidateFirst {
		if err := handles[0].ExecuteInProcess(); err != nil {
			s.log.Error("Validate-first run failed", "job_index", 0, "error", err)
			return fmt.Errorf("%w: %w", ErrValidateFirst, err)
		}
		s.log.Info("Validate-first run passed", "job_index", 0)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queueOpts := []slotqueue.Option{
		slotqueue.WithLogger(s.log),
		slotqueue.WithStartedAt(startedAt),
	}
	if s.recorder != nil {
		queueOpts = append(queueOpts, slotqueue.WithRecorder(s.recorder))
	}

	slots := make([]*slotqueue.Queue, 0, s.cfg.SlotCount)
	for id, indices := range Partition(s.cfg.JobCount, s.cfg.SlotCount) {
		q := slotqueue.New(id, s.runner, queueOpts...)
		for _, i := range indices {
			q.Add(handles[i])
		}
		q.SetMode(slotqueue.ModeAuto)
		slots = append(slots, q)
	}

	s.mu.Lock()
	s.slots = slots
	s.mu.Unlock()

	err := startSlots(runCtx, slots)
	if err == nil {
		err = s.monitor(ctx, ckpt)
	}

	// Every slot goroutine must have reaped its job process before Run
	// returns; the caller may exit right after.
	cancel()
	for _, q := range slots {
		q.Wait()
	}

	if err != nil && ckpt != nil {
		if werr := ckpt.Write(s.Checkpoint()); werr != nil {
			s.log.Warn("Failed to write checkpoint", "path", ckpt.GetPath(), "error", werr)
		}
	}

	counts := s.Counts()
	attrs := []any{
		"duration", time.Since(startedAt),
		"completed", counts[types.OutcomeCompleted],
		"timed_out", counts[types.OutcomeTimedOut],
		"failed", counts[types.OutcomeFailed],
	}

	if err != nil {
		s.log.Error("Run aborted", append(attrs, "error", err)...)
		return err
	}

	s.log.Info("Run finished", attrs...)

	return nil
}

func startSlots(ctx context.Context, slots []*slotqueue.Queue) error {
	for _, q := range slots {
		if err := q.Start(ctx); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrSchedulerFatal, q.ID(), err)
		}
	}
	return nil
}

// monitor polls until every slot is done, a slot fails fatally or ctx is
// cancelled. A poll always happens after the last job terminates, so the
// final checkpoint has every job terminated.
func (s *Scheduler) monitor(ctx context.Context, ckpt *snapshot.Manager) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := s.poll(ckpt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			s.log.Warn("Run cancelled", "error", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) poll(ckpt *snapshot.Manager) (bool, error) {
	slots := s.Slots()

	var fatal error
	done := true
	briefs := make([]types.BriefStatus, len(slots))
	for i, q := range slots {
		if err := q.Err(); err != nil && fatal == nil {
			fatal = err
		}
		briefs[i] = q.StatusBrief()
		if !briefs[i].Done() {
			done = false
		}
	}

	now := time.Now()
	for _, obs := range s.observers {
		obs.Observe(now, briefs)
	}

	if ckpt != nil {
		if err := ckpt.Write(s.Checkpoint()); err != nil {
			s.log.Warn("Failed to write checkpoint", "path", ckpt.GetPath(), "error", err)
		}
	}

	if fatal != nil {
		return false, fmt.Errorf("%w: %w", ErrSchedulerFatal, fatal)
	}

	return done, nil
}

// ============================================================================
// Queries
// ============================================================================

// Partition assigns index i to slot i % slotCount. Indices within a slot are
// ascending.
func Partition(jobCount, slotCount int) [][]int {
	if slotCount < 1 {
		return nil
	}

	slots := make([][]int, slotCount)
	for i := 0; i < jobCount; i++ {
		slots[i%slotCount] = append(slots[i%slotCount], i)
	}

	return slots
}

// Slots returns the slot queues of the run, indexed by slot id. It is empty
// until Run has started them. The queues must only be queried.
func (s *Scheduler) Slots() []*slotqueue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*slotqueue.Queue(nil), s.slots...)
}

// Checkpoint returns the full status of every slot.
func (s *Scheduler) Checkpoint() types.Checkpoint {
	slots := s.Slots()

	cp := make(types.Checkpoint, len(slots))
	for _, q := range slots {
		cp[types.SlotKey(q.ID())] = q.StatusFull()
	}

	return cp
}

// Counts tallies the outcomes of terminated jobs across all slots.
func (s *Scheduler) Counts() map[types.Outcome]int {
	counts := make(map[types.Outcome]int, 3)
	for _, entries := range s.Checkpoint() {
		for outcome, n := range types.OutcomeCounts(entries) {
			counts[outcome] += n
		}
	}
	return counts
}

// RunID returns the id used to correlate this run's log lines.
func (s *Scheduler) RunID() string {
	return s.runID
}

// StartedAt returns when the run began, or the zero time before Run.
func (s *Scheduler) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}
