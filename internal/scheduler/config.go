package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/trolley/internal/slotqueue"
	"github.com/ChuLiYu/trolley/internal/worker"
)

// DefaultPollInterval is the monitor loop cadence when none is configured.
const DefaultPollInterval = 200 * time.Millisecond

// Config holds the parameters of one run.
type Config struct {
	JobCount       int           // jobs 0..JobCount-1
	SlotCount      int           // parallel lanes
	Timeout        time.Duration // per job attempt, zero means unbounded
	CheckpointPath string        // empty disables the checkpoint file
	PollInterval   time.Duration // monitor loop cadence
	ValidateFirst  bool          // run job 0 in-process before any subprocess
	MaxRetries     int           // extra attempts for a job that did not complete
}

func (c *Config) validate() error {
	if c.JobCount < 1 {
		return fmt.Errorf("%w: job count must be at least 1, got %d", ErrInvalidArgument, c.JobCount)
	}
	if c.SlotCount < 1 {
		return fmt.Errorf("%w: slot count must be at least 1, got %d", ErrInvalidArgument, c.SlotCount)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %s", ErrInvalidArgument, c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidArgument, c.MaxRetries)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll interval must not be negative, got %s", ErrInvalidArgument, c.PollInterval)
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}

	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout sets the per-job timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.cfg.Timeout = d }
}

// WithCheckpoint enables the checkpoint file at path.
func WithCheckpoint(path string) Option {
	return func(s *Scheduler) { s.cfg.CheckpointPath = path }
}

// WithPollInterval sets the monitor loop cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.cfg.PollInterval = d }
}

// WithValidateFirst runs job 0 in-process before anything else.
func WithValidateFirst(enabled bool) Option {
	return func(s *Scheduler) { s.cfg.ValidateFirst = enabled }
}

// WithMaxRetries sets how many extra attempts a job gets.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) { s.cfg.MaxRetries = n }
}

// WithLogger sets the logger for the scheduler and its slot queues.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithRunner replaces the default ProcessRunner.
func WithRunner(r worker.Runner) Option {
	return func(s *Scheduler) { s.runner = r }
}

// WithObservers adds observers notified on every poll.
func WithObservers(obs ...Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, obs...) }
}

// WithRecorder attaches a job lifecycle Recorder to every slot queue.
func WithRecorder(r slotqueue.Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithStartedAt sets the run start time instead of taking it when Run is
// called, so observers built beforehand can share it.
func WithStartedAt(t time.Time) Option {
	return func(s *Scheduler) { s.startedAt = t }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}
