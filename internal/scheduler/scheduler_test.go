package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trolley/internal/snapshot"
	"github.com/ChuLiYu/trolley/internal/worker"
	"github.com/ChuLiYu/trolley/pkg/types"
)

// ============================================================================
// Test jobs (registered in parent and child test binaries alike)
// ============================================================================

var (
	markJob = worker.Register("scheduler-test-mark", func(index int, shared worker.Context) error {
		dir, _ := shared["dir"].(string)
		f, err := os.OpenFile(filepath.Join(dir, fmt.Sprint(index)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString("x")
		return err
	})

	slowEvenJob = worker.Register("scheduler-test-slow-even", func(index int, _ worker.Context) error {
		if index%2 == 0 {
			time.Sleep(5 * time.Second)
		}
		return nil
	})

	failOddJob = worker.Register("scheduler-test-fail-odd", func(index int, _ worker.Context) error {
		if index%2 == 1 {
			return fmt.Errorf("odd index %d", index)
		}
		return nil
	})

	failZeroJob = worker.Register("scheduler-test-fail-zero", func(index int, _ worker.Context) error {
		if index == 0 {
			return errors.New("smoke test failed")
		}
		return nil
	})
)

func TestMain(m *testing.M) {
	worker.ServeIfChild()
	os.Exit(m.Run())
}

// ============================================================================
// Test Helper Functions
// ============================================================================

// inlineRunner runs job bodies in the test process. Runs that need real
// subprocesses use the default ProcessRunner instead.
type inlineRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *inlineRunner) Run(_ context.Context, inv worker.Invocation) (worker.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.err != nil {
		return worker.Result{}, r.err
	}

	fn, err := worker.Lookup(inv.Job.Name)
	if err != nil {
		return worker.Result{}, err
	}

	start := time.Now()
	if err := fn(inv.Index, inv.Shared); err != nil {
		return worker.Result{Outcome: types.OutcomeFailed, ExitCode: 1, Err: err.Error(), Duration: time.Since(start)}, nil
	}
	return worker.Result{Outcome: types.OutcomeCompleted, Duration: time.Since(start)}, nil
}

func (r *inlineRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// recordingObserver keeps every observation.
type recordingObserver struct {
	mu     sync.Mutex
	briefs [][]types.BriefStatus
}

func (o *recordingObserver) Observe(_ time.Time, briefs []types.BriefStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.briefs = append(o.briefs, append([]types.BriefStatus(nil), briefs...))
}

func (o *recordingObserver) all() [][]types.BriefStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.briefs
}

// markCounts returns how many times each index wrote its marker file.
func markCounts(t *testing.T, dir string, jobCount int) []int {
	t.Helper()
	counts := make([]int, jobCount)
	for i := range counts {
		raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprint(i)))
		if err == nil {
			counts[i] = len(raw)
		}
	}
	return counts
}

func ones(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		jobCount  int
		slotCount int
		want      [][]int
	}{
		{
			name:      "ten jobs on three slots",
			jobCount:  10,
			slotCount: 3,
			want:      [][]int{{0, 3, 6, 9}, {1, 4, 7}, {2, 5, 8}},
		},
		{
			name:      "more slots than jobs",
			jobCount:  2,
			slotCount: 4,
			want:      [][]int{{0}, {1}, nil, nil},
		},
		{
			name:      "single slot",
			jobCount:  3,
			slotCount: 1,
			want:      [][]int{{0, 1, 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.jobCount, tt.slotCount)
			assert.Equal(t, tt.want, got)

			seen := map[int]int{}
			for _, slot := range got {
				for _, i := range slot {
					seen[i]++
				}
			}
			assert.Len(t, seen, tt.jobCount)
			for i, n := range seen {
				assert.Equal(t, 1, n, "index %d", i)
			}
		})
	}
}

func TestNewInvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		job  worker.JobRef
	}{
		{name: "zero jobs", cfg: Config{JobCount: 0, SlotCount: 1}, job: markJob},
		{name: "zero slots", cfg: Config{JobCount: 1, SlotCount: 0}, job: markJob},
		{name: "negative timeout", cfg: Config{JobCount: 1, SlotCount: 1, Timeout: -time.Second}, job: markJob},
		{name: "negative retries", cfg: Config{JobCount: 1, SlotCount: 1, MaxRetries: -1}, job: markJob},
		{name: "negative poll interval", cfg: Config{JobCount: 1, SlotCount: 1, PollInterval: -time.Second}, job: markJob},
		{name: "unregistered job", cfg: Config{JobCount: 1, SlotCount: 1}, job: worker.JobRef{Name: "scheduler-test-missing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &inlineRunner{}
			_, err := New(tt.cfg, tt.job, nil, WithRunner(runner))
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Zero(t, runner.Calls())
		})
	}

	err := SolveProblemWithWorkerPool(context.Background(), markJob, nil, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewDefaults(t *testing.T) {
	s, err := New(Config{JobCount: 1, SlotCount: 1}, markJob, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultPollInterval, s.Config().PollInterval)
	assert.Zero(t, s.Config().MaxRetries)
	assert.NotEmpty(t, s.RunID())
	assert.True(t, s.StartedAt().IsZero())
	assert.Empty(t, s.Slots())

	s, err = New(Config{JobCount: 1, SlotCount: 1}, markJob, nil, WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID())
}

// ============================================================================
// Run (subprocesses)
// ============================================================================

func TestSolveProblemWithWorkerPool(t *testing.T) {
	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "checkpoint.json")
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(outDir, 0755))

	err := SolveProblemWithWorkerPool(context.Background(), markJob, worker.Context{"dir": outDir}, 10, 3,
		WithCheckpoint(ckptPath),
		WithTimeout(10*time.Second),
		WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, ones(10), markCounts(t, outDir, 10))

	cp, err := snapshot.NewManager(ckptPath).Load()
	require.NoError(t, err)
	require.Len(t, cp, 3)

	wantSlots := map[string][]int{"0": {0, 3, 6, 9}, "1": {1, 4, 7}, "2": {2, 5, 8}}
	for slot, want := range wantSlots {
		entries := cp[slot]
		require.Len(t, entries, len(want), "slot %s", slot)
		for i, e := range entries {
			assert.Equal(t, want[i], e.JobIndex)
			assert.Equal(t, types.StateTerminated, e.State)
			assert.Equal(t, types.OutcomeCompleted, e.Outcome)
		}
	}
}

func TestRunTimeout(t *testing.T) {
	s, err := New(Config{JobCount: 4, SlotCount: 2, Timeout: 300 * time.Millisecond, PollInterval: 20 * time.Millisecond}, slowEvenJob, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	assert.Less(t, time.Since(start), 4*time.Second)

	cp := s.Checkpoint()
	for _, e := range cp["0"] {
		assert.Equal(t, types.OutcomeTimedOut, e.Outcome, "job %d", e.JobIndex)
	}
	for _, e := range cp["1"] {
		assert.Equal(t, types.OutcomeCompleted, e.Outcome, "job %d", e.JobIndex)
	}

	counts := s.Counts()
	assert.Equal(t, 2, counts[types.OutcomeTimedOut])
	assert.Equal(t, 2, counts[types.OutcomeCompleted])
}

func TestRunFailuresDoNotAbort(t *testing.T) {
	s, err := New(Config{JobCount: 6, SlotCount: 3, PollInterval: 20 * time.Millisecond}, failOddJob, nil)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	counts := s.Counts()
	assert.Equal(t, 3, counts[types.OutcomeCompleted])
	assert.Equal(t, 3, counts[types.OutcomeFailed])

	for _, q := range s.Slots() {
		for _, e := range q.StatusFull() {
			if e.Outcome == types.OutcomeFailed {
				assert.Contains(t, e.Error, "odd index")
			}
		}
	}
}

func TestRunCancel(t *testing.T) {
	s, err := New(Config{JobCount: 4, SlotCount: 2, PollInterval: 20 * time.Millisecond}, slowEvenJob, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

// ============================================================================
// Run (inline runner)
// ============================================================================

func TestRunValidateFirst(t *testing.T) {
	t.Run("job 0 runs once", func(t *testing.T) {
		outDir := t.TempDir()
		runner := &inlineRunner{}

		s, err := New(Config{JobCount: 5, SlotCount: 2, ValidateFirst: true, PollInterval: 10 * time.Millisecond},
			markJob, worker.Context{"dir": outDir}, WithRunner(runner))
		require.NoError(t, err)

		require.NoError(t, s.Run(context.Background()))

		assert.Equal(t, ones(5), markCounts(t, outDir, 5))
		assert.Equal(t, 4, runner.Calls())

		first := s.Checkpoint()["0"][0]
		assert.Equal(t, 0, first.JobIndex)
		assert.Equal(t, types.StateTerminated, first.State)
		assert.Equal(t, types.OutcomeCompleted, first.Outcome)
	})

	t.Run("failure aborts before any job process", func(t *testing.T) {
		runner := &inlineRunner{}

		s, err := New(Config{JobCount: 5, SlotCount: 2, ValidateFirst: true}, failZeroJob, nil, WithRunner(runner))
		require.NoError(t, err)

		err = s.Run(context.Background())
		assert.ErrorIs(t, err, ErrValidateFirst)
		assert.Contains(t, err.Error(), "smoke test failed")
		assert.Zero(t, runner.Calls())
	})
}

func TestRunFatalRunner(t *testing.T) {
	spawnErr := errors.New("fork: resource temporarily unavailable")
	runner := &inlineRunner{err: spawnErr}

	s, err := New(Config{JobCount: 6, SlotCount: 2, PollInterval: 10 * time.Millisecond}, markJob, nil, WithRunner(runner))
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerFatal)
	assert.ErrorIs(t, err, spawnErr)
}

func TestRunCheckpointLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	holder := snapshot.NewManager(path)
	require.NoError(t, holder.Lock())
	defer holder.Unlock()

	runner := &inlineRunner{}
	err := SolveProblemWithWorkerPool(context.Background(), markJob, worker.Context{"dir": t.TempDir()}, 2, 1,
		WithCheckpoint(path), WithRunner(runner))

	assert.ErrorIs(t, err, ErrSchedulerFatal)
	assert.ErrorIs(t, err, snapshot.ErrCheckpointLocked)
	assert.Zero(t, runner.Calls())
}

func TestRunObservers(t *testing.T) {
	obs := &recordingObserver{}
	s, err := New(Config{JobCount: 7, SlotCount: 3, PollInterval: 5 * time.Millisecond},
		markJob, worker.Context{"dir": t.TempDir()},
		WithRunner(&inlineRunner{}), WithObservers(obs))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.False(t, s.StartedAt().IsZero())

	all := obs.all()
	require.NotEmpty(t, all)

	wantTotals := []int{3, 2, 2}
	for _, briefs := range all {
		require.Len(t, briefs, 3)
		for slot, b := range briefs {
			assert.Equal(t, wantTotals[slot], b.Total())
			assert.LessOrEqual(t, b.Running, 1)
		}
	}

	last := all[len(all)-1]
	for _, b := range last {
		assert.True(t, b.Done())
		assert.Equal(t, b.Total(), b.Terminated)
	}
}

func TestRunTwice(t *testing.T) {
	s, err := New(Config{JobCount: 1, SlotCount: 1, PollInterval: 5 * time.Millisecond},
		markJob, worker.Context{"dir": t.TempDir()}, WithRunner(&inlineRunner{}))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrInvalidArgument)
}

// ============================================================================
// Benchmarks
// ============================================================================

// BenchmarkThroughput measures scheduling overhead with job bodies run inline.
func BenchmarkThroughput(b *testing.B) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := New(Config{JobCount: 1000, SlotCount: 8, PollInterval: time.Millisecond},
			failOddJob, nil, WithRunner(&inlineRunner{}), WithLogger(quiet))
		require.NoError(b, err)
		require.NoError(b, s.Run(context.Background()))
	}
}

// BenchmarkProcessThroughput includes one subprocess per job.
func BenchmarkProcessThroughput(b *testing.B) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := New(Config{JobCount: 32, SlotCount: 8, PollInterval: 5 * time.Millisecond},
			failOddJob, nil, WithLogger(quiet))
		require.NoError(b, err)
		require.NoError(b, s.Run(context.Background()))
	}
}
