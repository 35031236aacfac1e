//go:build unix

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trolley/internal/snapshot"
	"github.com/ChuLiYu/trolley/internal/worker"
	"github.com/ChuLiYu/trolley/pkg/types"
)

// pidSleepJob records its process id in <dir>/<index>.pid and then sleeps far
// longer than any test waits.
var pidSleepJob = worker.Register("scheduler-test-pid-sleep", func(index int, shared worker.Context) error {
	dir, _ := shared["dir"].(string)
	path := filepath.Join(dir, fmt.Sprintf("%d.pid", index))

	if err := os.WriteFile(path+".tmp", []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return err
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return err
	}

	time.Sleep(time.Minute)
	return nil
})

func readPIDs(t *testing.T, dir string) []int {
	t.Helper()

	paths, err := filepath.Glob(filepath.Join(dir, "*.pid"))
	require.NoError(t, err)

	pids := make([]int, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		require.NoError(t, err)
		pids = append(pids, pid)
	}
	return pids
}

func TestRunCancelReapsJobProcesses(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "checkpoint.json")

	s, err := New(Config{JobCount: 4, SlotCount: 2, PollInterval: 20 * time.Millisecond, CheckpointPath: ckpt},
		pidSleepJob, worker.Context{"dir": dir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(readPIDs(t, dir)) == 2
	}, 10*time.Second, 20*time.Millisecond, "one job per slot should be running")
	pids := readPIDs(t, dir)

	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Run has returned, so every job process must already be gone.
	for _, pid := range pids {
		assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "job process %d outlived Run", pid)
	}

	cp, err := snapshot.NewManager(ckpt).Load()
	require.NoError(t, err)

	states := map[types.JobState]int{}
	for _, entries := range cp {
		for _, e := range entries {
			states[e.State]++
			if e.State == types.StateTerminated {
				assert.Equal(t, types.OutcomeFailed, e.Outcome)
			}
		}
	}
	assert.Equal(t, map[types.JobState]int{types.StateTerminated: 2, types.StatePending: 2}, states,
		"the checkpoint written after cancellation shows the killed jobs")
}

func TestRunFatalReapsOtherSlots(t *testing.T) {
	dir := t.TempDir()

	runner, err := worker.NewProcessRunner()
	require.NoError(t, err)

	// Slot 0 runs real sleeping processes; slot 1 cannot start its job.
	s, err := New(Config{JobCount: 4, SlotCount: 2, PollInterval: 20 * time.Millisecond},
		pidSleepJob, worker.Context{"dir": dir},
		WithRunner(&splitRunner{process: runner, dir: dir}))
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerFatal)

	pids := readPIDs(t, dir)
	require.Len(t, pids, 1)
	assert.ErrorIs(t, syscall.Kill(pids[0], 0), syscall.ESRCH, "job process outlived the aborted run")
}

// splitRunner runs even indices as real processes. Odd indices fail to start
// once the even job has written its pid file.
type splitRunner struct {
	process *worker.ProcessRunner
	dir     string
}

func (r *splitRunner) Run(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
	if inv.Index%2 == 0 {
		return r.process.Run(ctx, inv)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if paths, _ := filepath.Glob(filepath.Join(r.dir, "*.pid")); len(paths) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return worker.Result{}, fmt.Errorf("spawn refused for job %d", inv.Index)
}
