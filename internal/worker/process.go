package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/trolley/pkg/types"
)

const (
	// outputTailSize bounds how much combined stdout/stderr of a job process
	// is kept for the failure reason.
	outputTailSize = 4096

	// waitDelay bounds how long Wait keeps copying output after the process
	// exits, e.g. when an orphaned grandchild still holds the pipe.
	waitDelay = 2 * time.Second
)

// ProcessRunner runs each job attempt in a fresh subprocess by re-executing
// the current binary. The child side is served by ServeIfChild.
type ProcessRunner struct {
	path string
	env  []string
}

// NewProcessRunner creates a ProcessRunner that re-executes the running
// binary.
func NewProcessRunner() (*ProcessRunner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	return &ProcessRunner{path: path}, nil
}

// NewProcessRunnerWithPath creates a ProcessRunner for a specific binary. The
// binary must call ServeIfChild and register the same job names.
func NewProcessRunnerWithPath(path string, env ...string) *ProcessRunner {
	return &ProcessRunner{path: path, env: env}
}

// Run starts the job in a subprocess and waits for it to exit, for its
// timeout to expire, or for ctx to be cancelled, whichever comes first. The
// latter two kill the process (and its process group where supported).
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	shared := inv.Shared
	if shared == nil {
		shared = Context{}
	}

	payload, err := json.Marshal(shared)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode shared context: %w", err)
	}

	output := newTailBuffer(outputTailSize)

	cmd := exec.Command(r.path)
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Env = append(cmd.Env,
		envJob+"="+inv.Job.Name,
		envIndex+"="+strconv.Itoa(inv.Index),
	)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start process: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		if errors.Is(err, exec.ErrWaitDelay) {
			// Exited cleanly, but something it spawned held the output pipe.
			err = nil
		}
		return exitResult(err, output.String(), time.Since(start)), nil

	case <-deadline:
		// NOTE: Kill errors are ignored; the process may have exited between
		// the timer firing and the signal. Wait below settles it either way.
		_ = killProcess(cmd)
		<-done

		return Result{
			Outcome:  types.OutcomeTimedOut,
			ExitCode: -1,
			Err:      fmt.Sprintf("timed out after %s", inv.Timeout),
			Duration: time.Since(start),
		}, nil

	case <-ctx.Done():
		_ = killProcess(cmd)
		<-done

		return Result{
			Outcome:  types.OutcomeFailed,
			ExitCode: -1,
			Err:      ctx.Err().Error(),
			Duration: time.Since(start),
		}, nil
	}
}

func exitResult(err error, output string, d time.Duration) Result {
	if err == nil {
		return Result{Outcome: types.OutcomeCompleted, ExitCode: 0, Duration: d}
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	reason := describeExit(code)
	if line := lastLine(output); line != "" {
		reason += ": " + line
	} else if code == -1 {
		reason += ": " + err.Error()
	}

	return Result{
		Outcome:  types.OutcomeFailed,
		ExitCode: code,
		Err:      reason,
		Duration: d,
	}
}

func describeExit(code int) string {
	switch code {
	case exitJobError:
		return "job returned an error"
	case exitJobPanic:
		return "job panicked"
	case exitProtocol:
		return "job process could not run the job"
	case -1:
		return "job process terminated abnormally"
	default:
		return fmt.Sprintf("job process exited with status %d", code)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
