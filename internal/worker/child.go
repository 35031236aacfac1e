package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
)

const (
	envJob   = "TROLLEY_WORKER_JOB"
	envIndex = "TROLLEY_WORKER_INDEX"
)

// Exit codes of a job process.
const (
	exitOK       = 0
	exitJobError = 1
	exitJobPanic = 2
	exitProtocol = 3
)

// ServeIfChild turns the current process into a job process if it was started
// by a ProcessRunner, and never returns in that case. Otherwise it returns
// immediately.
//
// Call it first thing in main (and in TestMain of any test binary that runs
// jobs through a ProcessRunner), after every job has been registered.
func ServeIfChild() {
	name, ok := os.LookupEnv(envJob)
	if !ok {
		return
	}

	rawIndex := os.Getenv(envIndex)

	// Anything the job itself re-executes must not be mistaken for a job
	// process.
	os.Unsetenv(envJob)
	os.Unsetenv(envIndex)

	os.Exit(serveChild(name, rawIndex, os.Stdin, os.Stderr))
}

func serveChild(name, rawIndex string, in io.Reader, errOut io.Writer) (code int) {
	fn, err := Lookup(name)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return exitProtocol
	}

	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		fmt.Fprintf(errOut, "invalid job index %q: %v\n", rawIndex, err)
		return exitProtocol
	}

	var shared Context
	if err := json.NewDecoder(in).Decode(&shared); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(errOut, "invalid shared context: %v\n", err)
		return exitProtocol
	}
	if shared == nil {
		shared = Context{}
	}

	defer func() {
		if r := recover(); r != nil {
			// Stack first so the last line carries the summary.
			fmt.Fprintf(errOut, "%s\njob %s[%d] panicked: %v\n", debug.Stack(), name, index, r)
			code = exitJobPanic
		}
	}()

	if err := fn(index, shared); err != nil {
		fmt.Fprintf(errOut, "job %s[%d]: %v\n", name, index, err)
		return exitJobError
	}

	return exitOK
}
