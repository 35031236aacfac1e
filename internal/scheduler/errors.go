package scheduler

import "errors"

var (
	// ErrInvalidArgument is returned before any process is created when the
	// run configuration is unusable.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSchedulerFatal aborts the whole run: a job process could not be
	// created, or the checkpoint could not be locked.
	ErrSchedulerFatal = errors.New("scheduler fatal error")

	// ErrValidateFirst wraps the error of the in-process smoke test of job 0.
	ErrValidateFirst = errors.New("validate-first run of job 0 failed")
)
