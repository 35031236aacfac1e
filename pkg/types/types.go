// Package types defines the core domain model shared by the scheduler, the
// slot queues and the checkpoint file.
package types

import "strconv"

// JobState is the lifecycle state of a single job.
type JobState string

// Job states. Transitions are monotonic: pending -> running -> terminated.
const (
	StatePending    JobState = "pending"    // assigned to a slot, not yet started
	StateRunning    JobState = "running"    // subprocess in flight
	StateTerminated JobState = "terminated" // finished, outcome recorded
)

// Outcome records how a terminated job ended. It is empty until the job
// reaches StateTerminated.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed" // exited cleanly
	OutcomeTimedOut  Outcome = "timed_out" // killed after exceeding its timeout
	OutcomeFailed    Outcome = "failed"    // exited with an error, panicked, or was cancelled
)

// JobEntry is one element of a slot's full status.
type JobEntry struct {
	JobIndex   int      `json:"job_index"`
	State      JobState `json:"state"`
	Outcome    Outcome  `json:"outcome,omitempty"`
	Attempts   int      `json:"attempts,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

// BriefStatus holds the bucket sizes of one slot at a point in time.
type BriefStatus struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Terminated int `json:"terminated"`
}

// Total returns the number of jobs assigned to the slot.
func (b BriefStatus) Total() int {
	return b.Pending + b.Running + b.Terminated
}

// Done reports whether the slot has nothing left to run.
func (b BriefStatus) Done() bool {
	return b.Pending == 0 && b.Running == 0
}

// Fraction returns terminated/total, or 1 for an empty slot.
func (b BriefStatus) Fraction() float64 {
	total := b.Total()
	if total == 0 {
		return 1
	}
	return float64(b.Terminated) / float64(total)
}

// Checkpoint is the document written to the checkpoint file on every poll
// cycle: slot id (decimal string) -> that slot's full status.
type Checkpoint map[string][]JobEntry

// SlotKey formats a slot id the way it appears in a Checkpoint.
func SlotKey(slot int) string {
	return strconv.Itoa(slot)
}

// OutcomeCounts tallies the outcomes of terminated entries.
func OutcomeCounts(entries []JobEntry) map[Outcome]int {
	counts := make(map[Outcome]int, 3)
	for _, e := range entries {
		if e.State == StateTerminated {
			counts[e.Outcome]++
		}
	}
	return counts
}

// Brief derives bucket sizes from a full status listing.
func Brief(entries []JobEntry) BriefStatus {
	var b BriefStatus
	for _, e := range entries {
		switch e.State {
		case StatePending:
			b.Pending++
		case StateRunning:
			b.Running++
		case StateTerminated:
			b.Terminated++
		}
	}
	return b
}
