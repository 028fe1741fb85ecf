// Package scheduler is the boundary to the batch scheduler's command line
// tools. The scheduler is a black box: submit, query and release are
// command invocations with whitespace/line-oriented output. A nonzero exit
// or unparseable output is a transient failure, never a job-state signal.
package scheduler

import (
	"context"
	"fmt"
)

// QueueEntry is one job's coarse status as reported by the queue query.
type QueueEntry struct {
	JobID  string
	State  string
	Reason string
}

// Running reports whether the entry indicates active execution.
func (e QueueEntry) Running() bool { return e.State == "RUNNING" }

// SubmitRequest describes one job submission. The job is always submitted
// held; the reconciliation loop releases it once it is tracked.
type SubmitRequest struct {
	Script  string
	WorkDir string
	Params  []string
	JobName string
}

// Client is the scheduler boundary used by the dispatcher and the
// reconciliation loop.
type Client interface {
	// Submit submits the job script held and returns the scheduler-assigned
	// job id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Queue returns the current queue state for exactly the given job ids
	// in one batched call. Ids absent from the result are not in the queue.
	Queue(ctx context.Context, jobIDs []string) (map[string]QueueEntry, error)

	// Release clears the hold flag of a submitted job.
	Release(ctx context.Context, jobID string) error
}

// CommandError is a transient scheduler command failure. The affected
// jobs keep their state and are retried on the next reconciliation tick.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("scheduler command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
