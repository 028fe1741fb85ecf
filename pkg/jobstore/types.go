package jobstore

import "time"

// State is the lifecycle state of a tracked scheduler job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract. Transitions are monotonic:
//
//	SUBMITTED_HELD -> RELEASED -> RUNNING -> FINISHED
type State string

const (
	StateNew           State = "NEW"
	StateSubmittedHeld State = "SUBMITTED_HELD"
	StateReleased      State = "RELEASED"
	StateRunning       State = "RUNNING"
	StateFinished      State = "FINISHED"
)

// rank orders states along the lifecycle; used to reject regressions.
func (s State) rank() int {
	switch s {
	case StateNew:
		return 0
	case StateSubmittedHeld:
		return 1
	case StateReleased:
		return 2
	case StateRunning:
		return 3
	case StateFinished:
		return 4
	}
	return -1
}

// Outcome sub-classifies the FINISHED state.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeUnknown Outcome = "UNKNOWN"
)

// Record is the persistent record for one submitted scheduler job.
//
// All fields except State, Outcome, artifact details and the comment flag
// are immutable once the record is created. The record lives in the job's
// work directory; the symlink under the submitted/ or finished/ partition
// is the durable encoding of whether the job is still tracked.
type Record struct {
	JobID       string `json:"job_id"`
	PRNumber    int    `json:"pr_number"`
	EventID     string `json:"event_id"`
	RunNumber   int    `json:"run_number"`
	ArchTarget  string `json:"arch_target"`
	Accelerator string `json:"accelerator,omitempty"`
	RepoID      string `json:"repo_id"`
	WorkDir     string `json:"work_dir"`

	State   State   `json:"state"`
	Outcome Outcome `json:"outcome,omitempty"`

	ArtifactPath string `json:"artifact_path,omitempty"`
	ArtifactSize int64  `json:"artifact_size,omitempty"`

	// FinalCommentPosted records that the terminal status comment went out,
	// so a crash between the partition move and the comment post is healed
	// without posting twice.
	FinalCommentPosted bool `json:"final_comment_posted,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
