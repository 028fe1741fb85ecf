package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// runFunc executes a command and returns its combined output. Factored out
// of SlurmClient so tests can exercise the output parsing without a
// scheduler installation.
type runFunc func(ctx context.Context, name string, args ...string) (string, error)

func execRun(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// SlurmClient talks to a Slurm installation through sbatch, squeue and
// scontrol.
type SlurmClient struct {
	// SubmitCmd, QueueCmd and ReleaseCmd default to the standard Slurm
	// tool names and exist for installations that wrap them.
	SubmitCmd  string
	QueueCmd   string
	ReleaseCmd string

	// User scopes queue queries, matching how the jobs were submitted.
	User string

	log *zap.Logger
	run runFunc
}

// NewSlurmClient returns a client invoking the standard Slurm tools for
// jobs owned by user.
func NewSlurmClient(user string, log *zap.Logger) *SlurmClient {
	return &SlurmClient{
		SubmitCmd:  "sbatch",
		QueueCmd:   "squeue",
		ReleaseCmd: "scontrol",
		User:       user,
		log:        log,
		run:        execRun,
	}
}

// Submit runs sbatch with --hold from the job's work directory and returns
// the job id parsed from its acknowledgement line.
func (c *SlurmClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	args := []string{"--hold"}
	args = append(args, req.Params...)
	if req.JobName != "" {
		args = append(args, "--job-name="+req.JobName)
	}
	args = append(args, "--chdir="+req.WorkDir, req.Script)

	out, err := c.run(ctx, c.SubmitCmd, args...)
	if err != nil {
		return "", &CommandError{Command: c.SubmitCmd, Output: out, Err: err}
	}
	jobID, err := parseSubmitOutput(out)
	if err != nil {
		return "", &CommandError{Command: c.SubmitCmd, Output: out, Err: err}
	}
	c.log.Info("job submitted held",
		zap.String("job_id", jobID),
		zap.String("work_dir", req.WorkDir))
	return jobID, nil
}

// Queue lists the user's whole queue once and filters it down to the
// given job ids. Absence is derived from a successful listing only;
// querying by id is avoided because squeue fails the whole --jobs load
// as soon as any one requested id has left the queue. Any nonzero exit
// is a transient failure, never a job-state signal.
func (c *SlurmClient) Queue(ctx context.Context, jobIDs []string) (map[string]QueueEntry, error) {
	if len(jobIDs) == 0 {
		return map[string]QueueEntry{}, nil
	}
	out, err := c.run(ctx, c.QueueCmd, "--long", "--noheader", "--user="+c.User)
	if err != nil {
		return nil, &CommandError{Command: c.QueueCmd, Output: out, Err: err}
	}
	all := parseQueueOutput(out)
	entries := make(map[string]QueueEntry, len(jobIDs))
	for _, id := range jobIDs {
		e, ok := all[id]
		if !ok {
			continue
		}
		entries[id] = e
		if badQueueState(e.State) {
			c.log.Warn("job in bad scheduler state",
				zap.String("job_id", e.JobID),
				zap.String("state", e.State),
				zap.String("reason", e.Reason))
		}
	}
	return entries, nil
}

// Release runs scontrol release for a held job.
func (c *SlurmClient) Release(ctx context.Context, jobID string) error {
	out, err := c.run(ctx, c.ReleaseCmd, "release", jobID)
	if err != nil {
		return &CommandError{Command: c.ReleaseCmd, Output: out, Err: err}
	}
	c.log.Info("job released", zap.String("job_id", jobID))
	return nil
}

// parseSubmitOutput extracts the job id from the sbatch acknowledgement,
// e.g. "Submitted batch job 12345".
func parseSubmitOutput(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == "Submitted" && fields[1] == "batch" && fields[2] == "job" {
			return fields[3], nil
		}
	}
	return "", fmt.Errorf("no job id in submit output %q", strings.TrimSpace(out))
}

// parseQueueOutput parses squeue --long output. Lines with fewer fields
// than the long format carries are skipped rather than guessed at.
func parseQueueOutput(out string) map[string]QueueEntry {
	entries := make(map[string]QueueEntry)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		if fields[0] == "JOBID" || strings.HasPrefix(fields[0], "---") {
			continue
		}
		entries[fields[0]] = QueueEntry{
			JobID:  fields[0],
			State:  fields[4],
			Reason: fields[8],
		}
	}
	return entries
}

// badQueueState flags states that usually precede a missing or truncated
// job output file: failed, out-of-memory, timeout.
func badQueueState(state string) bool {
	switch state {
	case "FAILED", "F", "OUT_OF_MEMORY", "OOM", "TIMEOUT", "TO":
		return true
	}
	return false
}
