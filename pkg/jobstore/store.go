// Package jobstore persists job records on a shared filesystem.
//
// Directory layout:
//
//	<jobs_base_dir>/<YYYY.MM>/pr_<PR>/event_<EVENT_ID>/run_<NNN>/<ARCH>/<REPO>/
//	    job.json                        the job record
//	<jobs_base_dir>/<job_id>            flat symlink -> work dir
//	<job_ids_dir>/submitted/<job_id>    symlink -> work dir (in-flight jobs)
//	<job_ids_dir>/finished/<job_id>     symlink -> work dir (retired jobs)
//
// Membership of a job id in submitted/ versus finished/ is the durable
// encoding of its coarse lifecycle state; the store re-derives the tracked
// set from the submitted/ partition alone, so there is no recovery log.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

const recordFile = "job.json"

// BookkeepingError wraps a filesystem failure in the store. It is fatal
// for the affected job's processing in the current tick only; the next
// tick retries.
type BookkeepingError struct {
	Op    string
	JobID string
	Err   error
}

func (e *BookkeepingError) Error() string {
	return fmt.Sprintf("bookkeeping %s for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *BookkeepingError) Unwrap() error { return e.Err }

// Store persists and loads job records keyed by scheduler job id.
type Store struct {
	jobsBaseDir string
	jobIDsDir   string
}

func New(jobsBaseDir, jobIDsDir string) *Store {
	return &Store{
		jobsBaseDir: strings.TrimSpace(jobsBaseDir),
		jobIDsDir:   strings.TrimSpace(jobIDsDir),
	}
}

func (s *Store) JobsBaseDir() string { return s.jobsBaseDir }

func (s *Store) SubmittedDir() string { return filepath.Join(s.jobIDsDir, "submitted") }

func (s *Store) FinishedDir() string { return filepath.Join(s.jobIDsDir, "finished") }

// EnsureLayout creates the bookkeeping partitions.
func (s *Store) EnsureLayout() error {
	if s.jobsBaseDir == "" || s.jobIDsDir == "" {
		return fmt.Errorf("jobstore: jobs_base_dir and job_ids_dir are required")
	}
	for _, dir := range []string{s.jobsBaseDir, s.SubmittedDir(), s.FinishedDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EventDir is the directory under which all runs for one platform event
// live: <base>/<YYYY.MM>/pr_<PR>/event_<EVENT_ID>.
func (s *Store) EventDir(now time.Time, prNumber int, eventID string) string {
	yearMonth := now.UTC().Format("2006.01")
	return filepath.Join(s.jobsBaseDir, yearMonth, fmt.Sprintf("pr_%d", prNumber), fmt.Sprintf("event_%s", eventID))
}

// NextRunNumber returns the first free run index under the event directory.
// The event directory is created as a side effect since the probe below
// inspects its contents.
func (s *Store) NextRunNumber(eventDir string) (int, error) {
	if err := os.MkdirAll(eventDir, 0755); err != nil {
		return 0, fmt.Errorf("create event dir: %w", err)
	}
	run := 0
	for {
		if _, err := os.Stat(filepath.Join(eventDir, runDirName(run))); os.IsNotExist(err) {
			return run, nil
		}
		run++
	}
}

func runDirName(run int) string { return fmt.Sprintf("run_%03d", run) }

// WorkDir computes the work directory for one (architecture, repository)
// job of a run. The architecture's path separators are flattened so the
// directory name stays a single path element per component.
func (s *Store) WorkDir(eventDir string, run int, archTarget, repoID string) string {
	archDir := strings.ReplaceAll(archTarget, "/", "_")
	return filepath.Join(eventDir, runDirName(run), archDir, repoID)
}

func (s *Store) recordPath(workDir string) string {
	return filepath.Join(workDir, recordFile)
}

// Create records a newly submitted job: it writes the record into the
// job's work directory and links the job id into the submitted/ partition
// plus the flat lookup symlink under jobs_base_dir.
//
// The caller must have created the work directory before submission; the
// symlinks carry the scheduler-assigned job id, so they can only be
// written after the submit call returned.
func (s *Store) Create(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(rec.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.EnsureLayout(); err != nil {
		return err
	}
	if err := s.writeRecord(rec); err != nil {
		return &BookkeepingError{Op: "write record", JobID: jobID, Err: err}
	}
	if err := os.Symlink(rec.WorkDir, filepath.Join(s.SubmittedDir(), jobID)); err != nil {
		return &BookkeepingError{Op: "link submitted", JobID: jobID, Err: err}
	}
	// The flat symlink is a convenience for manual lookup; failing to
	// create it must not leave the job untracked.
	if err := os.Symlink(rec.WorkDir, filepath.Join(s.jobsBaseDir, jobID)); err != nil && !os.IsExist(err) {
		return &BookkeepingError{Op: "link flat", JobID: jobID, Err: err}
	}
	return nil
}

func (s *Store) writeRecord(rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(rec.WorkDir, recordFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.recordPath(rec.WorkDir)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Update rewrites the record of a tracked job. State may only move
// forward along the lifecycle.
func (s *Store) Update(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	existing, err := s.Get(rec.JobID)
	if err != nil {
		return err
	}
	if rec.State.rank() < existing.State.rank() {
		return fmt.Errorf("job %s: state %s would regress from %s", rec.JobID, rec.State, existing.State)
	}
	if err := s.writeRecord(rec); err != nil {
		return &BookkeepingError{Op: "update record", JobID: rec.JobID, Err: err}
	}
	return nil
}

// Get loads the record for a job id from either partition.
func (s *Store) Get(jobID string) (*Record, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	workDir, err := s.resolve(jobID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.recordPath(workDir))
	if err != nil {
		return nil, &BookkeepingError{Op: "read record", JobID: jobID, Err: err}
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, &BookkeepingError{Op: "parse record", JobID: jobID, Err: fmt.Errorf("parse %s: %w", recordFile, err)}
	}
	return &rec, nil
}

// resolve maps a job id to its work directory via the partition symlinks,
// preferring submitted/ and falling back to finished/.
func (s *Store) resolve(jobID string) (string, error) {
	for _, dir := range []string{s.SubmittedDir(), s.FinishedDir()} {
		target, err := os.Readlink(filepath.Join(dir, jobID))
		if err == nil {
			return target, nil
		}
		if !os.IsNotExist(err) {
			return "", &BookkeepingError{Op: "readlink", JobID: jobID, Err: err}
		}
	}
	return "", &BookkeepingError{Op: "resolve", JobID: jobID, Err: os.ErrNotExist}
}

// ListSubmitted enumerates the tracked set: all job ids currently under
// the submitted/ partition, in ascending job id order. Entries that are
// not symlinks or not plausible job ids are skipped.
func (s *Store) ListSubmitted() ([]string, error) {
	return s.listPartition(s.SubmittedDir())
}

// ListFinished enumerates the finished/ partition in ascending order.
func (s *Store) ListFinished() ([]string, error) {
	return s.listPartition(s.FinishedDir())
}

func (s *Store) listPartition(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read partition %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !isJobID(name) {
			continue
		}
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		ids = append(ids, name)
	}
	sort.Slice(ids, func(i, j int) bool { return lessJobID(ids[i], ids[j]) })
	return ids, nil
}

// isJobID accepts scheduler-style all-digit job ids.
func isJobID(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// lessJobID orders numeric job ids by value without parsing: shorter
// strings first, then lexicographic.
func lessJobID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// IsFinished reports whether a job id is already under the finished/
// partition.
func (s *Store) IsFinished(jobID string) bool {
	_, err := os.Lstat(filepath.Join(s.FinishedDir(), jobID))
	return err == nil
}

// Finish moves the bookkeeping symlink from submitted/ to finished/.
//
// The move is an atomic rename when both partitions share a volume. On
// EXDEV the fallback recreates the symlink under finished/ before
// removing the submitted/ entry, so the job is transiently visible in
// both partitions but never in neither. Finish is idempotent: finishing
// an already-finished job is a no-op.
func (s *Store) Finish(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	oldLink := filepath.Join(s.SubmittedDir(), jobID)
	newLink := filepath.Join(s.FinishedDir(), jobID)

	if err := os.MkdirAll(s.FinishedDir(), 0755); err != nil {
		return &BookkeepingError{Op: "create finished dir", JobID: jobID, Err: err}
	}

	err := os.Rename(oldLink, newLink)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) && s.IsFinished(jobID) {
		// a previous iteration completed the move
		return nil
	}
	if errors.Is(err, syscall.EXDEV) {
		return s.finishAcrossVolumes(jobID, oldLink, newLink)
	}
	return &BookkeepingError{Op: "move to finished", JobID: jobID, Err: err}
}

func (s *Store) finishAcrossVolumes(jobID, oldLink, newLink string) error {
	target, err := os.Readlink(oldLink)
	if err != nil {
		return &BookkeepingError{Op: "readlink for move", JobID: jobID, Err: err}
	}
	if err := os.Symlink(target, newLink); err != nil && !os.IsExist(err) {
		return &BookkeepingError{Op: "copy link to finished", JobID: jobID, Err: err}
	}
	if err := os.Remove(oldLink); err != nil && !os.IsNotExist(err) {
		return &BookkeepingError{Op: "remove submitted link", JobID: jobID, Err: err}
	}
	return nil
}

// FinishedRecords loads the records of all finished jobs for a pull
// request, ascending by job id. Records that fail to load are skipped;
// the finished partition may contain jobs from retired layouts.
func (s *Store) FinishedRecords(prNumber int) ([]Record, error) {
	ids, err := s.ListFinished()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			continue
		}
		if rec.PRNumber == prNumber {
			out = append(out, *rec)
		}
	}
	return out, nil
}
