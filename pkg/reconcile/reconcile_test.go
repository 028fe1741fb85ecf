package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/softstack/batchbot/pkg/jobstore"
	"github.com/softstack/batchbot/pkg/notify"
	"github.com/softstack/batchbot/pkg/result"
	"github.com/softstack/batchbot/pkg/scheduler"
	"github.com/softstack/batchbot/pkg/uploadpolicy"
)

type fixture struct {
	mgr      *Manager
	store    *jobstore.Store
	sched    *scheduler.Fake
	notifier *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := jobstore.New(filepath.Join(root, "jobs"), filepath.Join(root, "ids"))
	require.NoError(t, store.EnsureLayout())

	interp, err := result.New(result.Config{})
	require.NoError(t, err)

	sched := scheduler.NewFake()
	notifier := &notify.Recorder{}
	return &fixture{
		mgr:      New(store, sched, interp, notifier, zap.NewNop()),
		store:    store,
		sched:    sched,
		notifier: notifier,
	}
}

// submitJob plants a tracked held job and returns its record.
func (f *fixture) submitJob(t *testing.T, jobID string) *jobstore.Record {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	eventDir := f.store.EventDir(now, 42, "e1")
	repo := "repo-" + jobID
	workDir := f.store.WorkDir(eventDir, 0, "x86_64/generic", repo)
	require.NoError(t, os.MkdirAll(workDir, 0755))
	rec := &jobstore.Record{
		JobID:      jobID,
		PRNumber:   42,
		EventID:    "e1",
		ArchTarget: "x86_64/generic",
		RepoID:     repo,
		WorkDir:    workDir,
		State:      jobstore.StateSubmittedHeld,
		CreatedAt:  now,
	}
	require.NoError(t, f.store.Create(rec))
	f.sched.Entries[jobID] = scheduler.QueueEntry{JobID: jobID, State: "PENDING", Reason: "JobHeldUser"}
	return rec
}

func (f *fixture) stateOf(t *testing.T, jobID string) jobstore.State {
	t.Helper()
	rec, err := f.store.Get(jobID)
	require.NoError(t, err)
	return rec.State
}

func TestTickReleasesHeldJob(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "1001")

	f.mgr.Tick(context.Background())

	assert.Equal(t, []string{"1001"}, f.sched.Released)
	assert.Equal(t, jobstore.StateReleased, f.stateOf(t, "1001"))
	assert.Equal(t, []notify.TemplateKey{notify.KeyAwaitsLaunch}, f.notifier.Keys())
}

func TestTickAdvancesAtMostOneStep(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "1001")
	// the queue already reports RUNNING, but a held job first becomes
	// RELEASED; RUNNING is observed on the next tick
	f.sched.SetState("1001", "RUNNING")

	f.mgr.Tick(context.Background())
	assert.Equal(t, jobstore.StateReleased, f.stateOf(t, "1001"))

	f.mgr.Tick(context.Background())
	assert.Equal(t, jobstore.StateRunning, f.stateOf(t, "1001"))

	assert.Equal(t, []notify.TemplateKey{notify.KeyAwaitsLaunch, notify.KeyRunning}, f.notifier.Keys())
}

func TestTickPendingReleasedJobStays(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "1001")
	f.mgr.Tick(context.Background())
	require.Equal(t, jobstore.StateReleased, f.stateOf(t, "1001"))

	// still pending: nothing to do
	f.mgr.Tick(context.Background())
	assert.Equal(t, jobstore.StateReleased, f.stateOf(t, "1001"))
	assert.Len(t, f.sched.Released, 1)
}

func TestTickFinishesVanishedJob(t *testing.T) {
	f := newFixture(t)
	rec := f.submitJob(t, "1001")
	require.NoError(t, os.WriteFile(
		filepath.Join(rec.WorkDir, result.OutputFile("1001")),
		[]byte("No missing modules!\n"), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(rec.WorkDir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz"), []byte("tar"), 0644))
	f.sched.Remove("1001")

	f.mgr.Tick(context.Background())

	assert.True(t, f.store.IsFinished("1001"))
	got, err := f.store.Get("1001")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFinished, got.State)
	assert.Equal(t, jobstore.OutcomeSuccess, got.Outcome)
	assert.True(t, got.FinalCommentPosted)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, []notify.TemplateKey{notify.KeySuccess}, f.notifier.Keys())
}

func TestTickTerminalTransitionIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := f.submitJob(t, "1001")
	require.NoError(t, os.WriteFile(
		filepath.Join(rec.WorkDir, result.OutputFile("1001")),
		[]byte("nothing good\n"), 0644))
	f.sched.Remove("1001")

	f.mgr.Tick(context.Background())
	require.True(t, f.store.IsFinished("1001"))
	require.Equal(t, []notify.TemplateKey{notify.KeyFailure}, f.notifier.Keys())

	// a second pass over the same vanished job posts nothing new
	got, err := f.store.Get("1001")
	require.NoError(t, err)
	require.NoError(t, f.mgr.reconcileJob(context.Background(), "1001", map[string]scheduler.QueueEntry{}))
	assert.Equal(t, []notify.TemplateKey{notify.KeyFailure}, f.notifier.Keys())

	again, err := f.store.Get("1001")
	require.NoError(t, err)
	assert.Equal(t, got.FinishedAt.Unix(), again.FinishedAt.Unix())
}

func TestTickHealsFinishedJobWithoutComment(t *testing.T) {
	f := newFixture(t)
	rec := f.submitJob(t, "1001")
	require.NoError(t, os.WriteFile(
		filepath.Join(rec.WorkDir, result.OutputFile("1001")),
		[]byte("nothing good\n"), 0644))
	f.sched.Remove("1001")

	// crash window: the partition move happened, the terminal comment
	// did not
	require.NoError(t, f.store.Finish("1001"))
	require.True(t, f.store.IsFinished("1001"))
	require.Empty(t, f.notifier.Keys())

	f.mgr.Tick(context.Background())

	got, err := f.store.Get("1001")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFinished, got.State)
	assert.True(t, got.FinalCommentPosted)
	assert.Equal(t, []notify.TemplateKey{notify.KeyFailure}, f.notifier.Keys())

	// the healed job stays healed
	f.mgr.Tick(context.Background())
	assert.Equal(t, []notify.TemplateKey{notify.KeyFailure}, f.notifier.Keys())
}

func TestTickClearsDualPartitionLink(t *testing.T) {
	f := newFixture(t)
	rec := f.submitJob(t, "1001")
	require.NoError(t, os.WriteFile(
		filepath.Join(rec.WorkDir, result.OutputFile("1001")),
		[]byte("nothing good\n"), 0644))
	f.sched.Remove("1001")

	// interrupted cross-volume move: linked in both partitions
	require.NoError(t, os.Symlink(rec.WorkDir, filepath.Join(f.store.FinishedDir(), "1001")))

	f.mgr.Tick(context.Background())

	if _, err := os.Lstat(filepath.Join(f.store.SubmittedDir(), "1001")); !os.IsNotExist(err) {
		t.Fatal("stale submitted/ link survived the tick")
	}
	assert.True(t, f.store.IsFinished("1001"))
	assert.Equal(t, []notify.TemplateKey{notify.KeyFailure}, f.notifier.Keys())

	// no side effects re-trigger on the next tick
	f.mgr.Tick(context.Background())
	assert.Equal(t, []notify.TemplateKey{notify.KeyFailure}, f.notifier.Keys())
}

func TestTickSchedulerFailureLeavesJobsUntouched(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "1001")
	f.sched.QueueErr = errors.New("squeue: connection refused")

	f.mgr.Tick(context.Background())

	assert.Equal(t, jobstore.StateSubmittedHeld, f.stateOf(t, "1001"))
	assert.False(t, f.store.IsFinished("1001"))
	assert.Empty(t, f.notifier.Keys())
}

func TestTickJobsFilter(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "1001")
	f.submitJob(t, "1002")
	f.mgr.Jobs = []string{"1002"}

	f.mgr.Tick(context.Background())

	assert.Equal(t, jobstore.StateSubmittedHeld, f.stateOf(t, "1001"))
	assert.Equal(t, jobstore.StateReleased, f.stateOf(t, "1002"))
}

func TestTickUploadsAdmittedArtifact(t *testing.T) {
	f := newFixture(t)
	rec := f.submitJob(t, "1001")
	require.NoError(t, os.WriteFile(
		filepath.Join(rec.WorkDir, result.OutputFile("1001")),
		[]byte("No missing modules!\n"), 0644))
	artifact := filepath.Join(rec.WorkDir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("tar"), 0644))
	f.sched.Remove("1001")

	uploader := &fakeUploader{}
	f.mgr.Engine = &uploadpolicy.Engine{
		Policy:            uploadpolicy.PolicyOnce,
		DestinationPrefix: "artifacts",
		History:           uploadpolicy.NewHistory(t.TempDir()),
	}
	f.mgr.Uploader = uploader

	f.mgr.Tick(context.Background())

	require.Len(t, uploader.uploads, 1)
	assert.Equal(t, artifact, uploader.uploads[0].local)
	assert.Equal(t, "artifacts/eessi-2023.06-software-linux-x86_64-1700000000.tar.gz", uploader.uploads[0].key)

	entries, err := f.mgr.Engine.History.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{"1001/eessi-2023.06-software-linux-x86_64-1700000000.tar.gz"}, entries)
	assert.Equal(t, []notify.TemplateKey{notify.KeySuccess, notify.KeyUploaded}, f.notifier.Keys())
}

func TestRunHonorsIterationBudget(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "1001")
	f.mgr.PollInterval = time.Millisecond

	require.NoError(t, f.mgr.Run(context.Background(), 2))
	// two ticks: release, then nothing (still pending)
	assert.Len(t, f.sched.Released, 1)

	require.NoError(t, f.mgr.Run(context.Background(), 0))
	assert.Len(t, f.sched.Released, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.mgr.PollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.mgr.Run(ctx, -1)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeUpload struct{ local, key string }

type fakeUploader struct{ uploads []fakeUpload }

func (u *fakeUploader) Upload(_ context.Context, localPath, key string) error {
	u.uploads = append(u.uploads, fakeUpload{local: localPath, key: key})
	return nil
}
