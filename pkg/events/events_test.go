package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/softstack/batchbot/pkg/dispatch"
	"github.com/softstack/batchbot/pkg/jobstore"
	"github.com/softstack/batchbot/pkg/notify"
	"github.com/softstack/batchbot/pkg/permission"
	"github.com/softstack/batchbot/pkg/scheduler"
	"github.com/softstack/batchbot/pkg/uploadpolicy"
)

type fixture struct {
	handler  *Handler
	store    *jobstore.Store
	sched    *scheduler.Fake
	notifier *notify.Recorder
	uploader *fakeUploader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := jobstore.New(filepath.Join(root, "jobs"), filepath.Join(root, "ids"))
	require.NoError(t, store.EnsureLayout())

	sched := scheduler.NewFake()
	notifier := &notify.Recorder{}
	uploader := &fakeUploader{}
	log := zap.NewNop()

	dispatcher := dispatch.New(dispatch.Config{
		Instance:      "bot-a",
		JobScript:     "/opt/bot/job.sh",
		JobNamePrefix: "build",
		ArchTargetMap: map[string]string{"x86_64/generic": "--partition=generic"},
		RepoTargetMap: map[string][]string{"x86_64/generic": {"repo-main"}},
	}, store, sched, notifier, log)

	perms := permission.Policy{
		Build:   permission.ClassPolicy{EmptyMeansAnyone: true},
		Command: permission.ClassPolicy{EmptyMeansAnyone: true},
		Deploy:  permission.ClassPolicy{Accounts: []string{"admin"}},
	}

	return &fixture{
		handler: &Handler{
			Permissions: perms,
			Dispatcher:  dispatcher,
			Store:       store,
			Notifier:    notifier,
			Engine: &uploadpolicy.Engine{
				Policy:            uploadpolicy.PolicyAll,
				DestinationPrefix: "artifacts",
				History:           uploadpolicy.NewHistory(t.TempDir()),
			},
			Uploader:   uploader,
			Instance:   "bot-a",
			ConfigDump: "instance: bot-a",
			Log:        log,
		},
		store:    store,
		sched:    sched,
		notifier: notifier,
		uploader: uploader,
	}
}

// finishJob plants a finished successful job with an artifact.
func (f *fixture) finishJob(t *testing.T, jobID string, pr int) *jobstore.Record {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	eventDir := f.store.EventDir(now, pr, "prior")
	workDir := f.store.WorkDir(eventDir, 0, "x86_64/generic", "repo-"+jobID)
	require.NoError(t, os.MkdirAll(workDir, 0755))
	artifact := filepath.Join(workDir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("tar"), 0644))

	rec := &jobstore.Record{
		JobID:      jobID,
		PRNumber:   pr,
		EventID:    "prior",
		ArchTarget: "x86_64/generic",
		RepoID:     "repo-" + jobID,
		WorkDir:    workDir,
		State:      jobstore.StateSubmittedHeld,
		CreatedAt:  now,
	}
	require.NoError(t, f.store.Create(rec))
	require.NoError(t, f.store.Finish(jobID))
	rec.State = jobstore.StateFinished
	rec.Outcome = jobstore.OutcomeSuccess
	rec.ArtifactPath = artifact
	require.NoError(t, f.store.Update(rec))
	return rec
}

func event(body string) Event {
	return Event{ID: "e1", PRNumber: 7, Account: "alice", Repository: "org/repo", Body: body}
}

func TestHandleIgnoresNonCommandComment(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), event("looks good to me")))
	assert.Empty(t, f.notifier.Keys())
	assert.Empty(t, f.sched.Submitted)
}

func TestHandleBuildSubmitsJobs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), event("bot: build")))
	assert.Len(t, f.sched.Submitted, 1)
	assert.Equal(t, []notify.TemplateKey{notify.KeySubmitted}, f.notifier.Keys())
}

func TestHandleMultipleCommandsInOrder(t *testing.T) {
	f := newFixture(t)
	body := "bot: help\nsome prose\nbot: build"
	require.NoError(t, f.handler.Handle(context.Background(), event(body)))
	assert.Equal(t, []notify.TemplateKey{notify.KeyHelp, notify.KeySubmitted}, f.notifier.Keys())
}

func TestHandleParseFailureAnswered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), event("bot: launch")))
	require.Len(t, f.notifier.Comments, 1)
	assert.Equal(t, notify.KeyParseFailure, f.notifier.Comments[0].Key)
	assert.Empty(t, f.sched.Submitted)
}

func TestHandleDeployDeniedWithoutPermission(t *testing.T) {
	f := newFixture(t)
	f.finishJob(t, "9001", 7)

	require.NoError(t, f.handler.Handle(context.Background(), event("bot: deploy")))

	// denial comment references the account; no upload happens
	require.Len(t, f.notifier.Comments, 1)
	assert.Equal(t, notify.TemplateKey(permission.DenialDeploy), f.notifier.Comments[0].Key)
	assert.Equal(t, "alice", f.notifier.Comments[0].Vals["account"])
	assert.Empty(t, f.uploader.uploads)
}

func TestHandleDeployUploadsSuccessfulArtifacts(t *testing.T) {
	f := newFixture(t)
	rec := f.finishJob(t, "9001", 7)

	ev := event("bot: deploy")
	ev.Account = "admin"
	require.NoError(t, f.handler.Handle(context.Background(), ev))

	require.Len(t, f.uploader.uploads, 1)
	assert.Equal(t, rec.ArtifactPath, f.uploader.uploads[0].local)
	assert.Equal(t, []notify.TemplateKey{notify.KeyUploaded}, f.notifier.Keys())

	entries, err := f.handler.Engine.History.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleDeployJobFilter(t *testing.T) {
	f := newFixture(t)
	f.finishJob(t, "9001", 7)
	f.finishJob(t, "9002", 7)

	ev := event("bot: deploy job:9002")
	ev.Account = "admin"
	require.NoError(t, f.handler.Handle(context.Background(), ev))

	require.Len(t, f.uploader.uploads, 1)
	assert.Contains(t, f.uploader.uploads[0].local, "repo-9002")
}

func TestHandleCommandPermissionGate(t *testing.T) {
	f := newFixture(t)
	f.handler.Permissions.Command = permission.ClassPolicy{Accounts: []string{"bob"}}

	require.NoError(t, f.handler.Handle(context.Background(), event("bot: build")))

	require.Len(t, f.notifier.Comments, 1)
	assert.Equal(t, notify.TemplateKey(permission.DenialCommand), f.notifier.Comments[0].Key)
	assert.Empty(t, f.sched.Submitted)
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t)
	f.finishJob(t, "9001", 7)

	require.NoError(t, f.handler.Handle(context.Background(), event("bot: status")))

	require.Len(t, f.notifier.Comments, 1)
	assert.Equal(t, notify.KeyStatus, f.notifier.Comments[0].Key)
	assert.Contains(t, f.notifier.Comments[0].Vals["table"], "9001")
}

func TestHandleShowConfig(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), event("bot: show_config")))
	require.Len(t, f.notifier.Comments, 1)
	assert.Equal(t, notify.KeyShowConfig, f.notifier.Comments[0].Key)
	assert.Equal(t, "instance: bot-a", f.notifier.Comments[0].Vals["config"])
}

type fakeUpload struct{ local, key string }

type fakeUploader struct{ uploads []fakeUpload }

func (u *fakeUploader) Upload(_ context.Context, localPath, key string) error {
	u.uploads = append(u.uploads, fakeUpload{local: localPath, key: key})
	return nil
}
