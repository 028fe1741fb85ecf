// Package reconcile drives tracked jobs through their lifecycle by
// comparing the on-disk job records against the scheduler queue. The loop
// holds no in-memory state between ticks; the filesystem partitions are
// the source of truth, so a restart resumes exactly where the previous
// process stopped.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/softstack/batchbot/pkg/jobstore"
	"github.com/softstack/batchbot/pkg/notify"
	"github.com/softstack/batchbot/pkg/result"
	"github.com/softstack/batchbot/pkg/scheduler"
	"github.com/softstack/batchbot/pkg/upload"
	"github.com/softstack/batchbot/pkg/uploadpolicy"
)

// Manager reconciles tracked jobs against the scheduler queue.
type Manager struct {
	store    *jobstore.Store
	sched    scheduler.Client
	interp   *result.Interpreter
	notifier notify.Notifier
	log      *zap.Logger

	// Engine and Uploader, when both set, upload admitted artifacts as
	// soon as their job succeeds.
	Engine   *uploadpolicy.Engine
	Uploader upload.Uploader

	// Jobs, when non-empty, restricts reconciliation to these job ids.
	Jobs []string

	// PollInterval is the sleep between iterations of Run.
	PollInterval time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// New wires a Manager with a 60s poll interval.
func New(store *jobstore.Store, sched scheduler.Client, interp *result.Interpreter, notifier notify.Notifier, log *zap.Logger) *Manager {
	return &Manager{
		store:        store,
		sched:        sched,
		interp:       interp,
		notifier:     notifier,
		log:          log,
		PollInterval: 60 * time.Second,
		now:          time.Now,
	}
}

// Run executes reconciliation ticks until the iteration budget is spent
// or ctx is cancelled. maxIterations < 0 means run forever, 0 means do
// nothing.
func (m *Manager) Run(ctx context.Context, maxIterations int) error {
	for i := 0; maxIterations < 0 || i < maxIterations; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.PollInterval):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Tick(ctx)
	}
	return nil
}

// Tick runs one reconciliation pass. A failing scheduler query aborts the
// whole pass with every job left untouched; failures on individual jobs
// are logged and do not stop the remaining jobs.
func (m *Manager) Tick(ctx context.Context) {
	m.healFinished(ctx)

	ids, err := m.store.ListSubmitted()
	if err != nil {
		m.log.Error("list submitted jobs", zap.Error(err))
		return
	}
	ids = m.filterIDs(ids)
	if len(ids) == 0 {
		return
	}

	queue, err := m.sched.Queue(ctx, ids)
	if err != nil {
		// a scheduler hiccup is never evidence that a job finished
		m.log.Warn("scheduler queue query failed, postponing tick", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := m.reconcileJob(ctx, id, queue); err != nil {
			m.log.Error("reconcile job", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// healFinished finds jobs that reached the finished/ partition without
// their terminal comment going out (a crash between the partition move
// and the post) and completes the transition for them.
func (m *Manager) healFinished(ctx context.Context) {
	ids, err := m.store.ListFinished()
	if err != nil {
		m.log.Error("list finished jobs", zap.Error(err))
		return
	}
	for _, id := range m.filterIDs(ids) {
		rec, err := m.store.Get(id)
		if err != nil {
			m.log.Warn("load finished record", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if rec.FinalCommentPosted {
			continue
		}
		if err := m.finishJob(ctx, rec); err != nil {
			m.log.Error("heal finished job", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// reconcileJob advances one job by at most one lifecycle step.
func (m *Manager) reconcileJob(ctx context.Context, id string, queue map[string]scheduler.QueueEntry) error {
	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}

	entry, present := queue[id]
	if !present {
		return m.finishJob(ctx, rec)
	}

	switch {
	case rec.State == jobstore.StateSubmittedHeld:
		if err := m.sched.Release(ctx, id); err != nil {
			return fmt.Errorf("release: %w", err)
		}
		rec.State = jobstore.StateReleased
		if err := m.store.Update(rec); err != nil {
			return err
		}
		m.postComment(ctx, rec.PRNumber, notify.KeyAwaitsLaunch, map[string]string{"job_id": id})

	case rec.State == jobstore.StateReleased && entry.Running():
		rec.State = jobstore.StateRunning
		if err := m.store.Update(rec); err != nil {
			return err
		}
		m.postComment(ctx, rec.PRNumber, notify.KeyRunning, map[string]string{"job_id": id})
	}
	return nil
}

// finishJob classifies a job that left the queue, moves it to the
// finished partition and posts the terminal comment exactly once.
func (m *Manager) finishJob(ctx context.Context, rec *jobstore.Record) error {
	cls := m.interp.Classify(rec.WorkDir, rec.JobID)

	// Finish is idempotent, and calling it unconditionally also clears a
	// stale submitted/ link left behind by an interrupted cross-volume
	// move, so the job cannot be reprocessed forever.
	if err := m.store.Finish(rec.JobID); err != nil {
		return fmt.Errorf("move to finished: %w", err)
	}

	rec.State = jobstore.StateFinished
	rec.Outcome = cls.Outcome
	rec.ArtifactPath = cls.ArtifactPath
	rec.ArtifactSize = cls.ArtifactSize
	if rec.FinishedAt == nil {
		t := m.now()
		rec.FinishedAt = &t
	}
	if err := m.store.Update(rec); err != nil {
		return err
	}

	if !rec.FinalCommentPosted {
		key, vals := terminalComment(rec, cls)
		m.postComment(ctx, rec.PRNumber, key, vals)
		rec.FinalCommentPosted = true
		if err := m.store.Update(rec); err != nil {
			return err
		}
	}

	m.log.Info("job finished",
		zap.String("job_id", rec.JobID),
		zap.String("outcome", string(cls.Outcome)),
		zap.String("diagnostic", cls.Diagnostic))

	if cls.Outcome == jobstore.OutcomeSuccess {
		m.maybeUpload(ctx, rec)
	}
	return nil
}

// maybeUpload runs the upload policy for a successful job when the
// manager is wired for immediate uploads.
func (m *Manager) maybeUpload(ctx context.Context, rec *jobstore.Record) {
	if m.Engine == nil || m.Uploader == nil {
		return
	}
	decision, err := m.Engine.Decide(rec.JobID, rec.ArtifactPath)
	if err != nil {
		m.log.Error("upload decision", zap.String("job_id", rec.JobID), zap.Error(err))
		return
	}
	vals := map[string]string{
		"job_id":   rec.JobID,
		"artifact": rec.ArtifactPath,
	}
	if !decision.Upload {
		vals["reason"] = decision.Reason
		m.postComment(ctx, rec.PRNumber, notify.KeyNotUploaded, vals)
		return
	}
	if err := m.Uploader.Upload(ctx, rec.ArtifactPath, decision.Destination); err != nil {
		m.log.Error("artifact upload", zap.String("job_id", rec.JobID), zap.Error(err))
		return
	}
	if err := m.Engine.Record(rec.JobID, rec.ArtifactPath); err != nil {
		m.log.Error("record upload", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	vals["destination"] = decision.Destination
	m.postComment(ctx, rec.PRNumber, notify.KeyUploaded, vals)
}

func (m *Manager) filterIDs(ids []string) []string {
	if len(m.Jobs) == 0 {
		return ids
	}
	keep := make(map[string]bool, len(m.Jobs))
	for _, id := range m.Jobs {
		keep[id] = true
	}
	var out []string
	for _, id := range ids {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) postComment(ctx context.Context, pr int, key notify.TemplateKey, vals map[string]string) {
	if err := m.notifier.PostComment(ctx, pr, key, vals); err != nil {
		m.log.Warn("status comment failed",
			zap.Int("pr", pr),
			zap.String("template", string(key)),
			zap.Error(err))
	}
}

func terminalComment(rec *jobstore.Record, cls result.Classification) (notify.TemplateKey, map[string]string) {
	vals := map[string]string{
		"job_id":     rec.JobID,
		"diagnostic": cls.Diagnostic,
	}
	switch cls.Outcome {
	case jobstore.OutcomeSuccess:
		vals["artifact"] = cls.ArtifactPath
		vals["size"] = strconv.FormatInt(cls.ArtifactSize, 10)
		return notify.KeySuccess, vals
	case jobstore.OutcomeFailure:
		return notify.KeyFailure, vals
	default:
		return notify.KeyUnknown, vals
	}
}
