package cmd

import (
	"context"
	"fmt"

	"github.com/softstack/batchbot/internal/config"
	"github.com/softstack/batchbot/internal/observability"
	"github.com/softstack/batchbot/pkg/dispatch"
	"github.com/softstack/batchbot/pkg/events"
	"github.com/softstack/batchbot/pkg/jobstore"
	"github.com/softstack/batchbot/pkg/notify"
	"github.com/softstack/batchbot/pkg/result"
	"github.com/softstack/batchbot/pkg/scheduler"
	"github.com/softstack/batchbot/pkg/upload"
	"github.com/softstack/batchbot/pkg/uploadpolicy"
)

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	store    *jobstore.Store
	sched    scheduler.Client
	interp   *result.Interpreter
	notifier notify.Notifier
	engine   *uploadpolicy.Engine
	uploader upload.Uploader
	handler  *events.Handler
}

// buildApp assembles the components from the loaded configuration.
// dryRun swaps the scheduler for an in-memory fake so commands can be
// exercised without submitting anything.
func buildApp(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	log := observability.CLILogger

	store := jobstore.New(cfg.Bookkeeping.JobsBaseDir, cfg.Bookkeeping.JobIDsDir)
	if err := store.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare bookkeeping layout: %w", err)
	}

	var sched scheduler.Client
	if dryRun {
		sched = scheduler.NewFake()
	} else {
		slurm := scheduler.NewSlurmClient(cfg.Scheduler.User, log.Named("scheduler"))
		if cfg.Scheduler.SubmitCmd != "" {
			slurm.SubmitCmd = cfg.Scheduler.SubmitCmd
		}
		if cfg.Scheduler.QueueCmd != "" {
			slurm.QueueCmd = cfg.Scheduler.QueueCmd
		}
		if cfg.Scheduler.ReleaseCmd != "" {
			slurm.ReleaseCmd = cfg.Scheduler.ReleaseCmd
		}
		sched = slurm
	}

	interp, err := result.New(result.Config{
		SuccessMarker:   cfg.Results.SuccessMarker,
		ArtifactPattern: cfg.Results.ArtifactPattern,
	})
	if err != nil {
		return nil, err
	}

	templates := make(map[notify.TemplateKey]string, len(cfg.Comments))
	for k, tmpl := range cfg.Comments {
		templates[notify.TemplateKey(k)] = tmpl
	}
	notifier := notify.NewLogNotifier(templates, log.Named("notify"))

	a := &app{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		interp:   interp,
		notifier: notifier,
	}

	if cfg.Deploy.Enabled {
		policy, err := uploadpolicy.ParsePolicy(cfg.Deploy.UploadPolicy)
		if err != nil {
			return nil, err
		}
		a.engine = &uploadpolicy.Engine{
			Policy:            policy,
			DestinationPrefix: cfg.Deploy.DestinationPrefix,
			History:           uploadpolicy.NewHistory(cfg.Deploy.HistoryDir),
		}
		if !dryRun {
			uploader, err := upload.New(ctx, cfg.Deploy.Storage, log.Named("upload"))
			if err != nil {
				return nil, err
			}
			a.uploader = uploader
		}
	}

	cfgDump, err := cfg.Redacted()
	if err != nil {
		return nil, err
	}

	buildCfg := cfg.Build
	if buildCfg.Instance == "" {
		buildCfg.Instance = cfg.Instance
	}
	dispatcher := dispatch.New(buildCfg, store, sched, notifier, log.Named("dispatch"))
	a.handler = &events.Handler{
		Permissions: cfg.Permissions.Policy(),
		Dispatcher:  dispatcher,
		Store:       store,
		Notifier:    notifier,
		Engine:      a.engine,
		Uploader:    a.uploader,
		Instance:    cfg.Instance,
		ConfigDump:  cfgDump,
		Log:         log.Named("events"),
	}
	return a, nil
}
