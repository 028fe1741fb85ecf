// Package dispatch turns an admitted build command into held scheduler
// jobs, one per architecture/repository pair the command's filters select.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/softstack/batchbot/pkg/command"
	"github.com/softstack/batchbot/pkg/jobstore"
	"github.com/softstack/batchbot/pkg/notify"
	"github.com/softstack/batchbot/pkg/scheduler"
)

// Config is the build-target and submission configuration.
type Config struct {
	// Instance names this bot instance; commands can filter on it.
	Instance string `mapstructure:"instance" yaml:"instance"`

	// JobScript is the batch script every job runs.
	JobScript string `mapstructure:"job_script" yaml:"job_script"`

	// JobNamePrefix prefixes the scheduler job name; the PR number is
	// appended.
	JobNamePrefix string `mapstructure:"job_name_prefix" yaml:"job_name_prefix"`

	// SubmitParams are always passed to the submit command.
	SubmitParams []string `mapstructure:"submit_params" yaml:"submit_params"`

	// DefaultTimeLimit applies when neither the base params nor the
	// architecture params set one.
	DefaultTimeLimit string `mapstructure:"default_time_limit" yaml:"default_time_limit"`

	// ArchTargetMap maps an architecture target to the extra submit
	// parameters that place a job on matching nodes.
	ArchTargetMap map[string]string `mapstructure:"arch_target_map" yaml:"arch_target_map"`

	// RepoTargetMap maps an architecture target to the repository ids
	// buildable for it.
	RepoTargetMap map[string][]string `mapstructure:"repo_target_map" yaml:"repo_target_map"`

	// AccelTargetMap maps an architecture target to the accelerator
	// targets buildable on it, e.g. "nvidia/cc80". Every architecture
	// also builds a plain variant without an accelerator.
	AccelTargetMap map[string][]string `mapstructure:"accel_target_map" yaml:"accel_target_map"`

	// AllowedExportVars lists variable names a command may export into
	// the job environment. Empty means none.
	AllowedExportVars []string `mapstructure:"allowed_export_vars" yaml:"allowed_export_vars"`
}

const defaultTimeLimit = "24:00:00"

// exportVarsFile is written under the job's cfg/ directory and sourced
// by the job script.
const exportVarsFile = "cfg/export_vars.sh"

// ExportVarError reports an export variable outside the allow-list. The
// whole command is refused; no job is submitted.
type ExportVarError struct {
	Variable string
}

func (e *ExportVarError) Error() string {
	return fmt.Sprintf("export variable %q is not in the allow-list", e.Variable)
}

// Request is one admitted build command.
type Request struct {
	PRNumber int
	EventID  string
	Account  string
	Command  command.Command
}

// Dispatcher submits build jobs and records them.
type Dispatcher struct {
	cfg      Config
	store    *jobstore.Store
	sched    scheduler.Client
	notifier notify.Notifier
	log      *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New wires a Dispatcher.
func New(cfg Config, store *jobstore.Store, sched scheduler.Client, notifier notify.Notifier, log *zap.Logger) *Dispatcher {
	if cfg.DefaultTimeLimit == "" {
		cfg.DefaultTimeLimit = defaultTimeLimit
	}
	return &Dispatcher{cfg: cfg, store: store, sched: sched, notifier: notifier, log: log, now: time.Now}
}

// Dispatch submits one held job per architecture/repository pair admitted
// by the command's filters and returns the created records. A command
// whose filters select nothing yields no jobs and no error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]*jobstore.Record, error) {
	exports, err := d.checkExportVars(req.Command)
	if err != nil {
		var evErr *ExportVarError
		if errors.As(err, &evErr) {
			_ = d.notifier.PostComment(ctx, req.PRNumber, notify.KeyExportDenied, map[string]string{
				"account":  req.Account,
				"variable": evErr.Variable,
			})
		}
		return nil, err
	}

	now := d.now()
	eventDir := d.store.EventDir(now, req.PRNumber, req.EventID)
	run, err := d.store.NextRunNumber(eventDir)
	if err != nil {
		return nil, fmt.Errorf("allocate run number: %w", err)
	}

	archs := make([]string, 0, len(d.cfg.ArchTargetMap))
	for arch := range d.cfg.ArchTargetMap {
		archs = append(archs, arch)
	}
	sort.Strings(archs)

	var records []*jobstore.Record
	for _, arch := range archs {
		// the plain variant first, then the configured accelerators
		accels := append([]string{""}, d.cfg.AccelTargetMap[arch]...)
		for _, accel := range accels {
			for _, repo := range d.cfg.RepoTargetMap[arch] {
				// accelerator is always present in the context; an
				// accelerator filter must not match the plain variant
				jobContext := map[string]string{
					command.ComponentArchitecture: arch,
					command.ComponentAccelerator:  accel,
					command.ComponentRepository:   repo,
					command.ComponentInstance:     d.cfg.Instance,
				}
				if !req.Command.MatchContext(jobContext) {
					continue
				}
				rec, err := d.submitOne(ctx, req, now, eventDir, run, arch, accel, repo, exports)
				if err != nil {
					return records, err
				}
				records = append(records, rec)
			}
		}
	}

	d.log.Info("build command dispatched",
		zap.Int("pr", req.PRNumber),
		zap.String("event_id", req.EventID),
		zap.Int("run", run),
		zap.Int("jobs", len(records)))
	return records, nil
}

func (d *Dispatcher) submitOne(ctx context.Context, req Request, now time.Time, eventDir string, run int, arch, accel, repo string, exports []string) (*jobstore.Record, error) {
	archDir := arch
	if accel != "" {
		archDir = arch + "/" + accel
	}
	workDir := d.store.WorkDir(eventDir, run, archDir, repo)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := writeExportVars(workDir, exports); err != nil {
		return nil, err
	}

	params := append([]string{}, d.cfg.SubmitParams...)
	params = append(params, strings.Fields(d.cfg.ArchTargetMap[arch])...)
	if !hasTimeLimit(params) {
		params = append(params, "--time="+d.cfg.DefaultTimeLimit)
	}

	jobID, err := d.sched.Submit(ctx, scheduler.SubmitRequest{
		Script:  d.cfg.JobScript,
		WorkDir: workDir,
		Params:  params,
		JobName: fmt.Sprintf("%s-pr%d", d.cfg.JobNamePrefix, req.PRNumber),
	})
	if err != nil {
		return nil, fmt.Errorf("submit job for %s/%s: %w", arch, repo, err)
	}

	rec := &jobstore.Record{
		JobID:       jobID,
		PRNumber:    req.PRNumber,
		EventID:     req.EventID,
		RunNumber:   run,
		ArchTarget:  arch,
		Accelerator: accel,
		RepoID:      repo,
		WorkDir:     workDir,
		State:       jobstore.StateSubmittedHeld,
		CreatedAt:   now,
	}
	if err := d.store.Create(rec); err != nil {
		return nil, fmt.Errorf("record job %s: %w", jobID, err)
	}

	if err := d.notifier.PostComment(ctx, req.PRNumber, notify.KeySubmitted, map[string]string{
		"instance": d.cfg.Instance,
		"arch":     arch,
		"repo":     repo,
		"work_dir": workDir,
		"job_id":   jobID,
	}); err != nil {
		d.log.Warn("submitted-job comment failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return rec, nil
}

// checkExportVars validates every exportvariable filter against the
// allow-list and returns the admitted NAME=VALUE pairs.
func (d *Dispatcher) checkExportVars(cmd command.Command) ([]string, error) {
	exports := cmd.FilterValues(command.ComponentExportVar)
	for _, ev := range exports {
		name := ev
		if i := strings.IndexByte(ev, '='); i >= 0 {
			name = ev[:i]
		}
		allowed := false
		for _, a := range d.cfg.AllowedExportVars {
			if a == name {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &ExportVarError{Variable: name}
		}
	}
	return exports, nil
}

func writeExportVars(workDir string, exports []string) error {
	if len(exports) == 0 {
		return nil
	}
	cfgDir := filepath.Join(workDir, filepath.Dir(exportVarsFile))
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create cfg dir: %w", err)
	}
	var b strings.Builder
	for _, ev := range exports {
		fmt.Fprintf(&b, "export %s\n", ev)
	}
	if err := os.WriteFile(filepath.Join(workDir, exportVarsFile), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write export vars: %w", err)
	}
	return nil
}

func hasTimeLimit(params []string) bool {
	for _, p := range params {
		if p == "-t" || strings.HasPrefix(p, "-t=") || p == "--time" || strings.HasPrefix(p, "--time=") {
			return true
		}
	}
	return false
}
