// Package events handles pull-request comment events: it parses bot
// commands, gates them by sender permissions and routes them to the
// dispatcher or the deployment path.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/softstack/batchbot/pkg/command"
	"github.com/softstack/batchbot/pkg/dispatch"
	"github.com/softstack/batchbot/pkg/jobstore"
	"github.com/softstack/batchbot/pkg/notify"
	"github.com/softstack/batchbot/pkg/permission"
	"github.com/softstack/batchbot/pkg/upload"
	"github.com/softstack/batchbot/pkg/uploadpolicy"
)

// Event is one pull-request comment the bot may act on.
type Event struct {
	ID         string `json:"id"`
	PRNumber   int    `json:"pr_number"`
	Account    string `json:"account"`
	Repository string `json:"repository"`
	Body       string `json:"body"`
}

// Handler routes parsed commands. Engine and Uploader may be nil; deploy
// commands are then refused with a not_uploaded comment.
type Handler struct {
	Permissions permission.Policy
	Dispatcher  *dispatch.Dispatcher
	Store       *jobstore.Store
	Notifier    notify.Notifier
	Engine      *uploadpolicy.Engine
	Uploader    upload.Uploader

	// Instance is exposed to command filters and status output.
	Instance string

	// ConfigDump is the redacted configuration rendered by show_config.
	ConfigDump string

	Log *zap.Logger
}

// Handle processes one event. Events without any bot line are ignored.
// Handle only returns an error for infrastructure failures; refused or
// malformed commands are answered with a comment instead.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	if !command.ContainsCommand(ev.Body) {
		return nil
	}

	cmds, failures := command.Parse(ev.Body)
	for _, f := range failures {
		h.post(ctx, ev.PRNumber, notify.KeyParseFailure, map[string]string{
			"line":       f.Line,
			"diagnostic": f.Diagnostic,
		})
	}

	if len(cmds) == 0 {
		return nil
	}

	// one command-permission gate per event, not per command
	if dec := h.Permissions.Check(ev.Account, permission.ClassCommand); !dec.Allowed {
		h.post(ctx, ev.PRNumber, notify.TemplateKey(dec.DenialKey), map[string]string{"account": ev.Account})
		return nil
	}

	for _, cmd := range cmds {
		if err := h.handleCommand(ctx, ev, cmd); err != nil {
			return fmt.Errorf("handle %q: %w", cmd.String(), err)
		}
	}
	return nil
}

func (h *Handler) handleCommand(ctx context.Context, ev Event, cmd command.Command) error {
	h.Log.Info("bot command",
		zap.String("event_id", ev.ID),
		zap.Int("pr", ev.PRNumber),
		zap.String("account", ev.Account),
		zap.String("command", cmd.String()))

	switch cmd.Verb {
	case command.VerbHelp:
		h.post(ctx, ev.PRNumber, notify.KeyHelp, nil)
		return nil

	case command.VerbShowConfig:
		h.post(ctx, ev.PRNumber, notify.KeyShowConfig, map[string]string{"config": h.ConfigDump})
		return nil

	case command.VerbStatus:
		return h.handleStatus(ctx, ev)

	case command.VerbBuild:
		if dec := h.Permissions.Check(ev.Account, permission.ClassBuild); !dec.Allowed {
			h.post(ctx, ev.PRNumber, notify.TemplateKey(dec.DenialKey), map[string]string{"account": ev.Account})
			return nil
		}
		_, err := h.Dispatcher.Dispatch(ctx, dispatch.Request{
			PRNumber: ev.PRNumber,
			EventID:  ev.ID,
			Account:  ev.Account,
			Command:  cmd,
		})
		var evErr *dispatch.ExportVarError
		if errors.As(err, &evErr) {
			// already answered with a comment
			return nil
		}
		return err

	case command.VerbDeploy:
		if dec := h.Permissions.Check(ev.Account, permission.ClassDeploy); !dec.Allowed {
			h.post(ctx, ev.PRNumber, notify.TemplateKey(dec.DenialKey), map[string]string{"account": ev.Account})
			return nil
		}
		return h.handleDeploy(ctx, ev, cmd)
	}
	return nil
}

// handleStatus summarizes the finished jobs of the pull request.
func (h *Handler) handleStatus(ctx context.Context, ev Event) error {
	recs, err := h.Store.FinishedRecords(ev.PRNumber)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("| job | arch | repo | outcome |\n|---|---|---|---|\n")
	for _, rec := range recs {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", rec.JobID, rec.ArchTarget, rec.RepoID, rec.Outcome)
	}
	if len(recs) == 0 {
		b.WriteString("| - | - | - | - |\n")
	}
	h.post(ctx, ev.PRNumber, notify.KeyStatus, map[string]string{"table": b.String()})
	return nil
}

// handleDeploy runs the upload policy over the successful finished jobs
// the command's filters select.
func (h *Handler) handleDeploy(ctx context.Context, ev Event, cmd command.Command) error {
	if h.Engine == nil || h.Uploader == nil {
		h.post(ctx, ev.PRNumber, notify.KeyNotUploaded, map[string]string{
			"job_id":   "-",
			"artifact": "-",
			"reason":   "deployment is not configured on this instance",
		})
		return nil
	}

	recs, err := h.Store.FinishedRecords(ev.PRNumber)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Outcome != jobstore.OutcomeSuccess || rec.ArtifactPath == "" {
			continue
		}
		jobContext := map[string]string{
			command.ComponentJob:          rec.JobID,
			command.ComponentArchitecture: rec.ArchTarget,
			command.ComponentAccelerator:  rec.Accelerator,
			command.ComponentRepository:   rec.RepoID,
			command.ComponentInstance:     h.Instance,
		}
		if !cmd.MatchContext(jobContext) {
			continue
		}
		if err := h.deployOne(ctx, ev.PRNumber, rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) deployOne(ctx context.Context, pr int, rec jobstore.Record) error {
	decision, err := h.Engine.Decide(rec.JobID, rec.ArtifactPath)
	if err != nil {
		return err
	}
	vals := map[string]string{
		"job_id":   rec.JobID,
		"artifact": rec.ArtifactPath,
	}
	if !decision.Upload {
		vals["reason"] = decision.Reason
		h.post(ctx, pr, notify.KeyNotUploaded, vals)
		return nil
	}
	if err := h.Uploader.Upload(ctx, rec.ArtifactPath, decision.Destination); err != nil {
		return fmt.Errorf("upload artifact of job %s: %w", rec.JobID, err)
	}
	if err := h.Engine.Record(rec.JobID, rec.ArtifactPath); err != nil {
		return err
	}
	vals["destination"] = decision.Destination
	h.post(ctx, pr, notify.KeyUploaded, vals)
	return nil
}

func (h *Handler) post(ctx context.Context, pr int, key notify.TemplateKey, vals map[string]string) {
	if err := h.Notifier.PostComment(ctx, pr, key, vals); err != nil {
		h.Log.Warn("comment failed", zap.Int("pr", pr), zap.String("template", string(key)), zap.Error(err))
	}
}
