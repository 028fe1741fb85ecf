// Package notify posts status comments back to the pull request that
// triggered a build. Comments are rendered from configurable templates so
// deployments can adjust wording without a rebuild.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TemplateKey names one comment template. The keys are part of the
// configuration surface.
type TemplateKey string

const (
	KeySubmitted     TemplateKey = "submitted_job"
	KeyAwaitsLaunch  TemplateKey = "awaits_launch"
	KeyRunning       TemplateKey = "running_job"
	KeySuccess       TemplateKey = "success"
	KeyFailure       TemplateKey = "failure"
	KeyUnknown       TemplateKey = "job_result_unknown"
	KeyParseFailure  TemplateKey = "parse_failure"
	KeyHelp          TemplateKey = "help"
	KeyShowConfig    TemplateKey = "show_config"
	KeyStatus        TemplateKey = "status"
	KeyUploaded      TemplateKey = "uploaded"
	KeyNotUploaded   TemplateKey = "not_uploaded"
	KeyExportDenied  TemplateKey = "exportvars_denied"
	KeyDenialBuild   TemplateKey = "no_build_permission"
	KeyDenialCommand TemplateKey = "no_command_permission"
	KeyDenialDeploy  TemplateKey = "no_deploy_permission"
)

// Notifier posts one comment on a pull request.
type Notifier interface {
	PostComment(ctx context.Context, prNumber int, key TemplateKey, vals map[string]string) error
}

// defaultTemplates carries a usable wording for every key; configuration
// may override individual entries.
var defaultTemplates = map[TemplateKey]string{
	KeySubmitted:     "New job on instance `{instance}` for architecture `{arch}` and repository `{repo}` in job dir `{work_dir}`: job id `{job_id}`",
	KeyAwaitsLaunch:  "job `{job_id}` was released and awaits launch by the scheduler",
	KeyRunning:       "job `{job_id}` is running",
	KeySuccess:       "job `{job_id}` finished: SUCCESS — artifact `{artifact}` ({size} bytes)",
	KeyFailure:       "job `{job_id}` finished: FAILURE — {diagnostic}",
	KeyUnknown:       "job `{job_id}` finished: UNKNOWN — {diagnostic}",
	KeyParseFailure:  "cannot parse command line `{line}`: {diagnostic}",
	KeyHelp:          "supported commands: build, deploy, status, show_config, help",
	KeyShowConfig:    "current configuration:\n```\n{config}\n```",
	KeyStatus:        "finished jobs for this pull request:\n{table}",
	KeyUploaded:      "artifact `{artifact}` of job `{job_id}` was uploaded to `{destination}`",
	KeyNotUploaded:   "artifact `{artifact}` of job `{job_id}` was not uploaded: {reason}",
	KeyExportDenied:  "account `{account}` is not allowed to set export variable `{variable}`",
	KeyDenialBuild:   "account `{account}` is not allowed to trigger builds",
	KeyDenialCommand: "account `{account}` is not allowed to send bot commands",
	KeyDenialDeploy:  "account `{account}` is not allowed to trigger deployment",
}

// Render expands {placeholders} in the template for key. Unknown keys
// fall back to a generic line carrying the values so information is
// never silently dropped.
func Render(templates map[TemplateKey]string, key TemplateKey, vals map[string]string) string {
	tmpl, ok := templates[key]
	if !ok {
		tmpl, ok = defaultTemplates[key]
	}
	if !ok {
		parts := make([]string, 0, len(vals))
		for k, v := range vals {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
		sort.Strings(parts)
		return fmt.Sprintf("%s: %s", key, strings.Join(parts, " "))
	}
	expanded := tmpl
	for k, v := range vals {
		expanded = strings.ReplaceAll(expanded, "{"+k+"}", v)
	}
	return expanded
}

// Recorder is a Notifier for tests; it keeps every posted comment.
type Recorder struct {
	Comments []RecordedComment
	Err      error
}

// RecordedComment is one captured PostComment call.
type RecordedComment struct {
	PRNumber int
	Key      TemplateKey
	Vals     map[string]string
}

func (r *Recorder) PostComment(_ context.Context, prNumber int, key TemplateKey, vals map[string]string) error {
	if r.Err != nil {
		return r.Err
	}
	r.Comments = append(r.Comments, RecordedComment{PRNumber: prNumber, Key: key, Vals: vals})
	return nil
}

// Keys returns the posted template keys in order, for compact asserts.
func (r *Recorder) Keys() []TemplateKey {
	keys := make([]TemplateKey, len(r.Comments))
	for i, c := range r.Comments {
		keys[i] = c.Key
	}
	return keys
}
