// Package result classifies the outcome of a finished job from the
// evidence it left in its work directory: the scheduler output file and
// any built artifact.
package result

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/softstack/batchbot/pkg/jobstore"
)

// Config selects the markers and the artifact shape the interpreter
// looks for.
type Config struct {
	// SuccessMarker is matched line by line against the scheduler output
	// file. Default: a line reading "No missing modules!".
	SuccessMarker string

	// ArtifactPattern is a glob matched against file names in the work
	// directory. Default: "eessi-*-software-*.tar.gz".
	ArtifactPattern string
}

const (
	defaultSuccessMarker   = `^No missing modules!`
	defaultArtifactPattern = "eessi-*-software-*.tar.gz"
)

// Classification is the interpreter's verdict for one job.
type Classification struct {
	Outcome jobstore.Outcome

	// Diagnostic is a short human-readable reason, suitable for a status
	// comment.
	Diagnostic string

	// ArtifactPath and ArtifactSize are set only on SUCCESS.
	ArtifactPath string
	ArtifactSize int64

	// Candidates lists the matching artifacts when there was more than
	// one, so the ambiguity can be reported instead of silently resolved.
	Candidates []string
}

// Interpreter derives a job outcome from a work directory.
type Interpreter struct {
	marker  *regexp.Regexp
	pattern string
}

// New builds an Interpreter, applying defaults for unset config fields.
func New(cfg Config) (*Interpreter, error) {
	markerExpr := cfg.SuccessMarker
	if markerExpr == "" {
		markerExpr = defaultSuccessMarker
	}
	marker, err := regexp.Compile(markerExpr)
	if err != nil {
		return nil, fmt.Errorf("compile success marker: %w", err)
	}
	pattern := cfg.ArtifactPattern
	if pattern == "" {
		pattern = defaultArtifactPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid artifact pattern %q", pattern)
	}
	return &Interpreter{marker: marker, pattern: pattern}, nil
}

// OutputFile returns the scheduler output file name for a job id.
func OutputFile(jobID string) string {
	return "slurm-" + jobID + ".out"
}

// Classify inspects workDir and returns the job's classification.
//
// The decision ladder, in order:
//
//	no scheduler output file          -> UNKNOWN
//	output without the success marker -> FAILURE
//	marker but no artifact            -> UNKNOWN
//	marker and exactly one artifact   -> SUCCESS
//	marker and several artifacts      -> UNKNOWN
func (i *Interpreter) Classify(workDir, jobID string) Classification {
	outPath := filepath.Join(workDir, OutputFile(jobID))
	data, err := os.ReadFile(outPath)
	if err != nil {
		return Classification{
			Outcome:    jobstore.OutcomeUnknown,
			Diagnostic: fmt.Sprintf("no scheduler output file %s", OutputFile(jobID)),
		}
	}

	if !i.markerPresent(data) {
		return Classification{
			Outcome:    jobstore.OutcomeFailure,
			Diagnostic: "scheduler output lacks the success marker",
		}
	}

	artifacts, err := i.matchArtifacts(workDir)
	if err != nil {
		return Classification{
			Outcome:    jobstore.OutcomeUnknown,
			Diagnostic: fmt.Sprintf("cannot list work directory: %v", err),
		}
	}

	switch len(artifacts) {
	case 0:
		return Classification{
			Outcome:    jobstore.OutcomeUnknown,
			Diagnostic: "job reports success but produced no artifact",
		}
	case 1:
		path := filepath.Join(workDir, artifacts[0])
		var size int64
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		return Classification{
			Outcome:      jobstore.OutcomeSuccess,
			Diagnostic:   "build succeeded",
			ArtifactPath: path,
			ArtifactSize: size,
		}
	default:
		return Classification{
			Outcome:    jobstore.OutcomeUnknown,
			Diagnostic: fmt.Sprintf("job produced %d matching artifacts", len(artifacts)),
			Candidates: artifacts,
		}
	}
}

func (i *Interpreter) markerPresent(output []byte) bool {
	for _, line := range regexp.MustCompile(`\r?\n`).Split(string(output), -1) {
		if i.marker.MatchString(line) {
			return true
		}
	}
	return false
}

func (i *Interpreter) matchArtifacts(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := doublestar.Match(i.pattern, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
