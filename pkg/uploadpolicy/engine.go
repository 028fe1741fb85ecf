package uploadpolicy

import (
	"fmt"
	"path"
	"path/filepath"
)

// Decision is the engine's verdict for one artifact.
type Decision struct {
	Upload bool

	// Reason explains a negative decision in one line.
	Reason string

	// Destination is the object key the artifact should be uploaded to.
	// Set only when Upload is true.
	Destination string
}

// Engine applies an upload Policy against the shared History.
type Engine struct {
	Policy Policy

	// DestinationPrefix is prepended to the artifact name to form the
	// object key, e.g. "artifacts/2023.06".
	DestinationPrefix string

	History *History
}

// Decide returns whether the artifact built by jobID may be uploaded.
// Decide never mutates the history; call Record after the upload
// actually succeeded.
func (e *Engine) Decide(jobID, artifactPath string) (Decision, error) {
	name := filepath.Base(artifactPath)

	if e.Policy == PolicyNone {
		return Decision{Reason: "uploads are disabled by policy"}, nil
	}

	prefix, ts, ok := PrefixOf(name)
	if !ok {
		if e.Policy == PolicyAll {
			return e.admit(name), nil
		}
		return Decision{
			Reason: fmt.Sprintf("artifact %s does not follow the <prefix>-<timestamp>.tar.gz convention", name),
		}, nil
	}

	switch e.Policy {
	case PolicyAll:
		return e.admit(name), nil

	case PolicyOnce:
		seen, err := e.History.ContainsPrefix(prefix)
		if err != nil {
			return Decision{}, err
		}
		if seen {
			return Decision{
				Reason: fmt.Sprintf("an artifact with prefix %s was already uploaded (policy: once)", prefix),
			}, nil
		}
		return e.admit(name), nil

	case PolicyLatest:
		newest, found, err := e.History.NewestTimestamp(prefix)
		if err != nil {
			return Decision{}, err
		}
		if found && ts <= newest {
			return Decision{
				Reason: fmt.Sprintf("a newer or equal artifact with prefix %s was already uploaded (policy: latest)", prefix),
			}, nil
		}
		return e.admit(name), nil
	}
	return Decision{}, fmt.Errorf("unknown upload policy %q", e.Policy)
}

// Record appends the completed upload to the shared ledger.
func (e *Engine) Record(jobID, artifactPath string) error {
	return e.History.Append(jobID, filepath.Base(artifactPath))
}

func (e *Engine) admit(name string) Decision {
	return Decision{Upload: true, Destination: path.Join(e.DestinationPrefix, name)}
}
