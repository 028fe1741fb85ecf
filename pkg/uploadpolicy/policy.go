// Package uploadpolicy decides whether a successfully built artifact may
// be uploaded, based on the configured policy and the append-only upload
// history shared by all bot instances on the filesystem.
package uploadpolicy

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy names an upload admission policy.
type Policy string

const (
	// PolicyAll uploads every successful artifact.
	PolicyAll Policy = "all"
	// PolicyLatest uploads only the artifact with the newest build
	// timestamp for a given prefix.
	PolicyLatest Policy = "latest"
	// PolicyOnce uploads at most one artifact per prefix, ever.
	PolicyOnce Policy = "once"
	// PolicyNone disables uploads.
	PolicyNone Policy = "none"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyAll, PolicyLatest, PolicyOnce, PolicyNone:
		return true
	}
	return false
}

// ParsePolicy validates a configured policy string.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown upload policy %q", s)
	}
	return p, nil
}

// PrefixOf splits an artifact file name of the form
// <prefix>-<unix_timestamp>.tar.gz into its prefix and timestamp.
// Names not matching the convention yield ok=false; such artifacts are
// only admissible under the "all" policy.
func PrefixOf(name string) (prefix string, timestamp int64, ok bool) {
	base, found := strings.CutSuffix(name, ".tar.gz")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(base, "-")
	if i <= 0 || i == len(base)-1 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], ts, true
}
