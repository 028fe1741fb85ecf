package uploadpolicy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HistoryFile is the name of the shared upload ledger inside the
// deploy bookkeeping directory.
const HistoryFile = "uploaded.txt"

// History is the append-only upload ledger. Each line records one
// completed upload as <job_id>/<artifact_file_name>. The file is never
// rewritten; absence of the file means nothing was uploaded yet.
type History struct {
	path string
}

// NewHistory returns a History backed by <dir>/uploaded.txt.
func NewHistory(dir string) *History {
	return &History{path: filepath.Join(dir, HistoryFile)}
}

// Path returns the ledger file path.
func (h *History) Path() string { return h.path }

// Entries returns every recorded upload line, in file order.
func (h *History) Entries() ([]string, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open upload history: %w", err)
	}
	defer f.Close()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			entries = append(entries, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read upload history: %w", err)
	}
	return entries, nil
}

// ContainsPrefix reports whether any recorded artifact shares the given
// prefix. Entries carry the uploading job id, so the prefix is matched
// against the artifact part of each line.
func (h *History) ContainsPrefix(prefix string) (bool, error) {
	entries, err := h.Entries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		p, _, ok := PrefixOf(artifactOf(e))
		if ok && p == prefix {
			return true, nil
		}
	}
	return false, nil
}

// NewestTimestamp returns the newest recorded build timestamp for a
// prefix, or ok=false if none is recorded.
func (h *History) NewestTimestamp(prefix string) (int64, bool, error) {
	entries, err := h.Entries()
	if err != nil {
		return 0, false, err
	}
	var newest int64
	found := false
	for _, e := range entries {
		p, ts, ok := PrefixOf(artifactOf(e))
		if ok && p == prefix {
			if !found || ts > newest {
				newest = ts
			}
			found = true
		}
	}
	return newest, found, nil
}

// Append records one upload. The write is a single O_APPEND write so
// concurrent instances on the shared filesystem interleave whole lines.
func (h *History) Append(jobID, artifactName string) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open upload history: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s/%s\n", jobID, artifactName); err != nil {
		return fmt.Errorf("append upload history: %w", err)
	}
	return nil
}

// artifactOf strips the leading "<job_id>/" from a ledger line.
func artifactOf(entry string) string {
	if i := strings.IndexByte(entry, '/'); i >= 0 {
		return entry[i+1:]
	}
	return entry
}
