package result

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/softstack/batchbot/pkg/jobstore"
)

func newInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	i, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return i
}

func writeOutput(t *testing.T, dir, jobID, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, OutputFile(jobID)), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeArtifact(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyNoOutputFile(t *testing.T) {
	i := newInterpreter(t)
	c := i.Classify(t.TempDir(), "1001")
	if c.Outcome != jobstore.OutcomeUnknown {
		t.Fatalf("outcome = %s, want UNKNOWN", c.Outcome)
	}
	if c.Diagnostic == "" {
		t.Fatal("missing diagnostic for absent output file")
	}
}

func TestClassifyMarkerMissing(t *testing.T) {
	i := newInterpreter(t)
	dir := t.TempDir()
	writeOutput(t, dir, "1001", "== building ==\nERROR: failed to build GCC\n")
	writeArtifact(t, dir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz", 10)

	c := i.Classify(dir, "1001")
	if c.Outcome != jobstore.OutcomeFailure {
		t.Fatalf("outcome = %s, want FAILURE", c.Outcome)
	}
	if c.ArtifactPath != "" {
		t.Fatal("failed job must not carry an artifact path")
	}
}

func TestClassifySuccess(t *testing.T) {
	i := newInterpreter(t)
	dir := t.TempDir()
	writeOutput(t, dir, "1001", "== building ==\nNo missing modules!\n== done ==\n")
	writeArtifact(t, dir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz", 128)

	c := i.Classify(dir, "1001")
	if c.Outcome != jobstore.OutcomeSuccess {
		t.Fatalf("outcome = %s, want SUCCESS (diag: %s)", c.Outcome, c.Diagnostic)
	}
	want := filepath.Join(dir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz")
	if c.ArtifactPath != want {
		t.Fatalf("artifact path = %q, want %q", c.ArtifactPath, want)
	}
	if c.ArtifactSize != 128 {
		t.Fatalf("artifact size = %d, want 128", c.ArtifactSize)
	}
}

func TestClassifyMarkerWithoutArtifact(t *testing.T) {
	i := newInterpreter(t)
	dir := t.TempDir()
	writeOutput(t, dir, "1001", "No missing modules!\n")

	c := i.Classify(dir, "1001")
	if c.Outcome != jobstore.OutcomeUnknown {
		t.Fatalf("outcome = %s, want UNKNOWN", c.Outcome)
	}
}

func TestClassifyAmbiguousArtifacts(t *testing.T) {
	i := newInterpreter(t)
	dir := t.TempDir()
	writeOutput(t, dir, "1001", "No missing modules!\n")
	writeArtifact(t, dir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz", 1)
	writeArtifact(t, dir, "eessi-2023.06-software-linux-x86_64-1700000100.tar.gz", 1)

	c := i.Classify(dir, "1001")
	if c.Outcome != jobstore.OutcomeUnknown {
		t.Fatalf("outcome = %s, want UNKNOWN", c.Outcome)
	}
	if len(c.Candidates) != 2 {
		t.Fatalf("candidates = %v, want both artifacts listed", c.Candidates)
	}
}

func TestClassifyIgnoresNonMatchingFiles(t *testing.T) {
	i := newInterpreter(t)
	dir := t.TempDir()
	writeOutput(t, dir, "1001", "No missing modules!\n")
	writeArtifact(t, dir, "eessi-2023.06-software-linux-x86_64-1700000000.tar.gz", 1)
	writeArtifact(t, dir, "build.log", 1)
	if err := os.Mkdir(filepath.Join(dir, "cfg"), 0755); err != nil {
		t.Fatal(err)
	}

	c := i.Classify(dir, "1001")
	if c.Outcome != jobstore.OutcomeSuccess {
		t.Fatalf("outcome = %s, want SUCCESS", c.Outcome)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{SuccessMarker: "("}); err == nil {
		t.Fatal("expected error for invalid marker regexp")
	}
	if _, err := New(Config{ArtifactPattern: "[unterminated"}); err == nil {
		t.Fatal("expected error for invalid artifact pattern")
	}
}
