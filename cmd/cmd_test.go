package cmd

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func TestExecuteUnknownCommand(t *testing.T) {
	originalArgs := os.Args
	defer func() { os.Args = originalArgs }()

	os.Args = []string{"casewire", "bogus"}
	err := Execute()
	if err == nil {
		t.Fatal("Execute() with unknown command = nil, want error")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error %q does not name the unknown command", err)
	}
}

func TestExecuteNoArgsShowsHelp(t *testing.T) {
	originalArgs := os.Args
	defer func() { os.Args = originalArgs }()

	os.Args = []string{"casewire"}
	out := captureStdout(t, func() {
		if err := Execute(); err != nil {
			t.Errorf("Execute() with no args = %v, want nil", err)
		}
	})
	if !strings.Contains(out, "Usage:") {
		t.Errorf("help output missing Usage section:\n%s", out)
	}
	if !strings.Contains(out, "casewire serve") {
		t.Errorf("help output missing serve command:\n%s", out)
	}
}

func TestRunVersion(t *testing.T) {
	originalVersion := Version
	originalBuildTime := BuildTime
	originalGitCommit := GitCommit
	defer func() {
		Version = originalVersion
		BuildTime = originalBuildTime
		GitCommit = originalGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01T00:00:00Z"
	GitCommit = "abc123"

	out := captureStdout(t, runVersion)

	for _, want := range []string{
		"CaseWire 1.2.3",
		"Build Time: 2026-01-01T00:00:00Z",
		"Git Commit: abc123",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	original := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = original }()

	fn()

	if err := w.Close(); err != nil {
		t.Fatalf("closing pipe writer: %v", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("reading captured output: %v", err)
	}
	return buf.String()
}
