package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/excavctl/internal/testutil/testlog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlanCommands(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "plan.toml")

	out, err := execute(t, "plan", "init", path)
	if err != nil {
		t.Fatalf("plan init: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := execute(t, "plan", "init", path); err == nil {
		t.Fatalf("expected init to refuse overwrite")
	}
	if _, err := execute(t, "plan", "init", "--force", path); err != nil {
		t.Fatalf("plan init --force: %v", err)
	}

	out, err = execute(t, "plan", "validate", path)
	if err != nil {
		t.Fatalf("plan validate: %v", err)
	}
	if !strings.Contains(out, "validated 6 stages") {
		t.Fatalf("unexpected validate output: %q", out)
	}

	out, err = execute(t, "plan", "show")
	if err != nil {
		t.Fatalf("plan show: %v", err)
	}
	if !strings.Contains(out, `name = "dig-4"`) {
		t.Fatalf("unexpected plan output:\n%s", out)
	}
}

func TestRootRejectsUnknownLogLevel(t *testing.T) {
	if _, err := execute(t, "--log-level", "loud", "plan", "show"); err == nil {
		t.Fatalf("expected log level error")
	}
}
