package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "tally.db")
	path := filepath.Join(dir, "config.yaml")
	body := "sources: [A, B]\n" +
		"log_level: error\n" +
		"telemetry:\n  transport: none\n" +
		"storage:\n  driver: sqlite\n  dsn: \"file:" + db + "?_pragma=busy_timeout(5000)\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t)
	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, `"transport": "none"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestMigrateAndBaselineCommands(t *testing.T) {
	path := writeTestConfig(t)
	if _, err := execute(t, "migrate", "--config", path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	out, err := execute(t, "baseline", "A", "--config", path)
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if !strings.Contains(out, `"A"`) || strings.Contains(out, `"B"`) {
		t.Fatalf("baseline output: %s", out)
	}
	if _, err := execute(t, "baseline", "Z", "--config", path); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}
