package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
log:
  level: error
synthesis:
  provider: dummy
  cache_size: 0
storage:
  backend: local
  local:
    dir: %[1]s/objects
    database: %[1]s/objects.db
    public_url: http://localhost:8080
    signing_key: test
scratch_dir: %[1]s/scratch
`, dir)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSynthCommand(t *testing.T) {
	cfg := writeConfig(t)
	out := filepath.Join(t.TempDir(), "story.mp3")

	cmd := newRootCmd()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--config", cfg, "synth", "--text", "Hello world. This is a longer story.", "--out", out})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(stdout.String(), "http://localhost:8080/objects/generated/") {
		t.Errorf("stdout = %q", stdout.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xFB {
		t.Errorf("saved audio does not start with a frame sync")
	}
}

func TestSynthCommandNeedsText(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeConfig(t), "synth"})
	if err := cmd.Execute(); err == nil {
		t.Error("synth without text succeeded")
	}
}
