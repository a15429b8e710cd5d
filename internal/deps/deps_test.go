package deps

import (
	"os"
	"path/filepath"
	"testing"

	"cardbackup/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}
}

func TestForConfigUsesConfiguredRsync(t *testing.T) {
	cfg := config.Default()
	cfg.Transfer.RsyncBinary = "/opt/rsync/bin/rsync"

	reqs := ForConfig(&cfg)
	if reqs[0].Command != "/opt/rsync/bin/rsync" {
		t.Errorf("expected configured rsync path, got %q", reqs[0].Command)
	}
	if reqs[0].Optional {
		t.Error("rsync must not be optional")
	}
}

func TestMissingRequired(t *testing.T) {
	statuses := []Status{
		{Name: "rsync", Available: false},
		{Name: "udevadm", Optional: true, Available: false},
		{Name: "other", Available: true},
	}
	missing := MissingRequired(statuses)
	if len(missing) != 1 || missing[0] != "rsync" {
		t.Errorf("unexpected missing set %v", missing)
	}
}
