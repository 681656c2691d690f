package system

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestPIDFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	if err := WritePIDFile(dir); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("expected own pid, got %s", data)
	}

	// Our own process is alive, so a second instance must refuse to start.
	if err := WritePIDFile(dir); err == nil {
		t.Fatalf("expected refusal while pid is alive")
	}

	RemovePIDFile(dir)
	if _, err := os.Stat(filepath.Join(dir, pidFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed")
	}
}

func TestStalePIDFileReplaced(t *testing.T) {
	dir := t.TempDir()

	// PIDs are capped well below this on any reasonable system.
	os.WriteFile(filepath.Join(dir, pidFileName), []byte("999999999"), 0o644)
	if err := WritePIDFile(dir); err != nil {
		t.Fatalf("stale pid must be replaced: %v", err)
	}
}

func TestInstallMarker(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureInstallMarker(dir, "1.0.0")
	if err != nil {
		t.Fatalf("EnsureInstallMarker: %v", err)
	}
	if first.Version != "1.0.0" || first.InstalledAt.IsZero() {
		t.Fatalf("unexpected marker %+v", first)
	}

	// Same version is a no-op returning the existing marker.
	time.Sleep(5 * time.Millisecond)
	same, err := EnsureInstallMarker(dir, "1.0.0")
	if err != nil {
		t.Fatalf("EnsureInstallMarker: %v", err)
	}
	if !same.InstalledAt.Equal(first.InstalledAt) {
		t.Fatalf("install time must be preserved")
	}

	// Version change keeps the install time, bumps the version.
	upgraded, err := EnsureInstallMarker(dir, "1.1.0")
	if err != nil {
		t.Fatalf("EnsureInstallMarker: %v", err)
	}
	if upgraded.Version != "1.1.0" {
		t.Fatalf("expected upgraded version, got %+v", upgraded)
	}
	if !upgraded.InstalledAt.Equal(first.InstalledAt) {
		t.Fatalf("install time must survive upgrades")
	}
}
