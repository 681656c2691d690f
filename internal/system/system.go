// Package system manages the on-disk process markers: the PID file and the
// install marker describing this installation.
package system

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	pidFileName     = "guardclaw.pid"
	installFileName = "install.json"
)

// InstallMarker records when and as what version this data directory was
// initialized. Written once, updated on version change.
type InstallMarker struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	DataDir     string    `json:"dataDir"`
}

// WritePIDFile records the current process id. It refuses to overwrite a PID
// file belonging to a live process.
func WritePIDFile(dataDir string) error {
	path := filepath.Join(dataDir, pidFileName)

	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && processAlive(pid) {
			return fmt.Errorf("another instance appears to be running (pid %d)", pid)
		}
		log.Debug().Str("path", path).Msg("Removing stale PID file")
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile deletes the PID file on shutdown.
func RemovePIDFile(dataDir string) {
	if err := os.Remove(filepath.Join(dataDir, pidFileName)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to remove PID file")
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without sending anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// EnsureInstallMarker writes or refreshes the install marker.
func EnsureInstallMarker(dataDir, version string) (InstallMarker, error) {
	path := filepath.Join(dataDir, installFileName)
	now := time.Now()

	marker := InstallMarker{
		Version:     version,
		InstalledAt: now,
		UpdatedAt:   now,
		DataDir:     dataDir,
	}

	if data, err := os.ReadFile(path); err == nil {
		var existing InstallMarker
		if json.Unmarshal(data, &existing) == nil && !existing.InstalledAt.IsZero() {
			marker.InstalledAt = existing.InstalledAt
			if existing.Version == version {
				return existing, nil
			}
			log.Info().Str("from", existing.Version).Str("to", version).Msg("Version changed since install")
		}
	}

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return marker, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return marker, fmt.Errorf("write install marker: %w", err)
	}
	return marker, nil
}
