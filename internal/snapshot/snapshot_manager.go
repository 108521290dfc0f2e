// ============================================================================
// Snapshot Manager - Transfer Process Store Images
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Function: Persists the in-memory transfer process store so a restart
//           resumes every process from its last committed state.
//
// Write protocol:
//   1. Marshal to JSON
//   2. Write <path>.tmp
//   3. Rename over <path>
//   The rename is atomic on POSIX filesystems, so Load sees either the old
//   or the new image, never a torn one.
//
// LastSeq records the last command journal sequence applied before the
// image was taken; replay skips entries at or below it.
//
// Leases are never persisted. A restarted node owns nothing.
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/raulk/clock"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// SchemaVersion is the snapshot format understood by this build.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes snapshot files.
type Manager struct {
	path  string
	clock clock.Clock
	mu    sync.Mutex
}

// NewManager creates a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path, clock: clock.New()}
}

// Write atomically replaces the snapshot with data.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(data)
}

func (m *Manager) write(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	if data.Processes == nil {
		data.Processes = make(map[string]*types.TransferProcess)
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty image, which is the
// first-boot case.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Processes: make(map[string]*types.TransferProcess),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Processes == nil {
		data.Processes = make(map[string]*types.TransferProcess)
	}
	for id, tp := range data.Processes {
		if tp == nil || tp.ID != id {
			return data, fmt.Errorf("%w: entry %q does not match its process", ErrCorruptedSnapshot, id)
		}
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside before writing and keeps
// at most keepBackups of the moved files.
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.clock.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.write(data); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	dir, base := filepath.Dir(m.path), filepath.Base(m.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
