package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialise the per-slot status of a run into a JSON checkpoint file
// 2. Atomic writes (temp file + rename) so readers never see a torn file
// 3. An advisory lock file so two runs never share one checkpoint path
//
// The checkpoint is observational: it may lag the true state by one poll
// interval and is never read back by the scheduler.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ChuLiYu/trolley/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	ErrCorruptedSnapshot = errors.New("checkpoint file is corrupted")
	ErrSnapshotNotFound  = errors.New("checkpoint file not found")
	ErrCheckpointLocked  = errors.New("checkpoint is locked by another run")
)

// ============================================================================
// Data Structures
// ============================================================================

// Manager reads and writes one checkpoint file.
type Manager struct {
	path string
	mu   sync.Mutex // serialises file operations
	lock *flock.Flock
}

// NewManager creates a Manager for the checkpoint at path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// ============================================================================
// Core Methods
// ============================================================================

// Write atomically replaces the checkpoint.
//
// Flow:
// 1. Write to a temporary file (.tmp) next to the checkpoint
// 2. os.Rename over the real path
//
// A nil checkpoint is written as an empty object.
func (m *Manager) Write(cp types.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp == nil {
		cp = types.Checkpoint{}
	}

	jsonBytes, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmpPath := m.path + ".tmp"

	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	return nil
}

// Load reads the checkpoint.
//
// Returns:
//   - ErrSnapshotNotFound when the file does not exist
//   - ErrCorruptedSnapshot when it is not a valid checkpoint document
func (m *Manager) Load() (types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp types.Checkpoint
	if err := json.Unmarshal(jsonBytes, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if cp == nil {
		cp = types.Checkpoint{}
	}

	return cp, nil
}

// Exists reports whether the checkpoint file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the checkpoint path.
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// Run Lock
// ============================================================================

// Lock takes the advisory lock `<path>.lock` without blocking, creating the
// checkpoint directory if needed. It returns ErrCheckpointLocked when another
// process (or another Manager) holds it.
func (m *Manager) Lock() error {
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	ok, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock checkpoint: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointLocked, m.lock.Path())
	}

	return nil
}

// Unlock releases the lock taken by Lock. The lock file is left in place.
func (m *Manager) Unlock() error {
	if err := m.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock checkpoint: %w", err)
	}
	return nil
}
