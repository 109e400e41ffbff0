// Package atomicfile provides the crash-safe JSON persistence primitive
// shared by the mission store and the provider's team/task-file writers:
// write to <path>.tmp-<rand> then rename onto the target, so a reader
// always sees either the old or the new file, never a partial one.
//
// Grounded on the teacher's internal/sessions/store.go writeLocked and
// internal/daemon/pool.go SaveState/LoadState, both of which implement
// this exact pattern independently. Unlike the teacher (which additionally
// takes an OS-level flock on a sibling .lock file), locking here is
// process-local only: the spec is explicit that no filesystem lock is
// required because exactly one process ever writes these files.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WriteJSON marshals v with indentation and atomically writes it to path.
// The containing directory must already exist.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return Write(path, data)
}

// Write atomically replaces path's contents with data.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Best-effort cleanup on any failure path below.
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadJSON reads and unmarshals the JSON file at path into v. It returns
// (false, nil) if the file does not exist, matching the store's "missing
// file -> null, not an error" contract. Malformed JSON is also reported
// as (false, nil): the caller must treat the value as absent and not
// proceed to write on the assumption that it read something real.
func ReadJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}

// LockRegistry hands out a process-local mutex per file path, so
// read-modify-write sequences against the same file serialize against
// each other without needing an OS-level lock (the spec's own
// justification: "no file-system locks are required because only this
// process writes these files").
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Lock returns the mutex for path, already locked, and an unlock function.
// Callers should defer the returned function.
func (r *LockRegistry) Lock(path string) func() {
	r.mu.Lock()
	m, ok := r.locks[path]
	if !ok {
		m = &sync.Mutex{}
		r.locks[path] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
