package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

// FileStore keeps one JSON file per session under a directory. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// half-written snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) pathFor(id string) (string, error) {
	if id == "" || id != filepath.Base(id) {
		return "", types.Errorf(types.ErrInternal, "unusable session id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

// Save persists one session snapshot atomically.
func (f *FileStore) Save(snap types.SessionSnapshot) error {
	path, err := f.pathFor(snap.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", snap.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", snap.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish session %s: %w", snap.ID, err)
	}
	logging.StoreDebug("saved session %s (%d bytes)", snap.ID, len(data))
	return nil
}

// Load reads one session snapshot. A missing file maps to NoSuchSession.
func (f *FileStore) Load(id string) (types.SessionSnapshot, error) {
	var snap types.SessionSnapshot
	path, err := f.pathFor(id)
	if err != nil {
		return snap, err
	}

	f.mu.Lock()
	data, err := os.ReadFile(path)
	f.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return snap, types.Errorf(types.ErrNoSuchSession, "session %s is not persisted", id)
		}
		return snap, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return snap, nil
}

// LoadAll reads every persisted session, skipping files that no longer
// decode. Recovery calls this once at startup.
func (f *FileStore) LoadAll() ([]types.SessionSnapshot, error) {
	f.mu.Lock()
	entries, err := os.ReadDir(f.dir)
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var out []types.SessionSnapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		snap, err := f.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping unreadable session file %s: %v", name, err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete removes a persisted session. Deleting a session that was never
// saved is not an error.
func (f *FileStore) Delete(id string) error {
	path, err := f.pathFor(id)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}
