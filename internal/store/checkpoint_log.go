package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

// CheckpointLog is the durable mirror for checkpoints that must outlive the
// in-memory ring: one JSON object per line, append-only. Delivery is
// best-effort; callers log failures and move on.
type CheckpointLog struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewCheckpointLog opens (creating if needed) the JSONL file at path.
func NewCheckpointLog(path string) (*CheckpointLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	return &CheckpointLog{path: path, file: file}, nil
}

// Append writes one checkpoint as a JSON line.
func (c *CheckpointLog) Append(cp types.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return fmt.Errorf("checkpoint log is closed")
	}
	if _, err := c.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	logging.StoreDebug("mirrored %s checkpoint for session %s", cp.Kind, cp.SessionID)
	return nil
}

// Tail returns the most recent n checkpoints, oldest first. Lines that no
// longer decode are skipped.
func (c *CheckpointLog) Tail(n int) ([]types.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer file.Close()

	var all []types.Checkpoint
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var cp types.Checkpoint
		if err := json.Unmarshal(scanner.Bytes(), &cp); err != nil {
			continue
		}
		all = append(all, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint log: %w", err)
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Close closes the underlying file.
func (c *CheckpointLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
