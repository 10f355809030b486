package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"metamcp/internal/types"
)

func sampleSnapshot(id string) types.SessionSnapshot {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return types.SessionSnapshot{
		ID:           id,
		Role:         "developer",
		CreatedAt:    now.Add(-time.Hour),
		LastActivity: now,
		SavedAt:      now,
		Mounted:      []string{"task-master-ai", "docs"},
		Checkpoints: []types.Checkpoint{
			{
				At:        now.Add(-30 * time.Minute),
				Kind:      types.CheckpointRoleSwitch,
				SessionID: id,
				Role:      "planner",
				Payload:   types.CheckpointPayload{MentalModel: "was planning the sprint", NextSteps: []string{"implement parser"}},
			},
		},
		Escalation: types.EscalationState{Status: types.EscalationNone},
		Ledger:     types.LedgerState{TotalBudget: 10000, Used: 3000, Reserved: 500},
	}
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	want := sampleSnapshot("sess-1")
	if err := fs.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := fs.Load("sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.ID != want.ID || got.Role != want.Role {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Ledger != want.Ledger {
		t.Errorf("ledger mismatch: %+v vs %+v", got.Ledger, want.Ledger)
	}
	if len(got.Checkpoints) != 1 || got.Checkpoints[0].Payload.MentalModel != "was planning the sprint" {
		t.Errorf("checkpoints did not round-trip: %+v", got.Checkpoints)
	}
	if len(got.Mounted) != 2 {
		t.Errorf("mounted tools did not round-trip: %v", got.Mounted)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	_, err = fs.Load("never-saved")
	if types.KindOf(err) != types.ErrNoSuchSession {
		t.Errorf("Expected NoSuchSession, got %v", err)
	}
}

func TestFileStoreLoadAllSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := fs.Save(sampleSnapshot("good-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := fs.Save(sampleSnapshot("good-2")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	all, err := fs.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 readable sessions, got %d", len(all))
	}
}

func TestFileStoreDelete(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := fs.Save(sampleSnapshot("gone-soon")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := fs.Delete("gone-soon"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := fs.Load("gone-soon"); types.KindOf(err) != types.ErrNoSuchSession {
		t.Errorf("Expected NoSuchSession after delete, got %v", err)
	}

	// Deleting twice is fine.
	if err := fs.Delete("gone-soon"); err != nil {
		t.Errorf("Second delete should be a no-op, got %v", err)
	}
}

func TestFileStoreRejectsPathEscapes(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	snap := sampleSnapshot("../evil")
	if err := fs.Save(snap); err == nil {
		t.Error("Expected an error for a path-escaping id")
	}
}
