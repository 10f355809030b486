package session

import (
	"context"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

// Checkpoint appends one saved moment of working context to the session's
// ring. The ring keeps the most recent entries up to the policy's size;
// eviction is strictly oldest-first. Durable kinds are also mirrored to the
// append-only log, best-effort.
//
// Checkpoints do not count as activity: a session kept alive only by its
// periodic safety net still ages toward idle collection.
func (r *Registry) Checkpoint(ctx context.Context, id string, kind types.CheckpointKind, payload types.CheckpointPayload) (types.Checkpoint, error) {
	if !kind.Valid() {
		return types.Checkpoint{}, types.Errorf(types.ErrInternal, "unknown checkpoint kind %q", kind)
	}
	s, err := r.lookup(id)
	if err != nil {
		return types.Checkpoint{}, err
	}
	snap := r.policies.Current()
	if err := s.lock(ctx); err != nil {
		return types.Checkpoint{}, err
	}
	defer s.unlock()

	now := r.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Checkpoint{}, types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	cp := types.Checkpoint{At: now, Kind: kind, SessionID: id, Role: s.role, Payload: payload}
	s.ring = appendRing(s.ring, cp, snap.Broker().CheckpointRing)
	s.lastCheckpoint = now
	s.republishLocked()
	form := s.persistedLocked()
	s.mu.Unlock()

	r.mirrorCheckpoint(cp)
	r.persist(form)
	logging.SessionDebug("session %s: %s checkpoint written", id, kind)
	return cp, nil
}

// Restore returns the checkpoint at a ring position, oldest first. Because
// the ring holds only the most recent K, positions shift as old entries
// evict.
func (r *Registry) Restore(id string, index int) (types.Checkpoint, error) {
	s, err := r.lookup(id)
	if err != nil {
		return types.Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.ring) {
		return types.Checkpoint{}, types.Errorf(types.ErrInternal, "checkpoint %d is out of range; ring holds %d", index, len(s.ring))
	}
	return s.ring[index], nil
}

// AutoCheckpoint writes an auto-periodic checkpoint for every session whose
// last checkpoint is older than its role's cadence; roles without one use
// the broker default. Returns the number written.
func (r *Registry) AutoCheckpoint(ctx context.Context) int {
	snap := r.policies.Current()
	now := r.now()
	wrote := 0
	for _, st := range r.List() {
		every := snap.Broker().AutoCheckpoint()
		if prof, ok := snap.Profile(st.Role); ok && prof.AutoCheckpointMinutes > 0 {
			every = time.Duration(prof.AutoCheckpointMinutes) * time.Minute
		}
		if now.Sub(st.LastCheckpoint) < every {
			continue
		}
		if _, err := r.Checkpoint(ctx, st.ID, types.CheckpointAutoPeriodic, types.CheckpointPayload{}); err != nil {
			logging.SessionWarn("session %s: auto checkpoint failed: %v", st.ID, err)
			continue
		}
		wrote++
	}
	return wrote
}
