package session

import (
	"context"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/role"
	"metamcp/internal/types"
)

// GCIdle closes every session idle beyond the policy window. Close writes
// the session-end checkpoint on the way out, so nothing is lost silently.
// Returns the number collected.
func (r *Registry) GCIdle(ctx context.Context) int {
	idle := r.policies.Current().Broker().SessionIdle()
	now := r.now()
	closed := 0
	for _, st := range r.List() {
		quiet := now.Sub(st.LastActivity)
		if quiet < idle {
			continue
		}
		if err := r.Close(ctx, st.ID, types.CheckpointPayload{}); err != nil {
			logging.SessionWarn("session %s: idle close failed: %v", st.ID, err)
			continue
		}
		logging.Session("session %s: collected after %s idle", st.ID, quiet.Round(time.Minute))
		closed++
	}
	return closed
}

// Recover rebuilds sessions from the on-disk store at broker start. Files
// idle beyond the policy window are discarded instead of revived, and an
// escalation that lapsed while the broker was down comes back as the plain
// role defaults. Ledgers are restored first so accounting replay lands
// before any call is admitted.
func (r *Registry) Recover(ctx context.Context) (restored, discarded int, err error) {
	if r.store == nil {
		return 0, 0, nil
	}
	timer := logging.StartTimer(logging.CategoryBoot, "recover sessions")
	defer timer.Stop()

	files, err := r.store.LoadAll()
	if err != nil {
		return 0, 0, err
	}

	snap := r.policies.Current()
	idle := snap.Broker().SessionIdle()
	now := r.now()

	for _, sess := range files {
		if now.Sub(sess.LastActivity) >= idle {
			if derr := r.store.Delete(sess.ID); derr != nil {
				logging.SessionWarn("session %s: stale snapshot delete failed: %v", sess.ID, derr)
			}
			discarded++
			continue
		}
		if rerr := r.revive(ctx, snap, sess, now); rerr != nil {
			logging.SessionError("session %s: recovery failed: %v", sess.ID, rerr)
			continue
		}
		restored++
	}
	if restored+discarded > 0 {
		logging.Session("recovered %d sessions, discarded %d idle", restored, discarded)
	}
	return restored, discarded, nil
}

func (r *Registry) revive(ctx context.Context, snap *policy.Snapshot, sess types.SessionSnapshot, now time.Time) error {
	if _, err := r.Get(sess.ID); err == nil {
		return nil
	}
	if err := r.ledgers.Restore(snap, sess); err != nil {
		return err
	}

	esc := cloneEscalation(sess.Escalation)
	if esc.Status == "" || escalationLapsed(esc, now) {
		esc = types.EscalationState{Status: types.EscalationNone}
	}

	// The mounted set is recomputed from current policy rather than trusted
	// from disk, so a policy change across the restart cannot smuggle in
	// tools the role no longer grants.
	var defaults []string
	if sess.Role != "" {
		d, err := role.DefaultTools(snap, sess.Role)
		if err != nil {
			logging.SessionWarn("session %s: role %q missing from policy; reviving without tools", sess.ID, sess.Role)
		} else {
			defaults = d
		}
	}
	mounted := make(map[string]bool, len(defaults))
	for _, t := range defaults {
		mounted[t] = true
	}
	if esc.Status == types.EscalationActive {
		for _, t := range esc.AdditionalTools {
			mounted[t] = true
		}
	}

	tools := types.SortedTools(mounted)
	if err := r.ensureReady(ctx, tools); err != nil {
		logging.SessionWarn("session %s: tools not pinned on recovery: %v", sess.ID, err)
	}

	s := &session{
		id:             sess.ID,
		gate:           make(chan struct{}, 1),
		role:           sess.Role,
		createdAt:      sess.CreatedAt,
		lastActivity:   sess.LastActivity,
		lastCheckpoint: sess.LastActivity,
		mounted:        mounted,
		escalation:     esc,
		ring:           append([]types.Checkpoint(nil), sess.Checkpoints...),
		inflight:       make(map[string]int),
		pendingRelease: make(map[string]int),
	}
	if k := snap.Broker().CheckpointRing; k > 0 && len(s.ring) > k {
		s.ring = s.ring[len(s.ring)-k:]
	}
	if n := len(s.ring); n > 0 {
		s.lastCheckpoint = s.ring[n-1].At
	}
	s.republishLocked()

	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; ok {
		r.mu.Unlock()
		r.release(tools)
		return nil
	}
	r.sessions[sess.ID] = s
	r.mu.Unlock()

	logging.Session("session %s restored: role %q, %d tools, %d checkpoints",
		sess.ID, sess.Role, len(tools), len(s.ring))
	return nil
}
