package session

import (
	"context"
	"fmt"
	"sort"

	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/role"
	"metamcp/internal/types"
)

// SwitchResult reports a completed role switch.
type SwitchResult struct {
	Previous   string          `json:"previous"`
	Current    string          `json:"current"`
	Mounted    []string        `json:"mounted"`
	Added      []string        `json:"added"`
	Removed    []string        `json:"removed"`
	DurationMs int64           `json:"duration_ms"`
	Ledger     ledger.Snapshot `json:"ledger"`
}

// SwitchRole moves a session to a new role. The order is fixed: legality
// check, a role-switch checkpoint of the outgoing state, new tools readied,
// then the swap of role and mounted set, escalation cleared, and the ledger
// budget switched. The whole switch runs under the session gate, so new call
// admissions wait for it; calls already in flight keep running and any tool
// they hold releases only after they drain.
//
// The switch is bounded by the policy's role-switch timeout. On failure or
// timeout nothing has been swapped: the session keeps its previous role,
// tools, and escalation.
func (r *Registry) SwitchRole(ctx context.Context, id, newRole string, payload types.CheckpointPayload) (SwitchResult, error) {
	s, err := r.lookup(id)
	if err != nil {
		return SwitchResult{}, err
	}
	snap := r.policies.Current()
	timer := logging.StartTimer(logging.CategorySession, "switch role")
	defer timer.Stop()
	started := r.now()

	sctx, cancel := context.WithTimeout(ctx, snap.Broker().RoleSwitchTimeout())
	defer cancel()

	if err := s.lock(sctx); err != nil {
		return SwitchResult{}, err
	}
	defer s.unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SwitchResult{}, types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	from := s.role
	mounted := make(map[string]bool, len(s.mounted))
	for t := range s.mounted {
		mounted[t] = true
	}
	s.mu.Unlock()

	verdict, err := role.TransitionLegal(snap, from, newRole)
	if err != nil {
		return SwitchResult{}, err
	}
	if !verdict.Legal {
		logging.SessionWarn("session %s: role switch %q to %q denied by %s rule", id, from, newRole, verdict.Rule)
		return SwitchResult{}, role.DenyTransition(verdict)
	}

	// The outgoing state is checkpointed before anything changes, so a
	// restore can always reach the pre-switch world.
	cp := types.Checkpoint{At: r.now(), Kind: types.CheckpointRoleSwitch, SessionID: id, Role: from, Payload: payload}
	s.mu.Lock()
	s.ring = appendRing(s.ring, cp, snap.Broker().CheckpointRing)
	s.lastCheckpoint = cp.At
	s.republishLocked()
	s.mu.Unlock()
	r.mirrorCheckpoint(cp)

	newDefaults, err := role.DefaultTools(snap, newRole)
	if err != nil {
		return SwitchResult{}, err
	}
	added := make([]string, 0, len(newDefaults))
	for _, t := range newDefaults {
		if !mounted[t] {
			added = append(added, t)
		}
	}
	sort.Strings(added)
	removed := make([]string, 0, len(mounted))
	nextSet := make(map[string]bool, len(newDefaults))
	for _, t := range newDefaults {
		nextSet[t] = true
	}
	for t := range mounted {
		if !nextSet[t] {
			removed = append(removed, t)
		}
	}
	sort.Strings(removed)

	if err := r.ensureReady(sctx, added); err != nil {
		if sctx.Err() != nil {
			return SwitchResult{}, types.WrapError(types.ErrTimeout,
				fmt.Sprintf("role switch %q to %q timed out; session %s keeps role %q", from, newRole, id, from), sctx.Err())
		}
		return SwitchResult{}, err
	}

	now := r.now()
	s.mu.Lock()
	releaseNow := s.remountLocked(newDefaults, nil)
	s.role = newRole
	s.escalation = types.EscalationState{Status: types.EscalationNone}
	s.lastActivity = now
	s.republishLocked()
	mountedOut := types.SortedTools(s.mounted)
	form := s.persistedLocked()
	s.mu.Unlock()

	r.release(releaseNow)

	if err := r.ledgers.SwitchRole(snap, id, newRole); err != nil {
		logging.SessionError("session %s: ledger budget switch to %q failed: %v", id, newRole, err)
	}
	ledSnap, err := r.ledgers.Status(id)
	if err != nil {
		logging.SessionWarn("session %s: ledger status unavailable after switch: %v", id, err)
	}

	res := SwitchResult{
		Previous:   from,
		Current:    newRole,
		Mounted:    mountedOut,
		Added:      added,
		Removed:    removed,
		DurationMs: r.now().Sub(started).Milliseconds(),
		Ledger:     ledSnap,
	}
	r.persist(form)
	logging.Session("session %s: role %q to %q in %dms (+%d/-%d tools)",
		id, from, newRole, res.DurationMs, len(added), len(removed))
	return res, nil
}
