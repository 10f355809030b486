package session

import (
	"context"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/role"
	"metamcp/internal/types"
)

// RequestEscalation asks for a named temporary tool grant on the session's
// current role. Grants marked requires_approval park in pending_approval
// until ResolveEscalation lands or the approval window lapses; everything
// else is granted immediately with an expiry. A fresh grant replaces any
// escalation already in place.
func (r *Registry) RequestEscalation(ctx context.Context, id, key string) (types.EscalationState, error) {
	s, err := r.lookup(id)
	if err != nil {
		return types.EscalationState{}, err
	}
	snap := r.policies.Current()
	if err := s.lock(ctx); err != nil {
		return types.EscalationState{}, err
	}
	defer s.unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.EscalationState{}, types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	current := s.role
	s.mu.Unlock()

	if current == "" {
		return types.EscalationState{}, types.Errorf(types.ErrAccessDenied, "session %s has no role to escalate from", id)
	}
	esc, err := role.LookupEscalation(snap, current, key)
	if err != nil {
		return types.EscalationState{}, err
	}

	if esc.RequiresApproval {
		now := r.now()
		deadline := now.Add(snap.Broker().ApprovalWindow())
		state := types.EscalationState{
			Status:           types.EscalationPending,
			Key:              key,
			AdditionalTools:  append([]string(nil), esc.AdditionalTools...),
			ApprovalDeadline: &deadline,
		}
		s.mu.Lock()
		var toRelease []string
		if s.escalation.Status == types.EscalationActive {
			// The superseded grant's tools come off now; the new ones wait
			// for approval.
			toRelease = s.dropEscalationLocked(snap)
		}
		s.escalation = cloneEscalation(state)
		s.lastActivity = now
		s.republishLocked()
		form := s.persistedLocked()
		s.mu.Unlock()
		r.release(toRelease)
		r.persist(form)
		logging.Session("session %s: escalation %q awaits approval until %s",
			id, key, deadline.Format(time.RFC3339))
		return state, nil
	}
	return r.grant(ctx, s, snap, key, esc)
}

// ResolveEscalation completes a pending approval: approving mounts the
// extra tools and arms the expiry, rejecting clears the request. Resolving
// after the approval window lapsed clears the request and reports Timeout.
func (r *Registry) ResolveEscalation(ctx context.Context, id string, approve bool) (types.EscalationState, error) {
	s, err := r.lookup(id)
	if err != nil {
		return types.EscalationState{}, err
	}
	snap := r.policies.Current()
	if err := s.lock(ctx); err != nil {
		return types.EscalationState{}, err
	}
	defer s.unlock()

	now := r.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.EscalationState{}, types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	pending := cloneEscalation(s.escalation)
	current := s.role
	s.mu.Unlock()

	if pending.Status != types.EscalationPending {
		return types.EscalationState{}, types.Errorf(types.ErrAccessDenied, "session %s has no escalation awaiting approval", id)
	}
	if pending.ApprovalDeadline != nil && now.After(*pending.ApprovalDeadline) {
		r.clearEscalation(s)
		return types.EscalationState{}, types.Errorf(types.ErrTimeout, "approval window for escalation %q lapsed", pending.Key)
	}
	if !approve {
		state := r.clearEscalation(s)
		logging.Session("session %s: escalation %q rejected", id, pending.Key)
		return state, nil
	}

	esc, err := role.LookupEscalation(snap, current, pending.Key)
	if err != nil {
		// The escalation vanished from policy while pending.
		r.clearEscalation(s)
		return types.EscalationState{}, err
	}
	return r.grant(ctx, s, snap, pending.Key, esc)
}

// grant mounts the escalation's extra tools and arms the expiry. Caller
// holds the session gate.
func (r *Registry) grant(ctx context.Context, s *session, snap *policy.Snapshot, key string, esc policy.Escalation) (types.EscalationState, error) {
	s.mu.Lock()
	current := s.role
	need := make([]string, 0, len(esc.AdditionalTools))
	for _, t := range esc.AdditionalTools {
		if !s.mounted[t] {
			need = append(need, t)
		}
	}
	s.mu.Unlock()

	if err := r.ensureReady(ctx, need); err != nil {
		return types.EscalationState{}, err
	}
	defaults, err := role.DefaultTools(snap, current)
	if err != nil {
		r.release(need)
		return types.EscalationState{}, err
	}

	now := r.now()
	expires := now.Add(esc.MaxDuration())
	state := types.EscalationState{
		Status:          types.EscalationActive,
		Key:             key,
		AdditionalTools: append([]string(nil), esc.AdditionalTools...),
		ExpiresAt:       &expires,
	}

	s.mu.Lock()
	releaseNow := s.remountLocked(defaults, esc.AdditionalTools)
	s.escalation = cloneEscalation(state)
	s.lastActivity = now
	s.republishLocked()
	form := s.persistedLocked()
	s.mu.Unlock()

	r.release(releaseNow)
	r.persist(form)
	logging.Session("session %s: escalation %q granted %d extra tools until %s",
		s.id, key, len(esc.AdditionalTools), expires.Format(time.RFC3339))
	return state, nil
}

// clearEscalation resets the escalation state without touching the mounted
// set. Only valid for pending escalations, which never mounted anything.
func (r *Registry) clearEscalation(s *session) types.EscalationState {
	s.mu.Lock()
	s.escalation = types.EscalationState{Status: types.EscalationNone}
	s.republishLocked()
	form := s.persistedLocked()
	s.mu.Unlock()
	r.persist(form)
	return types.EscalationState{Status: types.EscalationNone}
}

// ExpireEscalation revokes whatever escalation the session holds, active or
// pending, restoring the role's default tool set. Expiring a session with
// none is a no-op.
func (r *Registry) ExpireEscalation(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	snap := r.policies.Current()
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	had := s.escalation.Status
	var toRelease []string
	var form types.SessionSnapshot
	if had != types.EscalationNone && had != "" {
		toRelease = s.dropEscalationLocked(snap)
		form = s.persistedLocked()
	}
	s.mu.Unlock()

	if had == types.EscalationNone || had == "" {
		return nil
	}
	r.release(toRelease)
	r.persist(form)
	logging.Session("session %s: escalation revoked; default tools restored", id)
	return nil
}

// SweepEscalations expires every lapsed grant and stale pending approval.
// The scheduler runs this once a minute; call admission also checks lazily,
// so a lapsed grant never admits a call even between sweeps.
func (r *Registry) SweepEscalations(ctx context.Context) int {
	now := r.now()
	expired := 0
	for _, st := range r.List() {
		if !escalationLapsed(st.Escalation, now) {
			continue
		}
		if err := r.ExpireEscalation(ctx, st.ID); err != nil {
			logging.SessionWarn("session %s: escalation expiry failed: %v", st.ID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		logging.Session("escalation sweep revoked %d lapsed grants", expired)
	}
	return expired
}
