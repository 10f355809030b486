// Package session owns the authoritative state of every admitted session:
// its role, its mounted tool set, its escalation, and its checkpoint ring.
// All mutations to one session are serialized behind a per-session gate;
// reads go through lock-free published snapshots. I/O (tool mounting,
// persistence, durable checkpoint delivery) always happens with the data
// lock released.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/role"
	"metamcp/internal/types"
)

// PolicySource hands out the current policy snapshot. policy.Store
// satisfies it.
type PolicySource interface {
	Current() *policy.Snapshot
}

// MountManager is the transport surface the registry drives when a
// session's mounted tool set changes. transport.Manager satisfies it.
type MountManager interface {
	// EnsureReady pins the named tools' servers. All-or-nothing: on error
	// no pins are taken.
	EnsureReady(ctx context.Context, tools []string) error
	// Release drops one pin per listed tool.
	Release(tools []string)
}

// Budgets is the token-accounting surface the registry needs across the
// session lifecycle. ledger.Manager satisfies it.
type Budgets interface {
	InitSession(snap *policy.Snapshot, sessionID, role string) error
	SwitchRole(snap *policy.Snapshot, sessionID, newRole string) error
	Status(sessionID string) (ledger.Snapshot, error)
	State(sessionID string) (types.LedgerState, error)
	Restore(snap *policy.Snapshot, sess types.SessionSnapshot) error
	Remove(sessionID string)
}

// SnapshotStore persists one file per session. store.FileStore satisfies
// it. A nil store disables persistence.
type SnapshotStore interface {
	Save(snap types.SessionSnapshot) error
	Load(id string) (types.SessionSnapshot, error)
	LoadAll() ([]types.SessionSnapshot, error)
	Delete(id string) error
}

// CheckpointSink receives the durable checkpoint kinds. store.CheckpointLog
// satisfies it. A nil sink disables mirroring.
type CheckpointSink interface {
	Append(cp types.Checkpoint) error
}

// Config wires the registry's collaborators. Policies, Mounts, and Ledgers
// are required; Store and Mirror are optional.
type Config struct {
	Policies PolicySource
	Mounts   MountManager
	Ledgers  Budgets
	Store    SnapshotStore
	Mirror   CheckpointSink
}

// Registry is the single writer for all session state.
type Registry struct {
	policies PolicySource
	mounts   MountManager
	ledgers  Budgets
	store    SnapshotStore
	mirror   CheckpointSink

	mu       sync.RWMutex
	sessions map[string]*session

	now func() time.Time
}

// NewRegistry builds a Registry over its collaborators.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Policies == nil || cfg.Mounts == nil || cfg.Ledgers == nil {
		return nil, types.NewError(types.ErrInternal, "session registry needs policies, mounts, and ledgers wired")
	}
	return &Registry{
		policies: cfg.Policies,
		mounts:   cfg.Mounts,
		ledgers:  cfg.Ledgers,
		store:    cfg.Store,
		mirror:   cfg.Mirror,
		sessions: make(map[string]*session),
		now:      time.Now,
	}, nil
}

// State is the published read snapshot of one session. It is immutable;
// readers get a fresh copy on every mutation.
type State struct {
	ID             string                `json:"id"`
	Role           string                `json:"role,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivity   time.Time             `json:"last_activity"`
	Mounted        []string              `json:"mounted,omitempty"`
	Escalation     types.EscalationState `json:"escalation"`
	Checkpoints    int                   `json:"checkpoints"`
	LastCheckpoint time.Time             `json:"last_checkpoint"`
	InFlight       int                   `json:"in_flight"`
}

// session is the registry's internal record. The gate channel serializes
// mutations (single writer); mu guards the fields and is never held across
// I/O. view is the lock-free read snapshot, republished after every change.
type session struct {
	id   string
	gate chan struct{}
	view atomic.Pointer[State]

	mu             sync.Mutex
	closed         bool
	role           string
	createdAt      time.Time
	lastActivity   time.Time
	lastCheckpoint time.Time
	mounted        map[string]bool
	escalation     types.EscalationState
	ring           []types.Checkpoint

	// inflight counts active calls per tool. A tool unmounted while a call
	// is running keeps its server pin in pendingRelease until the call
	// drains; the count tracks how many deferred pins it owes.
	inflight       map[string]int
	pendingRelease map[string]int
}

// lock acquires the session's single-writer gate.
func (s *session) lock(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrTimeout,
			fmt.Sprintf("session %s is busy with another mutation", s.id), ctx.Err())
	}
}

func (s *session) unlock() { <-s.gate }

// republishLocked refreshes the lock-free read snapshot. Caller holds s.mu.
func (s *session) republishLocked() {
	inflight := 0
	for _, n := range s.inflight {
		inflight += n
	}
	s.view.Store(&State{
		ID:             s.id,
		Role:           s.role,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		Mounted:        types.SortedTools(s.mounted),
		Escalation:     cloneEscalation(s.escalation),
		Checkpoints:    len(s.ring),
		LastCheckpoint: s.lastCheckpoint,
		InFlight:       inflight,
	})
}

// persistedLocked builds the on-disk form. Caller holds s.mu; the registry
// fills SavedAt and the ledger state outside the lock.
func (s *session) persistedLocked() types.SessionSnapshot {
	ring := make([]types.Checkpoint, len(s.ring))
	copy(ring, s.ring)
	return types.SessionSnapshot{
		ID:           s.id,
		Role:         s.role,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Mounted:      types.SortedTools(s.mounted),
		Checkpoints:  ring,
		Escalation:   cloneEscalation(s.escalation),
	}
}

// remountLocked rebuilds the mounted set to defaults plus extras. Tools
// dropped from the set release their server pin immediately unless a call
// is in flight, in which case the pin is owed until the call drains.
// Caller holds s.mu. Returns the tools to release outside the lock.
func (s *session) remountLocked(defaults, extras []string) (releaseNow []string) {
	next := make(map[string]bool, len(defaults)+len(extras))
	for _, t := range defaults {
		next[t] = true
	}
	for _, t := range extras {
		next[t] = true
	}
	for t := range s.mounted {
		if next[t] {
			continue
		}
		if s.inflight[t] > 0 {
			s.pendingRelease[t]++
		} else {
			releaseNow = append(releaseNow, t)
		}
	}
	s.mounted = next
	return releaseNow
}

// dropEscalationLocked clears any escalation and remounts the role's
// default set. Caller holds s.mu. Returns tools to release outside the lock.
func (s *session) dropEscalationLocked(snap *policy.Snapshot) []string {
	var defaults []string
	if prof, ok := snap.Profile(s.role); ok {
		defaults = prof.DefaultTools
	}
	s.escalation = types.EscalationState{Status: types.EscalationNone}
	return s.remountLocked(defaults, nil)
}

func cloneEscalation(e types.EscalationState) types.EscalationState {
	out := e
	if e.AdditionalTools != nil {
		out.AdditionalTools = append([]string(nil), e.AdditionalTools...)
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	if e.ApprovalDeadline != nil {
		t := *e.ApprovalDeadline
		out.ApprovalDeadline = &t
	}
	return out
}

// escalationLapsed reports whether an escalation is past its useful life:
// an active grant strictly after its expiry, or a pending approval past its
// deadline.
func escalationLapsed(e types.EscalationState, now time.Time) bool {
	switch e.Status {
	case types.EscalationActive:
		return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
	case types.EscalationPending:
		return e.ApprovalDeadline != nil && now.After(*e.ApprovalDeadline)
	}
	return false
}

// appendRing appends to the checkpoint ring, evicting oldest-first once the
// ring is full.
func appendRing(ring []types.Checkpoint, cp types.Checkpoint, k int) []types.Checkpoint {
	ring = append(ring, cp)
	if k > 0 && len(ring) > k {
		ring = append(ring[:0], ring[len(ring)-k:]...)
	}
	return ring
}

// Preferences carries the caller-supplied knobs for a new session.
type Preferences struct {
	// InitialRole, when set, mounts that role's default tools at admission.
	// A session admitted without one cannot call tools until its first role
	// switch.
	InitialRole string
}

// Admit registers a new session, mounting the initial role's default tools
// and seeding its ledger. An empty id gets a generated one. Re-admitting a
// live session returns its current state unchanged.
func (r *Registry) Admit(ctx context.Context, id string, prefs Preferences) (State, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if existing, err := r.Get(id); err == nil {
		logging.SessionDebug("session %s: already admitted, returning current state", id)
		return existing, nil
	}

	timer := logging.StartTimer(logging.CategorySession, "admit session")
	defer timer.Stop()

	snap := r.policies.Current()
	var defaults []string
	if prefs.InitialRole != "" {
		var err error
		defaults, err = role.DefaultTools(snap, prefs.InitialRole)
		if err != nil {
			return State{}, err
		}
		if err := r.ensureReady(ctx, defaults); err != nil {
			return State{}, err
		}
	}
	if err := r.ledgers.InitSession(snap, id, prefs.InitialRole); err != nil {
		r.release(defaults)
		return State{}, err
	}

	now := r.now()
	s := &session{
		id:             id,
		gate:           make(chan struct{}, 1),
		role:           prefs.InitialRole,
		createdAt:      now,
		lastActivity:   now,
		lastCheckpoint: now,
		mounted:        make(map[string]bool, len(defaults)),
		escalation:     types.EscalationState{Status: types.EscalationNone},
		inflight:       make(map[string]int),
		pendingRelease: make(map[string]int),
	}
	for _, t := range defaults {
		s.mounted[t] = true
	}
	s.republishLocked()

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		// Lost an admission race; the winner's state stands.
		r.mu.Unlock()
		r.release(defaults)
		return r.Get(id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	logging.Session("session %s admitted with role %q (%d tools)", id, prefs.InitialRole, len(defaults))
	s.mu.Lock()
	form := s.persistedLocked()
	s.mu.Unlock()
	r.persist(form)
	return *s.view.Load(), nil
}

// Get returns a session's published state without taking any session lock.
func (r *Registry) Get(id string) (State, error) {
	s, err := r.lookup(id)
	if err != nil {
		return State{}, err
	}
	return *s.view.Load(), nil
}

// List returns the published state of every live session.
func (r *Registry) List() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s.view.Load())
	}
	r.mu.RUnlock()
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrNoSuchSession, "session %q is not registered", id)
	}
	return s, nil
}

// Touch refreshes the session's last-activity instant. Time only moves
// forward: a stale touch behind a newer one is a no-op.
func (r *Registry) Touch(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	if now.After(s.lastActivity) {
		s.lastActivity = now
		s.republishLocked()
	}
	return nil
}

// BeginCall admits one tool call: it touches the session, lazily expires a
// lapsed escalation, and verifies the tool is mounted for the current role.
// Returns the session's role for the rewrite context. Every admitted call
// must be paired with EndCall. Admissions wait behind an in-flight role
// switch; the caller's context bounds that wait.
func (r *Registry) BeginCall(ctx context.Context, id, tool string) (string, error) {
	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	snap := r.policies.Current()
	if err := s.lock(ctx); err != nil {
		return "", err
	}

	now := r.now()
	var toRelease []string
	var expired bool
	var form types.SessionSnapshot

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unlock()
		return "", types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	if escalationLapsed(s.escalation, now) {
		toRelease = s.dropEscalationLocked(snap)
		form = s.persistedLocked()
		expired = true
	}
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	current := s.role
	var denied error
	switch {
	case current == "":
		denied = types.Errorf(types.ErrAccessDenied, "session %s has no role yet; switch into one before calling tools", id)
	case !s.mounted[tool]:
		denied = types.Errorf(types.ErrAccessDenied, "tool %q is not mounted for role %q", tool, current)
	default:
		s.inflight[tool]++
	}
	s.republishLocked()
	s.mu.Unlock()
	s.unlock()

	r.release(toRelease)
	if expired {
		logging.Session("session %s: escalation lapsed at admission; default tools restored", id)
		r.persist(form)
	}
	if denied != nil {
		return "", denied
	}
	return current, nil
}

// EndCall retires one in-flight call admitted by BeginCall. Server pins
// owed by a role switch or escalation expiry release once the tool's last
// call drains. Ending a call on a closed session is a no-op.
func (r *Registry) EndCall(id, tool string) {
	s, err := r.lookup(id)
	if err != nil {
		return
	}
	var toRelease []string
	s.mu.Lock()
	if s.inflight[tool] > 0 {
		s.inflight[tool]--
		if s.inflight[tool] == 0 {
			delete(s.inflight, tool)
			for n := s.pendingRelease[tool]; n > 0; n-- {
				toRelease = append(toRelease, tool)
			}
			delete(s.pendingRelease, tool)
		}
		s.republishLocked()
	}
	s.mu.Unlock()
	r.release(toRelease)
}

// Close ends a session: a session-end checkpoint, all server pins released,
// the ledger dropped, the persisted snapshot deleted, and the entry removed
// from the registry.
func (r *Registry) Close(ctx context.Context, id string, payload types.CheckpointPayload) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	snap := r.policies.Current()
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	now := r.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Errorf(types.ErrNoSuchSession, "session %s is closed", id)
	}
	s.closed = true
	cp := types.Checkpoint{At: now, Kind: types.CheckpointSessionEnd, SessionID: id, Role: s.role, Payload: payload}
	s.ring = appendRing(s.ring, cp, snap.Broker().CheckpointRing)
	s.lastCheckpoint = now
	toRelease := make([]string, 0, len(s.mounted)+len(s.pendingRelease))
	for t := range s.mounted {
		toRelease = append(toRelease, t)
	}
	for t, n := range s.pendingRelease {
		for ; n > 0; n-- {
			toRelease = append(toRelease, t)
		}
	}
	s.mounted = make(map[string]bool)
	s.pendingRelease = make(map[string]int)
	age := now.Sub(s.createdAt)
	s.republishLocked()
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.mirrorCheckpoint(cp)
	r.release(toRelease)
	r.ledgers.Remove(id)
	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			logging.SessionWarn("session %s: snapshot delete failed: %v", id, err)
		}
	}
	logging.Session("session %s closed after %s", id, age.Round(time.Second))
	return nil
}

// mirrorCheckpoint forwards durable checkpoint kinds to the append-only
// log. Delivery is best-effort: failures are logged and the ring remains
// the source of truth.
func (r *Registry) mirrorCheckpoint(cp types.Checkpoint) {
	if r.mirror == nil || !cp.Kind.Durable() {
		return
	}
	if err := r.mirror.Append(cp); err != nil {
		logging.SessionWarn("session %s: %s checkpoint not mirrored: %v", cp.SessionID, cp.Kind, err)
	}
}

// persist saves one session snapshot best-effort. The in-memory registry
// stays authoritative; a failed save is logged and life goes on.
func (r *Registry) persist(form types.SessionSnapshot) {
	if r.store == nil {
		return
	}
	if led, err := r.ledgers.State(form.ID); err == nil {
		form.Ledger = led
	}
	form.SavedAt = r.now()
	if err := r.store.Save(form); err != nil {
		logging.SessionWarn("session %s: persist failed: %v", form.ID, err)
	}
}

func (r *Registry) ensureReady(ctx context.Context, tools []string) error {
	if len(tools) == 0 {
		return nil
	}
	return r.mounts.EnsureReady(ctx, tools)
}

func (r *Registry) release(tools []string) {
	if len(tools) == 0 {
		return
	}
	r.mounts.Release(tools)
}
