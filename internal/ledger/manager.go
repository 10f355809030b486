package ledger

import (
	"sync"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/types"
)

// UsageLog is the durable boundary for token accounting. The sqlite-backed
// implementation lives in the store package; tests substitute fakes.
type UsageLog interface {
	Append(rec types.UsageRecord) error
	// MeanConsumed returns the mean consumed tokens and sample count for a
	// (tool, method) pair over records at or after since.
	MeanConsumed(tool, method string, since time.Time) (float64, int, error)
	// ConsumedSince sums a session's consumed tokens strictly after a point
	// in time. Used to replay trailing records on restart.
	ConsumedSince(sessionID string, after time.Time) (int, error)
}

// BandHook observes band transitions. Called outside ledger locks.
type BandHook func(sessionID, role string, tr BandTransition, snap Snapshot)

// Manager owns one ledger per session. All mutations are linearized per
// session behind a per-ledger mutex; the durable append happens after the
// increment, outside the lock, so persistence latency never blocks
// accounting.
type Manager struct {
	mu      sync.Mutex
	ledgers map[string]*entry

	log    UsageLog // may be nil (tests, dry runs)
	onBand BandHook
	now    func() time.Time
}

type entry struct {
	mu sync.Mutex
	l  *ledger
}

// NewManager builds a Manager over an optional usage log.
func NewManager(log UsageLog) *Manager {
	return &Manager{
		ledgers: make(map[string]*entry),
		log:     log,
		now:     time.Now,
	}
}

// SetBandHook registers the observability callback for band transitions.
func (m *Manager) SetBandHook(fn BandHook) { m.onBand = fn }

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledgers[sessionID]
	if !ok {
		return nil, types.Errorf(types.ErrNoSuchSession, "no ledger for session %q", sessionID)
	}
	return e, nil
}

// budgetFor resolves a role's budget inputs from the snapshot. A session
// with no role yet gets a zero budget; nothing can be afforded until a role
// is assigned.
func budgetFor(snap *policy.Snapshot, role string) (total, reserved, warning int, err error) {
	if role == "" {
		return 0, 0, 0, nil
	}
	prof, ok := snap.Profile(role)
	if !ok {
		return 0, 0, 0, types.Errorf(types.ErrRoleNotFound, "role %q is not defined in policy v%d", role, snap.Version())
	}
	total = prof.TokenBudget
	reserved = snap.Broker().ReserveTokens
	warning = int(float64(total) * snap.Broker().WarningFraction)
	return total, reserved, warning, nil
}

// InitSession seeds a fresh ledger for the session. Idempotent: an existing
// ledger is left untouched.
func (m *Manager) InitSession(snap *policy.Snapshot, sessionID, role string) error {
	total, reserved, warning, err := budgetFor(snap, role)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledgers[sessionID]; ok {
		return nil
	}
	l := &ledger{
		sessionID:        sessionID,
		role:             role,
		totalBudget:      total,
		reserved:         reserved,
		warningThreshold: warning,
		hardCap:          snap.Broker().HardCap,
	}
	m.ledgers[sessionID] = &entry{l: l}
	logging.Ledger("session %s: ledger seeded for role %q, budget %d", sessionID, role, total)
	return nil
}

// SwitchRole swaps the budget to the new role's, preserving used.
func (m *Manager) SwitchRole(snap *policy.Snapshot, sessionID, newRole string) error {
	total, reserved, warning, err := budgetFor(snap, newRole)
	if err != nil {
		return err
	}
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	transitions := e.l.switchBudget(newRole, total, reserved, warning)
	snapCopy := e.l.snapshot(m.now())
	e.mu.Unlock()

	m.emit(sessionID, newRole, transitions, snapCopy)
	logging.Ledger("session %s: budget switched to role %q (total %d, used %d)",
		sessionID, newRole, total, snapCopy.Used)
	return nil
}

// Record appends a usage record, increments used, and returns the updated
// band. The durable append is best-effort and happens after the increment.
func (m *Manager) Record(rec types.UsageRecord) (Band, error) {
	e, err := m.lookup(rec.SessionID)
	if err != nil {
		return BandHealthy, err
	}
	if rec.At.IsZero() {
		rec.At = m.now()
	}

	e.mu.Lock()
	transitions := e.l.record(rec.At, rec.Consumed)
	band := e.l.band()
	role := e.l.role
	snapCopy := e.l.snapshot(m.now())
	e.mu.Unlock()

	m.emit(rec.SessionID, role, transitions, snapCopy)

	if m.log != nil {
		if err := m.log.Append(rec); err != nil {
			logging.LedgerError("usage append failed for session %s: %v", rec.SessionID, err)
		}
	}
	return band, nil
}

func (m *Manager) emit(sessionID, role string, transitions []BandTransition, snap Snapshot) {
	if m.onBand == nil {
		return
	}
	for _, tr := range transitions {
		logging.Ledger("session %s: budget band %s -> %s (%d/%d)",
			sessionID, tr.From, tr.To, snap.Used, snap.TotalBudget)
		m.onBand(sessionID, role, tr, snap)
	}
}

// Status returns a point-in-time snapshot of the session's accounting.
func (m *Manager) Status(sessionID string) (Snapshot, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.l.snapshot(m.now()), nil
}

// CanAfford answers whether the session can pay for required tokens.
func (m *Manager) CanAfford(sessionID string, required int) (Affordability, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return Affordability{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.l.canAfford(required), nil
}

// State exports the persisted form for session checkpointing.
func (m *Manager) State(sessionID string) (types.LedgerState, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return types.LedgerState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.l.state(), nil
}

// Restore rebuilds a ledger from a persisted session snapshot, replaying
// usage rows recorded after the snapshot was saved.
func (m *Manager) Restore(snap *policy.Snapshot, sess types.SessionSnapshot) error {
	_, reserved, warning, err := budgetFor(snap, sess.Role)
	if err != nil {
		// The role vanished from policy; restore with the saved budget and
		// no warning threshold rather than dropping the session's spend.
		logging.LedgerWarn("session %s: role %q missing on restore, keeping saved budget", sess.ID, sess.Role)
		reserved = sess.Ledger.Reserved
		warning = 0
	}

	used := sess.Ledger.Used
	if m.log != nil {
		trailing, lerr := m.log.ConsumedSince(sess.ID, sess.SavedAt)
		if lerr != nil {
			logging.LedgerWarn("session %s: trailing replay failed: %v", sess.ID, lerr)
		} else {
			used += trailing
		}
	}

	l := &ledger{
		sessionID:        sess.ID,
		role:             sess.Role,
		totalBudget:      sess.Ledger.TotalBudget,
		used:             used,
		reserved:         reserved,
		warningThreshold: warning,
		hardCap:          snap.Broker().HardCap,
	}
	if l.used > l.hardCap {
		l.used = l.hardCap
	}
	// Arm hysteresis at the current band so restarts do not replay old
	// band announcements.
	l.emittedBand = l.band()
	l.emittedRatio = l.ratio()

	m.mu.Lock()
	m.ledgers[sess.ID] = &entry{l: l}
	m.mu.Unlock()

	logging.Ledger("session %s: ledger restored (used %d of %d)", sess.ID, l.used, l.totalBudget)
	return nil
}

// Remove drops the session's ledger.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.ledgers, sessionID)
	m.mu.Unlock()
}

// Sessions returns the ids of all tracked ledgers.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.ledgers))
	for id := range m.ledgers {
		ids = append(ids, id)
	}
	return ids
}
