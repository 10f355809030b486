package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/metrics"
	"metamcp/internal/session"
	"metamcp/internal/transport"
	"metamcp/internal/types"
)

// Admit registers a session and refreshes the active-session gauge.
func (b *Broker) Admit(ctx context.Context, id string, prefs session.Preferences) (session.State, error) {
	st, err := b.sessions.Admit(ctx, id, prefs)
	if err != nil {
		return session.State{}, b.surface(err)
	}
	b.metrics.SetActiveSessions(b.sessions.Count())
	return st, nil
}

// CloseSession ends a session and retires its observability state.
func (b *Broker) CloseSession(ctx context.Context, id string, payload types.CheckpointPayload) error {
	if err := b.sessions.Close(ctx, id, payload); err != nil {
		return b.surface(err)
	}
	b.metrics.DropSession(id)
	b.alerts.Resolve("budget-" + id)
	b.metrics.SetActiveSessions(b.sessions.Count())
	return nil
}

// SwitchRole wraps the registry's switch with metric publication. The
// registry checkpoints the outgoing state before any tool changes hands.
func (b *Broker) SwitchRole(ctx context.Context, id, newRole string, payload types.CheckpointPayload) (session.SwitchResult, error) {
	res, err := b.sessions.SwitchRole(ctx, id, newRole, payload)
	if err != nil {
		b.metrics.RoleSwitchFailure()
		return session.SwitchResult{}, b.surface(err)
	}
	b.metrics.RoleSwitch(res.Previous, res.Current, time.Duration(res.DurationMs)*time.Millisecond)
	if res.Ledger.TotalBudget > 0 {
		b.metrics.SetLedgerUsage(id, float64(res.Ledger.Used)/float64(res.Ledger.TotalBudget))
	}
	// A bigger budget can clear the pressure that raised the standing alert.
	if res.Ledger.Band < ledger.BandWarning {
		b.alerts.Resolve("budget-" + id)
	}
	return res, nil
}

// RequestEscalation wraps the registry's escalation request and counts the
// outcome per (role, key).
func (b *Broker) RequestEscalation(ctx context.Context, id, key string) (types.EscalationState, error) {
	role := "unknown"
	if st, err := b.sessions.Get(id); err == nil {
		role = st.Role
	}
	esc, err := b.sessions.RequestEscalation(ctx, id, key)
	if err != nil {
		b.metrics.Escalation(role, key, "denied")
		return types.EscalationState{}, b.surface(err)
	}
	outcome := "granted"
	if esc.Status == types.EscalationPending {
		outcome = "pending"
	}
	b.metrics.Escalation(role, key, outcome)
	return esc, nil
}

// ResolveEscalation settles a pending-approval escalation.
func (b *Broker) ResolveEscalation(ctx context.Context, id string, approve bool) (types.EscalationState, error) {
	role := "unknown"
	key := ""
	if st, err := b.sessions.Get(id); err == nil {
		role = st.Role
		key = st.Escalation.Key
	}
	esc, err := b.sessions.ResolveEscalation(ctx, id, approve)
	if err != nil {
		return types.EscalationState{}, b.surface(err)
	}
	outcome := "approved"
	if !approve {
		outcome = "declined"
	}
	b.metrics.Escalation(role, key, outcome)
	return esc, nil
}

// Checkpoint takes a manual (or task-boundary) checkpoint on a session.
func (b *Broker) Checkpoint(ctx context.Context, id string, kind types.CheckpointKind, payload types.CheckpointPayload) (types.Checkpoint, error) {
	cp, err := b.sessions.Checkpoint(ctx, id, kind, payload)
	if err != nil {
		return types.Checkpoint{}, b.surface(err)
	}
	return cp, nil
}

// RestoreCheckpoint returns the checkpoint at a ring position, newest-first.
func (b *Broker) RestoreCheckpoint(id string, index int) (types.Checkpoint, error) {
	cp, err := b.sessions.Restore(id, index)
	if err != nil {
		return types.Checkpoint{}, b.surface(err)
	}
	return cp, nil
}

// SessionStatus is the control-plane view of one session.
type SessionStatus struct {
	Session session.State   `json:"session"`
	Ledger  ledger.Snapshot `json:"ledger"`
}

// Status reports a session's registry state and its ledger snapshot.
func (b *Broker) Status(id string) (SessionStatus, error) {
	st, err := b.sessions.Get(id)
	if err != nil {
		return SessionStatus{}, b.surface(err)
	}
	led, err := b.ledgers.Status(id)
	if err != nil {
		return SessionStatus{}, b.surface(err)
	}
	return SessionStatus{Session: st, Ledger: led}, nil
}

// Sessions lists every live session's registry state.
func (b *Broker) Sessions() []session.State { return b.sessions.List() }

// Health is the broker-level rollup the ops surface serves.
type Health struct {
	Status   string                   `json:"status"`
	Overall  float64                  `json:"overall"`
	Healthy  int                      `json:"healthy_servers"`
	Total    int                      `json:"total_servers"`
	Sessions int                      `json:"sessions"`
	Servers  []transport.ServerStatus `json:"servers"`
	Alerts   []metrics.Alert          `json:"alerts"`
}

// Health rolls up server health, the fatal-init latch, session count, and
// the visible alert set.
func (b *Broker) Health() Health {
	rep := b.transports.Rollup()
	return Health{
		Status:   metrics.Rollup(rep.Overall, b.fatal.Load()).String(),
		Overall:  rep.Overall,
		Healthy:  rep.Healthy,
		Total:    rep.Total,
		Sessions: b.sessions.Count(),
		Servers:  b.transports.ServerStates(),
		Alerts:   b.alerts.Visible(),
	}
}

// NoteFatal latches a failed init component. The readiness rollup reports
// failed from here on; the process stays up so operators can inspect it.
func (b *Broker) NoteFatal(component string, err error) {
	b.fatal.Store(true)
	b.alerts.Raise("fatal-"+component, metrics.SeverityCritical,
		fmt.Sprintf("%s failed during startup: %v", component, err))
	logging.BrokerError("fatal init error in %s: %v", component, err)
}

// ReloadPolicy swaps in the policy file's current contents. On validation
// failure the previous snapshot stays live and the error reports why.
func (b *Broker) ReloadPolicy() error {
	err := b.policies.Reload()
	b.NotePolicyReload(err)
	if err != nil {
		return b.surface(err)
	}
	return nil
}

// NotePolicyReload records a reload outcome from any path, including the
// file watcher. Failures raise a standing alert; success resolves it and
// refreshes the alerting mode.
func (b *Broker) NotePolicyReload(err error) {
	if err != nil {
		b.alerts.Raise("policy-reload", metrics.SeverityWarning,
			fmt.Sprintf("policy reload failed, previous snapshot stays live: %v", err))
		return
	}
	snap := b.policies.Current()
	b.alerts.Resolve("policy-reload")
	b.alerts.SetGentle(snap.Features().GentleAlerts)
	logging.Broker("policy v%d live", snap.Version())
}

// BreakerHook builds the transport state hook that publishes breaker
// transitions as health metrics and standing alerts.
func BreakerHook(m *metrics.Metrics, alerts *metrics.AlertCenter) transport.StateHook {
	return func(server string, from, to gobreaker.State) {
		switch to {
		case gobreaker.StateOpen:
			m.SetServerHealth(server, false)
			alerts.Raise("breaker-"+server, metrics.SeverityError,
				fmt.Sprintf("server %s circuit opened", server))
		case gobreaker.StateClosed:
			m.SetServerHealth(server, true)
			alerts.Resolve("breaker-" + server)
		}
	}
}

// Shutdown drains the broker: every session is closed with a session-end
// checkpoint, then transports stop in reverse start order. Schedulers are
// stopped by the caller before this runs.
func (b *Broker) Shutdown(ctx context.Context) error {
	states := b.sessions.List()
	logging.Broker("shutdown: closing %d session(s)", len(states))

	var eg errgroup.Group
	for _, st := range states {
		id := st.ID
		eg.Go(func() error {
			err := b.CloseSession(ctx, id, types.CheckpointPayload{MentalModel: "broker shutdown"})
			if err != nil && types.KindOf(err) != types.ErrNoSuchSession {
				return err
			}
			return nil
		})
	}
	err := eg.Wait()

	b.transports.Shutdown()
	if err != nil {
		logging.BrokerWarn("shutdown finished with session close errors: %v", err)
		return err
	}
	logging.Broker("shutdown complete")
	return nil
}
