// Package broker is the orchestrator: the single entry point that threads a
// tool call through session admission, the circuit-breaker gate, the rewrite
// engine, the transport, and the ledger. It owns no domain state of its own;
// everything is dependency-injected and the broker just keeps the order of
// operations honest.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/metrics"
	"metamcp/internal/policy"
	"metamcp/internal/rewrite"
	"metamcp/internal/session"
	"metamcp/internal/transport"
	"metamcp/internal/types"
)

// Dispatcher is the transport surface the orchestrator drives.
// transport.Manager satisfies it; tests substitute scripted fakes.
type Dispatcher interface {
	// Available reports whether a call for the tool would be admitted now.
	Available(tool string) error
	// Call routes one JSON-RPC invocation to the tool's server.
	Call(ctx context.Context, tool, method string, args map[string]any) (json.RawMessage, error)
	// Rollup summarizes server health for the readiness rollup.
	Rollup() transport.HealthReport
	// ServerStates lists per-server status for the ops surface.
	ServerStates() []transport.ServerStatus
	// Shutdown closes every server in reverse start order.
	Shutdown()
}

// Config wires the orchestrator's collaborators. Every field is required.
type Config struct {
	Policies   *policy.Store
	Sessions   *session.Registry
	Ledgers    *ledger.Manager
	Rewriter   *rewrite.Engine
	Transports Dispatcher
	Metrics    *metrics.Metrics
	Alerts     *metrics.AlertCenter
}

// Broker is the orchestrator.
type Broker struct {
	policies   *policy.Store
	sessions   *session.Registry
	ledgers    *ledger.Manager
	rewriter   *rewrite.Engine
	transports Dispatcher
	metrics    *metrics.Metrics
	alerts     *metrics.AlertCenter

	// fatal latches a failed init component; the health rollup reports
	// failed while it is set.
	fatal atomic.Bool
}

// New builds the orchestrator and hooks the ledger's band events into the
// metrics and alerting pipeline.
func New(cfg Config) (*Broker, error) {
	if cfg.Policies == nil || cfg.Sessions == nil || cfg.Ledgers == nil ||
		cfg.Rewriter == nil || cfg.Transports == nil || cfg.Metrics == nil || cfg.Alerts == nil {
		return nil, types.NewError(types.ErrInternal, "broker config is missing a collaborator")
	}
	b := &Broker{
		policies:   cfg.Policies,
		sessions:   cfg.Sessions,
		ledgers:    cfg.Ledgers,
		rewriter:   cfg.Rewriter,
		transports: cfg.Transports,
		metrics:    cfg.Metrics,
		alerts:     cfg.Alerts,
	}
	cfg.Ledgers.SetBandHook(b.onBand)
	b.alerts.SetGentle(cfg.Policies.Current().Features().GentleAlerts)
	return b, nil
}

// onBand translates ledger band transitions into budget-warning counters and
// standing alerts. Runs outside ledger locks.
func (b *Broker) onBand(sessionID, role string, tr ledger.BandTransition, snap ledger.Snapshot) {
	b.metrics.BudgetWarning(role, tr.To.String())
	if tr.To < ledger.BandWarning {
		return
	}
	sev := metrics.SeverityWarning
	switch tr.To {
	case ledger.BandCritical:
		sev = metrics.SeverityError
	case ledger.BandExceeded:
		sev = metrics.SeverityCritical
	}
	b.alerts.Raise("budget-"+sessionID, sev,
		fmt.Sprintf("session %s entered %s band (%d of %d tokens)", sessionID, tr.To, snap.Used, snap.TotalBudget))
}

// CallTool is the hot path. The order is fixed: session admission (which
// covers resolution, touch, and the mounted-tool check), breaker gate,
// rewrite under the current ledger status, transport dispatch, then ledger
// and metric accounting. Panics anywhere in the pipeline surface as Internal
// with a correlation id rather than tearing the process down.
func (b *Broker) CallTool(ctx context.Context, call types.ToolCall) (resp types.ToolResponse) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e := types.Internal(fmt.Sprintf("call pipeline panicked: %v", r), nil)
			logging.BrokerError("panic in %s.%s for session %s [%s]: %v",
				call.Tool, call.Method, call.SessionID, e.CorrelationID, r)
			b.metrics.CallError(call.Tool, call.Method, types.ErrInternal)
			resp = types.ToolResponse{OK: false, Err: e, ElapsedMs: time.Since(started).Milliseconds()}
		}
	}()

	role, err := b.sessions.BeginCall(ctx, call.SessionID, call.Tool)
	if err != nil {
		return b.fail(call, nil, started, err)
	}
	defer b.sessions.EndCall(call.SessionID, call.Tool)

	if err := b.transports.Available(call.Tool); err != nil {
		return b.fail(call, nil, started, err)
	}

	led, err := b.ledgers.Status(call.SessionID)
	if err != nil {
		return b.fail(call, nil, started, err)
	}
	snap := b.policies.Current()
	res := b.rewriter.Rewrite(snap, rewrite.Context{
		SessionID: call.SessionID,
		Role:      role,
		Band:      led.Band,
		Available: led.Available,
		Remaining: led.Remaining,
	}, call)
	for _, opt := range res.Optimizations {
		b.metrics.Optimization(call.Tool, opt.Kind)
	}
	if res.Denied {
		e := types.Errorf(types.ErrBudgetExceeded,
			"%s.%s estimated at %d tokens with %d remaining", call.Tool, call.Method, res.Estimate, led.Remaining)
		e.Shortage = res.Estimate - led.Remaining
		return b.fail(call, res.Optimizations, started, e)
	}

	dispatched := time.Now()
	raw, err := b.transports.Call(ctx, call.Tool, call.Method, res.Call.Args)
	if err != nil {
		return b.fail(call, res.Optimizations, started, err)
	}
	if server, ok := snap.ToolServer(call.Tool); ok {
		b.metrics.ObserveServerResponse(server, time.Since(dispatched))
	}

	consumed := TokenEstimate(raw)
	if _, err := b.ledgers.Record(types.UsageRecord{
		At:           time.Now(),
		SessionID:    call.SessionID,
		Role:         role,
		Tool:         call.Tool,
		Method:       call.Method,
		Consumed:     consumed,
		Estimated:    res.Estimate,
		RewriteFired: rewriteFired(res.Optimizations),
		Saved:        savings(res.Optimizations),
	}); err != nil {
		logging.BrokerWarn("session %s: usage record for %s.%s not accounted: %v",
			call.SessionID, call.Tool, call.Method, err)
	}

	elapsed := time.Since(started)
	b.metrics.ObserveCall(role, call.Tool, call.Method, elapsed, consumed)
	if st, err := b.ledgers.Status(call.SessionID); err == nil && st.TotalBudget > 0 {
		b.metrics.SetLedgerUsage(call.SessionID, float64(st.Used)/float64(st.TotalBudget))
	}

	return types.ToolResponse{
		OK:            true,
		Result:        raw,
		Optimizations: res.Optimizations,
		TokensUsed:    consumed,
		ElapsedMs:     elapsed.Milliseconds(),
	}
}

// fail builds the error response, applying the policy's gentle message at
// the boundary and counting the error kind.
func (b *Broker) fail(call types.ToolCall, opts []types.Optimization, started time.Time, err error) types.ToolResponse {
	e := b.surface(err)
	b.metrics.CallError(call.Tool, call.Method, e.Kind)

	switch e.Kind {
	case types.ErrAccessDenied, types.ErrBudgetExceeded, types.ErrNoSuchSession:
		logging.BrokerDebug("session %s: %s.%s rejected: %v", call.SessionID, call.Tool, call.Method, e)
	case types.ErrInternal:
		logging.BrokerError("session %s: %s.%s failed [%s]: %v", call.SessionID, call.Tool, call.Method, e.CorrelationID, e)
	default:
		logging.BrokerWarn("session %s: %s.%s failed: %v", call.SessionID, call.Tool, call.Method, e)
	}

	return types.ToolResponse{
		OK:            false,
		Err:           e,
		Optimizations: opts,
		ElapsedMs:     time.Since(started).Milliseconds(),
	}
}

// surface classifies err and swaps in the deployment's gentle message. The
// returned error is a copy; callers up the stack may hold the original.
func (b *Broker) surface(err error) *types.Error {
	e, ok := types.AsError(err)
	if !ok {
		e = types.Internal("unclassified failure", err)
		logging.BrokerError("untyped error surfaced [%s]: %v", e.CorrelationID, err)
	}
	out := *e
	out.Message = b.policies.Current().GentleMessage(out.Kind)
	return &out
}

// TokenEstimate approximates consumption from the response body. Four bytes
// per token tracks English-heavy JSON closely enough for budget accounting.
func TokenEstimate(raw json.RawMessage) int {
	n := len(raw) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// rewriteFired reports whether the rewrite actually edited the call, as
// opposed to only advising.
func rewriteFired(opts []types.Optimization) bool {
	for _, o := range opts {
		switch o.Kind {
		case types.OptTrimResults, types.OptReduceScope:
			return true
		}
	}
	return false
}

func savings(opts []types.Optimization) int {
	total := 0
	for _, o := range opts {
		if o.Kind == types.OptTrimResults || o.Kind == types.OptReduceScope {
			total += o.EstimatedSavings
		}
	}
	return total
}
