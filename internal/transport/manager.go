package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/types"
)

const (
	// defaultStartupTimeout bounds a server start when the policy does not
	// declare one.
	defaultStartupTimeout = 30 * time.Second

	// startupPollInterval paces the health probe loop during startup.
	startupPollInterval = 250 * time.Millisecond

	// maxRecoveryFailures is how many consecutive recovery attempts may fail
	// before the server is parked until someone restarts it by hand.
	maxRecoveryFailures = 3
)

// ServerState is the manager's view of one server's lifecycle.
type ServerState string

const (
	ServerStarting ServerState = "starting"
	ServerReady    ServerState = "ready"
	ServerDegraded ServerState = "degraded"
	ServerFailed   ServerState = "failed"
)

// managedServer pairs a connection with its lifecycle bookkeeping. The
// embedded mutex guards the state fields only; it is never held across
// transport I/O.
type managedServer struct {
	name        string
	spec        policy.ServerSpec
	conn        *Connection
	callTimeout time.Duration

	mu            sync.Mutex
	state         ServerState
	recoveryFails int
	lastHealthy   time.Time
	startErr      error
}

func (s *managedServer) setState(st ServerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *managedServer) currentState() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager owns every upstream server connection. Topology is fixed at
// construction from the boot policy snapshot; policy reloads change rules and
// budgets but never the server set of a running broker.
type Manager struct {
	servers map[string]*managedServer
	byTool  map[string]string

	hardReset time.Duration

	refMu sync.Mutex
	refs  map[string]int

	startMu    sync.Mutex
	startOrder []string
}

// NewManager builds connections for every server the snapshot declares.
// Nothing is dialed until StartAll.
func NewManager(snap *policy.Snapshot, hook StateHook) (*Manager, error) {
	broker := snap.Broker()
	m := &Manager{
		servers:   make(map[string]*managedServer),
		byTool:    make(map[string]string),
		hardReset: broker.BreakerHardReset(),
		refs:      make(map[string]int),
	}
	for _, name := range snap.ServerNames() {
		spec, _ := snap.Server(name)
		t, err := newTransport(name, spec)
		if err != nil {
			return nil, err
		}
		maxInFlight := spec.MaxInFlight
		if maxInFlight == 0 {
			maxInFlight = broker.MaxInFlightPerServer
		}
		conn := NewConnection(name, t, ConnectionConfig{
			FailureThreshold: broker.BreakerFailureThreshold,
			RecoveryTimeout:  broker.BreakerRecovery(),
			MaxInFlight:      maxInFlight,
			OnStateChange:    hook,
		})
		callTimeout := broker.ToolTimeout()
		if spec.ToolTimeoutSeconds > 0 {
			callTimeout = time.Duration(spec.ToolTimeoutSeconds) * time.Second
		}
		m.servers[name] = &managedServer{
			name:        name,
			spec:        spec,
			conn:        conn,
			callTimeout: callTimeout,
			state:       ServerStarting,
		}
		for _, tool := range spec.Tools {
			m.byTool[tool] = name
		}
	}
	return m, nil
}

// newTransport builds the raw transport for one server spec.
func newTransport(name string, spec policy.ServerSpec) (Transport, error) {
	switch spec.Transport {
	case "stdio":
		return NewStdioTransport(name, spec.Command, spec.Workdir, spec.Env), nil
	case "http":
		return NewHTTPTransport(name, spec.BaseURL, spec.HealthPath, spec.AuthEnv), nil
	case "stream":
		ping := time.Duration(spec.PingIntervalSeconds) * time.Second
		return NewStreamTransport(name, spec.URL, ping), nil
	default:
		return nil, types.Errorf(types.ErrPolicyInvalid, "server %s: unknown transport %q", name, spec.Transport)
	}
}

func startupTimeout(spec policy.ServerSpec) time.Duration {
	if spec.StartupTimeoutSeconds > 0 {
		return time.Duration(spec.StartupTimeoutSeconds) * time.Second
	}
	return defaultStartupTimeout
}

// StartAll brings every server up, cheapest declared startup first. A failed
// start is recorded on the server and does not abort the rest of the
// sequence.
func (m *Manager) StartAll(ctx context.Context) {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := startupTimeout(m.servers[names[i]].spec), startupTimeout(m.servers[names[j]].spec)
		if ti != tj {
			return ti < tj
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		s := m.servers[name]
		m.startMu.Lock()
		m.startOrder = append(m.startOrder, name)
		m.startMu.Unlock()

		if err := m.startServer(ctx, s); err != nil {
			s.mu.Lock()
			s.state = ServerDegraded
			s.startErr = err
			s.mu.Unlock()
			logging.TransportError("server %s failed to start: %v", name, err)
			continue
		}
		logging.Transport("server %s ready (%s)", name, s.conn.Kind())
	}
}

// startServer connects and then polls health until success or the declared
// startup timeout.
func (m *Manager) startServer(ctx context.Context, s *managedServer) error {
	timer := logging.StartTimer(logging.CategoryTransport, "start "+s.name)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, startupTimeout(s.spec))
	defer cancel()

	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	for {
		if err := s.conn.HealthCheck(ctx); err == nil {
			s.mu.Lock()
			s.state = ServerReady
			s.lastHealthy = time.Now()
			s.startErr = nil
			s.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return types.Errorf(types.ErrTimeout, "server %s did not become healthy in time", s.name)
		case <-time.After(startupPollInterval):
		}
	}
}

// Call routes one tool call to its server under the per-call deadline.
func (m *Manager) Call(ctx context.Context, tool, method string, args map[string]any) (json.RawMessage, error) {
	s, err := m.serverForTool(tool)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryTransport, "call "+tool+"."+method)
	defer timer.Stop()
	return s.conn.Call(ctx, method, args)
}

// Available reports whether a call for this tool would be admitted. The
// orchestrator consults this before spending rewrite work on the call.
func (m *Manager) Available(tool string) error {
	s, err := m.serverForTool(tool)
	if err != nil {
		return err
	}
	if s.currentState() == ServerFailed {
		return types.Errorf(types.ErrServerUnavailable, "server %s is down pending a manual restart", s.name)
	}
	return s.conn.Available()
}

func (m *Manager) serverForTool(tool string) (*managedServer, error) {
	name, ok := m.byTool[tool]
	if !ok {
		return nil, types.Errorf(types.ErrServerUnavailable, "no server hosts tool %s", tool)
	}
	return m.servers[name], nil
}

// EnsureReady pins the servers behind a tool set before a role mounts them.
// Validation happens first so a failed tool leaves no refcounts behind.
func (m *Manager) EnsureReady(ctx context.Context, tools []string) error {
	for _, tool := range tools {
		s, err := m.serverForTool(tool)
		if err != nil {
			return err
		}
		if s.currentState() == ServerFailed {
			return types.Errorf(types.ErrServerUnavailable, "tool %s needs server %s, which is down pending a manual restart", tool, s.name)
		}
	}
	m.refMu.Lock()
	for _, tool := range tools {
		m.refs[tool]++
	}
	m.refMu.Unlock()
	return nil
}

// Release drops the pins EnsureReady took. Servers stay up at zero pins;
// stopping and relaunching child processes on every role switch would make
// switching back painfully slow.
func (m *Manager) Release(tools []string) {
	m.refMu.Lock()
	for _, tool := range tools {
		if m.refs[tool] > 0 {
			m.refs[tool]--
		}
	}
	m.refMu.Unlock()
}

// ToolRefs reports the current pin count for a tool.
func (m *Manager) ToolRefs(tool string) int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.refs[tool]
}

// HealthPass checks every server once and drives recovery. Failed health or
// a breaker stuck open past the hard-reset window tears the connection down
// and re-runs startup. Servers that fail recovery enough times in a row are
// parked until Restart.
func (m *Manager) HealthPass(ctx context.Context) HealthReport {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, s := range m.servers {
		s := s
		eg.Go(func() error {
			m.checkServer(egCtx, s)
			return nil
		})
	}
	_ = eg.Wait()
	return m.Rollup()
}

func (m *Manager) checkServer(ctx context.Context, s *managedServer) {
	if s.currentState() == ServerFailed {
		return
	}

	stuckOpen := false
	if since := s.conn.OpenSince(); !since.IsZero() && time.Since(since) > m.hardReset {
		stuckOpen = true
	}

	err := s.conn.HealthCheck(ctx)
	if err == nil && !stuckOpen {
		// The probe can pass against a transport an earlier failed recovery
		// left closed (http probes bypass connection state), so finish the
		// reconnect before reporting ready.
		if err = s.conn.Connect(ctx); err == nil {
			s.mu.Lock()
			s.state = ServerReady
			s.recoveryFails = 0
			s.lastHealthy = time.Now()
			s.mu.Unlock()
			return
		}
	}

	if stuckOpen {
		logging.TransportWarn("server %s breaker stuck open for %s, forcing restart", s.name, time.Since(s.conn.OpenSince()).Round(time.Second))
	} else {
		logging.TransportWarn("server %s failed health check: %v", s.name, err)
	}
	s.setState(ServerDegraded)
	m.recoverServer(ctx, s)
}

// recoverServer tears the connection down and re-runs startup.
func (m *Manager) recoverServer(ctx context.Context, s *managedServer) {
	if err := s.conn.Close(); err != nil {
		logging.TransportDebug("server %s close during recovery: %v", s.name, err)
	}
	if err := m.startServer(ctx, s); err != nil {
		s.mu.Lock()
		s.recoveryFails++
		fails := s.recoveryFails
		if fails >= maxRecoveryFailures {
			s.state = ServerFailed
		}
		s.mu.Unlock()
		if fails >= maxRecoveryFailures {
			logging.TransportError("server %s failed %d recoveries in a row, parked until manual restart", s.name, fails)
		} else {
			logging.TransportWarn("server %s recovery attempt %d failed: %v", s.name, fails, err)
		}
		return
	}
	s.mu.Lock()
	s.recoveryFails = 0
	s.mu.Unlock()
	logging.Transport("server %s recovered", s.name)
}

// Restart is the manual intervention path for a parked server.
func (m *Manager) Restart(ctx context.Context, name string) error {
	s, ok := m.servers[name]
	if !ok {
		return types.Errorf(types.ErrServerUnavailable, "no server named %s", name)
	}
	s.mu.Lock()
	s.recoveryFails = 0
	s.state = ServerStarting
	s.mu.Unlock()
	if err := s.conn.Close(); err != nil {
		logging.TransportDebug("server %s close before restart: %v", name, err)
	}
	if err := m.startServer(ctx, s); err != nil {
		s.setState(ServerDegraded)
		return err
	}
	logging.Transport("server %s restarted", name)
	return nil
}

// HealthReport is the rollup the readiness probe and ops surface consume.
// Parked servers are excluded from the ratio; they already fired alerts and
// need a human, so they should not pin readiness at failed forever.
type HealthReport struct {
	Healthy int
	Total   int
	Overall float64
}

// Rollup computes the healthy fraction across non-parked servers.
func (m *Manager) Rollup() HealthReport {
	var rep HealthReport
	for _, s := range m.servers {
		st := s.currentState()
		if st == ServerFailed {
			continue
		}
		rep.Total++
		if st == ServerReady {
			rep.Healthy++
		}
	}
	if rep.Total == 0 {
		rep.Overall = 1.0
		return rep
	}
	rep.Overall = float64(rep.Healthy) / float64(rep.Total)
	return rep
}

// ServerStatus is a point-in-time view of one server for the ops surface.
type ServerStatus struct {
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	State       ServerState   `json:"state"`
	Breaker     string        `json:"breaker"`
	OpenSince   time.Time     `json:"open_since"`
	LastHealthy time.Time     `json:"last_healthy"`
	Calls       uint64        `json:"calls"`
	Failures    uint64        `json:"failures"`
	AvgResponse time.Duration `json:"avg_response_ns"`
}

// ServerStates lists every server's status, sorted by name.
func (m *Manager) ServerStates() []ServerStatus {
	out := make([]ServerStatus, 0, len(m.servers))
	for _, s := range m.servers {
		stats := s.conn.Stats()
		s.mu.Lock()
		st := ServerStatus{
			Name:        s.name,
			Kind:        s.conn.Kind(),
			State:       s.state,
			Breaker:     breakerLabel(s.conn.State()),
			OpenSince:   s.conn.OpenSince(),
			LastHealthy: s.lastHealthy,
			Calls:       stats.Calls,
			Failures:    stats.Failures,
			AvgResponse: stats.AvgResponse,
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func breakerLabel(st gobreaker.State) string {
	switch st {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Shutdown closes every server in reverse start order.
func (m *Manager) Shutdown() {
	m.startMu.Lock()
	order := make([]string, len(m.startOrder))
	copy(order, m.startOrder)
	m.startMu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		s := m.servers[order[i]]
		if err := s.conn.Close(); err != nil {
			logging.TransportWarn("server %s shutdown: %v", s.name, err)
		}
		s.setState(ServerStarting)
	}
	logging.Transport("all servers shut down")
}
