package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metamcp/internal/policy"
	"metamcp/internal/types"
)

// rpcBackend speaks just enough JSON-RPC over HTTP for the manager: GET
// /health answers 200, POST /tools/{method} echoes the method back.
func rpcBackend(t *testing.T, onHealth func()) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			if onHealth != nil {
				onHealth()
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/tools/")
		resp := rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"echo":"` + method + `"}`),
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func managerSnap(t *testing.T, servers map[string]policy.ServerSpec) *policy.Snapshot {
	t.Helper()
	doc := policy.Document{
		Broker: policy.BrokerConfig{HardCap: 100000},
		Profiles: map[string]policy.Profile{
			"developer": {Description: "dev", TokenBudget: 20000},
		},
		Servers: servers,
	}
	store, err := policy.FromDocument(doc)
	require.NoError(t, err)
	return store.Current()
}

func TestStartAllOrdersByDeclaredStartupTimeout(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	record := func(tag string) func() {
		return func() {
			mu.Lock()
			hits = append(hits, tag)
			mu.Unlock()
		}
	}

	fast := rpcBackend(t, record("fast"))
	defer fast.Close()
	slow := rpcBackend(t, record("slow"))
	defer slow.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"slow": {Transport: "http", BaseURL: slow.URL, StartupTimeoutSeconds: 20, Tools: []string{"web-search"}},
		"fast": {Transport: "http", BaseURL: fast.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, hits)
	require.Equal(t, "fast", hits[0], "the server with the cheaper startup budget starts first")
	// Startup is sequential, so every fast hit precedes every slow hit.
	sawSlow := false
	for _, h := range hits {
		if h == "slow" {
			sawSlow = true
		} else if sawSlow {
			t.Fatalf("fast hit after slow started: %v", hits)
		}
	}

	rep := m.Rollup()
	require.Equal(t, 2, rep.Healthy)
	require.Equal(t, 2, rep.Total)
	require.Equal(t, 1.0, rep.Overall)
}

func TestStartAllRecordsFailedStartsAndContinues(t *testing.T) {
	good := rpcBackend(t, nil)
	defer good.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"good": {Transport: "http", BaseURL: good.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai"}},
		"dead": {Transport: "http", BaseURL: "http://" + unusedAddr(t), StartupTimeoutSeconds: 1, Tools: []string{"web-search"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	states := map[string]ServerState{}
	for _, st := range m.ServerStates() {
		states[st.Name] = st.State
	}
	require.Equal(t, ServerReady, states["good"])
	require.Equal(t, ServerDegraded, states["dead"])

	rep := m.Rollup()
	require.Equal(t, 1, rep.Healthy)
	require.Equal(t, 2, rep.Total)
	require.InDelta(t, 0.5, rep.Overall, 1e-9)
}

func TestCallRoutesToolToItsServer(t *testing.T) {
	backend := rpcBackend(t, nil)
	defer backend.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: backend.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	require.NoError(t, m.Available("task-master-ai"))

	result, err := m.Call(context.Background(), "task-master-ai", "list_tasks", map[string]any{"limit": 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":"list_tasks"}`, string(result))
}

func TestCallUnknownToolIsUnavailable(t *testing.T) {
	backend := rpcBackend(t, nil)
	defer backend.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: backend.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	_, err = m.Call(context.Background(), "ghost", "anything", nil)
	require.Equal(t, types.ErrServerUnavailable, types.KindOf(err))
	require.Equal(t, types.ErrServerUnavailable, types.KindOf(m.Available("ghost")))
}

func TestCallHonorsCallerDeadline(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: slow.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Call(ctx, "task-master-ai", "list_tasks", nil)
	require.Equal(t, types.ErrTimeout, types.KindOf(err))
}

func TestEnsureReadyIsAtomic(t *testing.T) {
	backend := rpcBackend(t, nil)
	defer backend.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: backend.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai", "scratchpad"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	err = m.EnsureReady(context.Background(), []string{"task-master-ai", "ghost"})
	require.Equal(t, types.ErrServerUnavailable, types.KindOf(err))
	require.Equal(t, 0, m.ToolRefs("task-master-ai"), "a failed EnsureReady must not leave pins behind")

	require.NoError(t, m.EnsureReady(context.Background(), []string{"task-master-ai", "scratchpad"}))
	require.NoError(t, m.EnsureReady(context.Background(), []string{"task-master-ai"}))
	require.Equal(t, 2, m.ToolRefs("task-master-ai"))
	require.Equal(t, 1, m.ToolRefs("scratchpad"))

	m.Release([]string{"task-master-ai"})
	require.Equal(t, 1, m.ToolRefs("task-master-ai"))
	m.Release([]string{"task-master-ai", "task-master-ai"})
	require.Equal(t, 0, m.ToolRefs("task-master-ai"), "release floors at zero")
}

func TestEnsureReadyRejectsParkedServer(t *testing.T) {
	backend := rpcBackend(t, nil)
	defer backend.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: backend.URL, StartupTimeoutSeconds: 5, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	m.servers["alpha"].setState(ServerFailed)

	err = m.EnsureReady(context.Background(), []string{"task-master-ai"})
	require.Equal(t, types.ErrServerUnavailable, types.KindOf(err))
	require.Equal(t, types.ErrServerUnavailable, types.KindOf(m.Available("task-master-ai")))
}

func TestHealthPassRestartsUnhealthyServer(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			if healthy.Load() {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: backend.URL, StartupTimeoutSeconds: 1, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	s := m.servers["alpha"]
	require.Equal(t, ServerReady, s.currentState())

	// Server goes unhealthy: the pass tries a restart, which also fails.
	healthy.Store(false)
	m.HealthPass(context.Background())
	require.Equal(t, ServerDegraded, s.currentState())

	// Server heals: the next pass brings it back without intervention.
	healthy.Store(true)
	m.HealthPass(context.Background())
	require.Equal(t, ServerReady, s.currentState())

	rep := m.Rollup()
	require.Equal(t, 1, rep.Healthy)
	require.Equal(t, 1, rep.Total)
}

func TestRepeatedRecoveryFailuresParkServer(t *testing.T) {
	backend := rpcBackend(t, nil)
	defer backend.Close()

	snap := managerSnap(t, map[string]policy.ServerSpec{
		"alpha": {Transport: "http", BaseURL: backend.URL, StartupTimeoutSeconds: 1, Tools: []string{"task-master-ai"}},
	})
	m, err := NewManager(snap, nil)
	require.NoError(t, err)
	m.StartAll(context.Background())
	defer m.Shutdown()

	s := m.servers["alpha"]

	// A dead context makes every recovery attempt fail immediately.
	dead, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < maxRecoveryFailures; i++ {
		m.recoverServer(dead, s)
	}
	require.Equal(t, ServerFailed, s.currentState())

	// Parked servers drop out of the rollup and the health pass skips them.
	rep := m.Rollup()
	require.Equal(t, 0, rep.Total)
	require.Equal(t, 1.0, rep.Overall)
	m.HealthPass(context.Background())
	require.Equal(t, ServerFailed, s.currentState())

	_, err = m.Call(context.Background(), "task-master-ai", "list_tasks", nil)
	require.Error(t, err)

	// Manual restart is the way back.
	require.NoError(t, m.Restart(context.Background(), "alpha"))
	require.Equal(t, ServerReady, s.currentState())
	require.NoError(t, m.Available("task-master-ai"))

	rep = m.Rollup()
	require.Equal(t, 1, rep.Healthy)
	require.Equal(t, 1, rep.Total)
}

// orderedCloser records the order Close is called across transports.
type orderedCloser struct {
	fakeTransport
	name    string
	onClose func(string)
}

func (o *orderedCloser) Close() error {
	o.onClose(o.name)
	return nil
}

func TestShutdownClosesInReverseStartOrder(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	record := func(name string) {
		mu.Lock()
		closed = append(closed, name)
		mu.Unlock()
	}

	mk := func(name string) *managedServer {
		tr := &orderedCloser{name: name, onClose: record}
		return &managedServer{
			name:  name,
			conn:  NewConnection(name, tr, ConnectionConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute, MaxInFlight: 4}),
			state: ServerReady,
		}
	}

	m := &Manager{
		servers:    map[string]*managedServer{"a": mk("a"), "b": mk("b"), "c": mk("c")},
		byTool:     map[string]string{},
		refs:       map[string]int{},
		startOrder: []string{"a", "b", "c"},
	}
	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"c", "b", "a"}, closed)
}
