package session

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"metamcp/internal/ledger"
	"metamcp/internal/policy"
	"metamcp/internal/store"
	"metamcp/internal/types"
)

// fakeClock is a hand-cranked clock shared by a test's registry and
// assertions.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeMounts records EnsureReady and Release traffic. Set block to park
// EnsureReady until the channel closes; set fail to make it error.
type fakeMounts struct {
	mu       sync.Mutex
	ready    [][]string
	released []string
	fail     error
	block    chan struct{}
	began    chan struct{}
}

func (f *fakeMounts) EnsureReady(ctx context.Context, tools []string) error {
	f.mu.Lock()
	block := f.block
	fail := f.fail
	if f.began != nil {
		select {
		case f.began <- struct{}{}:
		default:
		}
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return types.WrapError(types.ErrTransport, "tool mount canceled", ctx.Err())
		}
	}
	if fail != nil {
		return fail
	}
	cp := append([]string(nil), tools...)
	sort.Strings(cp)
	f.mu.Lock()
	f.ready = append(f.ready, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeMounts) Release(tools []string) {
	f.mu.Lock()
	f.released = append(f.released, tools...)
	f.mu.Unlock()
}

func (f *fakeMounts) readyCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.ready))
	copy(out, f.ready)
	return out
}

func (f *fakeMounts) releasedAll() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.released...)
	sort.Strings(out)
	return out
}

func (f *fakeMounts) setBlock(ch chan struct{}) {
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
}

func (f *fakeMounts) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

// testPolicy builds a three-role world: planning (low) and coding (medium)
// flow into each other naturally, architecture (high) sits two complexity
// steps above planning. Planning carries one instant escalation and one
// that needs approval.
func testPolicy(t *testing.T) *policy.Store {
	t.Helper()
	doc := policy.Document{
		Profiles: map[string]policy.Profile{
			"planning": {
				Description:           "break the work into steps",
				DefaultTools:          []string{"task-master-ai.list_tasks", "task-master-ai.next_task"},
				TokenBudget:           30000,
				Complexity:            "low",
				NaturalTransitions:    []string{"coding"},
				AutoCheckpointMinutes: 10,
				EscalationTriggers: map[string]policy.Escalation{
					"deep-research": {
						AdditionalTools:    []string{"context7.resolve_library"},
						MaxDurationMinutes: 30,
					},
					"prod-incident": {
						AdditionalTools:    []string{"github.create_issue"},
						MaxDurationMinutes: 15,
						RequiresApproval:   true,
					},
				},
			},
			"coding": {
				Description:        "write the code",
				DefaultTools:       []string{"github.create_issue", "task-master-ai.list_tasks"},
				TokenBudget:        80000,
				Complexity:         "medium",
				NaturalTransitions: []string{"planning"},
			},
			"architecture": {
				Description:  "system design",
				DefaultTools: []string{"context7.resolve_library"},
				TokenBudget:  120000,
				Complexity:   "high",
			},
		},
		Servers: map[string]policy.ServerSpec{
			"task-master-ai": {
				Transport: "stdio",
				Command:   "task-master serve",
				Tools:     []string{"task-master-ai.list_tasks", "task-master-ai.next_task"},
			},
			"context7": {
				Transport: "http",
				BaseURL:   "http://127.0.0.1:7801",
				Tools:     []string{"context7.resolve_library"},
			},
			"github": {
				Transport: "stream",
				URL:       "ws://127.0.0.1:7802/rpc",
				Tools:     []string{"github.create_issue"},
			},
		},
	}
	st, err := policy.FromDocument(doc)
	require.NoError(t, err)
	return st
}

type harness struct {
	reg     *Registry
	mounts  *fakeMounts
	ledgers *ledger.Manager
	files   *store.FileStore
	mirror  *store.CheckpointLog
	clock   *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAt(t, t.TempDir())
}

func newHarnessAt(t *testing.T, dir string) *harness {
	t.Helper()
	files, err := store.NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	mirror, err := store.NewCheckpointLog(filepath.Join(dir, "checkpoints.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { mirror.Close() })

	mounts := &fakeMounts{}
	ledgers := ledger.NewManager(nil)
	reg, err := NewRegistry(Config{
		Policies: testPolicy(t),
		Mounts:   mounts,
		Ledgers:  ledgers,
		Store:    files,
		Mirror:   mirror,
	})
	require.NoError(t, err)
	clock := newFakeClock()
	reg.now = clock.Now
	return &harness{reg: reg, mounts: mounts, ledgers: ledgers, files: files, mirror: mirror, clock: clock}
}

func (h *harness) admit(t *testing.T, role string) State {
	t.Helper()
	st, err := h.reg.Admit(context.Background(), "", Preferences{InitialRole: role})
	require.NoError(t, err)
	return st
}

func kindOf(t *testing.T, err error) types.ErrKind {
	t.Helper()
	require.Error(t, err)
	return types.KindOf(err)
}

func TestAdmitMountsInitialRoleDefaults(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "planning")

	assert.NotEmpty(t, st.ID)
	assert.Equal(t, "planning", st.Role)
	assert.Equal(t, []string{"task-master-ai.list_tasks", "task-master-ai.next_task"}, st.Mounted)
	assert.Equal(t, types.EscalationNone, st.Escalation.Status)

	calls := h.mounts.readyCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"task-master-ai.list_tasks", "task-master-ai.next_task"}, calls[0])

	led, err := h.ledgers.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 30000, led.TotalBudget)

	saved, err := h.files.Load(st.ID)
	require.NoError(t, err)
	assert.Equal(t, "planning", saved.Role)
	assert.Equal(t, st.Mounted, saved.Mounted)
}

func TestAdmitIsIdempotentPerID(t *testing.T) {
	h := newHarness(t)
	first, err := h.reg.Admit(context.Background(), "focus-1", Preferences{InitialRole: "planning"})
	require.NoError(t, err)

	again, err := h.reg.Admit(context.Background(), "focus-1", Preferences{InitialRole: "coding"})
	require.NoError(t, err)
	assert.Equal(t, first.Role, again.Role)
	assert.Len(t, h.mounts.readyCalls(), 1)
	assert.Equal(t, 1, h.reg.Count())
}

func TestAdmitUnknownRole(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Admit(context.Background(), "s1", Preferences{InitialRole: "daydreaming"})
	assert.Equal(t, types.ErrRoleNotFound, kindOf(t, err))
	assert.Empty(t, h.mounts.readyCalls())

	_, err = h.reg.Get("s1")
	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, err))
}

func TestAdmitWithoutRoleCannotCallTools(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "")
	assert.Empty(t, st.Mounted)

	_, err := h.reg.BeginCall(context.Background(), st.ID, "task-master-ai.list_tasks")
	assert.Equal(t, types.ErrAccessDenied, kindOf(t, err))
}

func TestBeginCallChecksMountedSet(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "planning")

	_, err := h.reg.BeginCall(context.Background(), st.ID, "github.create_issue")
	assert.Equal(t, types.ErrAccessDenied, kindOf(t, err))

	current, err := h.reg.BeginCall(context.Background(), st.ID, "task-master-ai.list_tasks")
	require.NoError(t, err)
	assert.Equal(t, "planning", current)
	h.reg.EndCall(st.ID, "task-master-ai.list_tasks")

	_, err = h.reg.BeginCall(context.Background(), "ghost", "task-master-ai.list_tasks")
	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, err))
}

func TestBeginCallTouchesActivity(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "planning")
	admitted := st.LastActivity

	h.clock.Advance(5 * time.Minute)
	_, err := h.reg.BeginCall(context.Background(), st.ID, "task-master-ai.next_task")
	require.NoError(t, err)
	h.reg.EndCall(st.ID, "task-master-ai.next_task")

	after, err := h.reg.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, admitted.Add(5*time.Minute), after.LastActivity)
}

func TestTouchOnlyMovesForward(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "planning")

	h.clock.Advance(time.Minute)
	require.NoError(t, h.reg.Touch(st.ID))
	after, err := h.reg.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.LastActivity.Add(time.Minute), after.LastActivity)

	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, h.reg.Touch("ghost")))
}

func TestCloseReleasesToolsAndForgetsSession(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "planning")

	require.NoError(t, h.reg.Close(context.Background(), st.ID, types.CheckpointPayload{Focus: "done for today"}))

	_, err := h.reg.Get(st.ID)
	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, err))
	assert.Equal(t, []string{"task-master-ai.list_tasks", "task-master-ai.next_task"}, h.mounts.releasedAll())

	_, err = h.ledgers.Status(st.ID)
	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, err))
	_, err = h.files.Load(st.ID)
	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, err))

	tail, err := h.mirror.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, types.CheckpointSessionEnd, tail[0].Kind)
	assert.Equal(t, "done for today", tail[0].Payload.Focus)

	assert.Equal(t, types.ErrNoSuchSession, kindOf(t, h.reg.Close(context.Background(), st.ID, types.CheckpointPayload{})))
}

func TestRoleSwitchDefersReleaseOfInFlightTool(t *testing.T) {
	h := newHarness(t)
	st := h.admit(t, "coding")

	_, err := h.reg.BeginCall(context.Background(), st.ID, "github.create_issue")
	require.NoError(t, err)

	res, err := h.reg.SwitchRole(context.Background(), st.ID, "planning", types.CheckpointPayload{})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-master-ai.next_task"}, res.Added)
	assert.Equal(t, []string{"github.create_issue"}, res.Removed)
	assert.Equal(t, []string{"task-master-ai.list_tasks", "task-master-ai.next_task"}, res.Mounted)

	// The in-flight call keeps its server pin; nothing released yet.
	assert.Empty(t, h.mounts.releasedAll())

	// New calls to the unmounted tool are refused while the old one runs.
	_, err = h.reg.BeginCall(context.Background(), st.ID, "github.create_issue")
	assert.Equal(t, types.ErrAccessDenied, kindOf(t, err))

	h.reg.EndCall(st.ID, "github.create_issue")
	assert.Equal(t, []string{"github.create_issue"}, h.mounts.releasedAll())
}

func TestSwitchBlocksAdmissionsUntilComplete(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	st := h.admit(t, "planning")

	block := make(chan struct{})
	h.mounts.mu.Lock()
	h.mounts.began = make(chan struct{}, 4)
	h.mounts.mu.Unlock()
	h.mounts.setBlock(block)

	done := make(chan error, 1)
	go func() {
		_, err := h.reg.SwitchRole(context.Background(), st.ID, "coding", types.CheckpointPayload{})
		done <- err
	}()
	<-h.mounts.began

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.reg.BeginCall(ctx, st.ID, "task-master-ai.list_tasks")
	assert.Equal(t, types.ErrTimeout, kindOf(t, err))

	close(block)
	require.NoError(t, <-done)

	current, err := h.reg.BeginCall(context.Background(), st.ID, "task-master-ai.list_tasks")
	require.NoError(t, err)
	assert.Equal(t, "coding", current)
	h.reg.EndCall(st.ID, "task-master-ai.list_tasks")
}

func TestListReportsEverySession(t *testing.T) {
	h := newHarness(t)
	a := h.admit(t, "planning")
	b := h.admit(t, "coding")

	states := h.reg.List()
	require.Len(t, states, 2)
	ids := []string{states[0].ID, states[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestConcurrentCallsSameSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	st := h.admit(t, "planning")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.reg.BeginCall(context.Background(), st.ID, "task-master-ai.list_tasks"); err == nil {
				h.reg.EndCall(st.ID, "task-master-ai.list_tasks")
			}
		}()
	}
	wg.Wait()

	after, err := h.reg.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.InFlight)
	assert.Empty(t, h.mounts.releasedAll())
}
