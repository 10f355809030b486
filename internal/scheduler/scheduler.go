// Package scheduler runs the broker's maintenance loops: server health
// passes, idle-session collection, escalation sweeps, periodic
// auto-checkpoints, and usage-log pruning. Each loop owns a ticker and runs
// its first cycle immediately on start.
package scheduler

import (
	"context"
	"sync"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/metrics"
	"metamcp/internal/policy"
	"metamcp/internal/transport"
	"metamcp/internal/types"
)

const (
	// cycleTimeout bounds any single maintenance cycle.
	cycleTimeout = 30 * time.Second

	// stopTimeout is how long Stop waits for a loop to drain.
	stopTimeout = 2 * time.Second

	defaultPruneInterval = 24 * time.Hour
	defaultRetention     = 30 * 24 * time.Hour
)

// PolicySource hands out the live policy snapshot.
type PolicySource interface {
	Current() *policy.Snapshot
}

// Maintainer is the session surface the loops drive. session.Registry
// satisfies it.
type Maintainer interface {
	GCIdle(ctx context.Context) int
	SweepEscalations(ctx context.Context) int
	AutoCheckpoint(ctx context.Context) int
	Count() int
}

// HealthPasser probes servers and reports per-server status.
// transport.Manager satisfies it.
type HealthPasser interface {
	HealthPass(ctx context.Context) transport.HealthReport
	ServerStates() []transport.ServerStatus
}

// UsagePruner deletes usage rows older than a cutoff. store.UsageLog
// satisfies it; nil disables the prune loop.
type UsagePruner interface {
	Prune(olderThan time.Time) (int64, error)
}

// Intervals sets the loop cadences. Zero fields resolve from the policy
// snapshot when the scheduler is built.
type Intervals struct {
	Health      time.Duration
	SessionGC   time.Duration
	Escalations time.Duration
	Checkpoints time.Duration
	Prune       time.Duration
	Retention   time.Duration
}

// Config wires the scheduler's collaborators. Usage is optional.
type Config struct {
	Policies   PolicySource
	Sessions   Maintainer
	Transports HealthPasser
	Metrics    *metrics.Metrics
	Usage      UsagePruner
	Intervals  Intervals
}

// Scheduler owns the maintenance goroutines. Start and Stop are idempotent.
type Scheduler struct {
	policies   PolicySource
	sessions   Maintainer
	transports HealthPasser
	metrics    *metrics.Metrics
	usage      UsagePruner
	iv         Intervals

	mu   sync.Mutex
	stop chan struct{}
	done []chan struct{}
}

// New builds a scheduler, resolving unset intervals from policy.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Policies == nil || cfg.Sessions == nil || cfg.Transports == nil || cfg.Metrics == nil {
		return nil, types.NewError(types.ErrInternal, "scheduler needs policies, sessions, transports, and metrics wired")
	}

	iv := cfg.Intervals
	b := cfg.Policies.Current().Broker()
	if iv.Health <= 0 {
		iv.Health = b.HealthCheckInterval()
	}
	if iv.SessionGC <= 0 {
		iv.SessionGC = b.SessionGCInterval()
	}
	if iv.Escalations <= 0 {
		iv.Escalations = b.EscalationSweep()
	}
	if iv.Checkpoints <= 0 {
		// The registry skips sessions not yet due, so the scan can tick
		// finer than the cadence itself and catch per-role overrides.
		iv.Checkpoints = b.AutoCheckpoint()
		if iv.Checkpoints > time.Minute {
			iv.Checkpoints = time.Minute
		}
	}
	if iv.Prune <= 0 {
		iv.Prune = defaultPruneInterval
	}
	if iv.Retention <= 0 {
		iv.Retention = defaultRetention
	}

	return &Scheduler{
		policies:   cfg.Policies,
		sessions:   cfg.Sessions,
		transports: cfg.Transports,
		metrics:    cfg.Metrics,
		usage:      cfg.Usage,
		iv:         iv,
	}, nil
}

// Start launches the loops. A started scheduler ignores further calls.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop

	loops := []struct {
		every time.Duration
		cycle func()
	}{
		{s.iv.Health, s.healthCycle},
		{s.iv.SessionGC, s.gcCycle},
		{s.iv.Escalations, s.sweepCycle},
		{s.iv.Checkpoints, s.checkpointCycle},
	}
	if s.usage != nil {
		loops = append(loops, struct {
			every time.Duration
			cycle func()
		}{s.iv.Prune, s.pruneCycle})
	}

	s.done = make([]chan struct{}, 0, len(loops))
	for _, l := range loops {
		done := make(chan struct{})
		s.done = append(s.done, done)
		go run(l.every, l.cycle, stop, done)
	}
	s.mu.Unlock()
	logging.Scheduler("%d maintenance loops started", len(loops))
}

// Stop halts every loop and waits for each to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.stop = nil
	s.done = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	for _, d := range done {
		select {
		case <-d:
		case <-time.After(stopTimeout):
		}
	}
	logging.Scheduler("maintenance loops stopped")
}

func run(every time.Duration, cycle func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	cycle()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cycle()
		}
	}
}

func (s *Scheduler) healthCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	rep := s.transports.HealthPass(ctx)
	for _, st := range s.transports.ServerStates() {
		s.metrics.SetServerHealth(st.Name, st.State == transport.ServerReady)
	}
	s.metrics.SetActiveSessions(s.sessions.Count())
	logging.SchedulerDebug("health pass: %d of %d servers healthy", rep.Healthy, rep.Total)
}

func (s *Scheduler) gcCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if n := s.sessions.GCIdle(ctx); n > 0 {
		s.metrics.SetActiveSessions(s.sessions.Count())
		logging.Scheduler("session gc collected %d idle session(s)", n)
	}
}

func (s *Scheduler) sweepCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if n := s.sessions.SweepEscalations(ctx); n > 0 {
		logging.Scheduler("escalation sweep revoked %d grant(s)", n)
	}
}

func (s *Scheduler) checkpointCycle() {
	if !s.policies.Current().Features().AutoCheckpoint {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if n := s.sessions.AutoCheckpoint(ctx); n > 0 {
		logging.SchedulerDebug("auto checkpoint wrote %d", n)
	}
}

func (s *Scheduler) pruneCycle() {
	cutoff := time.Now().Add(-s.iv.Retention)
	n, err := s.usage.Prune(cutoff)
	if err != nil {
		logging.SchedulerWarn("usage prune failed: %v", err)
		return
	}
	if n > 0 {
		logging.Scheduler("usage prune removed %d row(s) older than %s", n, s.iv.Retention)
	}
}
