package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

// responseRingSize bounds the per-server latency window used for rollups.
const responseRingSize = 64

// StateHook is notified whenever a server's breaker changes state. The hook
// runs on the calling goroutine and must not block.
type StateHook func(server string, from, to gobreaker.State)

// Connection fences one Transport behind a circuit breaker and an in-flight
// cap. All broker traffic to a server flows through its Connection; nothing
// else touches the raw Transport after startup.
type Connection struct {
	name      string
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	inflight  chan struct{}

	mu         sync.Mutex
	openSince  time.Time
	calls      uint64
	failures   uint64
	durations  [responseRingSize]time.Duration
	durCount   int
	durNext    int
	lastActive time.Time
}

// ConnectionConfig carries the breaker knobs for one server.
type ConnectionConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MaxInFlight      int
	OnStateChange    StateHook
}

// NewConnection wraps a Transport with a breaker configured from policy.
// Tool-level errors count as successes: a server that answers with an error
// is a healthy server.
func NewConnection(name string, t Transport, cfg ConnectionConfig) *Connection {
	c := &Connection{
		name:      name,
		transport: t,
		inflight:  make(chan struct{}, cfg.MaxInFlight),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || types.KindOf(err) == types.ErrTool
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.noteStateChange(from, to)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})
	return c
}

func (c *Connection) noteStateChange(from, to gobreaker.State) {
	c.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		c.openSince = time.Now()
	case gobreaker.StateClosed:
		c.openSince = time.Time{}
	}
	c.mu.Unlock()
	logging.TransportWarn("breaker %s: %s -> %s", c.name, from, to)
}

// Available reports whether a call would be admitted right now. The broker
// checks this before spending rewrite work on a call that cannot go out.
func (c *Connection) Available() error {
	if c.breaker.State() == gobreaker.StateOpen {
		return types.Errorf(types.ErrServerUnavailable, "server %s is recovering", c.name)
	}
	return nil
}

// Call sends one request through the breaker. The in-flight cap is checked
// first so busy rejections never count against the breaker.
func (c *Connection) Call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	select {
	case c.inflight <- struct{}{}:
	default:
		return nil, types.Errorf(types.ErrServerBusy, "server %s is at its in-flight limit", c.name)
	}
	defer func() { <-c.inflight }()

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		return c.transport.Call(ctx, method, args)
	})
	c.record(time.Since(start), err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.Errorf(types.ErrServerUnavailable, "server %s is recovering", c.name)
		}
		return nil, err
	}
	raw, ok := result.(json.RawMessage)
	if !ok {
		return nil, types.Errorf(types.ErrInternal, "server %s returned an unexpected result shape", c.name)
	}
	return raw, nil
}

func (c *Connection) record(d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err != nil && types.KindOf(err) != types.ErrTool {
		c.failures++
	}
	c.durations[c.durNext] = d
	c.durNext = (c.durNext + 1) % responseRingSize
	if c.durCount < responseRingSize {
		c.durCount++
	}
	c.lastActive = time.Now()
}

// State exposes the breaker state for health rollups.
func (c *Connection) State() gobreaker.State { return c.breaker.State() }

// OpenSince reports when the breaker last opened, zero if it is not open.
func (c *Connection) OpenSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openSince
}

// Stats summarizes call volume and the recent latency window.
func (c *Connection) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum time.Duration
	for i := 0; i < c.durCount; i++ {
		sum += c.durations[i]
	}
	stats := ConnStats{
		Calls:      c.calls,
		Failures:   c.failures,
		LastActive: c.lastActive,
	}
	if c.durCount > 0 {
		stats.AvgResponse = sum / time.Duration(c.durCount)
	}
	return stats
}

// ConnStats is a point-in-time view of one connection's traffic.
type ConnStats struct {
	Calls       uint64
	Failures    uint64
	AvgResponse time.Duration
	LastActive  time.Time
}

// Connect establishes the underlying transport.
func (c *Connection) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// HealthCheck pings the underlying transport directly, bypassing the
// breaker. The health loop uses the result to drive recovery, so routing it
// through the breaker would deadlock an open breaker into staying open.
func (c *Connection) HealthCheck(ctx context.Context) error {
	return c.transport.HealthCheck(ctx)
}

// Close shuts the underlying transport down.
func (c *Connection) Close() error { return c.transport.Close() }

// Kind reports the wire kind of the wrapped transport.
func (c *Connection) Kind() Kind { return c.transport.Kind() }
