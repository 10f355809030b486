package metrics

import (
	"sort"
	"sync"
	"time"

	"metamcp/internal/logging"
)

// Severity orders alerts from informational to critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DefaultCooldown is the re-raise suppression window per alert id.
const DefaultCooldown = 5 * time.Minute

// gentleVisible caps the user-visible rollup when gentle mode is on.
const gentleVisible = 3

// Alert is one active condition. Count tracks raises absorbed by the
// cooldown while the alert stayed active.
type Alert struct {
	ID       string    `json:"id"`
	Severity Severity  `json:"-"`
	Level    string    `json:"severity"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
	Count    int       `json:"count"`
}

// AlertCenter is the rule engine's sink. Raising an id that is already
// active inside the cooldown window only bumps its count; outside the window
// the alert re-raises with a fresh timestamp.
type AlertCenter struct {
	mu       sync.Mutex
	cooldown time.Duration
	gentle   bool
	active   map[string]*Alert

	now func() time.Time
}

// NewAlertCenter builds the engine. A zero cooldown gets the default.
func NewAlertCenter(cooldown time.Duration, gentle bool) *AlertCenter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &AlertCenter{
		cooldown: cooldown,
		gentle:   gentle,
		active:   make(map[string]*Alert),
		now:      time.Now,
	}
}

// SetGentle flips gentle mode, e.g. after a policy reload.
func (a *AlertCenter) SetGentle(on bool) {
	a.mu.Lock()
	a.gentle = on
	a.mu.Unlock()
}

// Raise activates or refreshes the alert with this id. Returns true when the
// alert (re)fired, false when the cooldown absorbed it.
func (a *AlertCenter) Raise(id string, sev Severity, message string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if cur, ok := a.active[id]; ok {
		cur.Count++
		cur.Message = message
		if sev > cur.Severity {
			cur.Severity = sev
			cur.Level = sev.String()
		}
		if now.Sub(cur.RaisedAt) < a.cooldown {
			return false
		}
		cur.RaisedAt = now
		logging.Metrics("alert %s re-raised (%s): %s", id, cur.Severity, message)
		return true
	}

	a.active[id] = &Alert{
		ID:       id,
		Severity: sev,
		Level:    sev.String(),
		Message:  message,
		RaisedAt: now,
		Count:    1,
	}
	logging.Metrics("alert %s raised (%s): %s", id, sev, message)
	return true
}

// Resolve clears an active alert. Resolving an unknown id is a no-op.
func (a *AlertCenter) Resolve(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; !ok {
		return false
	}
	delete(a.active, id)
	logging.Metrics("alert %s resolved", id)
	return true
}

// Active returns every live alert, highest severity first, newest first
// within a severity.
func (a *AlertCenter) Active() []Alert {
	a.mu.Lock()
	out := make([]Alert, 0, len(a.active))
	for _, al := range a.active {
		out = append(out, *al)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.After(out[j].RaisedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Visible returns the user-facing rollup. With gentle mode on, at most three
// alerts show and higher severity displaces lower; the full set stays
// reachable through Active.
func (a *AlertCenter) Visible() []Alert {
	all := a.Active()
	a.mu.Lock()
	gentle := a.gentle
	a.mu.Unlock()
	if !gentle || len(all) <= gentleVisible {
		return all
	}
	return all[:gentleVisible]
}
