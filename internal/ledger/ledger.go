// Package ledger does per-session token accounting: budgets, status bands,
// burn rate, and cost prediction. Increments are serialized per session;
// durable persistence goes through the UsageLog boundary so the accounting
// core never touches a database directly.
package ledger

import (
	"time"

	"metamcp/internal/types"
)

// Band is the coarse budget status derived from used/total_budget.
type Band int

const (
	BandHealthy Band = iota
	BandModerate
	BandWarning
	BandCritical
	BandExceeded
)

func (b Band) String() string {
	switch b {
	case BandHealthy:
		return "healthy"
	case BandModerate:
		return "moderate"
	case BandWarning:
		return "warning"
	case BandCritical:
		return "critical"
	case BandExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Band thresholds as fractions of total budget.
const (
	moderateAt = 0.50
	warningAt  = 0.75
	criticalAt = 0.90
	exceededAt = 0.95

	// bandHysteresis is the minimum ratio drop before a previously-passed
	// band may emit again on the way back up.
	bandHysteresis = 0.05
)

// burnWindow is the rolling window for burn-rate computation.
const burnWindow = time.Hour

func bandFor(ratio float64) Band {
	switch {
	case ratio >= exceededAt:
		return BandExceeded
	case ratio >= criticalAt:
		return BandCritical
	case ratio >= warningAt:
		return BandWarning
	case ratio >= moderateAt:
		return BandModerate
	default:
		return BandHealthy
	}
}

// BandTransition is one observability event: the ledger crossed from one
// band into the next. A single large record can produce several, in order.
type BandTransition struct {
	From Band
	To   Band
}

// Snapshot is a read-only copy of one session's accounting at an instant.
type Snapshot struct {
	SessionID        string
	Role             string
	TotalBudget      int
	Used             int
	Reserved         int
	WarningThreshold int
	HardCap          int
	Remaining        int
	Available        int
	Band             Band
	BurnRatePerHour  float64
	BurnRateDefined  bool
	// TimeToExhaustion is nil when the burn rate is undefined or zero.
	TimeToExhaustion *time.Duration
}

// Affordability answers can_afford: yes, yes-but-dipping-into-reserve, or no
// with the shortage amount.
type Affordability struct {
	Afford       bool
	UsingReserve bool
	Reason       string
	Shortage     int
}

type usageSample struct {
	at     time.Time
	tokens int
}

// ledger is one session's accounting state. All access goes through the
// Manager, which owns the per-session locking.
type ledger struct {
	sessionID        string
	role             string
	totalBudget      int
	used             int
	reserved         int
	warningThreshold int
	hardCap          int

	samples []usageSample

	// Hysteresis state: the highest band already announced and the ratio
	// at which it was announced.
	emittedBand  Band
	emittedRatio float64
}

func (l *ledger) ratio() float64 {
	if l.totalBudget <= 0 {
		return 0
	}
	return float64(l.used) / float64(l.totalBudget)
}

func (l *ledger) band() Band { return bandFor(l.ratio()) }

func (l *ledger) remaining() int {
	r := l.totalBudget - l.used
	if r < 0 {
		return 0
	}
	return r
}

func (l *ledger) available() int {
	a := l.totalBudget - l.used - l.reserved
	if a < 0 {
		return 0
	}
	return a
}

// record increments used, clamped at the hard cap, and returns any band
// transitions to announce.
func (l *ledger) record(now time.Time, tokens int) []BandTransition {
	l.used += tokens
	if l.used > l.hardCap {
		l.used = l.hardCap
	}
	l.samples = append(l.samples, usageSample{at: now, tokens: tokens})
	l.prune(now)
	return l.noteBands()
}

func (l *ledger) prune(now time.Time) {
	cutoff := now.Add(-burnWindow)
	i := 0
	for i < len(l.samples) && l.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.samples = append(l.samples[:0], l.samples[i:]...)
	}
}

// noteBands walks the hysteresis state machine. Crossing upward announces
// every band passed, in order. Dropping (budget grew on a role switch) only
// rearms announcements after at least a 5% ratio decline.
func (l *ledger) noteBands() []BandTransition {
	ratio := l.ratio()
	b := bandFor(ratio)

	if b > l.emittedBand {
		transitions := make([]BandTransition, 0, int(b-l.emittedBand))
		for cur := l.emittedBand; cur < b; cur++ {
			transitions = append(transitions, BandTransition{From: cur, To: cur + 1})
		}
		l.emittedBand = b
		l.emittedRatio = ratio
		return transitions
	}

	if b < l.emittedBand && l.emittedRatio-ratio >= bandHysteresis {
		l.emittedBand = b
		l.emittedRatio = ratio
	}
	return nil
}

// switchBudget swaps the budget for a new role, preserving used.
func (l *ledger) switchBudget(role string, totalBudget, reserved, warningThreshold int) []BandTransition {
	l.role = role
	l.totalBudget = totalBudget
	l.reserved = reserved
	l.warningThreshold = warningThreshold
	return l.noteBands()
}

func (l *ledger) burnRate(now time.Time) (float64, bool) {
	l.prune(now)
	if len(l.samples) < 2 {
		return 0, false
	}
	sum := 0
	for _, s := range l.samples {
		sum += s.tokens
	}
	span := now.Sub(l.samples[0].at)
	if span < time.Minute {
		span = time.Minute
	}
	return float64(sum) * float64(burnWindow) / float64(span), true
}

func (l *ledger) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:        l.sessionID,
		Role:             l.role,
		TotalBudget:      l.totalBudget,
		Used:             l.used,
		Reserved:         l.reserved,
		WarningThreshold: l.warningThreshold,
		HardCap:          l.hardCap,
		Remaining:        l.remaining(),
		Available:        l.available(),
		Band:             l.band(),
	}
	rate, defined := l.burnRate(now)
	snap.BurnRatePerHour = rate
	snap.BurnRateDefined = defined
	if defined && rate > 0 {
		tte := time.Duration(float64(snap.Remaining) / rate * float64(time.Hour))
		snap.TimeToExhaustion = &tte
	}
	return snap
}

func (l *ledger) canAfford(required int) Affordability {
	available := l.available()
	remaining := l.remaining()
	switch {
	case required <= available:
		return Affordability{Afford: true}
	case required <= remaining:
		return Affordability{Afford: true, UsingReserve: true, Reason: "using-reserve"}
	default:
		return Affordability{
			Afford:   false,
			Reason:   "over-budget",
			Shortage: required - remaining,
		}
	}
}

// state exports the persisted form.
func (l *ledger) state() types.LedgerState {
	return types.LedgerState{
		TotalBudget: l.totalBudget,
		Used:        l.used,
		Reserved:    l.reserved,
	}
}
