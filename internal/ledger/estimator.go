package ledger

import (
	"math"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/types"
)

const (
	// DefaultBaseCost is the heuristic cost for tools with no policy rules.
	DefaultBaseCost = 500

	// estimateWindow bounds the historical mean lookback.
	estimateWindow = 30 * 24 * time.Hour

	// minSamples is how many historical rows the mean needs before it is
	// trusted over the heuristic.
	minSamples = 3

	// countCap bounds linear scaling of result-count parameters.
	countCap = 1000
)

// Estimator predicts the token cost of a call before it is dispatched.
// Historical means win when enough samples exist; otherwise a policy-driven
// heuristic takes over.
type Estimator struct {
	log UsageLog // may be nil
	now func() time.Time
}

// NewEstimator builds an estimator over an optional usage log.
func NewEstimator(log UsageLog) *Estimator {
	return &Estimator{log: log, now: time.Now}
}

// Estimate returns the predicted token cost for (tool, method, args).
func (e *Estimator) Estimate(snap *policy.Snapshot, tool, method string, args map[string]any) int {
	if e.log != nil {
		since := e.now().Add(-estimateWindow)
		mean, n, err := e.log.MeanConsumed(tool, method, since)
		if err == nil && n >= minSamples && mean > 0 {
			logging.LedgerDebug("estimate %s.%s: historical mean %.0f over %d samples", tool, method, mean, n)
			return int(math.Ceil(mean))
		}
	}
	return e.Heuristic(snap, tool, method, args)
}

// Heuristic is the policy-driven fallback: per-tool base cost plus linear
// scaling on the method's result-count parameter, capped. The rewrite engine
// uses this directly when computing savings so that a historical mean (which
// cannot see argument changes) never zeroes out a real trim.
func (e *Estimator) Heuristic(snap *policy.Snapshot, tool, method string, args map[string]any) int {
	base := DefaultBaseCost
	if rules, ok := snap.Rules(tool); ok && rules.BaseCost > 0 {
		base = rules.BaseCost
	}

	mr, ok := snap.MethodRules(tool, method)
	if !ok {
		return base
	}
	if mr.BaseCost > 0 {
		base = mr.BaseCost
	}

	est := base
	if mr.CostPerResult > 0 && mr.ResultParam != "" {
		count, present := types.NumberArg(args, mr.ResultParam)
		if !present && mr.MaxResults > 0 {
			// Caller left the count out; assume the policy cap since the
			// rewrite will hold it there anyway.
			count = mr.MaxResults
			present = true
		}
		if present {
			if count < 0 {
				count = 0
			}
			if count > countCap {
				count = countCap
			}
			est += mr.CostPerResult * count
		}
	}
	return est
}
