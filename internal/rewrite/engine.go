// Package rewrite applies policy-driven cost controls to tool calls before
// they reach a transport. Rules come from the policy snapshot captured at
// admission: the engine edits only the argument map, never the tool or
// method, and applying it twice produces the same call as applying it once.
package rewrite

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"metamcp/internal/ledger"
	"metamcp/internal/logging"
	"metamcp/internal/policy"
	"metamcp/internal/types"
)

// Context carries the session facts the rules need.
type Context struct {
	SessionID string
	Role      string
	Band      ledger.Band
	Available int
	Remaining int
}

// Result is the rewritten call plus everything the orchestrator needs to
// account for it. When Denied is set the call must not reach a transport;
// Call.Args is an empty map in that case.
type Result struct {
	Call          types.ToolCall
	Optimizations []types.Optimization
	Denied        bool
	Estimate      int
}

// Engine evaluates the rule pipeline. It is stateless; all inputs arrive
// per call, so one engine serves every session.
type Engine struct {
	est *ledger.Estimator
}

func NewEngine(est *ledger.Estimator) *Engine {
	return &Engine{est: est}
}

// Rewrite runs the four rule stages in order: per-tool trims, band-driven
// scope reduction, minimum-input checks, then budget projection with one
// aggressive retry. Tools without rules pass through untouched except for
// the budget projection.
func (e *Engine) Rewrite(snap *policy.Snapshot, ctx Context, call types.ToolCall) Result {
	fingerprint := call.Fingerprint()
	original := call.CloneArgs()
	args := call.CloneArgs()
	if args == nil {
		args = map[string]any{}
	}

	res := Result{Call: call}
	mr, ruled := snap.MethodRules(call.Tool, call.Method)

	// Stage 1: trim rules. All argument edits fold into one trim-results
	// optimization so the caller sees a single line item.
	if ruled {
		trimmed := e.applyTrims(mr, args)
		if len(trimmed) > 0 {
			saved := e.est.Heuristic(snap, call.Tool, call.Method, original) -
				e.est.Heuristic(snap, call.Tool, call.Method, args)
			if saved < 0 {
				saved = 0
			}
			res.Optimizations = append(res.Optimizations, types.Optimization{
				Kind:             types.OptTrimResults,
				CallFingerprint:  fingerprint,
				EstimatedSavings: saved,
				Explanation:      strings.Join(trimmed, ", "),
				UserMessage:      "Trimmed this request to keep the session affordable. Ask again with explicit limits if you need more.",
			})
		}

		for _, combo := range mr.DisallowedCombos {
			dropped := dropComboExtras(args, combo)
			if len(dropped) == 0 {
				continue
			}
			res.Optimizations = append(res.Optimizations, types.Optimization{
				Kind:            types.OptReduceScope,
				CallFingerprint: fingerprint,
				Explanation:     fmt.Sprintf("dropped %s (not allowed together with %s)", strings.Join(dropped, ", "), combo[0]),
				UserMessage:     "Simplified the request: some options cannot be combined, so the extras were dropped.",
			})
		}
	}

	// Stage 2: band-driven scope reduction and cache advice.
	if ruled && mr.ProjectionParam != "" && mr.BudgetProjection != "" && ctx.Band >= ledger.BandWarning {
		if cur, _ := types.StringArg(args, mr.ProjectionParam); cur != mr.BudgetProjection {
			args[mr.ProjectionParam] = mr.BudgetProjection
			res.Optimizations = append(res.Optimizations, types.Optimization{
				Kind:            types.OptReduceScope,
				CallFingerprint: fingerprint,
				Explanation:     fmt.Sprintf("forced %s=%s while the budget is tight", mr.ProjectionParam, mr.BudgetProjection),
				UserMessage:     "Budget is running low, so this call returns a lighter view. Switch back once there is more room.",
			})
		}
	}
	if ruled && mr.CacheTTLSeconds > 0 {
		res.Optimizations = append(res.Optimizations, types.Optimization{
			Kind:            types.OptCacheHint,
			CallFingerprint: fingerprint,
			Explanation:     fmt.Sprintf("result cacheable for %ds", mr.CacheTTLSeconds),
		})
	}

	// Stage 3: minimum-input advice. Never blocks the call.
	if ruled && mr.QueryParam != "" && mr.MinQueryLen > 0 {
		if q, ok := types.StringArg(args, mr.QueryParam); ok && utf8.RuneCountInString(strings.TrimSpace(q)) < mr.MinQueryLen {
			res.Optimizations = append(res.Optimizations, types.Optimization{
				Kind:            types.OptSuggestAlternative,
				CallFingerprint: fingerprint,
				Explanation:     fmt.Sprintf("query shorter than %d characters tends to return noise", mr.MinQueryLen),
				UserMessage:     "That query is quite short, so results may be broad. A couple more words usually helps.",
			})
		}
	}

	// Stage 4: budget projection, one aggressive retry, then the verdict.
	est := e.est.Estimate(snap, call.Tool, call.Method, args)
	if est > ctx.Available {
		if ruled && mr.AggressiveMaxResults > 0 && mr.ResultParam != "" {
			cur, ok := types.NumberArg(args, mr.ResultParam)
			if !ok {
				cur = mr.MaxResults
			}
			if mr.AggressiveMaxResults < cur {
				before := e.est.Heuristic(snap, call.Tool, call.Method, args)
				args[mr.ResultParam] = mr.AggressiveMaxResults
				saved := before - e.est.Heuristic(snap, call.Tool, call.Method, args)
				if saved < 0 {
					saved = 0
				}
				res.Optimizations = append(res.Optimizations, types.Optimization{
					Kind:             types.OptTrimResults,
					CallFingerprint:  fingerprint,
					EstimatedSavings: saved,
					Explanation:      fmt.Sprintf("aggressive cap %s=%d under budget pressure", mr.ResultParam, mr.AggressiveMaxResults),
					UserMessage:      "Cut this request down further because the budget is nearly gone.",
				})
				est = e.est.Estimate(snap, call.Tool, call.Method, args)
			}
		}

		if est > ctx.Available {
			switch {
			case snap.SearchClass(call.Tool):
				// Search stays reachable even on a tight budget; the
				// caller gets guidance instead of a closed door.
				res.Optimizations = append(res.Optimizations, types.Optimization{
					Kind:            types.OptSuggestAlternative,
					CallFingerprint: fingerprint,
					Explanation:     fmt.Sprintf("estimate %d exceeds available %d", est, ctx.Available),
					UserMessage:     "This search is pricey right now. Narrowing the query or lowering the limit would stretch the budget further.",
				})
			case est <= ctx.Remaining:
				// Dips into the reserve; admitted, the ledger will show it.
				logging.RewriteDebug("session %s: %s.%s admitted from reserve (estimate %d, available %d)",
					ctx.SessionID, call.Tool, call.Method, est, ctx.Available)
			default:
				res.Denied = true
				res.Optimizations = append(res.Optimizations, types.Optimization{
					Kind:             types.OptDenyExpensive,
					CallFingerprint:  fingerprint,
					EstimatedSavings: est,
					Explanation:      fmt.Sprintf("estimate %d exceeds remaining %d (short %d)", est, ctx.Remaining, est-ctx.Remaining),
					UserMessage:      "This call costs more than the session has left. A narrower request or a role with a larger budget would fit.",
				})
				res.Call.Args = map[string]any{}
				res.Estimate = est
				logging.Rewrite("session %s: denied %s.%s (estimate %d, remaining %d)",
					ctx.SessionID, call.Tool, call.Method, est, ctx.Remaining)
				return res
			}
		}
	}

	res.Call.Args = args
	res.Estimate = est
	if n := len(res.Optimizations); n > 0 {
		logging.RewriteDebug("session %s: %s.%s rewritten with %d optimization(s), estimate %d",
			ctx.SessionID, call.Tool, call.Method, n, est)
	}
	return res
}

// applyTrims edits args in place per the method's trim rules and returns a
// human-readable note for each change, in a stable order.
func (e *Engine) applyTrims(mr policy.MethodRules, args map[string]any) []string {
	var notes []string

	if mr.ResultParam != "" && mr.MaxResults > 0 {
		if cur, ok := types.NumberArg(args, mr.ResultParam); !ok {
			args[mr.ResultParam] = mr.MaxResults
			notes = append(notes, fmt.Sprintf("set %s=%d", mr.ResultParam, mr.MaxResults))
		} else if cur > mr.MaxResults {
			args[mr.ResultParam] = mr.MaxResults
			notes = append(notes, fmt.Sprintf("capped %s at %d (was %d)", mr.ResultParam, mr.MaxResults, cur))
		}
	}

	if mr.ItemParam != "" && mr.MaxItemChars > 0 {
		if cur, ok := types.NumberArg(args, mr.ItemParam); !ok {
			args[mr.ItemParam] = mr.MaxItemChars
			notes = append(notes, fmt.Sprintf("set %s=%d", mr.ItemParam, mr.MaxItemChars))
		} else if cur > mr.MaxItemChars {
			args[mr.ItemParam] = mr.MaxItemChars
			notes = append(notes, fmt.Sprintf("capped %s at %d (was %d)", mr.ItemParam, mr.MaxItemChars, cur))
		}
	}

	if len(mr.ArgDefaults) > 0 {
		keys := make([]string, 0, len(mr.ArgDefaults))
		for k := range mr.ArgDefaults {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, present := args[k]; !present {
				args[k] = mr.ArgDefaults[k]
				notes = append(notes, fmt.Sprintf("defaulted %s=%v", k, mr.ArgDefaults[k]))
			}
		}
	}

	return notes
}

// dropComboExtras removes every combo member but the first when all members
// are present, returning the dropped keys.
func dropComboExtras(args map[string]any, combo []string) []string {
	if len(combo) < 2 {
		return nil
	}
	for _, k := range combo {
		if _, ok := args[k]; !ok {
			return nil
		}
	}
	dropped := make([]string, 0, len(combo)-1)
	for _, k := range combo[1:] {
		delete(args, k)
		dropped = append(dropped, k)
	}
	return dropped
}
