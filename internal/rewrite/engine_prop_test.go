package rewrite

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"metamcp/internal/ledger"
	"metamcp/internal/types"
)

// TestRewriteProperties verifies the two laws every rule must preserve:
// applying the rewrite twice equals applying it once, and a rewritten call
// never costs more than the original.
func TestRewriteProperties(t *testing.T) {
	snap := rewriteSnap(t)
	eng := NewEngine(ledger.NewEstimator(nil))
	est := ledger.NewEstimator(nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genArgs := gen.StructPtr(reflect.TypeOf(&argSeed{}), map[string]gopter.Gen{
		"Limit":     gen.IntRange(-50, 5000),
		"HasLimit":  gen.Bool(),
		"ItemChars": gen.IntRange(0, 10000),
		"HasItem":   gen.Bool(),
		"Query":     gen.AlphaString(),
		"HasQuery":  gen.Bool(),
	})

	genCtx := gen.StructPtr(reflect.TypeOf(&ctxSeed{}), map[string]gopter.Gen{
		"Band":      gen.IntRange(0, 4),
		"Available": gen.IntRange(0, 6000),
		"Remaining": gen.IntRange(0, 6000),
	})

	properties.Property("rewrite is idempotent", prop.ForAll(
		func(a *argSeed, c *ctxSeed) bool {
			ctx := c.context()
			call := types.ToolCall{Tool: "task-master-ai", Method: "list_tasks", Args: a.args()}

			once := eng.Rewrite(snap, ctx, call)
			if once.Denied {
				// A denied call never reaches a transport, so there is no
				// second application to compare.
				return true
			}
			twice := eng.Rewrite(snap, ctx, once.Call)
			return !twice.Denied && reflect.DeepEqual(once.Call.Args, twice.Call.Args)
		},
		genArgs, genCtx,
	))

	properties.Property("rewrite never raises the estimated cost", prop.ForAll(
		func(a *argSeed, c *ctxSeed) bool {
			ctx := c.context()
			args := a.args()
			before := est.Heuristic(snap, "task-master-ai", "list_tasks", args)

			res := eng.Rewrite(snap, ctx, types.ToolCall{Tool: "task-master-ai", Method: "list_tasks", Args: args})
			if res.Denied {
				return true
			}
			after := est.Heuristic(snap, "task-master-ai", "list_tasks", res.Call.Args)
			return after <= before
		},
		genArgs, genCtx,
	))

	properties.TestingRun(t)
}

type argSeed struct {
	Limit     int
	HasLimit  bool
	ItemChars int
	HasItem   bool
	Query     string
	HasQuery  bool
}

func (a *argSeed) args() map[string]any {
	m := map[string]any{}
	if a.HasLimit {
		m["limit"] = a.Limit
	}
	if a.HasItem {
		m["maxDescriptionLength"] = a.ItemChars
	}
	if a.HasQuery {
		m["query"] = a.Query
	}
	return m
}

type ctxSeed struct {
	Band      int
	Available int
	Remaining int
}

func (c *ctxSeed) context() Context {
	return Context{
		SessionID: "prop",
		Role:      "developer",
		Band:      ledger.Band(c.Band),
		Available: c.Available,
		Remaining: c.Remaining,
	}
}
