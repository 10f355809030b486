package role

import (
	"testing"

	"metamcp/internal/policy"
	"metamcp/internal/types"
)

// snapWith builds a snapshot with the given profiles over a one-server
// topology declaring every tool the profiles mention.
func snapWith(t *testing.T, profiles map[string]policy.Profile) *policy.Snapshot {
	t.Helper()

	tools := map[string]bool{}
	for _, p := range profiles {
		for _, tool := range p.DefaultTools {
			tools[tool] = true
		}
		for _, esc := range p.EscalationTriggers {
			for _, tool := range esc.AdditionalTools {
				tools[tool] = true
			}
		}
	}
	if len(tools) == 0 {
		tools["placeholder"] = true
	}

	doc := policy.Document{
		Profiles: profiles,
		Servers: map[string]policy.ServerSpec{
			"srv": {Transport: "stdio", Command: "run", Tools: types.SortedTools(tools)},
		},
	}
	store, err := policy.FromDocument(doc)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	return store.Current()
}

func workflowSnap(t *testing.T) *policy.Snapshot {
	t.Helper()
	return snapWith(t, map[string]policy.Profile{
		"planner": {
			Description: "planning", TokenBudget: 10000, Complexity: "low",
			DefaultTools:       []string{"task-master-ai"},
			NaturalTransitions: []string{"developer"},
		},
		"developer": {
			Description: "coding", TokenBudget: 50000, Complexity: "high",
			DefaultTools:       []string{"task-master-ai", "context7"},
			NaturalTransitions: []string{"reviewer"},
			EscalatesTo:        []string{"architect"},
			EscalationTriggers: map[string]policy.Escalation{
				"test_failure": {AdditionalTools: []string{"debugger"}, MaxDurationMinutes: 30, Priority: 1},
				"blocked":      {AdditionalTools: []string{"exa"}, MaxDurationMinutes: 15, Priority: 2},
				"deep_dive":    {AdditionalTools: []string{"context7"}, MaxDurationMinutes: 60, Priority: 3},
				"handoff":      {AdditionalTools: []string{"task-master-ai"}, MaxDurationMinutes: 10, Priority: 4},
			},
		},
		"reviewer": {
			Description: "reviewing", TokenBudget: 20000, Complexity: "medium",
			DefaultTools: []string{"context7"},
		},
		"architect": {
			Description: "architecture", TokenBudget: 80000, Complexity: "high",
			DefaultTools: []string{"context7"},
		},
	})
}

func TestResolveProfileUnknownRole(t *testing.T) {
	snap := workflowSnap(t)
	_, err := ResolveProfile(snap, "wizard")
	if types.KindOf(err) != types.ErrRoleNotFound {
		t.Errorf("kind = %q, want role_not_found", types.KindOf(err))
	}
}

func TestValidateRoleName(t *testing.T) {
	snap := workflowSnap(t)
	for _, name := range []string{"planner", "developer", "reviewer", "architect"} {
		if !ValidateRoleName(snap, name) {
			t.Errorf("declared role %q reported invalid", name)
		}
	}
	if ValidateRoleName(snap, "wizard") {
		t.Error("undeclared role reported valid")
	}
	if ValidateRoleName(snap, "") {
		t.Error("empty role name reported valid")
	}
}

func TestGrants(t *testing.T) {
	snap := workflowSnap(t)

	ok, err := Grants(snap, "developer", "context7")
	if err != nil || !ok {
		t.Errorf("developer should grant context7: ok=%v err=%v", ok, err)
	}
	ok, err = Grants(snap, "planner", "context7")
	if err != nil || ok {
		t.Errorf("planner should not grant context7: ok=%v err=%v", ok, err)
	}
}

func TestTransitionRules(t *testing.T) {
	snap := workflowSnap(t)

	tests := []struct {
		name     string
		from, to string
		legal    bool
		rule     TransitionRule
	}{
		{"null origin always legal", "", "developer", true, RuleNullOrigin},
		{"same role is a no-op", "developer", "developer", true, RuleSameRole},
		{"natural transition", "developer", "reviewer", true, RuleNatural},
		{"escalation path", "developer", "architect", true, RuleEscalation},
		{"one complexity step up", "reviewer", "developer", true, RuleComplexityStep},
		{"one complexity step down", "architect", "reviewer", true, RuleComplexityStep},
		{"two step jump up denied", "planner", "architect", false, RuleComplexityStep},
		{"two step jump down denied", "developer", "planner", false, RuleComplexityStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := TransitionLegal(snap, tt.from, tt.to)
			if err != nil {
				t.Fatalf("TransitionLegal: %v", err)
			}
			if v.Legal != tt.legal {
				t.Errorf("legal = %v, want %v (%s)", v.Legal, tt.legal, v.Reason)
			}
			if v.Rule != tt.rule {
				t.Errorf("rule = %q, want %q", v.Rule, tt.rule)
			}
			if !v.Legal && v.Reason == "" {
				t.Error("rejected transition has no justification")
			}
		})
	}
}

func TestTransitionToUnknownRole(t *testing.T) {
	snap := workflowSnap(t)
	_, err := TransitionLegal(snap, "developer", "wizard")
	if types.KindOf(err) != types.ErrRoleNotFound {
		t.Errorf("kind = %q, want role_not_found", types.KindOf(err))
	}
}

func TestDenyTransitionCarriesRule(t *testing.T) {
	snap := workflowSnap(t)
	v, err := TransitionLegal(snap, "planner", "architect")
	if err != nil {
		t.Fatalf("TransitionLegal: %v", err)
	}
	if v.Legal {
		t.Fatal("planner->architect should be denied")
	}
	e := DenyTransition(v)
	if e.Kind != types.ErrTransitionDenied {
		t.Errorf("kind = %q", e.Kind)
	}
	if e.Rule != string(RuleComplexityStep) {
		t.Errorf("rule = %q, want complexity-step", e.Rule)
	}
}

func TestEscalationOptionsRankingAndCap(t *testing.T) {
	snap := workflowSnap(t)

	opts, err := EscalationOptions(snap, "developer", EscalationContext{
		Trigger:   "blocked",
		Relevance: map[string]float64{"deep_dive": 0.6, "test_failure": 0.2},
	})
	if err != nil {
		t.Fatalf("EscalationOptions: %v", err)
	}

	if len(opts) != 3 {
		t.Fatalf("menu length = %d, want 3 (cognitive-load cap)", len(opts))
	}
	// blocked gets the trigger boost (1.0), then deep_dive (0.6), then test_failure (0.2).
	want := []string{"blocked", "deep_dive", "test_failure"}
	for i, k := range want {
		if opts[i].Key != k {
			t.Errorf("opts[%d] = %q, want %q", i, opts[i].Key, k)
		}
	}
}

func TestEscalationOptionsTieBreakByPriority(t *testing.T) {
	snap := workflowSnap(t)

	opts, err := EscalationOptions(snap, "developer", EscalationContext{})
	if err != nil {
		t.Fatalf("EscalationOptions: %v", err)
	}
	// All scores zero: priority order decides.
	want := []string{"test_failure", "blocked", "deep_dive"}
	for i, k := range want {
		if opts[i].Key != k {
			t.Errorf("opts[%d] = %q, want %q", i, opts[i].Key, k)
		}
	}
}

func TestLookupEscalation(t *testing.T) {
	snap := workflowSnap(t)

	esc, err := LookupEscalation(snap, "developer", "test_failure")
	if err != nil {
		t.Fatalf("LookupEscalation: %v", err)
	}
	if esc.MaxDurationMinutes != 30 {
		t.Errorf("max duration = %d, want 30", esc.MaxDurationMinutes)
	}

	_, err = LookupEscalation(snap, "developer", "nope")
	if types.KindOf(err) != types.ErrAccessDenied {
		t.Errorf("kind = %q, want access_denied", types.KindOf(err))
	}
	_, err = LookupEscalation(snap, "ghost", "test_failure")
	if types.KindOf(err) != types.ErrRoleNotFound {
		t.Errorf("kind = %q, want role_not_found", types.KindOf(err))
	}
}
