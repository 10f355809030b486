package policy

import (
	"strings"
	"testing"
)

func baseDoc() Document {
	return Document{
		Broker: DefaultBrokerConfig(),
		Profiles: map[string]Profile{
			"developer": {
				Description:  "Deep work on code",
				DefaultTools: []string{"task-master-ai"},
				TokenBudget:  50000,
				Complexity:   "high",
			},
		},
		Servers: map[string]ServerSpec{
			"task-master": {
				Transport: "stdio",
				Command:   "npx task-master-mcp",
				Tools:     []string{"task-master-ai"},
			},
		},
	}
}

func TestValidateAcceptsBaseDocument(t *testing.T) {
	doc := baseDoc()
	if err := Validate(&doc); err != nil {
		t.Fatalf("base document rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Document)
		wantSub string
	}{
		{
			name:    "no profiles",
			mutate:  func(d *Document) { d.Profiles = nil },
			wantSub: "Profiles",
		},
		{
			name:    "no servers",
			mutate:  func(d *Document) { d.Servers = nil },
			wantSub: "Servers",
		},
		{
			name: "profile missing description",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.Description = ""
				d.Profiles["developer"] = p
			},
			wantSub: "Description",
		},
		{
			name: "zero token budget",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.TokenBudget = 0
				d.Profiles["developer"] = p
			},
			wantSub: "TokenBudget",
		},
		{
			name: "bad complexity value",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.Complexity = "extreme"
				d.Profiles["developer"] = p
			},
			wantSub: "Complexity",
		},
		{
			name: "undeclared default tool",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.DefaultTools = append(p.DefaultTools, "ghost-tool")
				d.Profiles["developer"] = p
			},
			wantSub: `"ghost-tool" is not declared`,
		},
		{
			name: "natural transition to unknown role",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.NaturalTransitions = []string{"wizard"}
				d.Profiles["developer"] = p
			},
			wantSub: `unknown role "wizard"`,
		},
		{
			name: "escalation references undeclared tool",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.EscalationTriggers = map[string]Escalation{
					"test_failure": {AdditionalTools: []string{"ghost"}, MaxDurationMinutes: 10},
				}
				d.Profiles["developer"] = p
			},
			wantSub: `"ghost" is not declared`,
		},
		{
			name: "tool owned by two servers",
			mutate: func(d *Document) {
				d.Servers["shadow"] = ServerSpec{
					Transport: "stdio",
					Command:   "run-shadow",
					Tools:     []string{"task-master-ai"},
				}
			},
			wantSub: "declared by multiple servers",
		},
		{
			name: "stdio without command",
			mutate: func(d *Document) {
				s := d.Servers["task-master"]
				s.Command = ""
				d.Servers["task-master"] = s
			},
			wantSub: "requires command",
		},
		{
			name: "http without base_url",
			mutate: func(d *Document) {
				d.Servers["docs"] = ServerSpec{Transport: "http", Tools: []string{"context7"}}
			},
			wantSub: "requires base_url",
		},
		{
			name: "stream without url",
			mutate: func(d *Document) {
				d.Servers["search"] = ServerSpec{Transport: "stream", Tools: []string{"exa"}}
			},
			wantSub: "requires url",
		},
		{
			name: "rules for undeclared tool",
			mutate: func(d *Document) {
				d.Rules = map[string]ToolRules{"nope": {BaseCost: 10}}
			},
			wantSub: "not declared by any server",
		},
		{
			name: "max_results without result_param",
			mutate: func(d *Document) {
				d.Rules = map[string]ToolRules{
					"task-master-ai": {Methods: map[string]MethodRules{
						"list_tasks": {MaxResults: 50},
					}},
				}
			},
			wantSub: "max_results set without result_param",
		},
		{
			name: "budget projection without projection param",
			mutate: func(d *Document) {
				d.Rules = map[string]ToolRules{
					"task-master-ai": {Methods: map[string]MethodRules{
						"list_tasks": {BudgetProjection: "summary"},
					}},
				}
			},
			wantSub: "budget_projection set without projection_param",
		},
		{
			name: "single-element disallowed combo",
			mutate: func(d *Document) {
				d.Rules = map[string]ToolRules{
					"task-master-ai": {Methods: map[string]MethodRules{
						"list_tasks": {DisallowedCombos: [][]string{{"alone"}}},
					}},
				}
			},
			wantSub: "at least two parameters",
		},
		{
			name: "search tool not declared",
			mutate: func(d *Document) {
				d.Features.SearchTools = []string{"phantom"}
			},
			wantSub: `"phantom" is not declared`,
		},
		{
			name: "profile budget above hard cap",
			mutate: func(d *Document) {
				p := d.Profiles["developer"]
				p.TokenBudget = d.Broker.HardCap + 1
				d.Profiles["developer"] = p
			},
			wantSub: "exceeds hard_cap",
		},
		{
			name: "reserve at or above hard cap",
			mutate: func(d *Document) {
				d.Broker.ReserveTokens = d.Broker.HardCap
			},
			wantSub: "reserve_tokens",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := baseDoc()
			tt.mutate(&doc)
			err := Validate(&doc)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	doc := baseDoc()
	p := doc.Profiles["developer"]
	p.DefaultTools = []string{"ghost-a", "ghost-b"}
	p.NaturalTransitions = []string{"nobody"}
	doc.Profiles["developer"] = p

	err := Validate(&doc)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"ghost-a", "ghost-b", "nobody"} {
		if !strings.Contains(msg, want) {
			t.Errorf("combined error missing %q: %s", want, msg)
		}
	}
}

func TestComplexityRank(t *testing.T) {
	cases := map[string]int{"low": 0, "medium": 1, "high": 2, "": 1, "unknown": 1}
	for in, want := range cases {
		if got := ComplexityRank(in); got != want {
			t.Errorf("ComplexityRank(%q) = %d, want %d", in, got, want)
		}
	}
}
