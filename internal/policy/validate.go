package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"metamcp/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a document structurally and cross-referentially. Every
// problem is collected so one reload surfaces the full damage report instead
// of the first field only. Returns a types.Error of kind ErrPolicyInvalid.
func Validate(doc *Document) error {
	var problems []string

	if err := validate.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	declared := declaredTools(doc)

	// Each tool must belong to exactly one server.
	owners := map[string][]string{}
	for name, srv := range doc.Servers {
		for _, tool := range srv.Tools {
			owners[tool] = append(owners[tool], name)
		}
	}
	for tool, servers := range owners {
		if len(servers) > 1 {
			sort.Strings(servers)
			problems = append(problems, fmt.Sprintf("tool %q declared by multiple servers: %s", tool, strings.Join(servers, ", ")))
		}
	}

	// Transport-specific required fields.
	for name, srv := range doc.Servers {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				problems = append(problems, fmt.Sprintf("server %q: stdio transport requires command", name))
			}
		case "http":
			if srv.BaseURL == "" {
				problems = append(problems, fmt.Sprintf("server %q: http transport requires base_url", name))
			}
		case "stream":
			if srv.URL == "" {
				problems = append(problems, fmt.Sprintf("server %q: stream transport requires url", name))
			}
		}
	}

	// Profiles may only reference declared tools and existing roles.
	for name, prof := range doc.Profiles {
		for _, tool := range prof.DefaultTools {
			if !declared[tool] {
				problems = append(problems, fmt.Sprintf("profile %q: default tool %q is not declared by any server", name, tool))
			}
		}
		for _, to := range prof.NaturalTransitions {
			if _, ok := doc.Profiles[to]; !ok {
				problems = append(problems, fmt.Sprintf("profile %q: natural transition to unknown role %q", name, to))
			}
		}
		for _, to := range prof.EscalatesTo {
			if _, ok := doc.Profiles[to]; !ok {
				problems = append(problems, fmt.Sprintf("profile %q: escalates_to unknown role %q", name, to))
			}
		}
		for key, esc := range prof.EscalationTriggers {
			for _, tool := range esc.AdditionalTools {
				if !declared[tool] {
					problems = append(problems, fmt.Sprintf("profile %q escalation %q: tool %q is not declared by any server", name, key, tool))
				}
			}
		}
	}

	// Rewrite rules must target declared tools and be internally coherent.
	for tool, rules := range doc.Rules {
		if !declared[tool] {
			problems = append(problems, fmt.Sprintf("rules for %q: tool is not declared by any server", tool))
		}
		for method, mr := range rules.Methods {
			where := fmt.Sprintf("rules %s.%s", tool, method)
			if mr.MaxResults > 0 && mr.ResultParam == "" {
				problems = append(problems, where+": max_results set without result_param")
			}
			if mr.AggressiveMaxResults > mr.MaxResults && mr.MaxResults > 0 {
				problems = append(problems, where+": aggressive_max_results exceeds max_results")
			}
			if mr.MaxItemChars > 0 && mr.ItemParam == "" {
				problems = append(problems, where+": max_item_chars set without item_param")
			}
			if mr.BudgetProjection != "" && mr.ProjectionParam == "" {
				problems = append(problems, where+": budget_projection set without projection_param")
			}
			if mr.MinQueryLen > 0 && mr.QueryParam == "" {
				problems = append(problems, where+": min_query_len set without query_param")
			}
			for i, combo := range mr.DisallowedCombos {
				if len(combo) < 2 {
					problems = append(problems, fmt.Sprintf("%s: disallowed_combos[%d] needs at least two parameters", where, i))
				}
			}
		}
	}

	// Search tools must be declared.
	for _, tool := range doc.Features.SearchTools {
		if !declared[tool] {
			problems = append(problems, fmt.Sprintf("features.search_tools: %q is not declared by any server", tool))
		}
	}

	// Per-role budgets cannot exceed the global hard cap.
	for name, prof := range doc.Profiles {
		if prof.TokenBudget > doc.Broker.HardCap {
			problems = append(problems, fmt.Sprintf("profile %q: token_budget %d exceeds hard_cap %d", name, prof.TokenBudget, doc.Broker.HardCap))
		}
	}
	if doc.Broker.ReserveTokens >= doc.Broker.HardCap {
		problems = append(problems, fmt.Sprintf("broker: reserve_tokens %d must be below hard_cap %d", doc.Broker.ReserveTokens, doc.Broker.HardCap))
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return types.NewError(types.ErrPolicyInvalid, strings.Join(problems, "; "))
}

func declaredTools(doc *Document) map[string]bool {
	declared := make(map[string]bool)
	for _, srv := range doc.Servers {
		for _, tool := range srv.Tools {
			declared[tool] = true
		}
	}
	return declared
}
