// Package role answers three questions against a policy snapshot: does role X
// grant tool T, is the transition X to Y legal, and which escalations are
// worth offering right now. It holds no state of its own; every answer is a
// pure function of the snapshot passed in, so concurrent callers on different
// snapshots never interfere.
package role

import (
	"fmt"
	"sort"

	"metamcp/internal/policy"
	"metamcp/internal/types"
)

// TransitionRule names the legality rule that accepted or vetoed a role
// transition. Every verdict carries one so denials can say exactly why.
type TransitionRule string

const (
	RuleNullOrigin     TransitionRule = "null-origin"
	RuleSameRole       TransitionRule = "same-role"
	RuleNatural        TransitionRule = "natural-transition"
	RuleEscalation     TransitionRule = "escalation-path"
	RuleComplexityStep TransitionRule = "complexity-step"
)

// Verdict is the outcome of a transition legality check.
type Verdict struct {
	Legal  bool
	Rule   TransitionRule
	Reason string
}

// ResolveProfile looks up a role by name.
func ResolveProfile(snap *policy.Snapshot, name string) (policy.Profile, error) {
	prof, ok := snap.Profile(name)
	if !ok {
		return policy.Profile{}, types.Errorf(types.ErrRoleNotFound, "role %q is not defined in policy v%d", name, snap.Version())
	}
	return prof, nil
}

// ValidateRoleName reports whether name is a role the snapshot declares.
// Callers that need the profile use ResolveProfile and its typed error.
func ValidateRoleName(snap *policy.Snapshot, name string) bool {
	_, ok := snap.Profile(name)
	return ok
}

// DefaultTools returns the default tool set for a role.
func DefaultTools(snap *policy.Snapshot, name string) ([]string, error) {
	prof, err := ResolveProfile(snap, name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(prof.DefaultTools))
	copy(out, prof.DefaultTools)
	return out, nil
}

// Grants reports whether a role's default set includes the tool.
func Grants(snap *policy.Snapshot, name, tool string) (bool, error) {
	prof, err := ResolveProfile(snap, name)
	if err != nil {
		return false, err
	}
	for _, t := range prof.DefaultTools {
		if t == tool {
			return true, nil
		}
	}
	return false, nil
}

// TransitionLegal decides whether a session may move from one role to
// another. Rules, in order: a null origin is always legal (first
// assignment); same role is a no-op switch; an explicit natural transition
// or escalation path wins; otherwise the cognitive-complexity jump must fit
// within the policy's max step.
func TransitionLegal(snap *policy.Snapshot, from, to string) (Verdict, error) {
	toProf, err := ResolveProfile(snap, to)
	if err != nil {
		return Verdict{}, err
	}

	if from == "" {
		return Verdict{Legal: true, Rule: RuleNullOrigin}, nil
	}

	fromProf, err := ResolveProfile(snap, from)
	if err != nil {
		return Verdict{}, err
	}

	if from == to {
		return Verdict{Legal: true, Rule: RuleSameRole}, nil
	}

	for _, t := range fromProf.NaturalTransitions {
		if t == to {
			return Verdict{Legal: true, Rule: RuleNatural}, nil
		}
	}
	for _, t := range fromProf.EscalatesTo {
		if t == to {
			return Verdict{Legal: true, Rule: RuleEscalation}, nil
		}
	}

	jump := policy.ComplexityRank(toProf.Complexity) - policy.ComplexityRank(fromProf.Complexity)
	if jump < 0 {
		jump = -jump
	}
	maxJump := snap.Broker().MaxComplexityJump
	if jump <= maxJump {
		return Verdict{Legal: true, Rule: RuleComplexityStep}, nil
	}
	return Verdict{
		Legal: false,
		Rule:  RuleComplexityStep,
		Reason: fmt.Sprintf("complexity jump %s(%s) to %s(%s) is %d steps, max %d; add an intermediate role",
			from, fromProf.Complexity, to, toProf.Complexity, jump, maxJump),
	}, nil
}

// DenyTransition builds the typed error for an illegal transition, carrying
// the vetoing rule for user-visible messages.
func DenyTransition(v Verdict) *types.Error {
	e := types.NewError(types.ErrTransitionDenied, v.Reason)
	e.Rule = string(v.Rule)
	return e
}

// EscalationContext carries externally computed relevance for ranking. The
// registry only consumes the ordering inputs; it never computes relevance
// itself.
type EscalationContext struct {
	// Trigger is the event key that prompted the request, if any. A direct
	// match outranks everything else.
	Trigger string
	// Relevance scores escalation keys; missing keys score zero.
	Relevance map[string]float64
}

// EscalationOption is one ranked menu entry.
type EscalationOption struct {
	Key        string
	Escalation policy.Escalation
	Score      float64
}

// maxEscalationOptions caps the menu length. More than three choices at an
// interruption point is its own cognitive load.
const maxEscalationOptions = 3

// EscalationOptions ranks a role's escalations by contextual relevance and
// returns at most three. Ties break by policy priority, then key.
func EscalationOptions(snap *policy.Snapshot, name string, ectx EscalationContext) ([]EscalationOption, error) {
	prof, err := ResolveProfile(snap, name)
	if err != nil {
		return nil, err
	}

	opts := make([]EscalationOption, 0, len(prof.EscalationTriggers))
	for key, esc := range prof.EscalationTriggers {
		score := ectx.Relevance[key]
		if ectx.Trigger == key {
			score += 1.0
		}
		opts = append(opts, EscalationOption{Key: key, Escalation: esc, Score: score})
	}

	sort.Slice(opts, func(i, j int) bool {
		if opts[i].Score != opts[j].Score {
			return opts[i].Score > opts[j].Score
		}
		if opts[i].Escalation.Priority != opts[j].Escalation.Priority {
			return opts[i].Escalation.Priority < opts[j].Escalation.Priority
		}
		return opts[i].Key < opts[j].Key
	})

	if len(opts) > maxEscalationOptions {
		opts = opts[:maxEscalationOptions]
	}
	return opts, nil
}

// LookupEscalation resolves one named escalation on a role.
func LookupEscalation(snap *policy.Snapshot, name, key string) (policy.Escalation, error) {
	prof, err := ResolveProfile(snap, name)
	if err != nil {
		return policy.Escalation{}, err
	}
	esc, ok := prof.EscalationTriggers[key]
	if !ok {
		return policy.Escalation{}, types.Errorf(types.ErrAccessDenied, "role %q has no escalation %q", name, key)
	}
	return esc, nil
}
