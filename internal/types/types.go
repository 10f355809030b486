// Package types provides shared type definitions used across metamcp packages.
// This package exists to break import cycles between broker, session, ledger,
// and transport. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// =============================================================================
// TOOL CALL TYPES
// =============================================================================

// ToolCall is the loosely-typed invocation shape the broker accepts from
// clients. Args is deliberately a free-form map: upstream tool servers own
// their schemas, the broker only inspects the parameters its policy names.
type ToolCall struct {
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

// CloneArgs returns a shallow copy of the argument map. Rewrite passes
// mutate the copy so the caller's map is never touched.
func (c ToolCall) CloneArgs() map[string]any {
	if c.Args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(c.Args))
	for k, v := range c.Args {
		out[k] = v
	}
	return out
}

// Fingerprint returns a short stable hash of (tool, method, args).
// encoding/json sorts map keys, so equal argument maps hash equally.
func (c ToolCall) Fingerprint() string {
	raw, err := json.Marshal(c.Args)
	if err != nil {
		raw = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(c.Tool))
	h.Write([]byte{0})
	h.Write([]byte(c.Method))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ToolResponse is what the broker hands back for every call, success or not.
type ToolResponse struct {
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	Err           *Error          `json:"error,omitempty"`
	Optimizations []Optimization  `json:"optimizations,omitempty"`
	TokensUsed    int             `json:"tokens_used"`
	ElapsedMs     int64           `json:"elapsed_ms"`
}

// =============================================================================
// OPTIMIZATION TYPES
// =============================================================================

// OptimizationKind names a category of pre-invocation rewrite.
type OptimizationKind string

const (
	OptTrimResults        OptimizationKind = "trim-results"
	OptReduceScope        OptimizationKind = "reduce-scope"
	OptCacheHint          OptimizationKind = "cache-hint"
	OptSuggestAlternative OptimizationKind = "suggest-alternative"
	OptDenyExpensive      OptimizationKind = "deny-expensive"
)

// Optimization records one rewrite the broker applied (or recommends).
// UserMessage is the gentle one-liner surfaced to the person at the keyboard;
// Explanation is the operator-facing detail.
type Optimization struct {
	Kind             OptimizationKind `json:"kind"`
	CallFingerprint  string           `json:"call_fingerprint"`
	EstimatedSavings int              `json:"estimated_savings"`
	Explanation      string           `json:"explanation"`
	UserMessage      string           `json:"user_message,omitempty"`
}

// =============================================================================
// SESSION SNAPSHOT TYPES (persisted form)
// =============================================================================

// EscalationStatus is the escalation state machine position for a session.
type EscalationStatus string

const (
	EscalationNone    EscalationStatus = "none"
	EscalationActive  EscalationStatus = "active"
	EscalationPending EscalationStatus = "pending_approval"
)

// EscalationState captures a session's temporary tool grant, if any.
type EscalationState struct {
	Status           EscalationStatus `json:"status"`
	Key              string           `json:"key,omitempty"`
	AdditionalTools  []string         `json:"additional_tools,omitempty"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	ApprovalDeadline *time.Time       `json:"approval_deadline,omitempty"`
}

// LedgerState is the materialized token accounting persisted with a session.
// Derived fields (bands, burn rate) are recomputed on load, never stored.
type LedgerState struct {
	TotalBudget int `json:"total_budget"`
	Used        int `json:"used"`
	Reserved    int `json:"reserved"`
}

// SessionSnapshot is the single-file persisted form of one session.
type SessionSnapshot struct {
	ID           string          `json:"id"`
	Role         string          `json:"role,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	SavedAt      time.Time       `json:"saved_at"`
	Mounted      []string        `json:"mounted,omitempty"`
	Checkpoints  []Checkpoint    `json:"checkpoints,omitempty"`
	Escalation   EscalationState `json:"escalation"`
	Ledger       LedgerState     `json:"ledger"`
}

// SortedTools returns a sorted copy of a tool set, for stable output.
func SortedTools(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
