package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrKind classifies every failure the broker core can surface. The string
// value doubles as the stable machine-readable code on the wire.
type ErrKind string

const (
	ErrNoSuchSession     ErrKind = "no_such_session"
	ErrRoleNotFound      ErrKind = "role_not_found"
	ErrAccessDenied      ErrKind = "access_denied"
	ErrTransitionDenied  ErrKind = "transition_denied"
	ErrBudgetExceeded    ErrKind = "budget_exceeded"
	ErrServerUnavailable ErrKind = "server_unavailable"
	ErrServerBusy        ErrKind = "server_busy"
	ErrTimeout           ErrKind = "timeout"
	ErrTransport         ErrKind = "transport_error"
	ErrTool              ErrKind = "tool_error"
	ErrPolicyInvalid     ErrKind = "policy_invalid"
	ErrInternal          ErrKind = "internal"
)

// gentleMessages are the default user-facing one-liners per kind. Deployments
// may override them in policy; the broker swaps the message at the boundary.
// Tone matters here: never blame, always suggest the next step.
var gentleMessages = map[ErrKind]string{
	ErrNoSuchSession:     "That session isn't active anymore. Starting a fresh one only takes a moment.",
	ErrRoleNotFound:      "That role isn't in the current policy. Check the role list for what's available.",
	ErrAccessDenied:      "This tool isn't part of your current role. A quick role switch or escalation can unlock it.",
	ErrTransitionDenied:  "That role change is a big jump. An intermediate step will get you there.",
	ErrBudgetExceeded:    "This call would use more tokens than you have left. A narrower query will fit.",
	ErrServerUnavailable: "That tool's server is taking a breather. It will be back shortly.",
	ErrServerBusy:        "That tool's server is at capacity right now. Give it a moment and retry.",
	ErrTimeout:           "The tool took too long to answer, so we let it go.",
	ErrTransport:         "We lost contact with the tool server mid-call. Nothing was charged for the failure.",
	ErrTool:              "The tool reported an error for this request.",
	ErrPolicyInvalid:     "The new policy didn't validate, so the current one stays in effect.",
	ErrInternal:          "Something went wrong on our side. It's been logged with a reference code.",
}

// GentleMessage returns the default user-facing message for a kind.
func GentleMessage(kind ErrKind) string {
	if msg, ok := gentleMessages[kind]; ok {
		return msg
	}
	return gentleMessages[ErrInternal]
}

// Error is the typed error value used across the broker core. Everything a
// caller needs to react programmatically lives in exported fields; Detail is
// for operators and logs, Message for the person at the keyboard.
type Error struct {
	Kind          ErrKind `json:"kind"`
	Message       string  `json:"message"`
	Detail        string  `json:"detail,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`

	// Rule names the transition rule that vetoed a role switch
	// (TransitionDenied only).
	Rule string `json:"rule,omitempty"`
	// Shortage is how many tokens the call was short (BudgetExceeded only).
	Shortage int `json:"shortage,omitempty"`

	wrapped error
}

// NewError builds a typed error with the default gentle message.
func NewError(kind ErrKind, detail string) *Error {
	return &Error{Kind: kind, Message: GentleMessage(kind), Detail: detail}
}

// Errorf builds a typed error with a formatted detail string.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WrapError builds a typed error carrying an underlying cause.
func WrapError(kind ErrKind, detail string, err error) *Error {
	e := NewError(kind, detail)
	e.wrapped = err
	return e
}

// Internal builds an ErrInternal carrying a fresh correlation ID so the log
// line and the surfaced error can be matched up later.
func Internal(detail string, err error) *Error {
	e := WrapError(ErrInternal, detail, err)
	e.CorrelationID = uuid.NewString()
	return e
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// AsError unwraps err to a typed *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the ErrKind of err, or ErrInternal for untyped errors.
// A nil error has no kind and returns the empty string.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrInternal
}
