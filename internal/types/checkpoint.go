package types

import "time"

// =============================================================================
// CHECKPOINT TYPES
// =============================================================================

// CheckpointKind names the reason a context checkpoint was taken. Kinds map
// to the interruption moments that matter for resumability: role switches,
// task boundaries, breaks, errors, and the periodic safety net.
type CheckpointKind string

const (
	CheckpointAutoPeriodic  CheckpointKind = "auto-periodic"
	CheckpointRoleSwitch    CheckpointKind = "role-switch"
	CheckpointTaskComplete  CheckpointKind = "task-complete"
	CheckpointErrorRecovery CheckpointKind = "error-recovery"
	CheckpointManual        CheckpointKind = "manual"
	CheckpointSessionEnd    CheckpointKind = "session-end"
	CheckpointContextSwitch CheckpointKind = "context-switch"
	CheckpointBreakStart    CheckpointKind = "break-start"
	CheckpointBreakEnd      CheckpointKind = "break-end"
)

// Durable reports whether checkpoints of this kind are mirrored to the
// append-only log in addition to the in-memory ring.
func (k CheckpointKind) Durable() bool {
	switch k {
	case CheckpointSessionEnd, CheckpointTaskComplete, CheckpointRoleSwitch:
		return true
	}
	return false
}

// Valid reports whether k is a known checkpoint kind.
func (k CheckpointKind) Valid() bool {
	switch k {
	case CheckpointAutoPeriodic, CheckpointRoleSwitch, CheckpointTaskComplete,
		CheckpointErrorRecovery, CheckpointManual, CheckpointSessionEnd,
		CheckpointContextSwitch, CheckpointBreakStart, CheckpointBreakEnd:
		return true
	}
	return false
}

// CheckpointPayload is the caller-supplied working context worth restoring:
// what you were thinking, what comes next, what's blocked, and how you were
// doing. All fields optional.
type CheckpointPayload struct {
	MentalModel string   `json:"mental_model,omitempty"`
	NextSteps   []string `json:"next_steps,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
	Energy      string   `json:"energy,omitempty"`
	Focus       string   `json:"focus,omitempty"`
}

// Checkpoint is one saved moment of working context.
type Checkpoint struct {
	At        time.Time         `json:"at"`
	Kind      CheckpointKind    `json:"kind"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role,omitempty"`
	Payload   CheckpointPayload `json:"payload"`
}
