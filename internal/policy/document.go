// Package policy owns the single YAML policy document that drives the broker:
// role profiles, per-tool rewrite rules, server topology, and global knobs.
// Loads are all-or-nothing; consumers only ever see immutable snapshots.
package policy

import (
	"os"
	"strconv"
	"time"
)

// Document is the root of the policy YAML. One file configures the whole
// broker; there is no second config source besides a few env overrides.
type Document struct {
	Broker   BrokerConfig          `yaml:"broker"`
	Features FeatureConfig         `yaml:"features"`
	Rules    map[string]ToolRules  `yaml:"rules"`
	Profiles map[string]Profile    `yaml:"profiles" validate:"required,min=1,dive"`
	Servers  map[string]ServerSpec `yaml:"servers" validate:"required,min=1,dive"`
}

// BrokerConfig carries the global knobs. Durations are plain integer fields
// with the unit in the name so the YAML stays greppable.
type BrokerConfig struct {
	HardCap                    int     `yaml:"hard_cap" validate:"gt=0"`
	ReserveTokens              int     `yaml:"reserve_tokens" validate:"gte=0"`
	WarningFraction            float64 `yaml:"warning_fraction" validate:"gt=0,lt=1"`
	ToolTimeoutSeconds         int     `yaml:"tool_timeout_seconds" validate:"gt=0"`
	RoleSwitchTimeoutSeconds   int     `yaml:"role_switch_timeout_seconds" validate:"gt=0"`
	HealthCheckIntervalSeconds int     `yaml:"health_check_interval_seconds" validate:"gt=0"`
	SessionIdleMinutes         int     `yaml:"session_idle_minutes" validate:"gt=0"`
	SessionGCIntervalMinutes   int     `yaml:"session_gc_interval_minutes" validate:"gt=0"`
	EscalationSweepSeconds     int     `yaml:"escalation_sweep_seconds" validate:"gt=0"`
	ApprovalWindowMinutes      int     `yaml:"approval_window_minutes" validate:"gt=0"`
	AutoCheckpointMinutes      int     `yaml:"auto_checkpoint_minutes" validate:"gt=0"`
	CheckpointRing             int     `yaml:"checkpoint_ring" validate:"gt=0"`
	MaxInFlightPerServer       int     `yaml:"max_in_flight_per_server" validate:"gt=0"`
	BreakerFailureThreshold    int     `yaml:"breaker_failure_threshold" validate:"gt=0"`
	BreakerRecoverySeconds     int     `yaml:"breaker_recovery_seconds" validate:"gt=0"`
	BreakerHardResetSeconds    int     `yaml:"breaker_hard_reset_seconds" validate:"gt=0"`
	MaxComplexityJump          int     `yaml:"max_complexity_jump" validate:"gte=0,lte=2"`
	ListenOps                  string  `yaml:"listen_ops"`

	// Messages overrides the default gentle error message per error kind,
	// keyed by the kind's wire code (e.g. "budget_exceeded").
	Messages map[string]string `yaml:"messages"`
}

// FeatureConfig toggles optional broker behaviors.
type FeatureConfig struct {
	GentleAlerts   bool     `yaml:"gentle_alerts"`
	AutoCheckpoint bool     `yaml:"auto_checkpoint"`
	SearchTools    []string `yaml:"search_tools"`
}

// ToolRules is the per-tool rewrite and estimation policy.
type ToolRules struct {
	BaseCost    int                    `yaml:"base_cost" validate:"gte=0"`
	SearchClass bool                   `yaml:"search_class"`
	Methods     map[string]MethodRules `yaml:"methods" validate:"dive"`
}

// MethodRules drives the rewrite engine for one (tool, method) pair. Every
// field is optional; a zero value means "no rule of that shape".
type MethodRules struct {
	// Result trimming: cap the named count parameter.
	MaxResults  int    `yaml:"max_results" validate:"gte=0"`
	ResultParam string `yaml:"result_param"`
	// Second-round cap used when the first rewrite still exceeds budget.
	AggressiveMaxResults int `yaml:"aggressive_max_results" validate:"gte=0"`

	// Item trimming: cap the named per-item length parameter.
	MaxItemChars int    `yaml:"max_item_chars" validate:"gte=0"`
	ItemParam    string `yaml:"item_param"`

	// Defaults injected when the caller left the argument out.
	ArgDefaults map[string]any `yaml:"arg_defaults"`

	// Parameter combinations that may not appear together. When every
	// parameter of a combo is present, all but the first are dropped.
	DisallowedCombos [][]string `yaml:"disallowed_combos"`

	// Projection forced when the session's budget band is warning or worse.
	ProjectionParam  string `yaml:"projection_param"`
	BudgetProjection string `yaml:"budget_projection"`

	// Minimum useful query length; shorter queries get a gentle suggestion.
	QueryParam  string `yaml:"query_param"`
	MinQueryLen int    `yaml:"min_query_len" validate:"gte=0"`

	// Advisory result-cache lifetime surfaced as a cache-hint.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" validate:"gte=0"`

	// Estimation inputs.
	BaseCost      int `yaml:"base_cost" validate:"gte=0"`
	CostPerResult int `yaml:"cost_per_result" validate:"gte=0"`
}

// Profile declares one role: what it can touch, what it costs, and where it
// can go next.
type Profile struct {
	Description           string                `yaml:"description" validate:"required"`
	DefaultTools          []string              `yaml:"default_tools"`
	TokenBudget           int                   `yaml:"token_budget" validate:"gt=0"`
	Complexity            string                `yaml:"complexity" validate:"omitempty,oneof=low medium high"`
	NaturalTransitions    []string              `yaml:"natural_transitions"`
	EscalatesTo           []string              `yaml:"escalates_to"`
	TypicalSessionMinutes int                   `yaml:"typical_session_minutes" validate:"gte=0"`
	AutoCheckpointMinutes int                   `yaml:"auto_checkpoint_minutes" validate:"gte=0"`
	EscalationTriggers    map[string]Escalation `yaml:"escalation_triggers" validate:"dive"`
}

// Escalation is a named temporary tool grant attached to a profile.
type Escalation struct {
	AdditionalTools    []string `yaml:"additional_tools" validate:"required,min=1"`
	MaxDurationMinutes int      `yaml:"max_duration_minutes" validate:"gt=0"`
	AutoTrigger        bool     `yaml:"auto_trigger"`
	RequiresApproval   bool     `yaml:"requires_approval"`
	Priority           int      `yaml:"priority" validate:"gte=0"`
}

// ServerSpec declares one upstream tool server and the tools it hosts.
type ServerSpec struct {
	Transport string `yaml:"transport" validate:"required,oneof=stdio http stream"`

	// stdio
	Command string            `yaml:"command"`
	Workdir string            `yaml:"workdir"`
	Env     map[string]string `yaml:"env"`

	// http
	BaseURL    string `yaml:"base_url"`
	AuthEnv    string `yaml:"auth_env"`
	HealthPath string `yaml:"health_path"`

	// stream
	URL                 string `yaml:"url"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds" validate:"gte=0"`

	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds" validate:"gte=0"`
	ToolTimeoutSeconds    int `yaml:"tool_timeout_seconds" validate:"gte=0"`
	MaxInFlight           int `yaml:"max_in_flight" validate:"gte=0"`

	Tools []string `yaml:"tools" validate:"required,min=1"`
}

// DefaultBrokerConfig returns the fallback knobs applied underneath whatever
// the YAML sets.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		HardCap:                    200000,
		ReserveTokens:              2000,
		WarningFraction:            0.75,
		ToolTimeoutSeconds:         30,
		RoleSwitchTimeoutSeconds:   5,
		HealthCheckIntervalSeconds: 30,
		SessionIdleMinutes:         120,
		SessionGCIntervalMinutes:   5,
		EscalationSweepSeconds:     60,
		ApprovalWindowMinutes:      5,
		AutoCheckpointMinutes:      25,
		CheckpointRing:             64,
		MaxInFlightPerServer:       10,
		BreakerFailureThreshold:    5,
		BreakerRecoverySeconds:     30,
		BreakerHardResetSeconds:    300,
		MaxComplexityJump:          1,
		ListenOps:                  "127.0.0.1:9115",
	}
}

// applyDefaults fills zero-valued broker knobs with defaults. Only broker
// knobs get defaults; profiles, rules, and servers must be explicit.
func (d *Document) applyDefaults() {
	def := DefaultBrokerConfig()
	b := &d.Broker
	if b.HardCap == 0 {
		b.HardCap = def.HardCap
	}
	if b.WarningFraction == 0 {
		b.WarningFraction = def.WarningFraction
	}
	if b.ToolTimeoutSeconds == 0 {
		b.ToolTimeoutSeconds = def.ToolTimeoutSeconds
	}
	if b.RoleSwitchTimeoutSeconds == 0 {
		b.RoleSwitchTimeoutSeconds = def.RoleSwitchTimeoutSeconds
	}
	if b.HealthCheckIntervalSeconds == 0 {
		b.HealthCheckIntervalSeconds = def.HealthCheckIntervalSeconds
	}
	if b.SessionIdleMinutes == 0 {
		b.SessionIdleMinutes = def.SessionIdleMinutes
	}
	if b.SessionGCIntervalMinutes == 0 {
		b.SessionGCIntervalMinutes = def.SessionGCIntervalMinutes
	}
	if b.EscalationSweepSeconds == 0 {
		b.EscalationSweepSeconds = def.EscalationSweepSeconds
	}
	if b.ApprovalWindowMinutes == 0 {
		b.ApprovalWindowMinutes = def.ApprovalWindowMinutes
	}
	if b.AutoCheckpointMinutes == 0 {
		b.AutoCheckpointMinutes = def.AutoCheckpointMinutes
	}
	if b.CheckpointRing == 0 {
		b.CheckpointRing = def.CheckpointRing
	}
	if b.MaxInFlightPerServer == 0 {
		b.MaxInFlightPerServer = def.MaxInFlightPerServer
	}
	if b.BreakerFailureThreshold == 0 {
		b.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if b.BreakerRecoverySeconds == 0 {
		b.BreakerRecoverySeconds = def.BreakerRecoverySeconds
	}
	if b.BreakerHardResetSeconds == 0 {
		b.BreakerHardResetSeconds = def.BreakerHardResetSeconds
	}
	if b.MaxComplexityJump == 0 {
		b.MaxComplexityJump = def.MaxComplexityJump
	}
	if b.ListenOps == "" {
		b.ListenOps = def.ListenOps
	}
}

// applyEnvOverrides lets a handful of deployment-critical knobs be overridden
// without editing the policy file.
func (d *Document) applyEnvOverrides() {
	if v := os.Getenv("METAMCP_HARD_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Broker.HardCap = n
		}
	}
	if v := os.Getenv("METAMCP_LISTEN_OPS"); v != "" {
		d.Broker.ListenOps = v
	}
	if v := os.Getenv("METAMCP_TOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Broker.ToolTimeoutSeconds = n
		}
	}
}

// Duration accessors keep callers out of the seconds/minutes arithmetic.

func (b BrokerConfig) ToolTimeout() time.Duration {
	return time.Duration(b.ToolTimeoutSeconds) * time.Second
}

func (b BrokerConfig) RoleSwitchTimeout() time.Duration {
	return time.Duration(b.RoleSwitchTimeoutSeconds) * time.Second
}

func (b BrokerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(b.HealthCheckIntervalSeconds) * time.Second
}

func (b BrokerConfig) SessionIdle() time.Duration {
	return time.Duration(b.SessionIdleMinutes) * time.Minute
}

func (b BrokerConfig) SessionGCInterval() time.Duration {
	return time.Duration(b.SessionGCIntervalMinutes) * time.Minute
}

func (b BrokerConfig) EscalationSweep() time.Duration {
	return time.Duration(b.EscalationSweepSeconds) * time.Second
}

func (b BrokerConfig) ApprovalWindow() time.Duration {
	return time.Duration(b.ApprovalWindowMinutes) * time.Minute
}

func (b BrokerConfig) AutoCheckpoint() time.Duration {
	return time.Duration(b.AutoCheckpointMinutes) * time.Minute
}

func (b BrokerConfig) BreakerRecovery() time.Duration {
	return time.Duration(b.BreakerRecoverySeconds) * time.Second
}

func (b BrokerConfig) BreakerHardReset() time.Duration {
	return time.Duration(b.BreakerHardResetSeconds) * time.Second
}

func (e Escalation) MaxDuration() time.Duration {
	return time.Duration(e.MaxDurationMinutes) * time.Minute
}

// ComplexityRank maps a profile complexity to its ordinal. Unset complexity
// ranks as medium so a partially-annotated policy stays permissive.
func ComplexityRank(complexity string) int {
	switch complexity {
	case "low":
		return 0
	case "high":
		return 2
	default:
		return 1
	}
}
