// Package model defines the governance layer's domain types: capabilities,
// per-cycle run context, ledger records, and routing results.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Capability is a named, callable unit the agent may invoke. Owned by the
// external capability registry; immutable within a cycle.
type Capability struct {
	Name          string          `json:"name"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Metadata      map[string]any  `json:"metadata,omitempty"`

	// Constraints is the typed view of the declared constraint metadata,
	// resolved once at registration time so the hot path never parses
	// untyped key-value bags.
	Constraints Constraints `json:"-"`
}

// Constraints is the closed set of constraint declarations a capability
// can carry. Zero values mean "unconstrained".
type Constraints struct {
	// BusinessHoursOnly restricts visibility to the configured business
	// window (timezone, weekdays, hours come from evaluator config).
	BusinessHoursOnly bool

	// MaxDailyCalls caps invocations per (agent, capability) per calendar
	// day. 0 = unlimited.
	MaxDailyCalls int

	// Cooldown is the minimum gap between consecutive invocations.
	// 0 = no cooldown.
	Cooldown time.Duration
}

// Metadata keys recognized by ParseConstraints.
const (
	MetaBusinessHoursOnly = "business_hours_only"
	MetaMaxDailyCalls     = "max_daily_calls"
	MetaCooldownSeconds   = "cooldown_seconds"
)

// ParseConstraints resolves a capability's untyped constraint metadata into
// typed Constraints. Unknown keys are ignored; malformed values are treated
// as absent (registration-time leniency, runtime strictness).
func ParseConstraints(metadata map[string]any) Constraints {
	var c Constraints
	if metadata == nil {
		return c
	}
	if v, ok := metadata[MetaBusinessHoursOnly].(bool); ok {
		c.BusinessHoursOnly = v
	}
	if n, ok := asInt(metadata[MetaMaxDailyCalls]); ok && n > 0 {
		c.MaxDailyCalls = n
	}
	if n, ok := asInt(metadata[MetaCooldownSeconds]); ok && n > 0 {
		c.Cooldown = time.Duration(n) * time.Second
	}
	return c
}

// asInt coerces the numeric types JSON decoding and YAML loading produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
