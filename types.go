package owlclaw

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Capability is a named, callable unit the agent may invoke. Constraint
// declarations (business-hours flag, daily-call cap, cooldown) travel in
// Metadata and are resolved to typed constraints when the capability
// enters a Filter call.
//
// Recognized metadata keys: "business_hours_only" (bool),
// "max_daily_calls" (int), "cooldown_seconds" (int).
type Capability struct {
	Name          string          `json:"name"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// RunContext is the per-cycle context: who is acting, for which tenant,
// in which run, on what kind of task. Create one per agent cycle.
type RunContext struct {
	TenantID uuid.UUID `json:"tenant_id"`
	AgentID  string    `json:"agent_id"`
	RunID    uuid.UUID `json:"run_id"`
	TaskType string    `json:"task_type"`
}

// Status is the terminal state of a capability execution.
type Status string

// Execution statuses.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Record is one execution's audit entry. Hand it to Governor.Record after
// each capability execution; the ledger persists it asynchronously.
type Record struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	AgentID           string          `json:"agent_id"`
	RunID             uuid.UUID       `json:"run_id"`
	CapabilityName    string          `json:"capability_name"`
	TaskType          string          `json:"task_type"`
	InputParams       map[string]any  `json:"input_params,omitempty"`
	OutputResult      map[string]any  `json:"output_result,omitempty"`
	DecisionReasoning string          `json:"decision_reasoning,omitempty"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	ModelID           string          `json:"model_id,omitempty"`
	TokensInput       int             `json:"tokens_input"`
	TokensOutput      int             `json:"tokens_output"`
	EstimatedCost     decimal.Decimal `json:"estimated_cost"`
	Status            Status          `json:"status"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RecordFilters narrows a ledger query. The tenant is deliberately not a
// filter: it is a mandatory parameter of Query itself.
type RecordFilters struct {
	AgentID        string
	CapabilityName string
	RunID          *uuid.UUID
	Status         Status
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// CostSummary aggregates spend and call volume over a tenant/agent/range.
type CostSummary struct {
	TotalCost  decimal.Decimal `json:"total_cost"`
	TotalCalls int64           `json:"total_calls"`
}

// ModelSelection is the router's answer: the model to call first and the
// ordered fallback chain to walk via HandleModelFailure.
type ModelSelection struct {
	Model    string   `json:"model"`
	Fallback []string `json:"fallback,omitempty"`
}
