package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordStatus enumerates the terminal states of a capability execution.
type RecordStatus string

const (
	StatusSuccess RecordStatus = "success"
	StatusFailure RecordStatus = "failure"
	StatusTimeout RecordStatus = "timeout"
)

// Valid reports whether s is one of the known statuses.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout:
		return true
	}
	return false
}

// RunContext is the per-cycle context passed to every evaluator and to the
// router. Created once per cycle by the caller; read-only.
type RunContext struct {
	TenantID uuid.UUID `json:"tenant_id"`
	AgentID  string    `json:"agent_id"`
	RunID    uuid.UUID `json:"run_id"`
	TaskType string    `json:"task_type"`
}

// FilterResult is a single evaluator's verdict for one capability.
// Reason is empty when the capability is visible.
type FilterResult struct {
	Visible bool   `json:"visible"`
	Reason  string `json:"reason,omitempty"`
}

// Visible is the affirmative verdict.
func Visible() FilterResult { return FilterResult{Visible: true} }

// Hidden is a negative verdict with the given reason.
func Hidden(reason string) FilterResult { return FilterResult{Visible: false, Reason: reason} }

// LedgerRecord is one row of the execution audit log. Append-only: never
// mutated after creation, never deleted by this layer.
//
// TenantID is never the zero UUID on a persisted row; every read query is
// scoped by it.
type LedgerRecord struct {
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
	Status            RecordStatus    `json:"status"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CostSummary is the aggregate cost view over a tenant/agent/date range.
// Derived by query, never stored.
type CostSummary struct {
	TotalCost  decimal.Decimal `json:"total_cost"`
	TotalCalls int64           `json:"total_calls"`
}

// DailyCallStats is the per-day invocation view the rate-limit evaluator
// reads: how many calls so far today and when the last one happened.
type DailyCallStats struct {
	Count    int64      `json:"count"`
	LastCall *time.Time `json:"last_call,omitempty"`
}

// ExecutionOutcome is the slim per-execution view the circuit breaker
// scans: terminal status plus when it happened.
type ExecutionOutcome struct {
	Status    RecordStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Failed reports whether the outcome counts toward a failure streak.
// Timeouts are failed executions as far as the breaker is concerned.
func (o ExecutionOutcome) Failed() bool {
	return o.Status == StatusFailure || o.Status == StatusTimeout
}

// RecordFilters narrows a ledger query. The tenant is not part of the
// filters on purpose: it is a mandatory, separate query parameter.
type RecordFilters struct {
	AgentID        string
	CapabilityName string
	RunID          *uuid.UUID
	Status         RecordStatus
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}
