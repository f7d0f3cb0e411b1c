package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yeemio/owlclaw/internal/model"
)

// ErrTenantRequired is returned when a read is attempted without a tenant.
// The zero UUID is not a tenant; rejecting it here keeps the isolation
// invariant out of caller discipline.
var ErrTenantRequired = fmt.Errorf("storage: tenant id is required")

const ledgerColumns = `id, tenant_id, agent_id, run_id, capability_name, task_type,
	input_params, output_result, decision_reasoning, execution_time_ms, model_id,
	tokens_input, tokens_output, estimated_cost, status, error_message, created_at`

// InsertRecords inserts ledger records using the COPY protocol for high
// throughput. Records must already have IDs and timestamps assigned.
func (db *DB) InsertRecords(ctx context.Context, records []model.LedgerRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	columns := []string{
		"id", "tenant_id", "agent_id", "run_id", "capability_name", "task_type",
		"input_params", "output_result", "decision_reasoning", "execution_time_ms",
		"model_id", "tokens_input", "tokens_output", "estimated_cost", "status",
		"error_message", "created_at",
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		var output any
		if r.OutputResult != nil {
			output = r.OutputResult
		}
		rows[i] = []any{
			r.ID,
			r.TenantID,
			r.AgentID,
			r.RunID,
			r.CapabilityName,
			r.TaskType,
			r.InputParams,
			output,
			r.DecisionReasoning,
			r.ExecutionTimeMs,
			r.ModelID,
			r.TokensInput,
			r.TokensOutput,
			r.EstimatedCost,
			string(r.Status),
			r.ErrorMessage,
			r.CreatedAt,
		}
	}

	// Dedicated COPY timeout prevents a hung Postgres from blocking the
	// ledger writer's flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"ledger_records"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy ledger records: %w", err)
	}
	return copyCount, nil
}

// QueryRecords returns ledger rows for one tenant, newest first, with the
// total matching count for pagination.
func (db *DB) QueryRecords(ctx context.Context, tenantID uuid.UUID, f model.RecordFilters) ([]model.LedgerRecord, int, error) {
	if tenantID == uuid.Nil {
		return nil, 0, ErrTenantRequired
	}

	where, args := buildRecordWhereClause(tenantID, f)

	countQuery := "SELECT COUNT(*) FROM ledger_records" + where
	var total int
	if err := db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count ledger records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	selectQuery := fmt.Sprintf(
		"SELECT "+ledgerColumns+" FROM ledger_records%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d",
		where, limit, offset,
	)

	rows, err := db.pool.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query ledger records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetCostSummary aggregates cost and call count for a tenant over a date
// range. An empty agentID aggregates over the whole tenant.
func (db *DB) GetCostSummary(ctx context.Context, tenantID uuid.UUID, agentID string, from, to time.Time) (model.CostSummary, error) {
	if tenantID == uuid.Nil {
		return model.CostSummary{}, ErrTenantRequired
	}

	query := `SELECT COALESCE(SUM(estimated_cost), 0), COUNT(*)
		 FROM ledger_records
		 WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`
	args := []any{tenantID, from, to}
	if agentID != "" {
		query += " AND agent_id = $4"
		args = append(args, agentID)
	}

	var summary model.CostSummary
	var total decimal.Decimal
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&total, &summary.TotalCalls); err != nil {
		return model.CostSummary{}, fmt.Errorf("storage: cost summary: %w", err)
	}
	summary.TotalCost = total
	return summary, nil
}

// GetDailyCallStats returns today's call count and last-call time for an
// (agent, capability) pair. The day window is supplied by the caller so the
// evaluator controls the timezone of "today".
func (db *DB) GetDailyCallStats(ctx context.Context, tenantID uuid.UUID, agentID, capability string, dayStart, dayEnd time.Time) (model.DailyCallStats, error) {
	if tenantID == uuid.Nil {
		return model.DailyCallStats{}, ErrTenantRequired
	}

	var stats model.DailyCallStats
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(created_at)
		 FROM ledger_records
		 WHERE tenant_id = $1 AND agent_id = $2 AND capability_name = $3
		   AND created_at >= $4 AND created_at < $5`,
		tenantID, agentID, capability, dayStart, dayEnd,
	).Scan(&stats.Count, &stats.LastCall)
	if err != nil {
		return model.DailyCallStats{}, fmt.Errorf("storage: daily call stats: %w", err)
	}
	return stats, nil
}

// GetRecentOutcomes returns the most recent execution outcomes for an
// (agent, capability) pair, newest first. The breaker scans this for a
// consecutive-failure streak; flush order preserves enqueue order, so the
// scan reflects true execution order for a single writer.
func (db *DB) GetRecentOutcomes(ctx context.Context, tenantID uuid.UUID, agentID, capability string, limit int) ([]model.ExecutionOutcome, error) {
	if tenantID == uuid.Nil {
		return nil, ErrTenantRequired
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.pool.Query(ctx,
		`SELECT status, created_at FROM ledger_records
		 WHERE tenant_id = $1 AND agent_id = $2 AND capability_name = $3
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		tenantID, agentID, capability, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []model.ExecutionOutcome
	for rows.Next() {
		var o model.ExecutionOutcome
		var s string
		if err := rows.Scan(&s, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan outcome: %w", err)
		}
		o.Status = model.RecordStatus(s)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// buildRecordWhereClause builds the WHERE clause for record queries. The
// tenant predicate is always first and always present.
func buildRecordWhereClause(tenantID uuid.UUID, f model.RecordFilters) (string, []any) {
	clauses := []string{"tenant_id = $1"}
	args := []any{tenantID}
	n := 2

	add := func(clause string, arg any) {
		clauses = append(clauses, fmt.Sprintf(clause, n))
		args = append(args, arg)
		n++
	}

	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.CapabilityName != "" {
		add("capability_name = $%d", f.CapabilityName)
	}
	if f.RunID != nil {
		add("run_id = $%d", *f.RunID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecords(rows pgx.Rows) ([]model.LedgerRecord, error) {
	var records []model.LedgerRecord
	for rows.Next() {
		var r model.LedgerRecord
		var status string
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.AgentID, &r.RunID, &r.CapabilityName, &r.TaskType,
			&r.InputParams, &r.OutputResult, &r.DecisionReasoning, &r.ExecutionTimeMs,
			&r.ModelID, &r.TokensInput, &r.TokensOutput, &r.EstimatedCost, &status,
			&r.ErrorMessage, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan ledger record: %w", err)
		}
		r.Status = model.RecordStatus(status)
		records = append(records, r)
	}
	return records, rows.Err()
}
