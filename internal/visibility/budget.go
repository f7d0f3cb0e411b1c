package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yeemio/owlclaw/internal/cache"
	"github.com/yeemio/owlclaw/internal/config"
	"github.com/yeemio/owlclaw/internal/model"
)

// CostReader is the ledger view the budget evaluator needs.
type CostReader interface {
	CostSummary(ctx context.Context, tenantID uuid.UUID, agentID string, from, to time.Time) (model.CostSummary, error)
}

// BudgetEvaluator hides high-cost capabilities once a tenant's
// current-month spend reaches its configured limit. Zero and low-cost
// capabilities stay visible so the agent can keep doing cheap work.
//
// The month-to-date total is derived from ledger rows (calendar month over
// created_at, no separate counter) and cached to bound read amplification.
type BudgetEvaluator struct {
	reader CostReader
	policy func() *config.Policy
	costs  *cache.TTL[model.CostSummary]
	now    func() time.Time
}

// NewBudgetEvaluator creates the budget evaluator. policy is a snapshot
// accessor so reloads take effect without rebuilding the evaluator; now is
// injectable for tests.
func NewBudgetEvaluator(reader CostReader, policy func() *config.Policy, costs *cache.TTL[model.CostSummary], now func() time.Time) *BudgetEvaluator {
	if now == nil {
		now = time.Now
	}
	return &BudgetEvaluator{reader: reader, policy: policy, costs: costs, now: now}
}

// Name implements Evaluator.
func (e *BudgetEvaluator) Name() string { return "budget" }

// Evaluate implements Evaluator.
func (e *BudgetEvaluator) Evaluate(ctx context.Context, capability model.Capability, rctx model.RunContext) (model.FilterResult, error) {
	pol := e.policy()
	limit, capped := pol.MonthlyLimit(rctx.TenantID)
	if !capped {
		return model.Visible(), nil
	}

	key := rctx.TenantID.String()
	summary, ok := e.costs.Get(key)
	if !ok {
		monthStart, monthEnd := monthWindow(e.now().UTC())
		var err error
		summary, err = e.reader.CostSummary(ctx, rctx.TenantID, "", monthStart, monthEnd)
		if err != nil {
			return model.FilterResult{}, fmt.Errorf("budget: month-to-date cost: %w", err)
		}
		e.costs.Set(key, summary)
	}

	// Budget remaining: limit - spend. Only high-cost capabilities are cut
	// off when it runs out.
	if summary.TotalCost.GreaterThanOrEqual(limit) {
		if capability.EstimatedCost.GreaterThan(pol.HighCostThreshold) {
			return model.Hidden(fmt.Sprintf(
				"monthly budget exhausted (%s/%s) and estimated cost %s exceeds threshold %s",
				summary.TotalCost, limit, capability.EstimatedCost, pol.HighCostThreshold,
			)), nil
		}
	}
	return model.Visible(), nil
}

// monthWindow returns [start of t's calendar month, start of next month).
func monthWindow(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
