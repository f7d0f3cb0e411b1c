package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yeemio/owlclaw/internal/cache"
	"github.com/yeemio/owlclaw/internal/model"
)

// CallStatsReader is the ledger view the rate-limit evaluator needs.
type CallStatsReader interface {
	DailyCallStats(ctx context.Context, tenantID uuid.UUID, agentID, capability string, dayStart, dayEnd time.Time) (model.DailyCallStats, error)
}

// RateLimitEvaluator enforces a capability's declared max_daily_calls and
// cooldown_seconds constraints per (agent, capability). Counters derive
// from ledger rows filtered to the current UTC day, so they reset at
// midnight with no explicit reset step.
type RateLimitEvaluator struct {
	reader CallStatsReader
	stats  *cache.TTL[model.DailyCallStats]
	now    func() time.Time
}

// NewRateLimitEvaluator creates the rate-limit evaluator. The cache TTL
// should be short (seconds): it trades a little staleness for not hitting
// the database on every capability of every cycle.
func NewRateLimitEvaluator(reader CallStatsReader, stats *cache.TTL[model.DailyCallStats], now func() time.Time) *RateLimitEvaluator {
	if now == nil {
		now = time.Now
	}
	return &RateLimitEvaluator{reader: reader, stats: stats, now: now}
}

// Name implements Evaluator.
func (e *RateLimitEvaluator) Name() string { return "rate_limit" }

// Evaluate implements Evaluator.
func (e *RateLimitEvaluator) Evaluate(ctx context.Context, capability model.Capability, rctx model.RunContext) (model.FilterResult, error) {
	c := capability.Constraints
	if c.MaxDailyCalls == 0 && c.Cooldown == 0 {
		return model.Visible(), nil
	}

	now := e.now().UTC()
	key := rctx.TenantID.String() + "|" + rctx.AgentID + "|" + capability.Name

	stats, ok := e.stats.Get(key)
	if !ok {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		var err error
		stats, err = e.reader.DailyCallStats(ctx, rctx.TenantID, rctx.AgentID, capability.Name, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return model.FilterResult{}, fmt.Errorf("rate_limit: daily call stats: %w", err)
		}
		e.stats.Set(key, stats)
	}

	if c.MaxDailyCalls > 0 && stats.Count >= int64(c.MaxDailyCalls) {
		return model.Hidden(fmt.Sprintf("daily call limit reached (%d/%d)", stats.Count, c.MaxDailyCalls)), nil
	}
	if c.Cooldown > 0 && stats.LastCall != nil {
		if elapsed := now.Sub(*stats.LastCall); elapsed < c.Cooldown {
			return model.Hidden(fmt.Sprintf(
				"cooldown active (%s of %s elapsed)",
				elapsed.Truncate(time.Second), c.Cooldown,
			)), nil
		}
	}
	return model.Visible(), nil
}
