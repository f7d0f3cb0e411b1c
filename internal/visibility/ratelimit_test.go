package visibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeemio/owlclaw/internal/cache"
	"github.com/yeemio/owlclaw/internal/model"
)

type fakeStatsReader struct {
	stats model.DailyCallStats
	err   error
	calls int
}

func (f *fakeStatsReader) DailyCallStats(context.Context, uuid.UUID, string, string, time.Time, time.Time) (model.DailyCallStats, error) {
	f.calls++
	return f.stats, f.err
}

func newRateLimitFixture(t *testing.T, stats model.DailyCallStats) (*RateLimitEvaluator, *fakeStatsReader, *fakeClock) {
	t.Helper()

	reader := &fakeStatsReader{stats: stats}
	c := cache.NewTTL[model.DailyCallStats](time.Minute)
	t.Cleanup(c.Close)
	clk := &fakeClock{t: time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)}
	return NewRateLimitEvaluator(reader, c, clk.Now), reader, clk
}

func TestRateLimit_UnconstrainedSkipsLedger(t *testing.T) {
	eval, reader, _ := newRateLimitFixture(t, model.DailyCallStats{Count: 9999})

	res, err := eval.Evaluate(context.Background(), model.Capability{Name: "cap"}, testRunContext())
	require.NoError(t, err)
	assert.True(t, res.Visible)
	assert.Zero(t, reader.calls)
}

func TestRateLimit_DailyCap(t *testing.T) {
	cap := model.Capability{
		Name:        "cap",
		Constraints: model.Constraints{MaxDailyCalls: 5},
	}

	eval, _, _ := newRateLimitFixture(t, model.DailyCallStats{Count: 4})
	res, err := eval.Evaluate(context.Background(), cap, testRunContext())
	require.NoError(t, err)
	assert.True(t, res.Visible)

	eval, _, _ = newRateLimitFixture(t, model.DailyCallStats{Count: 5})
	res, err = eval.Evaluate(context.Background(), cap, testRunContext())
	require.NoError(t, err)
	assert.False(t, res.Visible)
	assert.Contains(t, res.Reason, "daily call limit reached (5/5)")
}

func TestRateLimit_Cooldown(t *testing.T) {
	cap := model.Capability{
		Name:        "cap",
		Constraints: model.Constraints{Cooldown: 60 * time.Second},
	}

	check := func(sinceLastCall time.Duration) model.FilterResult {
		clkBase := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
		last := clkBase.Add(-sinceLastCall)
		eval, _, clk := newRateLimitFixture(t, model.DailyCallStats{Count: 1, LastCall: &last})
		clk.t = clkBase
		res, err := eval.Evaluate(context.Background(), cap, testRunContext())
		require.NoError(t, err)
		return res
	}

	res := check(0)
	assert.False(t, res.Visible, "immediately after a call")

	res = check(30 * time.Second)
	assert.False(t, res.Visible, "mid-cooldown")
	assert.Contains(t, res.Reason, "cooldown active")

	res = check(61 * time.Second)
	assert.True(t, res.Visible, "cooldown elapsed")
}

func TestRateLimit_NoPriorCallNoCooldown(t *testing.T) {
	cap := model.Capability{
		Name:        "cap",
		Constraints: model.Constraints{Cooldown: time.Hour},
	}
	eval, _, _ := newRateLimitFixture(t, model.DailyCallStats{})

	res, err := eval.Evaluate(context.Background(), cap, testRunContext())
	require.NoError(t, err)
	assert.True(t, res.Visible)
}

func TestRateLimit_CachesStatsPerAgentCapability(t *testing.T) {
	cap := model.Capability{
		Name:        "cap",
		Constraints: model.Constraints{MaxDailyCalls: 10},
	}
	eval, reader, _ := newRateLimitFixture(t, model.DailyCallStats{Count: 1})
	rctx := testRunContext()

	for i := 0; i < 3; i++ {
		_, err := eval.Evaluate(context.Background(), cap, rctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reader.calls)

	// A different agent is a different counter.
	other := rctx
	other.AgentID = "agent-2"
	_, err := eval.Evaluate(context.Background(), cap, other)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.calls)
}

func TestRateLimit_ReaderErrorPropagates(t *testing.T) {
	cap := model.Capability{
		Name:        "cap",
		Constraints: model.Constraints{MaxDailyCalls: 1},
	}
	eval, reader, _ := newRateLimitFixture(t, model.DailyCallStats{})
	reader.err = errors.New("connection refused")

	_, err := eval.Evaluate(context.Background(), cap, testRunContext())
	require.Error(t, err)
	assert.ErrorContains(t, err, "daily call stats")
}
