package visibility

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeemio/owlclaw/internal/config"
	"github.com/yeemio/owlclaw/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRunContext() model.RunContext {
	return model.RunContext{
		TenantID: uuid.New(),
		AgentID:  "agent-1",
		RunID:    uuid.New(),
		TaskType: "analysis",
	}
}

func testPolicy() *config.Policy {
	return &config.Policy{
		DefaultModel:      "model-default",
		MonthlyLimits:     map[uuid.UUID]decimal.Decimal{},
		HighCostThreshold: decimal.New(1, -1), // 0.1
		BudgetCacheTTL:    time.Minute,
		Timezone:          time.UTC,
		StartHour:         9,
		EndHour:           17,
		Weekdays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		RateLimitCacheTTL: time.Minute,
		FailureThreshold:  3,
		RecoveryTimeout:   5 * time.Minute,
	}
}

func policyFn(p *config.Policy) func() *config.Policy {
	return func() *config.Policy { return p }
}

// fakeClock is a settable clock for evaluators.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// stubEvaluator returns a fixed verdict, optionally after a delay that
// ignores the context on purpose.
type stubEvaluator struct {
	name   string
	result model.FilterResult
	err    error
	delay  time.Duration
}

func (s *stubEvaluator) Name() string { return s.name }

func (s *stubEvaluator) Evaluate(context.Context, model.Capability, model.RunContext) (model.FilterResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result, s.err
}

func caps(names ...string) []model.Capability {
	out := make([]model.Capability, len(names))
	for i, n := range names {
		out[i] = model.Capability{Name: n}
	}
	return out
}

func capNames(cc []model.Capability) []string {
	out := make([]string, len(cc))
	for i, c := range cc {
		out[i] = c.Name
	}
	return out
}

func TestFilter_AllVisiblePreservesOrder(t *testing.T) {
	f := NewFilter(discardLogger(), 0,
		&stubEvaluator{name: "a", result: model.Visible()},
		&stubEvaluator{name: "b", result: model.Visible()},
	)

	in := caps("one", "two", "three")
	out := f.Filter(context.Background(), in, testRunContext())

	assert.Equal(t, []string{"one", "two", "three"}, capNames(out))
	// Input slice untouched.
	assert.Equal(t, []string{"one", "two", "three"}, capNames(in))
}

func TestFilter_HiddenWinsOverVisible(t *testing.T) {
	f := NewFilter(discardLogger(), 0,
		&stubEvaluator{name: "lenient", result: model.Visible()},
		&conditionalEvaluator{hideName: "two"},
	)

	out := f.Filter(context.Background(), caps("one", "two", "three"), testRunContext())
	assert.Equal(t, []string{"one", "three"}, capNames(out))
}

// conditionalEvaluator hides exactly one capability by name.
type conditionalEvaluator struct{ hideName string }

func (c *conditionalEvaluator) Name() string { return "conditional" }

func (c *conditionalEvaluator) Evaluate(_ context.Context, capability model.Capability, _ model.RunContext) (model.FilterResult, error) {
	if capability.Name == c.hideName {
		return model.Hidden("test"), nil
	}
	return model.Visible(), nil
}

func TestFilter_EvaluatorErrorFailsOpen(t *testing.T) {
	f := NewFilter(discardLogger(), 0,
		&stubEvaluator{name: "broken", err: errors.New("ledger unreachable")},
	)

	out := f.Filter(context.Background(), caps("one", "two"), testRunContext())
	assert.Equal(t, []string{"one", "two"}, capNames(out))
}

func TestFilter_SlowEvaluatorFailsOpenWithinTimeout(t *testing.T) {
	f := NewFilter(discardLogger(), 20*time.Millisecond,
		&stubEvaluator{name: "slow", result: model.Hidden("too late"), delay: 2 * time.Second},
		&conditionalEvaluator{hideName: "two"},
	)

	start := time.Now()
	out := f.Filter(context.Background(), caps("one", "two"), testRunContext())
	elapsed := time.Since(start)

	// The slow evaluator's hide verdict never lands; the fast one's does.
	assert.Equal(t, []string{"one"}, capNames(out))
	assert.Less(t, elapsed, time.Second, "filter must not wait for a stuck evaluator")
}

func TestFilter_EmptyInputAndNoEvaluators(t *testing.T) {
	f := NewFilter(discardLogger(), 0)

	out := f.Filter(context.Background(), nil, testRunContext())
	require.NotNil(t, out)
	assert.Empty(t, out)

	out = f.Filter(context.Background(), caps("one"), testRunContext())
	assert.Equal(t, []string{"one"}, capNames(out))
}
