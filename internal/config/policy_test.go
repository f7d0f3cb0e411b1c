package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalPolicy = `
routing:
  default_model: model-default
`

func TestParsePolicy_Defaults(t *testing.T) {
	p, warnings, err := ParsePolicy([]byte(minimalPolicy))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "model-default", p.DefaultModel)
	assert.Empty(t, p.Routes)
	assert.True(t, p.HighCostThreshold.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 60*time.Second, p.BudgetCacheTTL)
	assert.Equal(t, time.UTC, p.Timezone)
	assert.Equal(t, 9, p.StartHour)
	assert.Equal(t, 17, p.EndHour)
	assert.True(t, p.Weekdays[time.Monday])
	assert.True(t, p.Weekdays[time.Friday])
	assert.False(t, p.Weekdays[time.Saturday])
	assert.Equal(t, 5*time.Second, p.RateLimitCacheTTL)
	assert.Equal(t, 5, p.FailureThreshold)
	assert.Equal(t, 300*time.Second, p.RecoveryTimeout)
}

func TestParsePolicy_FullFile(t *testing.T) {
	tenant := uuid.New()
	doc := `
routing:
  default_model: model-small
  known_models: [model-small, model-medium, model-large]
  routes:
    - task_type: analysis
      model: model-large
      fallback: [model-medium, model-small]
    - task_type: summarize
      model: model-small
budget:
  monthly_limits:
    ` + tenant.String() + `: "250.00"
  high_cost_threshold: "0.25"
  cache_ttl: 30s
time_window:
  timezone: Europe/Berlin
  start_hour: 8
  end_hour: 20
  weekdays: [Mon, Tue, Wed, Thu, Fri, Sat]
rate_limit:
  cache_ttl: 2s
circuit_breaker:
  failure_threshold: 3
  recovery_timeout: 2m
`
	p, warnings, err := ParsePolicy([]byte(doc))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	require.Len(t, p.Routes, 2)
	assert.Equal(t, Route{TaskType: "analysis", Model: "model-large", Fallback: []string{"model-medium", "model-small"}}, p.Routes[0])

	limit, capped := p.MonthlyLimit(tenant)
	require.True(t, capped)
	assert.True(t, limit.Equal(decimal.RequireFromString("250.00")))
	assert.True(t, p.HighCostThreshold.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 30*time.Second, p.BudgetCacheTTL)

	assert.Equal(t, "Europe/Berlin", p.Timezone.String())
	assert.Equal(t, 8, p.StartHour)
	assert.Equal(t, 20, p.EndHour)
	assert.True(t, p.Weekdays[time.Saturday])
	assert.False(t, p.Weekdays[time.Sunday])

	assert.Equal(t, 2*time.Second, p.RateLimitCacheTTL)
	assert.Equal(t, 3, p.FailureThreshold)
	assert.Equal(t, 2*time.Minute, p.RecoveryTimeout)
}

func TestParsePolicy_UnknownModelIsWarningNotError(t *testing.T) {
	doc := `
routing:
  default_model: model-small
  known_models: [model-small]
  routes:
    - task_type: analysis
      model: model-typo
      fallback: [model-ghost]
`
	p, warnings, err := ParsePolicy([]byte(doc))
	require.NoError(t, err, "a typo must not brick a rollout")
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "model-typo")
	assert.Contains(t, warnings[1], "model-ghost")

	// The route still loads as written.
	require.Len(t, p.Routes, 1)
	assert.Equal(t, "model-typo", p.Routes[0].Model)
}

func TestParsePolicy_NoKnownModelsMeansNoWarnings(t *testing.T) {
	doc := `
routing:
  default_model: anything
  routes:
    - task_type: analysis
      model: whatever
`
	_, warnings, err := ParsePolicy([]byte(doc))
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestParsePolicy_StructuralErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing default model", `routing: {}`, "default_model is required"},
		{"route without task type", `
routing:
  default_model: m
  routes:
    - model: m
`, "task_type is required"},
		{"route without model", `
routing:
  default_model: m
  routes:
    - task_type: analysis
`, "model is required"},
		{"bad tenant id", `
routing: {default_model: m}
budget:
  monthly_limits:
    not-a-uuid: "10"
`, "invalid tenant id"},
		{"bad limit amount", `
routing: {default_model: m}
budget:
  monthly_limits:
    ` + uuid.Nil.String() + `: "ten dollars"
`, "invalid amount"},
		{"negative limit", `
routing: {default_model: m}
budget:
  monthly_limits:
    ` + uuid.Nil.String() + `: "-5"
`, "must not be negative"},
		{"bad timezone", `
routing: {default_model: m}
time_window: {timezone: Mars/Olympus}
`, "time_window.timezone"},
		{"inverted hours", `
routing: {default_model: m}
time_window: {start_hour: 18, end_hour: 9}
`, "time_window hours invalid"},
		{"unknown weekday", `
routing: {default_model: m}
time_window: {weekdays: [Funday]}
`, "unknown day"},
		{"zero recovery timeout", `
routing: {default_model: m}
circuit_breaker: {recovery_timeout: 0s}
`, "recovery_timeout"},
		{"negative failure threshold", `
routing: {default_model: m}
circuit_breaker: {failure_threshold: -1}
`, "failure_threshold"},
		{"not yaml", `{{{{`, "parse policy yaml"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParsePolicy([]byte(tc.doc))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalPolicy), 0o600))

	p, _, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "model-default", p.DefaultModel)

	_, _, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "read policy file")
}

func TestMonthlyLimit(t *testing.T) {
	tenant := uuid.New()
	p := &Policy{MonthlyLimits: map[uuid.UUID]decimal.Decimal{
		tenant:     decimal.RequireFromString("100"),
		uuid.Nil:   decimal.Zero,
	}}

	limit, capped := p.MonthlyLimit(tenant)
	require.True(t, capped)
	assert.True(t, limit.Equal(decimal.RequireFromString("100")))

	_, capped = p.MonthlyLimit(uuid.Nil)
	assert.False(t, capped, "explicit zero means unlimited")

	_, capped = p.MonthlyLimit(uuid.New())
	assert.False(t, capped, "absent means unlimited")
}
