package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy is the validated, ready-to-use governance policy: router rules and
// evaluator parameters. Built by LoadPolicy; treated as immutable once
// built, so it can be swapped atomically on reload.
type Policy struct {
	// Routing.
	DefaultModel string
	KnownModels  map[string]bool
	Routes       []Route

	// Budget evaluator.
	MonthlyLimits     map[uuid.UUID]decimal.Decimal // 0 or absent = unlimited
	HighCostThreshold decimal.Decimal
	BudgetCacheTTL    time.Duration

	// Time-window evaluator.
	Timezone  *time.Location
	StartHour int
	EndHour   int
	Weekdays  map[time.Weekday]bool

	// Rate-limit evaluator.
	RateLimitCacheTTL time.Duration

	// Circuit-breaker evaluator.
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Route maps a task type to a model plus an ordered fallback chain.
// First match wins; matching is by exact task type.
type Route struct {
	TaskType string
	Model    string
	Fallback []string
}

// policyYAML mirrors the on-disk file structure. Durations and decimals are
// strings in YAML and parsed during resolution.
type policyYAML struct {
	Routing struct {
		DefaultModel string   `yaml:"default_model"`
		KnownModels  []string `yaml:"known_models"`
		Routes       []struct {
			TaskType string   `yaml:"task_type"`
			Model    string   `yaml:"model"`
			Fallback []string `yaml:"fallback"`
		} `yaml:"routes"`
	} `yaml:"routing"`

	Budget struct {
		MonthlyLimits     map[string]string `yaml:"monthly_limits"`
		HighCostThreshold string            `yaml:"high_cost_threshold"`
		CacheTTL          string            `yaml:"cache_ttl"`
	} `yaml:"budget"`

	TimeWindow struct {
		Timezone  string   `yaml:"timezone"`
		StartHour *int     `yaml:"start_hour"`
		EndHour   *int     `yaml:"end_hour"`
		Weekdays  []string `yaml:"weekdays"`
	} `yaml:"time_window"`

	RateLimit struct {
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"rate_limit"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		RecoveryTimeout  string `yaml:"recovery_timeout"`
	} `yaml:"circuit_breaker"`
}

// LoadPolicy reads, parses, and validates a policy file. Unknown model names
// in routes are returned as warnings (a typo must not brick a rollout);
// structural problems are hard errors and the returned Policy is unusable.
func LoadPolicy(path string) (*Policy, []string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, nil, fmt.Errorf("config: read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy builds a Policy from raw YAML. See LoadPolicy.
func ParsePolicy(data []byte) (*Policy, []string, error) {
	var raw policyYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("config: parse policy yaml: %w", err)
	}

	p := &Policy{
		DefaultModel:      raw.Routing.DefaultModel,
		KnownModels:       make(map[string]bool, len(raw.Routing.KnownModels)),
		MonthlyLimits:     make(map[uuid.UUID]decimal.Decimal, len(raw.Budget.MonthlyLimits)),
		HighCostThreshold: decimal.New(1, -1), // 0.1 currency units
		BudgetCacheTTL:    60 * time.Second,
		Timezone:          time.UTC,
		StartHour:         9,
		EndHour:           17,
		Weekdays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		RateLimitCacheTTL: 5 * time.Second,
		FailureThreshold:  5,
		RecoveryTimeout:   300 * time.Second,
	}

	if p.DefaultModel == "" {
		return nil, nil, fmt.Errorf("config: routing.default_model is required")
	}
	for _, m := range raw.Routing.KnownModels {
		p.KnownModels[m] = true
	}

	var warnings []string
	warnUnknown := func(where, name string) {
		if len(p.KnownModels) > 0 && !p.KnownModels[name] {
			warnings = append(warnings, fmt.Sprintf("%s references unknown model %q", where, name))
		}
	}

	warnUnknown("routing.default_model", p.DefaultModel)
	for i, r := range raw.Routing.Routes {
		if r.TaskType == "" {
			return nil, nil, fmt.Errorf("config: routing.routes[%d]: task_type is required", i)
		}
		if r.Model == "" {
			return nil, nil, fmt.Errorf("config: routing.routes[%d] (%s): model is required", i, r.TaskType)
		}
		warnUnknown(fmt.Sprintf("routing.routes[%d] (%s)", i, r.TaskType), r.Model)
		for _, fb := range r.Fallback {
			warnUnknown(fmt.Sprintf("routing.routes[%d] (%s) fallback", i, r.TaskType), fb)
		}
		p.Routes = append(p.Routes, Route{TaskType: r.TaskType, Model: r.Model, Fallback: r.Fallback})
	}

	for tenant, limit := range raw.Budget.MonthlyLimits {
		id, err := uuid.Parse(tenant)
		if err != nil {
			return nil, nil, fmt.Errorf("config: budget.monthly_limits: invalid tenant id %q: %w", tenant, err)
		}
		d, err := decimal.NewFromString(limit)
		if err != nil {
			return nil, nil, fmt.Errorf("config: budget.monthly_limits[%s]: invalid amount %q: %w", tenant, limit, err)
		}
		if d.IsNegative() {
			return nil, nil, fmt.Errorf("config: budget.monthly_limits[%s] must not be negative", tenant)
		}
		p.MonthlyLimits[id] = d
	}
	if raw.Budget.HighCostThreshold != "" {
		d, err := decimal.NewFromString(raw.Budget.HighCostThreshold)
		if err != nil {
			return nil, nil, fmt.Errorf("config: budget.high_cost_threshold: %w", err)
		}
		if d.IsNegative() {
			return nil, nil, fmt.Errorf("config: budget.high_cost_threshold must not be negative")
		}
		p.HighCostThreshold = d
	}
	if err := parseDur(raw.Budget.CacheTTL, &p.BudgetCacheTTL, "budget.cache_ttl"); err != nil {
		return nil, nil, err
	}

	if raw.TimeWindow.Timezone != "" {
		loc, err := time.LoadLocation(raw.TimeWindow.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("config: time_window.timezone: %w", err)
		}
		p.Timezone = loc
	}
	if raw.TimeWindow.StartHour != nil {
		p.StartHour = *raw.TimeWindow.StartHour
	}
	if raw.TimeWindow.EndHour != nil {
		p.EndHour = *raw.TimeWindow.EndHour
	}
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 1 || p.EndHour > 24 || p.StartHour >= p.EndHour {
		return nil, nil, fmt.Errorf("config: time_window hours invalid: start=%d end=%d", p.StartHour, p.EndHour)
	}
	if len(raw.TimeWindow.Weekdays) > 0 {
		days := make(map[time.Weekday]bool, len(raw.TimeWindow.Weekdays))
		for _, name := range raw.TimeWindow.Weekdays {
			day, ok := weekdayNames[name]
			if !ok {
				return nil, nil, fmt.Errorf("config: time_window.weekdays: unknown day %q", name)
			}
			days[day] = true
		}
		p.Weekdays = days
	}

	if err := parseDur(raw.RateLimit.CacheTTL, &p.RateLimitCacheTTL, "rate_limit.cache_ttl"); err != nil {
		return nil, nil, err
	}

	if raw.CircuitBreaker.FailureThreshold != 0 {
		if raw.CircuitBreaker.FailureThreshold < 1 {
			return nil, nil, fmt.Errorf("config: circuit_breaker.failure_threshold must be >= 1")
		}
		p.FailureThreshold = raw.CircuitBreaker.FailureThreshold
	}
	if err := parseDur(raw.CircuitBreaker.RecoveryTimeout, &p.RecoveryTimeout, "circuit_breaker.recovery_timeout"); err != nil {
		return nil, nil, err
	}
	if p.RecoveryTimeout <= 0 {
		return nil, nil, fmt.Errorf("config: circuit_breaker.recovery_timeout must be positive")
	}

	return p, warnings, nil
}

// MonthlyLimit returns the tenant's configured monthly budget, or false if
// the tenant is unlimited (absent or zero limit, matching metering
// semantics where 0 means "no cap").
func (p *Policy) MonthlyLimit(tenantID uuid.UUID) (decimal.Decimal, bool) {
	limit, ok := p.MonthlyLimits[tenantID]
	if !ok || limit.IsZero() {
		return decimal.Decimal{}, false
	}
	return limit, true
}

var weekdayNames = map[string]time.Weekday{
	"Sunday": time.Sunday, "Monday": time.Monday, "Tuesday": time.Tuesday,
	"Wednesday": time.Wednesday, "Thursday": time.Thursday,
	"Friday": time.Friday, "Saturday": time.Saturday,
	"Sun": time.Sunday, "Mon": time.Monday, "Tue": time.Tuesday,
	"Wed": time.Wednesday, "Thu": time.Thursday, "Fri": time.Friday,
	"Sat": time.Saturday,
}

func parseDur(raw string, dst *time.Duration, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("config: %s must be positive", field)
	}
	*dst = d
	return nil
}
