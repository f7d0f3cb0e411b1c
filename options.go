package owlclaw

import (
	"log/slog"
	"time"
)

// Option configures a Governor.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	databaseURL     string
	policyPath      string
	fallbackLogPath string
	extraEvaluators []Evaluator
	clock           func() time.Time
}

// WithLogger sets the structured logger. If not set, slog.Default is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithPolicyPath overrides the governance policy file location from config
// (OWLCLAW_POLICY_PATH env var).
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithFallbackLogPath overrides the ledger fallback log location from
// config (OWLCLAW_FALLBACK_LOG_PATH env var).
func WithFallbackLogPath(path string) Option {
	return func(o *resolvedOptions) { o.fallbackLogPath = path }
}

// WithEvaluator registers an additional visibility evaluator. Multiple
// evaluators may be registered; all run in the filter fan-out after the
// built-in ones.
func WithEvaluator(e Evaluator) Option {
	return func(o *resolvedOptions) { o.extraEvaluators = append(o.extraEvaluators, e) }
}

// WithClock replaces the wall clock used by the built-in evaluators.
// Intended for tests; production uses time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}
