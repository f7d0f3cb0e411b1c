package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/yeemio/owlclaw/internal/config"
	"github.com/yeemio/owlclaw/internal/model"
)

// TimeWindowEvaluator hides capabilities declared business-hours-only when
// the current wall-clock time in the configured timezone falls outside the
// configured weekday set or hour range. Pure function of the clock and
// policy; no I/O.
type TimeWindowEvaluator struct {
	policy func() *config.Policy
	now    func() time.Time
}

// NewTimeWindowEvaluator creates the time-window evaluator.
func NewTimeWindowEvaluator(policy func() *config.Policy, now func() time.Time) *TimeWindowEvaluator {
	if now == nil {
		now = time.Now
	}
	return &TimeWindowEvaluator{policy: policy, now: now}
}

// Name implements Evaluator.
func (e *TimeWindowEvaluator) Name() string { return "time_window" }

// Evaluate implements Evaluator.
func (e *TimeWindowEvaluator) Evaluate(_ context.Context, capability model.Capability, _ model.RunContext) (model.FilterResult, error) {
	if !capability.Constraints.BusinessHoursOnly {
		return model.Visible(), nil
	}

	pol := e.policy()
	local := e.now().In(pol.Timezone)

	if !pol.Weekdays[local.Weekday()] {
		return model.Hidden(fmt.Sprintf("outside business days (%s)", local.Weekday())), nil
	}
	if h := local.Hour(); h < pol.StartHour || h >= pol.EndHour {
		return model.Hidden(fmt.Sprintf(
			"outside business hours (%02d:00-%02d:00 %s)",
			pol.StartHour, pol.EndHour, pol.Timezone,
		)), nil
	}
	return model.Visible(), nil
}
