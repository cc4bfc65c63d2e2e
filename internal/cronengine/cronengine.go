// Package cronengine wraps github.com/robfig/cron/v3's expression parser
// as the pure nextFire/prevFire function spec.md §4.2 calls CronEngine.
// It parses standard 5-field expressions (minute hour dayOfMonth month
// dayOfWeek) rather than the library's optional 6-field seconds variant,
// matching the cadence granularity workflow schedules are defined at.
package cronengine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var standardParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Engine is a parsed cron schedule over standard 5-field expressions.
type Engine struct {
	expr     string
	schedule cron.Schedule
}

// Parse validates a 5-field cron expression and returns an Engine. An
// invalid expression is a MisconfiguredWorkflow condition; the caller
// (Scheduler) is responsible for treating the error that way.
func Parse(expr string) (*Engine, error) {
	sched, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronengine: invalid expression %q: %w", expr, err)
	}
	return &Engine{expr: expr, schedule: sched}, nil
}

// Expr returns the original cron expression.
func (e *Engine) Expr() string { return e.expr }

// NextFire returns the earliest fire time strictly after base.
func (e *Engine) NextFire(base time.Time) time.Time {
	return e.schedule.Next(base.UTC())
}

// PrevFire returns the most recent fire time at or before base, found by
// walking Next from a lower bound. cron.Schedule only exposes Next, so
// PrevFire probes backward in expanding steps until it brackets base,
// then walks forward fire by fire within the bracket to the last fire
// time that is still <= base.
func (e *Engine) PrevFire(base time.Time) time.Time {
	base = base.UTC()
	const maxLookback = 366 * 24 * time.Hour
	step := 24 * time.Hour
	lower := base.Add(-step)
	for e.schedule.Next(lower).After(base) {
		if step >= maxLookback {
			// No fire time in the last year; treat as never.
			return time.Time{}
		}
		step *= 2
		if step > maxLookback {
			step = maxLookback
		}
		lower = base.Add(-step)
	}

	// lower.Next() is now <= base (by construction of the loop above).
	// Walk forward from lower.Next() until the next fire would exceed
	// base, collecting the last candidate that does not.
	candidate := e.schedule.Next(lower)
	for {
		next := e.schedule.Next(candidate)
		if next.After(base) {
			return candidate
		}
		candidate = next
	}
}
