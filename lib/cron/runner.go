// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/loreworks/lore/lib/clock"
)

// Job is a unit of scheduled work. The context is the runner's; a job
// should return promptly once it is cancelled.
type Job func(ctx context.Context)

// Runner invokes a job on a recurring schedule: either a cron
// expression (fixed calendar times, UTC) or a plain interval measured
// from the end of the previous run. lore-service drives its retention
// pruner with one.
//
// The first run happens after the first scheduled delay, not
// immediately.
type Runner struct {
	config RunnerConfig
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Name labels the runner in logs. Required.
	Name string

	// Schedule is a parsed cron expression. Exactly one of Schedule
	// and Interval must be set.
	Schedule *Schedule

	// Interval is the pause between runs. Exactly one of Schedule
	// and Interval must be set.
	Interval time.Duration

	// Job is the work to run. Required.
	Job Job

	// Clock abstracts time for tests. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewRunner creates a runner. Call Run to start it.
func NewRunner(config RunnerConfig) *Runner {
	if config.Name == "" {
		panic("cron.Runner: Name is required")
	}
	if config.Job == nil {
		panic("cron.Runner: Job is required")
	}
	if config.Clock == nil {
		panic("cron.Runner: Clock is required")
	}
	if config.Logger == nil {
		panic("cron.Runner: Logger is required")
	}
	if (config.Schedule != nil) == (config.Interval > 0) {
		panic("cron.Runner: exactly one of Schedule and Interval is required")
	}
	return &Runner{config: config}
}

// Run blocks, invoking the job each time the schedule comes due,
// until ctx is cancelled. Jobs run on the runner's goroutine, so a
// slow job delays (never overlaps) the next run.
func (r *Runner) Run(ctx context.Context) {
	for {
		wait, err := r.untilNext()
		if err != nil {
			// Only reachable with a schedule that never matches
			// again, e.g. a date that does not recur within the
			// search horizon.
			r.config.Logger.Error("schedule has no next run, stopping",
				"runner", r.config.Name,
				"error", err,
			)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-r.config.Clock.After(wait):
		}

		r.config.Logger.Debug("scheduled job running", "runner", r.config.Name)
		r.config.Job(ctx)
	}
}

func (r *Runner) untilNext() (time.Duration, error) {
	if r.config.Schedule == nil {
		return r.config.Interval, nil
	}
	now := r.config.Clock.Now()
	next, err := r.config.Schedule.Next(now)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}
