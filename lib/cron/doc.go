// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses standard 5-field cron expressions and runs jobs
// on recurring schedules.
//
// Supported syntax:
//
//	┌───────────── minute (0-59)
//	│ ┌───────────── hour (0-23)
//	│ │ ┌───────────── day of month (1-31)
//	│ │ │ ┌───────────── month (1-12)
//	│ │ │ │ ┌───────────── day of week (0-6, 0=Sunday)
//	│ │ │ │ │
//	* * * * *
//
// Each field supports:
//   - Single values: 5
//   - Ranges: 1-5
//   - Lists: 1,3,5
//   - Steps: */15, 1-30/5
//   - Wildcard: *
//
// All times are UTC. No @yearly/@monthly shortcuts, no seconds field,
// no named days/months. This is intentionally minimal — lore
// schedules use UTC wall-clock time exclusively.
//
// [Runner] drives a job from a parsed [Schedule] or a plain interval
// against an injected clock, so scheduled work (like the retention
// pruner in lore-service) is testable without waiting on real time.
package cron
