// Package scheduler arms one evaluator per enabled schedule and ticks it from
// robfig/cron in the configured timezone.
//
// The service is responsible for:
//   - rebuilding the armed set from the repository on every reload; schedules
//     whose definition is unchanged keep their evaluator and window state
//   - registering minute ticks (and per-slot weekly entries for TIMES)
//   - manual RunNow requests and schedule edits followed by a reload
//
// Execution is delegated to the run coordinator.
package scheduler
