// Package storage persists macros, schedules and run records.
//
// Two drivers are supported:
//   - "file": JSON documents on an afero filesystem (watchable for external edits)
//   - "sqlite": a SQLite database (modernc.org/sqlite, pure Go)
//
// Catalog layers id assignment, validation and timestamps on top of a
// Repository; Export/Import move macros in and out as JSON or YAML.
package storage
