package storage

// Package storage persists the scheduler's run history.
//
// It is a write-mostly audit journal: scheduling decisions never read it.
// Drivers:
//   - File (JSON Lines, dependency-free)
//   - SQLite (optional, behind the "sqlite" build tag)
