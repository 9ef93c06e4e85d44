// Package store holds confidence estimates: the in-memory ConfidenceStore
// used by the solver, and the SQLite-backed Store that journals it and
// archives finished runs.
//
// # ConfidenceStore
//
// Versioned, append-only series per (namespace, entity, stage) key:
//   - One mutex per key serializes writers to that key only
//   - Readers load an immutable snapshot through an atomic pointer and
//     never block
//   - Every accepted version is stamped with a logical seq from Clock
//   - Absent keys yield the ir.NoData sentinel so callers can route into
//     degraded handling instead of failing the run
//
// # Store
//
//   - estimates: journal of accepted versions, replayed in seq order
//   - runs: archived PipelineRun records, pruned newest-first
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: 5s unless set with WithBusyTimeout
//   - foreign_keys=ON: Enforce referential integrity
//
// Schema upgrades are ordered migrations keyed by PRAGMA user_version.
package store
