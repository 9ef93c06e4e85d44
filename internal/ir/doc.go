// Package ir provides the shared data model for credence.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import ir; ir imports nothing internal. This keeps
// the data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Confidence values live in [0,1] and are clamped to [Epsilon, 1-Epsilon]
//     before any combination (no zero-variance lockup)
//   - Estimates are append-only: a key is superseded by a higher version,
//     never mutated in place
//   - All JSON tags use snake_case; field names are a stable contract for
//     downstream consumers
//   - Logical clocks (seq) order replay; timestamps are informational and
//     drive only the store's conflict policy
package ir
