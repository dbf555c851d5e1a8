// Package stores provides the persistence layer for renewal runs and the
// scheduling state that survives between process invocations.
//
// The store keeps two kinds of data:
//
//   - runs: an append-mostly history of renewal attempts with their final
//     state, failure reason and timing, useful for auditing why a contract
//     did or did not renew.
//   - schedule: a single row carrying the next wake-up time and the
//     same-day retry counter. The process is short-lived, so this row is
//     the only memory the retry policy has.
//
// The implementation is SQLite (modernc.org/sqlite, pure Go) with
// migrations embedded via golang-migrate.
package stores
