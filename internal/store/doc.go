// Package store provides SQLite-backed storage for run history.
//
// A run row is created when the orchestrator starts deploying and is
// completed with the final report. Snapshots and promotions are appended
// while the run goes on:
//   - runs: one row per run, keyed by the UUIDv7 run id
//   - snapshots: the metric snapshots of a run, UNIQUE(run_id, seq)
//   - promotions: replicas promoted to primary during a run
//
// Writes are idempotent: a snapshot written twice with the same seq is
// stored once. Reads order by seq so a run reads back the way it was
// recorded.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Assignments and command inputs are stored as canonical JSON (see
// ir.MarshalCanonical) so equal values compare equal as text.
package store
