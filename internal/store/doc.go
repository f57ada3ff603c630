// Package store provides SQLite-backed shared state for multi-process runs.
//
// Every PE process opens the same database file. The store holds:
//   - Segments: each PE's copy of every symmetric allocation, keyed by
//     (run_id, pe, handle)
//   - Barriers: one row per (run_id, group) with an arrival count and a
//     generation number that advances when the last member arrives
//   - Runs and Outcomes: the per-PE verdict trail a run leaves behind, read
//     back by the report command
//
// # Atomicity
//
// Read-modify-write operations (puts into a segment, atomics, barrier
// arrivals) run inside BEGIN IMMEDIATE transactions, so the database write
// lock serializes them across processes.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
