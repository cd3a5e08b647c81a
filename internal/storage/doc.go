// Package storage persists the dispatch pipeline's durable entities.
//
// It currently supports:
//   - Publications, target accounts, publish log entries
//   - Verification records and collection handles
//   - Schedule rows consumed by the dispatch trigger
//   - The durable job queue used by internal/task/engine
//   - Notification ledger (once per lineage) and notifier dedup state
//   - Activity log
//
// Drivers: "memory" (process local, tests and dry runs) and "sqlite".
package storage
