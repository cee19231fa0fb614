// Package store provides the SQLite-backed local fact store that the
// synchronizer replicates into and out of.
//
// The store keeps:
//   - Transactions: one row per local or pulled transaction, in local
//     commit order (seq), with an optional UUID, the instant, and whether
//     the transaction has reached the remote
//   - Datoms: the resolved facts of each transaction, in part order
//   - Sync metadata: the local head and the last observed remote head
//
// # Local transactions
//
// Transact resolves every temporary id except "tx" through a fresh remap
// table. References to "tx" stay symbolic until the transaction is pushed,
// because the transaction UUID is assigned at push time. Pulled
// transactions arrive with a UUID and are stored fully resolved.
//
// # Ordering
//
// All reads order by seq ASC, then part index, so results are identical
// across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
