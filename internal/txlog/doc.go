// Package txlog defines the transaction log capability shared by every
// backend, the typed error vocabulary of the sync layer, and an in-memory
// reference log.
//
// A log is a content-addressed store of chunks (one fact each), transaction
// headers that name an ordered list of chunks and a parent transaction, and
// a single mutable head pointer. The parent links form a causal chain rooted
// at ir.EmptyHead.
//
// Backends:
//   - MemoryLog: in-process, used by tests and the scenario harness
//   - logstore.Namespace: SQLite, behind the HTTP service
//   - remote.Client: HTTP client for the service
package txlog
