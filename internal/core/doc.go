// Package core implements the writer pool: a process-wide, thread-safe
// cache of table-writer handles enforcing the engine's
// single-writer-per-table invariant.
//
// At any moment at most one writer exists per table name within the
// process, and at most one goroutine holds it. Ownership is coordinated
// by a lock-free CAS protocol over a 64-bit owner word in each per-table
// entry; an on-disk advisory lock file extends the invariant across
// processes. The pool amortizes the cost of opening and closing on-disk
// writer state by caching idle writers until a TTL-driven eviction pass
// reclaims them, mediates administrative locks for rename/drop/create
// operations, and lets a second caller publish a command onto a writer
// owned by someone else instead of waiting for it.
//
// No pool operation blocks: acquisition and locking either succeed
// immediately or return a retryable error, and the only waits are bounded
// CPU-yield spins while an eviction or a writer publication is in flight.
package core
