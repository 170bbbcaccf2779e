// Package fslock provides non-blocking advisory file locks for table names.
//
// Every table owns a lock file under the storage root. Holding the lock
// extends the engine's single-writer-per-table invariant across processes:
// a writer acquires the table lock when it opens, and the pool acquires it
// directly for administrative operations (rename, drop, create) that must
// hold a name without a writer. Lock handles can be transferred, which is
// how an administrative unlock hands its exclusion over to a freshly
// installed writer without a release/re-acquire window.
package fslock
