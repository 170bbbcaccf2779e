// Package meridian provides the writer pool of the Meridian column-oriented
// time-series engine: a process-wide, thread-safe cache of table-writer
// handles enforcing the single-writer-per-table invariant.
//
// A writer is acquired with Get, used exclusively by the acquiring
// goroutine, and returned to the pool by calling Close on it — the writer's
// lifecycle hook routes the close back into the pool, which caches the
// writer for the next acquirer instead of tearing it down. Contended
// acquisitions fail fast with a retryable error carrying the current
// holder's reason, or hand off work via GetOrPublish, which enqueues a
// command on the busy writer. Administrative operations (rename, drop,
// create) take a cross-process Lock on the table name; idle writers are
// reclaimed by ReleaseInactive after a configurable TTL.
//
// Typical use:
//
//	pool := meridian.New(root, meridian.WithInactiveWriterTTL(5*time.Minute))
//	defer pool.Close()
//
//	// Create a table once, installing its first writer.
//	if err := pool.Lock("trades", "create"); err != nil { ... }
//	if err := pool.Unlock("trades", nil, true); err != nil { ... }
//
//	w, err := pool.Get("trades", "ingest")
//	if err != nil { ... }
//	defer w.Close() // returns the writer to the pool
package meridian
