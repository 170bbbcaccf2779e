// Package writer implements the default on-disk table writer managed by
// the pool.
//
// Each table is a directory under the storage root holding a SQLite
// database in WAL mode. Appended rows accumulate in an open transaction:
// Commit (or Tick with force) makes them durable, Rollback discards them.
// The writer owns the table's advisory lock for its lifetime — acquired at
// construction or adopted from an administrative unlock — so no second
// process can open the same table.
//
// Writers are single-holder objects: the pool guarantees one holder at a
// time, and the only method other goroutines may call is
// ProcessCommandAsync, which enqueues work onto a bounded command queue
// drained by the holder's next Tick. Applied commands are announced on the
// engine message bus when one is configured.
package writer
