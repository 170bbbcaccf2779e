package core

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/meridian-db/meridian/internal/fslock"
	"github.com/meridian-db/meridian/internal/metrics"
)

// Writer is the table-writer handle managed by the pool. The pool treats
// the writer as opaque: it constructs writers through the configured
// WriterFactory, wires itself in as the lifecycle manager so the writer's
// Close routes back into the pool, and calls Rollback and Tick on the
// return path so structural commands queued during a tenure are applied
// before the writer is cached.
//
// Implementations are not required to be safe for concurrent use; the pool
// guarantees a single holder at a time, and ProcessCommandAsync is the one
// method other goroutines may call while the writer is held.
type Writer interface {
	// TableName returns the table this writer serves.
	TableName() string

	// Rollback discards any uncommitted appended rows.
	Rollback() error

	// Tick drains the inbound command queue, applying each published
	// command. When force is true it also commits any open transaction.
	Tick(force bool) error

	// ProcessCommandAsync enqueues a command onto the writer's inbound
	// queue under the writer's own publish protocol. It is the only Writer
	// method callable by a goroutine that does not hold the writer. The
	// command runs during a later Tick on the holder's goroutine.
	ProcessCommandAsync(cmd WriterCommand) error

	// TransferLock hands the writer ownership of an already-held advisory
	// table lock. The writer releases it during teardown.
	TransferLock(lk *fslock.Lock)

	// SetLifecycleManager installs the close callback target. A nil
	// manager restores default behaviour: Close tears the writer down.
	SetLifecycleManager(m LifecycleManager)

	// Close consults the lifecycle manager first; if the manager reports
	// that it retained the writer, Close returns without tearing down.
	Close() error
}

// WriterCommand is a deferred mutation applied to a writer during Tick,
// on the holder's goroutine. Publishing callers must not touch the writer
// directly; the command closure is their only access.
type WriterCommand func(w Writer) error

// LifecycleManager receives a writer's close callback. The pool's per-table
// entry implements it so that a holder's natural Close returns the writer
// to the pool instead of destroying state.
type LifecycleManager interface {
	// OnWriterClose reports whether the writer should proceed with its
	// default teardown. False means the manager retained the writer.
	OnWriterClose() bool
}

// FactoryParams carries everything a WriterFactory needs to open a writer.
type FactoryParams struct {
	// Name is the table name.
	Name string
	// Root is the storage root directory.
	Root string
	// NewTable is true when the writer is being created for a table that
	// is being published for the first time (the create-table unlock path).
	NewTable bool
	// Bus is the engine message bus, forwarded verbatim; may be nil.
	Bus message.Publisher
	// Metrics is the pool metrics sink, forwarded verbatim; may be nil.
	Metrics *metrics.PoolMetrics
	// Lifecycle is the manager the writer must call back on Close. The
	// pool passes the owning entry here.
	Lifecycle LifecycleManager
	// Lock, when non-nil, is an already-held advisory lock on the table
	// that the writer must adopt instead of acquiring its own. Set on the
	// create-table unlock path, where the pool holds the lock and must not
	// release it before the writer exists.
	Lock *fslock.Lock
}

// WriterFactory opens the on-disk writer state for a table. Factories may
// block on file-system calls; the pool performs no retries and caches the
// returned error for the creating goroutine (see Pool.Get).
type WriterFactory func(p FactoryParams) (Writer, error)
