package meridian

import (
	"context"
	"time"

	"github.com/meridian-db/meridian/internal/core"
	"github.com/meridian-db/meridian/internal/writer"
)

// Writer is the table-writer handle managed by the pool. See core.Writer
// for the full contract; holders interact with it through type assertion
// to the concrete writer type or through the engine's ingest pipeline.
type Writer = core.Writer

// WriterCommand is a deferred mutation applied to a busy writer during its
// holder's next Tick. See GetOrPublish.
type WriterCommand = core.WriterCommand

// LifecycleManager is the writer close-callback target. The pool installs
// its per-table entry here so a holder's Close returns the writer to the
// pool; custom Writer implementations must honor the contract.
type LifecycleManager = core.LifecycleManager

// WriterFactory opens the on-disk writer state for a table. The default is
// the SQLite-backed writer in internal/writer; replace it with
// WithWriterFactory.
type WriterFactory = core.WriterFactory

// FactoryParams carries everything a WriterFactory needs to open a writer.
type FactoryParams = core.FactoryParams

// Event is a structured pool notification; see WithListener.
type Event = core.Event

// EventType identifies a pool state transition.
type EventType = core.EventType

// Pool event types, re-exported for listeners.
const (
	EventPoolOpen        = core.EventPoolOpen
	EventPoolClosed      = core.EventPoolClosed
	EventGet             = core.EventGet
	EventCreate          = core.EventCreate
	EventCreateError     = core.EventCreateError
	EventErrResend       = core.EventErrResend
	EventLockSuccess     = core.EventLockSuccess
	EventLockBusy        = core.EventLockBusy
	EventLockClose       = core.EventLockClose
	EventUnlocked        = core.EventUnlocked
	EventReturn          = core.EventReturn
	EventNotLocked       = core.EventNotLocked
	EventNotLockOwner    = core.EventNotLockOwner
	EventExpire          = core.EventExpire
	EventOutOfPoolClose  = core.EventOutOfPoolClose
	EventUnexpectedClose = core.EventUnexpectedClose
)

// defaultInactiveWriterTTL is applied when WithInactiveWriterTTL is not given.
const defaultInactiveWriterTTL = 10 * time.Minute

// Pool is the public handle on the writer pool. It is safe for concurrent
// use by multiple goroutines. See the package documentation for the
// acquire/release model.
type Pool struct {
	core *core.Pool
}

// New creates an open pool rooted at the given storage directory.
//
// Panics if root is empty or any option carries an invalid value; these
// are programmer errors caught at construction time.
func New(root string, opts ...Option) *Pool {
	cfg := core.PoolConfig{
		Root:              root,
		InactiveWriterTTL: defaultInactiveWriterTTL,
		Factory:           writer.Factory,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{core: core.NewPool(cfg)}
}

// Get returns the writer for table, uniquely owned by the calling
// goroutine, constructing on-disk state on demand. reason is recorded so a
// refused second caller is told why the writer is busy; it must not be
// empty.
//
// Errors: ErrPoolClosed, ErrEntryUnavailable (retryable), ErrEntryLocked,
// or the writer's construction error (re-served once to the same goroutine
// for a consistent outcome).
//
// Ownership ends when the caller closes the writer; the close routes back
// into the pool, which caches the writer for the next acquirer.
func (p *Pool) Get(table, reason string) (Writer, error) {
	return p.core.Get(table, reason)
}

// GetOrPublish behaves like Get, but when the writer is owned by another
// goroutine it enqueues cmd on that writer's inbound command queue instead
// of failing. When the published return value is true the caller received
// no writer and must not touch the table; cmd runs on the holder's
// goroutine during a later Tick.
func (p *Pool) GetOrPublish(table, reason string, cmd WriterCommand) (w Writer, published bool, err error) {
	return p.core.GetOrPublish(table, reason, cmd)
}

// Lock places a durable, cross-process administrative exclusion on a table
// name for rename/drop/create operations. Any cached writer is closed and
// the name is held until Unlock. Non-blocking and non-reentrant: a busy
// name fails immediately with ErrEntryUnavailable carrying the holder's
// reason.
func (p *Pool) Lock(table, reason string) error {
	return p.core.Lock(table, reason)
}

// Unlock releases the administrative lock on table. Only the goroutine
// that locked it may unlock.
//
// With w nil and newTable false the name is freed: the lock file is
// removed and any goroutine may re-create the table. With newTable true a
// first writer is constructed and installed before the name becomes
// visible to acquirers; a non-nil w is installed as supplied, and the very
// next acquire returns exactly that writer.
func (p *Pool) Unlock(table string, w Writer, newTable bool) error {
	return p.core.Unlock(table, w, newTable)
}

// ReleaseInactive reclaims writers idle past the configured TTL. Returns
// true if anything was reclaimed, signalling the caller to run again
// sooner.
func (p *Pool) ReleaseInactive() bool {
	return p.core.ReleaseInactive()
}

// RunEvictionLoop invokes ReleaseInactive every interval until ctx is
// done, draining repeatedly whenever a pass reports progress. It holds no
// pool state and is safe to run from any goroutine; typically the engine's
// job scheduler owns it:
//
//	go pool.RunEvictionLoop(ctx, time.Minute)
//
// Panics if interval <= 0.
func (p *Pool) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		panic("meridian: eviction interval must be greater than 0")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for p.ReleaseInactive() {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Close shuts the pool down: idle writers are closed, administrative locks
// dropped, and subsequent acquires fail with ErrPoolClosed. Writers
// currently in callers' hands close cleanly when their holders release
// them. Idempotent.
func (p *Pool) Close() {
	p.core.Close()
}

// Size returns the approximate number of table entries in the pool.
func (p *Pool) Size() int {
	return p.core.Size()
}

// BusyCount returns the approximate number of entries currently held,
// including administratively locked names.
func (p *Pool) BusyCount() int {
	return p.core.BusyCount()
}

// FreeCount returns the approximate number of idle cached writers.
func (p *Pool) FreeCount() int {
	return p.core.FreeCount()
}
