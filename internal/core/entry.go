package core

import (
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/meridian-db/meridian/internal/fslock"
)

// unallocated is the owner-word sentinel meaning "idle, first CAS wins".
// Goroutine ids are positive, so -1 can never alias a real owner.
const unallocated int64 = -1

// evictionSentinel returns the owner-word value the eviction job installs
// while tearing an entry down. The encoding -(gid+2) is disjoint from both
// unallocated (-1) and every goroutine id (>= 1), giving the owner word a
// three-way partition: idle, held, or being reclaimed. An acquirer that
// observes a reclaim marker yields and retries instead of fighting the
// eviction CAS.
func evictionSentinel(gid int64) int64 {
	return -(gid + 2)
}

// reasonUnknown is substituted when a caller is refused an entry whose
// ownership reason has not been recorded yet. Recording the reason and
// winning the ownership CAS are two separate writes, so a refused caller
// can observe the gap; it must still never see an empty reason.
const reasonUnknown = "unknown"

// reasonWriterError is recorded when writer construction fails, so callers
// refused while the failed entry lingers are told why.
const reasonWriterError = "writer error"

// reasonLockFailed is recorded when the on-disk lock file could not be
// acquired during an administrative lock attempt.
const reasonLockFailed = "missing or owned by other process"

// entry is the per-table state record inside the pool.
//
// Synchronization strategy:
//   - owner is the linearization point of every hand-off. It holds
//     unallocated, the holding goroutine's id, or an eviction marker.
//     Acquisition is a CAS unallocated -> gid; release is a plain store of
//     unallocated. Go's sync/atomic operations are sequentially consistent,
//     so every write the previous holder made before its release store is
//     visible to whoever wins the next acquiring CAS.
//   - writer, reason, ex, and lock use atomic pointers. They are mutated
//     only by the goroutine currently recorded in owner (or by eviction
//     holding the reclaim marker), but are read by refused acquirers and
//     the command-publish spin, which is why plain fields will not do.
//   - lastRelease is stored before the release of owner and read by the
//     eviction job just before its claiming CAS.
type entry struct {
	pool *Pool
	name string

	owner atomic.Int64

	// writer is the cached writer handle; nil while the entry is
	// administratively locked or between create attempts.
	writer atomic.Pointer[Writer]

	// reason is the human-readable ownership reason recorded by the
	// current holder; nil when the entry is idle. Diagnostics only.
	reason atomic.Pointer[string]

	// lastRelease is the microsecond stamp of the last successful return
	// to the pool; initialized to the creation time.
	lastRelease atomic.Int64

	// ex caches the error from a failed writer construction so the same
	// goroutine sees a consistent outcome on its next attempt.
	ex atomic.Pointer[error]

	// lock is the on-disk advisory lock held while the entry is
	// administratively locked; nil otherwise. While lock is set the entry
	// has no writer.
	lock atomic.Pointer[fslock.Lock]
}

// newEntry creates an entry already owned by gid, so the inserting
// goroutine holds it the moment a put-if-absent wins.
func newEntry(p *Pool, name string, gid int64) *entry {
	e := &entry{pool: p, name: name}
	e.owner.Store(gid)
	e.lastRelease.Store(p.now())
	return e
}

// loadWriter returns the cached writer, or nil if absent.
func (e *entry) loadWriter() Writer {
	if pw := e.writer.Load(); pw != nil {
		return *pw
	}
	return nil
}

// storeWriter caches w; nil clears the slot.
func (e *entry) storeWriter(w Writer) {
	if w == nil {
		e.writer.Store(nil)
		return
	}
	e.writer.Store(&w)
}

// takeWriter removes and returns the cached writer, or nil.
func (e *entry) takeWriter() Writer {
	if pw := e.writer.Swap(nil); pw != nil {
		return *pw
	}
	return nil
}

// setReason records why the current holder owns the entry.
func (e *entry) setReason(reason string) {
	e.reason.Store(&reason)
}

// clearReason erases the ownership reason; done on every release so an
// idle entry never advertises a stale holder.
func (e *entry) clearReason() {
	e.reason.Store(nil)
}

// reasonOrUnknown returns the recorded ownership reason, substituting
// reasonUnknown for the not-yet-recorded window so refused callers never
// see an empty reason.
func (e *entry) reasonOrUnknown() string {
	if r := e.reason.Load(); r != nil && *r != "" {
		return *r
	}
	return reasonUnknown
}

// loadErr returns the cached construction error, or nil.
func (e *entry) loadErr() error {
	if pe := e.ex.Load(); pe != nil {
		return *pe
	}
	return nil
}

// storeErr caches a construction error.
func (e *entry) storeErr(err error) {
	e.ex.Store(&err)
}

// takeLock removes and returns the held advisory lock, or nil.
func (e *entry) takeLock() *fslock.Lock {
	return e.lock.Swap(nil)
}

// OnWriterClose implements LifecycleManager. It routes the writer's close
// call into the pool's return path and reports whether the writer should
// proceed with its default teardown: false means the pool retained (or
// already destroyed) the writer.
func (e *entry) OnWriterClose() bool {
	return !e.pool.returnToPool(goid.Get(), e)
}
