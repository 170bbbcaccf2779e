package core

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-db/meridian/internal/fslock"
	"github.com/meridian-db/meridian/internal/sentinel"
)

// ErrPoolClosed is returned when an acquire or lock is attempted on a pool
// that is shutting down. Non-retryable for the lifetime of the process.
const ErrPoolClosed = sentinel.Error("writer pool is closed")

// ErrEntryUnavailable is returned when another goroutine owns the writer
// for the requested table. Retryable after back-off; the wrapped message
// carries the current holder's ownership reason.
const ErrEntryUnavailable = sentinel.Error("writer is busy")

// ErrEntryLocked is returned when a goroutine re-encounters its own entry
// in the administratively locked state (reentrant lock attempt, or stale
// state from an earlier lock).
const ErrEntryLocked = sentinel.Error("table is locked")

// ErrNotLocked is returned by Unlock when the entry is not in the
// administratively locked state.
const ErrNotLocked = sentinel.Error("table is not locked")

// ErrNotLockOwner is returned by Unlock when the calling goroutine does not
// hold the administrative lock.
const ErrNotLockOwner = sentinel.Error("not the lock owner")

// Pool is the process-wide cache of table-writer handles. It enforces the
// single-writer-per-table invariant through a lock-free ownership CAS over
// a concurrent entry map, mediates administrative locks backed by on-disk
// advisory lock files, evicts writers idle past a TTL, and delivers
// commands asynchronously to writers held by other goroutines.
//
// Lifecycle: constructed -> open -> closed (terminal). It is safe for
// concurrent use by multiple goroutines; no operation blocks beyond
// bounded CPU-yield spins and file-system calls.
type Pool struct {
	cfg PoolConfig

	// entries maps table name to *entry. Only put-if-absent and remove
	// mutate it; iteration is snapshot-tolerant, so the derived counts
	// (Size, BusyCount, FreeCount) are approximate under concurrency.
	// sync.Map fits: read-heavy, write-once-per-new-table.
	entries sync.Map

	// closed is set once by Close. Checked at the head of every acquire
	// and lock, and re-checked by the return path so writers released
	// after shutdown are destroyed instead of cached.
	closed atomic.Bool
}

// NewPool creates an open pool and emits the pool-open event.
// Panics if cfg.Validate() reports any errors: invalid configuration is a
// programmer error that should be caught at construction time, similar to
// regexp.MustCompile. A nil cfg.Clock selects SystemMicroClock.
func NewPool(cfg PoolConfig) *Pool {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("meridian: invalid pool config: %v", err))
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemMicroClock
	}

	p := &Pool{cfg: cfg}
	p.notify(EventPoolOpen, "", goid.Get())
	Logger().Debug("writer pool open", "root", cfg.Root, "ttl", cfg.InactiveWriterTTL)
	return p
}

// now reads the configured microsecond clock.
func (p *Pool) now() int64 {
	return p.cfg.Clock()
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}

// Get returns the writer for name, uniquely owned by the calling goroutine,
// constructing it on demand. The reason string is recorded on the entry so
// a refused second caller is told why the writer is busy; it must not be
// empty (programmer error, panics).
//
// Returns ErrPoolClosed when the pool is shutting down, ErrEntryUnavailable
// (retryable) when another live goroutine owns the writer, ErrEntryLocked
// when this goroutine's own entry is administratively locked, or the
// writer's construction error — re-served once to the same goroutine so
// consecutive attempts see a stable outcome.
//
// Ownership ends when the caller invokes Close on the writer: the writer's
// lifecycle hook routes the close back into the pool, which caches the
// writer for the next acquirer.
func (p *Pool) Get(name, reason string) (Writer, error) {
	w, _, err := p.get(name, reason, nil)
	return w, err
}

// GetOrPublish behaves like Get, but when the writer is owned by another
// goroutine it enqueues cmd on that writer's inbound command queue instead
// of failing. The second return value reports the published case: when it
// is true the caller received no writer and must not touch the table; the
// command runs on the holder's goroutine during a later Tick.
func (p *Pool) GetOrPublish(name, reason string, cmd WriterCommand) (Writer, bool, error) {
	if cmd == nil {
		panic("meridian: GetOrPublish command must not be nil")
	}
	return p.get(name, reason, cmd)
}

// get is the shared acquire path. cmd is nil for plain Get.
func (p *Pool) get(name, reason string, cmd WriterCommand) (Writer, bool, error) {
	if reason == "" {
		panic("meridian: ownership reason must not be empty")
	}
	if p.IsClosed() {
		return nil, false, fmt.Errorf("%w: cannot acquire writer for table %q", ErrPoolClosed, name)
	}

	gid := goid.Get()

	for {
		e, inserted := p.findOrInsert(name, gid)
		if inserted {
			// Our insert won with owner preset to this goroutine; the
			// entry has no writer yet.
			w, err := p.createWriter(e, gid, reason)
			return w, false, err
		}

		if e.owner.CompareAndSwap(unallocated, gid) {
			w := e.loadWriter()
			if w == nil {
				// No cached writer. Either the entry is fresh from a
				// failed lock-file open (the benign lock window), or a
				// prior holder's writer is gone; construct one.
				w, err := p.createWriter(e, gid, reason)
				return w, false, err
			}
			e.setReason(reason)
			p.cfg.Metrics.RecordGet()
			p.notify(EventGet, name, gid)
			Logger().Debug("writer acquired from cache", "table", name, "goroutine", gid)
			return w, false, nil
		}

		owner := e.owner.Load()
		switch {
		case owner != unallocated && owner < 0:
			// Eviction holds the reclaim marker; yield and retry rather
			// than fighting the eviction CAS.
			runtime.Gosched()
			continue

		case owner == gid:
			if e.lock.Load() != nil {
				return nil, false, fmt.Errorf("%w: table %q [reason=%s]",
					ErrEntryLocked, name, e.reasonOrUnknown())
			}
			if ex := e.loadErr(); ex != nil {
				// This goroutine's previous construction attempt failed.
				// Serve the cached error once more for a consistent
				// outcome, then clear the entry so the attempt after
				// this one constructs afresh.
				p.notify(EventErrResend, name, gid)
				p.entries.Delete(name)
				return nil, false, ex
			}
		}

		if cmd != nil {
			if err := p.publishCommand(e, name, gid, cmd); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}

		return nil, false, fmt.Errorf("%w: table %q [reason=%s]",
			ErrEntryUnavailable, name, e.reasonOrUnknown())
	}
}

// findOrInsert looks up the entry for name, inserting a fresh one owned by
// gid if absent. The second return value reports whether this call's insert
// won the put-if-absent race.
func (p *Pool) findOrInsert(name string, gid int64) (*entry, bool) {
	if v, ok := p.entries.Load(name); ok {
		return v.(*entry), false
	}
	e := newEntry(p, name, gid)
	actual, loaded := p.entries.LoadOrStore(name, e)
	return actual.(*entry), !loaded
}

// createWriter opens the on-disk writer for an entry this goroutine owns.
// On failure the error is cached on the entry and the owner word is left at
// this goroutine's id, so the same goroutine's next Get re-sees the same
// error (and only then clears the entry); other goroutines meanwhile see a
// busy entry with the writer-error reason.
func (p *Pool) createWriter(e *entry, gid int64, reason string) (Writer, error) {
	e.setReason(reason)

	w, err := p.cfg.Factory(FactoryParams{
		Name:      e.name,
		Root:      p.cfg.Root,
		Bus:       p.cfg.Bus,
		Metrics:   p.cfg.Metrics,
		Lifecycle: e,
	})
	if err != nil {
		err = fmt.Errorf("create writer for table %q: %w", e.name, err)
		e.storeErr(err)
		e.setReason(reasonWriterError)
		p.cfg.Metrics.RecordCreateError()
		p.notify(EventCreateError, e.name, gid)
		Logger().Error("writer creation failed", "table", e.name, "goroutine", gid, "error", err)
		return nil, err
	}

	e.storeWriter(w)
	p.cfg.Metrics.RecordCreate()
	p.notify(EventCreate, e.name, gid)
	Logger().Debug("writer created", "table", e.name, "goroutine", gid)
	return w, nil
}

// publishCommand attaches cmd to the writer currently held by another
// goroutine. It spin-waits (yielding the CPU) for the cached writer to be
// observable while the entry remains held; if the writer is never observed
// — released and evicted between the owner observation and the writer read
// — it reports ErrEntryUnavailable with a please-retry reason. An entry
// that is administratively locked, holds a failed construction, or has left
// the map will get no writer, so it ends the wait with ErrEntryUnavailable
// too. The command is enqueued under the writer's own publish protocol, not
// under any pool lock.
func (p *Pool) publishCommand(e *entry, name string, gid int64, cmd WriterCommand) error {
	for {
		// Any negative owner word ends the spin: unallocated means the
		// holder released, an eviction marker means the writer is being
		// torn down.
		if owner := e.owner.Load(); owner < 0 {
			return fmt.Errorf("%w: table %q [reason=please retry]", ErrEntryUnavailable, name)
		}
		if e.lock.Load() != nil || e.loadErr() != nil {
			return fmt.Errorf("%w: table %q [reason=%s]", ErrEntryUnavailable, name, e.reasonOrUnknown())
		}
		if cur, ok := p.entries.Load(name); !ok || cur.(*entry) != e {
			return fmt.Errorf("%w: table %q [reason=please retry]", ErrEntryUnavailable, name)
		}
		if w := e.loadWriter(); w != nil {
			if err := w.ProcessCommandAsync(cmd); err != nil {
				return fmt.Errorf("publish command to table %q: %w", name, err)
			}
			Logger().Debug("command published to busy writer", "table", name, "goroutine", gid)
			return nil
		}
		runtime.Gosched()
	}
}

// Lock places a durable, cross-process administrative exclusion on a table
// name: any cached writer is physically closed, the on-disk lock file is
// acquired, and the name is held against acquisition and creation until
// Unlock. Non-blocking and non-reentrant: a busy name fails immediately
// with the current holder's reason.
func (p *Pool) Lock(name, reason string) error {
	if reason == "" {
		panic("meridian: lock reason must not be empty")
	}
	if p.IsClosed() {
		return fmt.Errorf("%w: cannot lock table %q", ErrPoolClosed, name)
	}

	gid := goid.Get()

	for {
		e, inserted := p.findOrInsert(name, gid)
		if inserted {
			// Fresh entry already owned by this goroutine; no writer to
			// close, go straight for the lock file.
			return p.lockEntry(e, gid, reason)
		}

		if e.owner.CompareAndSwap(unallocated, gid) {
			if err := p.closeWriter(gid, e, EventLockClose, ReasonNameLock); err != nil {
				Logger().Warn("closing cached writer for lock", "table", name, "error", err)
			}
			return p.lockEntry(e, gid, reason)
		}

		owner := e.owner.Load()
		if owner != unallocated && owner < 0 {
			runtime.Gosched()
			continue
		}

		p.cfg.Metrics.RecordLockBusy()
		p.notify(EventLockBusy, name, gid)
		return fmt.Errorf("%w: table %q [reason=%s]",
			ErrEntryUnavailable, name, e.reasonOrUnknown())
	}
}

// lockEntry acquires the on-disk lock file for an entry this goroutine
// owns. On failure the owner word is released back to unallocated — even
// for a freshly inserted entry — so a concurrent acquirer may CAS in and
// observe neither writer nor lock, falling into the create path. That
// window is benign (the acquirer constructs a writer) and intentional.
func (p *Pool) lockEntry(e *entry, gid int64, reason string) error {
	lk, err := fslock.TryLock(fslock.LockPath(p.cfg.Root, e.name))
	if err != nil {
		e.setReason(reasonLockFailed)
		e.owner.Store(unallocated)
		p.cfg.Metrics.RecordLockBusy()
		p.notify(EventLockBusy, e.name, gid)
		Logger().Debug("lock file not acquired", "table", e.name, "goroutine", gid, "error", err)
		return fmt.Errorf("%w: table %q [reason=%s]", ErrEntryUnavailable, e.name, reasonLockFailed)
	}

	e.lock.Store(lk)
	e.setReason(reason)
	p.cfg.Metrics.RecordLockSuccess()
	p.notify(EventLockSuccess, e.name, gid)
	Logger().Debug("table locked", "table", e.name, "goroutine", gid, "reason", reason)
	return nil
}

// Unlock releases the administrative lock on name. Only the goroutine that
// acquired the lock may release it.
//
// With a nil writer and newTable false, the lock file is removed from disk
// and the entry disappears: the name is free for any goroutine to create.
//
// With newTable true and a nil writer, the pool constructs the table's
// first writer in place, so the writer is installed before any other
// goroutine can observe the new table's directory (defending against
// file-system visibility lag). A non-nil writer is installed as supplied:
// the very next acquire returns exactly that writer.
//
// Installed writers adopt the entry as their lifecycle manager and take
// ownership of the held lock file; the owner word is then released so the
// writer is visible to future acquirers.
func (p *Pool) Unlock(name string, w Writer, newTable bool) error {
	gid := goid.Get()

	v, ok := p.entries.Load(name)
	if !ok {
		p.notify(EventNotLocked, name, gid)
		return fmt.Errorf("%w: table %q", ErrNotLocked, name)
	}
	e := v.(*entry)

	if e.owner.Load() != gid {
		p.notify(EventNotLockOwner, name, gid)
		return fmt.Errorf("%w: table %q", ErrNotLockOwner, name)
	}
	if e.loadWriter() != nil {
		// A held writer means this entry was acquired, not locked.
		p.notify(EventNotLocked, name, gid)
		return fmt.Errorf("%w: table %q has a writer", ErrNotLocked, name)
	}

	if w == nil && newTable {
		nw, err := p.cfg.Factory(FactoryParams{
			Name:      name,
			Root:      p.cfg.Root,
			NewTable:  true,
			Bus:       p.cfg.Bus,
			Metrics:   p.cfg.Metrics,
			Lifecycle: e,
			Lock:      e.takeLock(),
		})
		if err != nil {
			// The entry stays owned by this goroutine, but its lock file
			// went to the factory and is no longer held by the entry; the
			// caller decides whether to retry or unlock without a writer.
			return fmt.Errorf("create writer for new table %q: %w", name, err)
		}
		w = nw
	}

	if w == nil {
		if lk := e.takeLock(); lk != nil {
			if err := lk.Remove(); err != nil {
				Logger().Warn("removing lock file", "table", name, "error", err)
			}
		}
		p.entries.Delete(name)
	} else {
		w.SetLifecycleManager(e)
		if lk := e.takeLock(); lk != nil {
			w.TransferLock(lk)
		}
		e.storeWriter(w)
		e.clearReason()
		e.lastRelease.Store(p.now())
		p.cfg.Metrics.RecordWriterInstalled()
		// Publish the writer before releasing ownership: the atomic
		// owner store orders after the writer store, so any acquirer
		// that wins the CAS observes the installed writer.
		e.owner.Store(unallocated)
	}

	p.notify(EventUnlocked, name, gid)
	Logger().Debug("table unlocked", "table", name, "goroutine", gid, "writer_installed", w != nil)
	return nil
}

// returnToPool is the writer lifecycle hook's landing point: the holder
// called Close on the writer. Reports whether the pool kept the writer
// (true) or the writer should be torn down by its caller (false).
func (p *Pool) returnToPool(gid int64, e *entry) bool {
	w := e.loadWriter()
	if w == nil {
		// The hook fired for an entry with no cached writer; nothing to
		// return. Treated as an unexpected close.
		p.notify(EventUnexpectedClose, e.name, gid)
		Logger().Error("close hook fired with no cached writer", "table", e.name, "goroutine", gid)
		return false
	}

	// Let the writer apply any structural commands published during this
	// tenure, then discard uncommitted work. A failure here means a
	// systemic problem (disk full is the classic): the writer cannot be
	// trusted, so it is destroyed rather than cached.
	if err := rollbackAndTick(w); err != nil {
		p.entries.Delete(e.name)
		p.cfg.Metrics.RecordDistressed()
		Logger().Error("writer distressed on return, destroying", "table", e.name, "goroutine", gid, "error", err)
		if cerr := p.closeWriter(gid, e, EventLockClose, ReasonDistressed); cerr != nil {
			Logger().Warn("closing distressed writer", "table", e.name, "error", cerr)
		}
		// closeWriter already tore the writer down (with the default
		// manager); the caller must not tear down again.
		return true
	}

	if e.owner.Load() != unallocated {
		e.clearReason()
		e.lastRelease.Store(p.now())
		// Release store: the reason and stamp writes above are ordered
		// before this store, so the next acquiring CAS observes them.
		e.owner.Store(unallocated)

		if p.IsClosed() {
			// The pool closed while this writer was out. Try to grab the
			// entry back before declaring the writer a goner; losing the
			// CAS means another path (the shutdown drain) owns cleanup.
			if e.owner.CompareAndSwap(unallocated, gid) {
				e.storeWriter(nil)
				p.entries.Delete(e.name)
				p.cfg.Metrics.RecordWriterClosed()
				p.notify(EventOutOfPoolClose, e.name, gid)
				Logger().Debug("writer closed outside pool after shutdown", "table", e.name, "goroutine", gid)
				return false
			}
		}

		p.cfg.Metrics.RecordReturn()
		p.notify(EventReturn, e.name, gid)
		Logger().Debug("writer returned to pool", "table", e.name, "goroutine", gid)
		return true
	}

	// Double close: the entry was not held. Keep the cached writer.
	p.notify(EventUnexpectedClose, e.name, gid)
	Logger().Error("writer closed while not held", "table", e.name, "goroutine", gid)
	return true
}

// rollbackAndTick runs the writer's return-path housekeeping.
func rollbackAndTick(w Writer) error {
	if err := w.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if err := w.Tick(true); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	return nil
}

// closeWriter physically closes an entry's cached writer, if any. The
// writer's lifecycle manager is first reset to the default so its close
// path tears down instead of re-entering the pool.
func (p *Pool) closeWriter(gid int64, e *entry, ev EventType, reason CloseReason) error {
	w := e.takeWriter()
	if w == nil {
		return nil
	}

	w.SetLifecycleManager(nil)
	err := w.Close()
	p.cfg.Metrics.RecordWriterClosed()
	p.notify(ev, e.name, gid)
	Logger().Debug("writer closed", "table", e.name, "goroutine", gid, "reason", reason.String())
	if err != nil {
		return fmt.Errorf("close writer for table %q: %w", e.name, err)
	}
	return nil
}

// ReleaseInactive reclaims writers idle past the configured TTL. Intended
// to be invoked periodically by the engine's job scheduler. Returns true
// if anything was reclaimed, signalling the scheduler to run again sooner.
func (p *Pool) ReleaseInactive() bool {
	return p.releaseAll(p.now() - p.cfg.InactiveWriterTTL.Microseconds())
}

// releaseAll walks the entries and reclaims everything reclaimable against
// the given microsecond deadline. A deadline of math.MaxInt64 means pool
// shutdown: every idle writer is closed regardless of age, administrative
// locks are dropped, and stale failed-creation records are removed.
//
// Idle entries are claimed with a CAS from unallocated to the eviction
// marker, so a concurrent acquirer either wins the entry intact or loses
// and retries; it can never observe a half-closed writer.
func (p *Pool) releaseAll(deadline int64) bool {
	gid := goid.Get()
	shutdown := deadline == math.MaxInt64
	reason := ReasonIdle
	if shutdown {
		reason = ReasonPoolClose
	}

	var victims []*entry
	removed := false

	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)

		// The stamp is checked before the claim, so an entry that has not
		// expired is never marked. An entry acquired and released between
		// the stamp read and the CAS is still reclaimed on the old stamp.
		if e.lastRelease.Load() < deadline && e.owner.CompareAndSwap(unallocated, evictionSentinel(gid)) {
			p.entries.Delete(e.name)
			if e.loadWriter() != nil {
				victims = append(victims, e)
			}
			removed = true
			return true
		}

		if shutdown {
			if lk := e.takeLock(); lk != nil {
				if err := lk.Release(); err != nil {
					Logger().Warn("releasing lock file on shutdown", "table", e.name, "error", err)
				}
				p.entries.Delete(e.name)
				removed = true
				return true
			}
		}

		if e.loadErr() != nil && e.owner.Load() != unallocated {
			// Stale failed-allocation record; the creating goroutine never
			// came back for its error.
			p.entries.Delete(e.name)
			removed = true
		}
		return true
	})

	if len(victims) > 0 {
		// Writers are independent; closing them in parallel bounds the
		// worst-case pass latency by the slowest single close.
		var g errgroup.Group
		for _, e := range victims {
			g.Go(func() error {
				if !shutdown {
					p.cfg.Metrics.RecordExpire()
				}
				return p.closeWriter(gid, e, EventExpire, reason)
			})
		}
		if err := g.Wait(); err != nil {
			Logger().Warn("closing reclaimed writers", "error", err)
		}
	}

	return removed
}

// Close shuts the pool down. Idempotent: only the first call drains the
// entry map and emits the pool-closed event. Writers currently in callers'
// hands are not touched; when their holders close them, the return path
// destroys them instead of caching into a dead pool.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	for p.releaseAll(math.MaxInt64) {
	}

	p.notify(EventPoolClosed, "", goid.Get())
	Logger().Debug("writer pool closed", "root", p.cfg.Root)
}

// Size returns the approximate number of entries in the pool.
func (p *Pool) Size() int {
	n := 0
	p.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// BusyCount returns the approximate number of entries currently held by a
// goroutine (including administratively locked ones).
func (p *Pool) BusyCount() int {
	n := 0
	p.entries.Range(func(_, v any) bool {
		if v.(*entry).owner.Load() != unallocated {
			n++
		}
		return true
	})
	return n
}

// FreeCount returns the approximate number of idle cached writers.
func (p *Pool) FreeCount() int {
	n := 0
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.owner.Load() == unallocated && e.loadWriter() != nil {
			n++
		}
		return true
	})
	return n
}
