package core

import (
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-db/meridian/internal/fslock"
)

// errFromFactory is a sentinel used to make failing factories identifiable.
//
//nolint:gochecknoglobals // package-level test sentinel; mirrors the pattern used by ErrPoolClosed
var errFromFactory = errors.New("factory failure")

// fakeWriter is an in-memory stand-in for the on-disk writer. It records
// the lifecycle-manager wiring, queued commands, and whether teardown ran,
// which is all the pool's contract observes.
type fakeWriter struct {
	name string
	lc   LifecycleManager

	mu   sync.Mutex
	cmds []WriterCommand

	rollbackErr error
	tickErr     error

	lock     *fslock.Lock
	torndown atomic.Bool
	applied  atomic.Int64

	// counter is deliberately a plain field: the happens-before test
	// mutates it from alternating holders and relies on the pool's
	// ownership hand-off for visibility (the race detector would flag a
	// broken hand-off).
	counter int64
}

func (w *fakeWriter) TableName() string { return w.name }

func (w *fakeWriter) Rollback() error { return w.rollbackErr }

func (w *fakeWriter) Tick(bool) error {
	if w.tickErr != nil {
		return w.tickErr
	}
	w.mu.Lock()
	cmds := w.cmds
	w.cmds = nil
	w.mu.Unlock()
	for _, cmd := range cmds {
		if err := cmd(w); err != nil {
			return err
		}
		w.applied.Add(1)
	}
	return nil
}

func (w *fakeWriter) ProcessCommandAsync(cmd WriterCommand) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cmds = append(w.cmds, cmd)
	return nil
}

func (w *fakeWriter) TransferLock(lk *fslock.Lock) { w.lock = lk }

func (w *fakeWriter) SetLifecycleManager(m LifecycleManager) { w.lc = m }

func (w *fakeWriter) Close() error {
	if w.lc != nil && !w.lc.OnWriterClose() {
		return nil
	}
	w.torndown.Store(true)
	if w.lock != nil {
		_ = w.lock.Release()
		w.lock = nil
	}
	return nil
}

// fakeFactory constructs fakeWriters and records every call's params.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeWriter
	params  []FactoryParams

	// err, when non-nil, fails the next construction attempts.
	err error
	// rollbackErr is copied onto constructed writers.
	rollbackErr error
}

func (f *fakeFactory) new(p FactoryParams) (Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	w := &fakeWriter{name: p.Name, lc: p.Lifecycle, rollbackErr: f.rollbackErr, lock: p.Lock}
	f.created = append(f.created, w)
	return w, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) lastParams(t *testing.T) FactoryParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.params) == 0 {
		t.Fatal("factory was never called")
	}
	return f.params[len(f.params)-1]
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// manualClock is a test clock advanced explicitly, in microseconds.
type manualClock struct {
	now atomic.Int64
}

func (c *manualClock) read() int64     { return c.now.Load() }
func (c *manualClock) set(us int64)    { c.now.Store(us) }
func (c *manualClock) advance(d int64) { c.now.Add(d) }

// eventRecorder collects pool events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// newTestPool builds a pool around the given factory with a temp root.
func newTestPool(t *testing.T, f *fakeFactory, mutate ...func(*PoolConfig)) *Pool {
	t.Helper()
	cfg := PoolConfig{
		Root:              t.TempDir(),
		InactiveWriterTTL: time.Minute,
		Factory:           f.new,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p := NewPool(cfg)
	t.Cleanup(p.Close)
	return p
}

// inGoroutine runs f on a fresh goroutine and waits for it, giving tests a
// second goroutine id without juggling synchronization at call sites.
func inGoroutine(f func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	<-done
}

// requirePanicContains asserts that fn panics with a message containing want.
func requirePanicContains(t *testing.T, fn func(), want string) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q, got none", want)
		}
		msg, ok := r.(string)
		if !ok {
			t.Fatalf("expected string panic, got %T: %v", r, r)
		}
		if !strings.Contains(msg, want) {
			t.Fatalf("panic %q does not contain %q", msg, want)
		}
	}()
	fn()
}

// TestNewPoolPanicsOnInvalidConfig verifies construction-time validation.
func TestNewPoolPanicsOnInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cfg  PoolConfig
		want string
	}{
		"empty root": {
			cfg:  PoolConfig{InactiveWriterTTL: time.Minute, Factory: (&fakeFactory{}).new},
			want: "storage root must not be empty",
		},
		"zero ttl": {
			cfg:  PoolConfig{Root: "/tmp/x", Factory: (&fakeFactory{}).new},
			want: "inactive writer TTL must be greater than 0",
		},
		"nil factory": {
			cfg:  PoolConfig{Root: "/tmp/x", InactiveWriterTTL: time.Minute},
			want: "writer factory must not be nil",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			requirePanicContains(t, func() { NewPool(tc.cfg) }, tc.want)
		})
	}
}

// TestGetPanicsOnEmptyReason verifies the non-empty-reason contract.
func TestGetPanicsOnEmptyReason(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})
	requirePanicContains(t, func() { _, _ = p.Get("t1", "") }, "ownership reason must not be empty")
}

// TestGetCreatesAndCaches verifies that a released writer is cached and
// handed back on the next acquire instead of being rebuilt.
func TestGetCreatesAndCaches(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, f)

	w1, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := p.FreeCount(); got != 1 {
		t.Fatalf("FreeCount after release = %d, want 1", got)
	}

	w2, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if w1 != w2 {
		t.Fatal("second Get returned a different writer than the cached one")
	}
	if f.createdCount() != 1 {
		t.Fatalf("factory ran %d times, want 1", f.createdCount())
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestSecondAcquireRefusedWithReason: a concurrent second acquire fails
// with ErrEntryUnavailable carrying the first holder's reason, and
// succeeds after the holder releases.
func TestSecondAcquireRefusedWithReason(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	inGoroutine(func() {
		_, gerr := p.Get("t1", "alter")
		if !errors.Is(gerr, ErrEntryUnavailable) {
			t.Errorf("concurrent Get error = %v, want ErrEntryUnavailable", gerr)
		}
		if gerr == nil || !strings.Contains(gerr.Error(), "ingest") {
			t.Errorf("busy error %v does not carry holder reason \"ingest\"", gerr)
		}
	})

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	inGoroutine(func() {
		w2, gerr := p.Get("t1", "alter")
		if gerr != nil {
			t.Errorf("Get after release: %v", gerr)
			return
		}
		_ = w2.Close()
	})
}

// TestSingleWriterStress hammers one table from many goroutines and checks
// that at most one holder exists at any instant.
func TestSingleWriterStress(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	var active atomic.Int32
	var acquired atomic.Int64
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 200 {
				w, err := p.Get("t1", "stress")
				if err != nil {
					if errors.Is(err, ErrEntryUnavailable) {
						continue
					}
					return err
				}
				if active.Add(1) != 1 {
					t.Error("two holders observed simultaneously")
				}
				acquired.Add(1)
				active.Add(-1)
				if err := w.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("stress worker: %v", err)
	}
	if acquired.Load() == 0 {
		t.Fatal("no goroutine ever acquired the writer")
	}
}

// TestHappensBefore verifies that writes made by a holder before release are
// visible to the next acquirer. The counter is a plain field, so a broken
// hand-off would both miscount and trip the race detector.
func TestHappensBefore(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	const perWorker = 500
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			n := 0
			for n < perWorker {
				w, err := p.Get("t1", "count")
				if err != nil {
					continue
				}
				w.(*fakeWriter).counter++
				n++
				if err := w.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}

	w, err := p.Get("t1", "verify")
	if err != nil {
		t.Fatalf("final Get: %v", err)
	}
	defer w.Close() //nolint:errcheck // released via pool; nothing to assert
	if got := w.(*fakeWriter).counter; got != 4*perWorker {
		t.Fatalf("counter = %d, want %d", got, 4*perWorker)
	}
}

// TestEvictionVsAcquire verifies that an acquirer racing the eviction job
// either wins the cached writer intact or constructs a fresh one; it never
// sees a torn-down writer.
func TestEvictionVsAcquire(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	f := &fakeFactory{}
	p := newTestPool(t, f, func(c *PoolConfig) { c.Clock = clk.read })

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
				// Deadline always in the future of every stamp: any idle
				// entry is immediately evictable.
				p.releaseAll(clk.read() + 1)
			}
		}
	})

	for range 300 {
		w, err := p.Get("t1", "race")
		if err != nil {
			if errors.Is(err, ErrEntryUnavailable) {
				continue
			}
			t.Fatalf("Get: %v", err)
		}
		if w.(*fakeWriter).torndown.Load() {
			t.Fatal("acquired a torn-down writer")
		}
		clk.advance(1)
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	close(stop)
	if err := g.Wait(); err != nil {
		t.Fatalf("evictor: %v", err)
	}
}

// TestLockRefusedWhileHeld verifies that locking a name
// whose writer is held fails immediately with the holder's reason; after
// the holder releases, the lock succeeds.
func TestLockRefusedWhileHeld(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	inGoroutine(func() {
		lerr := p.Lock("t1", "rename")
		if !errors.Is(lerr, ErrEntryUnavailable) {
			t.Errorf("Lock while held = %v, want ErrEntryUnavailable", lerr)
		}
		if lerr == nil || !strings.Contains(lerr.Error(), "ingest") {
			t.Errorf("lock-busy error %v does not carry holder reason", lerr)
		}
	})

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	inGoroutine(func() {
		if lerr := p.Lock("t1", "rename"); lerr != nil {
			t.Errorf("Lock after release: %v", lerr)
			return
		}
		if uerr := p.Unlock("t1", nil, false); uerr != nil {
			t.Errorf("Unlock: %v", uerr)
		}
	})
}

// TestLockExcludesAcquire verifies that while a name is administratively
// locked, a concurrent acquire cannot produce a writer, and the same
// goroutine's acquire reports ErrEntryLocked.
func TestLockExcludesAcquire(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, f)

	if err := p.Lock("t1", "drop"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Same goroutine: the entry is ours and locked.
	if _, err := p.Get("t1", "ingest"); !errors.Is(err, ErrEntryLocked) {
		t.Fatalf("same-goroutine Get = %v, want ErrEntryLocked", err)
	}

	// Other goroutines: busy.
	inGoroutine(func() {
		if _, err := p.Get("t1", "ingest"); !errors.Is(err, ErrEntryUnavailable) {
			t.Errorf("cross-goroutine Get = %v, want ErrEntryUnavailable", err)
		}
	})

	if f.createdCount() != 0 {
		t.Fatalf("factory ran %d times while locked, want 0", f.createdCount())
	}
	if err := p.Unlock("t1", nil, false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestUnlockInstallsSuppliedWriter verifies that after
// unlock with a supplied writer, the very next acquire returns exactly that
// writer.
func TestUnlockInstallsSuppliedWriter(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, f)

	if err := p.Lock("t1", "create"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	fresh := &fakeWriter{name: "t1"}
	if err := p.Unlock("t1", fresh, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w != Writer(fresh) {
		t.Fatal("Get did not return the installed writer")
	}
	if f.createdCount() != 0 {
		t.Fatalf("factory ran %d times, want 0 (writer was supplied)", f.createdCount())
	}
	if fresh.lc == nil {
		t.Fatal("installed writer was not wired back to the pool")
	}
	if fresh.lock == nil {
		t.Fatal("held lock was not transferred to the installed writer")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestUnlockNewTableConstructs verifies the create-table unlock path:
// with no supplied writer and newTable set, the pool constructs the first
// writer in place, handing it the held lock.
func TestUnlockNewTableConstructs(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, f)

	if err := p.Lock("t1", "create"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := p.Unlock("t1", nil, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	params := f.lastParams(t)
	if !params.NewTable {
		t.Fatal("factory was not told the table is new")
	}
	if params.Lock == nil {
		t.Fatal("held lock was not passed to the factory")
	}

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f.createdCount() != 1 {
		t.Fatalf("factory ran %d times, want 1", f.createdCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestCreateFailureConsistent verifies that a failed
// construction re-serves the same error to the same goroutine once, then
// the entry disappears and the next attempt constructs afresh.
func TestCreateFailureConsistent(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{err: errFromFactory}
	rec := &eventRecorder{}
	p := newTestPool(t, f, func(c *PoolConfig) { c.Listener = rec.listen })

	_, err1 := p.Get("t1", "ingest")
	if !errors.Is(err1, errFromFactory) {
		t.Fatalf("first Get = %v, want factory failure", err1)
	}

	_, err2 := p.Get("t1", "ingest")
	if !errors.Is(err2, errFromFactory) {
		t.Fatalf("second Get = %v, want the cached factory failure", err2)
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("re-served error %q differs from original %q", err2, err1)
	}
	if rec.count(EventErrResend) != 1 {
		t.Fatalf("err-resend events = %d, want 1", rec.count(EventErrResend))
	}

	// Entry is gone; the third attempt constructs again.
	f.setErr(nil)
	w, err3 := p.Get("t1", "ingest")
	if err3 != nil {
		t.Fatalf("third Get: %v", err3)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestDistressedReturn verifies the distress path: when rollback
// fails on return, the entry is removed and the writer destroyed; the next
// acquire constructs a new writer.
func TestDistressedReturn(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{rollbackErr: errors.New("disk full, errno=28")}
	p := newTestPool(t, f)

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !w.(*fakeWriter).torndown.Load() {
		t.Fatal("distressed writer was not destroyed")
	}
	if got := p.Size(); got != 0 {
		t.Fatalf("Size after distressed return = %d, want 0", got)
	}

	f.mu.Lock()
	f.rollbackErr = nil
	f.mu.Unlock()
	w2, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get after distress: %v", err)
	}
	if w2 == w {
		t.Fatal("pool handed back the destroyed writer")
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestCommandPublish verifies the publish fallback: a caller refused
// the writer publishes a command instead; the holder's release-time tick
// applies it.
func TestCommandPublish(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var altered atomic.Bool
	inGoroutine(func() {
		got, published, perr := p.GetOrPublish("t1", "alter", func(Writer) error {
			altered.Store(true)
			return nil
		})
		if perr != nil {
			t.Errorf("GetOrPublish: %v", perr)
			return
		}
		if !published || got != nil {
			t.Errorf("GetOrPublish = (%v, published=%v), want no handle, published", got, published)
		}
	})

	if altered.Load() {
		t.Fatal("command ran before the holder ticked")
	}

	// Release: the pool's return path runs Tick(true), applying the command.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !altered.Load() {
		t.Fatal("published command was not applied on release")
	}
}

// TestGetOrPublishWhenFree verifies the publish variant degenerates to a
// plain acquire when the writer is free.
func TestGetOrPublishWhenFree(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	w, published, err := p.GetOrPublish("t1", "ingest", func(Writer) error { return nil })
	if err != nil {
		t.Fatalf("GetOrPublish: %v", err)
	}
	if published || w == nil {
		t.Fatalf("GetOrPublish = (%v, published=%v), want a writer, not published", w, published)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestEvictionDeadline verifies that an entry released before
// the deadline is reclaimed and its writer closed.
func TestEvictionDeadline(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	clk.set(1000)
	rec := &eventRecorder{}
	p := newTestPool(t, &fakeFactory{}, func(c *PoolConfig) {
		c.Clock = clk.read
		c.Listener = rec.listen
	})

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := w.Close(); err != nil { // released at t=1000
		t.Fatalf("Close: %v", err)
	}

	if !p.releaseAll(2000) {
		t.Fatal("releaseAll(2000) reported no progress")
	}
	if !w.(*fakeWriter).torndown.Load() {
		t.Fatal("evicted writer was not closed")
	}
	if got := p.Size(); got != 0 {
		t.Fatalf("Size after eviction = %d, want 0", got)
	}
	if rec.count(EventExpire) != 1 {
		t.Fatalf("expire events = %d, want 1", rec.count(EventExpire))
	}
}

// TestReleaseInactiveHonorsTTL verifies that ReleaseInactive only reclaims
// entries older than the TTL.
func TestReleaseInactiveHonorsTTL(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	clk.set(time.Minute.Microseconds())
	p := newTestPool(t, &fakeFactory{}, func(c *PoolConfig) {
		c.Clock = clk.read
		c.InactiveWriterTTL = time.Minute
	})

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if p.ReleaseInactive() {
		t.Fatal("ReleaseInactive reclaimed a fresh entry")
	}

	clk.advance(time.Minute.Microseconds() + 1)
	if !p.ReleaseInactive() {
		t.Fatal("ReleaseInactive did not reclaim an expired entry")
	}
}

// TestLockFailedOpenAllowsCreate pins the benign window noted in the lock
// path: when the lock file cannot be acquired, the entry is released with
// no writer and no lock, and a concurrent acquirer falls into the create
// path successfully.
func TestLockFailedOpenAllowsCreate(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	root := t.TempDir()
	p := NewPool(PoolConfig{Root: root, InactiveWriterTTL: time.Minute, Factory: f.new})
	t.Cleanup(p.Close)

	// Hold the table's lock file out from under the pool.
	lk, err := fslock.TryLock(fslock.LockPath(root, "t1"))
	if err != nil {
		t.Fatalf("pre-acquire lock file: %v", err)
	}
	defer lk.Release() //nolint:errcheck // test cleanup

	lerr := p.Lock("t1", "rename")
	if !errors.Is(lerr, ErrEntryUnavailable) {
		t.Fatalf("Lock with held file = %v, want ErrEntryUnavailable", lerr)
	}
	if !strings.Contains(lerr.Error(), "missing or owned by other process") {
		t.Fatalf("lock failure %v does not carry the cross-process reason", lerr)
	}

	// The entry lingers unallocated with neither writer nor lock; an
	// acquire CASes in and constructs.
	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get after failed lock: %v", err)
	}
	if f.createdCount() != 1 {
		t.Fatalf("factory ran %d times, want 1", f.createdCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestUnlockMisuse verifies the NotLocked / NotLockOwner taxonomy.
func TestUnlockMisuse(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	if err := p.Unlock("absent", nil, false); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("Unlock of absent entry = %v, want ErrNotLocked", err)
	}

	if err := p.Lock("t1", "drop"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	inGoroutine(func() {
		if err := p.Unlock("t1", nil, false); !errors.Is(err, ErrNotLockOwner) {
			t.Errorf("Unlock by other goroutine = %v, want ErrNotLockOwner", err)
		}
	})
	if err := p.Unlock("t1", nil, false); err != nil {
		t.Fatalf("Unlock by owner: %v", err)
	}

	// Holding a writer is not the locked state.
	w, err := p.Get("t2", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := p.Unlock("t2", nil, false); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("Unlock of held entry = %v, want ErrNotLocked", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestUnlockRemovesLockFile verifies that unlock-without-writer frees the
// name on disk: the lock file is removed and a fresh lock succeeds.
func TestUnlockRemovesLockFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := NewPool(PoolConfig{Root: root, InactiveWriterTTL: time.Minute, Factory: (&fakeFactory{}).new})
	t.Cleanup(p.Close)

	if err := p.Lock("t1", "drop"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := p.Unlock("t1", nil, false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got := p.Size(); got != 0 {
		t.Fatalf("Size after unlock = %d, want 0", got)
	}

	lk, err := fslock.TryLock(fslock.LockPath(root, "t1"))
	if err != nil {
		t.Fatalf("name not free after unlock: %v", err)
	}
	_ = lk.Release()
}

// TestCloseIdempotent verifies shutdown behaviour: closing twice is safe, acquires after
// close fail PoolClosed, and an in-flight writer still closes cleanly when
// its holder releases it.
func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	rec := &eventRecorder{}
	f := &fakeFactory{}
	p := newTestPool(t, f, func(c *PoolConfig) { c.Listener = rec.listen })

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	p.Close()
	p.Close()
	if rec.count(EventPoolClosed) != 1 {
		t.Fatalf("pool-closed events = %d, want 1", rec.count(EventPoolClosed))
	}

	if _, err := p.Get("t2", "ingest"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Get after close = %v, want ErrPoolClosed", err)
	}
	if err := p.Lock("t2", "drop"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Lock after close = %v, want ErrPoolClosed", err)
	}

	// The in-flight writer is destroyed, not cached, on release.
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer after pool close: %v", err)
	}
	if !w.(*fakeWriter).torndown.Load() {
		t.Fatal("writer released into a closed pool was not destroyed")
	}
	if rec.count(EventOutOfPoolClose) != 1 {
		t.Fatalf("out-of-pool-close events = %d, want 1", rec.count(EventOutOfPoolClose))
	}
	if got := p.Size(); got != 0 {
		t.Fatalf("Size after drain = %d, want 0", got)
	}
}

// TestCloseDropsAdministrativeLocks verifies the shutdown pass releases
// held lock files.
func TestCloseDropsAdministrativeLocks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := NewPool(PoolConfig{Root: root, InactiveWriterTTL: time.Minute, Factory: (&fakeFactory{}).new})

	if err := p.Lock("t1", "rename"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	p.Close()

	lk, err := fslock.TryLock(fslock.LockPath(root, "t1"))
	if err != nil {
		t.Fatalf("lock file still held after pool close: %v", err)
	}
	_ = lk.Release()
}

// TestDoubleCloseLogsUnexpected verifies that a second close of an
// already-returned writer is flagged and does not destroy the cached writer.
func TestDoubleCloseLogsUnexpected(t *testing.T) {
	t.Parallel()

	rec := &eventRecorder{}
	p := newTestPool(t, &fakeFactory{}, func(c *PoolConfig) { c.Listener = rec.listen })

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if rec.count(EventUnexpectedClose) != 1 {
		t.Fatalf("unexpected-close events = %d, want 1", rec.count(EventUnexpectedClose))
	}
	if w.(*fakeWriter).torndown.Load() {
		t.Fatal("cached writer was destroyed by a double close")
	}
}

// TestReasonReinterpretation verifies the unknown-reason substitution for
// the record-then-CAS race window.
func TestReasonReinterpretation(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	w, err := p.Get("t1", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v, _ := p.entries.Load("t1")
	e := v.(*entry)
	e.clearReason() // simulate the not-yet-recorded window

	inGoroutine(func() {
		_, gerr := p.Get("t1", "alter")
		if gerr == nil || !strings.Contains(gerr.Error(), reasonUnknown) {
			t.Errorf("busy error %v does not substitute the unknown reason", gerr)
		}
	})

	e.setReason("ingest")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestCounts verifies the approximate Size/BusyCount/FreeCount walk.
func TestCounts(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{})

	held, err := p.Get("held", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	idle, err := p.Get("idle", "ingest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := idle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Lock("locked", "drop"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if got := p.Size(); got != 3 {
		t.Fatalf("Size = %d, want 3", got)
	}
	if got := p.BusyCount(); got != 2 {
		t.Fatalf("BusyCount = %d, want 2 (held + locked)", got)
	}
	if got := p.FreeCount(); got != 1 {
		t.Fatalf("FreeCount = %d, want 1", got)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Unlock("locked", nil, false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestShutdownDrainRemovesFailedRecords verifies the shutdown pass removes
// stale failed-allocation records.
func TestShutdownDrainRemovesFailedRecords(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{err: errFromFactory}
	p := newTestPool(t, f)

	if _, err := p.Get("t1", "ingest"); !errors.Is(err, errFromFactory) {
		t.Fatalf("Get = %v, want factory failure", err)
	}
	if got := p.Size(); got != 1 {
		t.Fatalf("Size with failed record = %d, want 1", got)
	}

	if !p.releaseAll(math.MaxInt64) {
		t.Fatal("shutdown pass reported no progress")
	}
	if got := p.Size(); got != 0 {
		t.Fatalf("Size after drain = %d, want 0", got)
	}
}

// TestEvictionSentinelDisjoint pins the three-way encoding of the owner
// word: the eviction marker can never alias unallocated or a goroutine id.
func TestEvictionSentinelDisjoint(t *testing.T) {
	t.Parallel()

	for _, gid := range []int64{1, 2, 17, math.MaxInt32} {
		s := evictionSentinel(gid)
		if s == unallocated {
			t.Fatalf("evictionSentinel(%d) aliases unallocated", gid)
		}
		if s >= 0 {
			t.Fatalf("evictionSentinel(%d) = %d, aliases a goroutine id", gid, s)
		}
	}
}
