package writer

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"

	"github.com/meridian-db/meridian/internal/core"
	"github.com/meridian-db/meridian/internal/fileutil"
	"github.com/meridian-db/meridian/internal/fslock"
	"github.com/meridian-db/meridian/internal/metrics"
	"github.com/meridian-db/meridian/internal/sentinel"
)

// ErrCommandQueueFull is returned by ProcessCommandAsync when the bounded
// inbound queue has no room. The publisher should back off and retry; the
// holder drains the queue on its next Tick.
const ErrCommandQueueFull = sentinel.Error("writer command queue is full")

// ErrWriterClosed is returned by operations on a writer after teardown.
const ErrWriterClosed = sentinel.Error("writer is closed")

// ErrTableDoesNotExist is returned by New when reopening a table whose
// directory is missing. Tables come into existence through the pool's
// create-table flow (lock, then unlock with newTable), never as a side
// effect of acquisition.
const ErrTableDoesNotExist = sentinel.Error("table does not exist")

// TopicCommandApplied is the bus topic on which writers announce applied
// asynchronous commands, so ingest pipelines learn about structural changes
// (e.g. ALTER TABLE) without polling.
const TopicCommandApplied = "meridian.writer.command.applied"

// defaultCommandQueueCap bounds the inbound command queue. Commands are
// rare (DDL arriving while the table is busy), so a small queue suffices;
// overflow is reported to the publisher rather than blocking it.
const defaultCommandQueueCap = 64

// sqliteBusyTimeoutMs is the SQLite busy_timeout pragma value in
// milliseconds. The advisory table lock already keeps other processes out,
// so contention is limited to WAL checkpointing; a generous timeout avoids
// spurious "database is locked" errors without risking long stalls.
const sqliteBusyTimeoutMs = 5000

// Config holds the parameters for opening a Writer. Name and Root are
// required; everything else may be zero.
type Config struct {
	// Name is the table name; the table directory is Root/Name.
	Name string
	// Root is the engine storage root.
	Root string
	// NewTable indicates the table is being created rather than reopened.
	NewTable bool
	// Bus receives command-applied notifications; may be nil.
	Bus message.Publisher
	// Metrics counts committed rows; may be nil.
	Metrics *metrics.PoolMetrics
	// Lifecycle is the close-callback target; nil means Close tears down.
	Lifecycle core.LifecycleManager
	// Lock, when non-nil, is an already-held advisory lock the writer
	// adopts instead of acquiring its own.
	Lock *fslock.Lock
	// CommandQueueCap overrides the inbound queue capacity; 0 selects the
	// default.
	CommandQueueCap int
}

// Writer appends rows for one table into its on-disk store. It implements
// core.Writer. Not safe for concurrent use except ProcessCommandAsync.
type Writer struct {
	name string
	dir  string

	db     *sql.DB
	insert *sql.Stmt
	tx     *sql.Tx
	txRows int64

	lock    *fslock.Lock
	bus     message.Publisher
	metrics *metrics.PoolMetrics

	// lc is swapped by the pool between the owning entry and the default
	// (nil) manager. Mutations happen only while the mutating goroutine
	// owns the writer, so no synchronization is needed.
	lc core.LifecycleManager

	cmds   chan core.WriterCommand
	closed bool
}

// Compile-time check that Writer satisfies the pool's writer contract.
var _ core.Writer = (*Writer)(nil)

// Factory adapts New to the pool's WriterFactory signature.
func Factory(p core.FactoryParams) (core.Writer, error) {
	return New(Config{
		Name:      p.Name,
		Root:      p.Root,
		NewTable:  p.NewTable,
		Bus:       p.Bus,
		Metrics:   p.Metrics,
		Lifecycle: p.Lifecycle,
		Lock:      p.Lock,
	})
}

// New opens the on-disk writer state for a table: acquires (or adopts) the
// table's advisory lock, creates the table directory, and opens the SQLite
// store. The returned writer holds the lock until teardown.
func New(cfg Config) (*Writer, error) {
	if cfg.Name == "" {
		panic("meridian: writer table name must not be empty")
	}
	if cfg.Root == "" {
		panic("meridian: writer storage root must not be empty")
	}
	if cfg.CommandQueueCap == 0 {
		cfg.CommandQueueCap = defaultCommandQueueCap
	}

	lk := cfg.Lock
	if lk == nil {
		// The advisory lock extends the single-writer invariant across
		// processes: construction fails while another process (or an
		// administrative lock in this one) holds the name.
		var err error
		lk, err = fslock.TryLock(fslock.LockPath(cfg.Root, cfg.Name))
		if err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(cfg.Root, cfg.Name)
	if !cfg.NewTable {
		if _, serr := os.Stat(dir); serr != nil {
			err := fmt.Errorf("%w: %s", ErrTableDoesNotExist, dir)
			if rerr := lk.Release(); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
	}

	db, err := openStore(dir)
	if err != nil {
		if rerr := lk.Release(); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	insert, err := db.Prepare("INSERT INTO rows (ts, payload) VALUES (?, ?)")
	if err != nil {
		cerr := db.Close()
		rerr := lk.Release()
		return nil, errors.Join(fmt.Errorf("prepare insert for table %q: %w", cfg.Name, err), cerr, rerr)
	}

	return &Writer{
		name:    cfg.Name,
		dir:     dir,
		db:      db,
		insert:  insert,
		lock:    lk,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		lc:      cfg.Lifecycle,
		cmds:    make(chan core.WriterCommand, cfg.CommandQueueCap),
	}, nil
}

// openStore opens (creating if needed) the table's SQLite database. WAL
// mode matches the engine's append-heavy write pattern; synchronous=NORMAL
// keeps commits durable enough for a store whose source of truth is the
// ingest pipeline's acknowledgement protocol.
func openStore(dir string) (*sql.DB, error) {
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		filepath.Join(dir, "table.db"), sqliteBusyTimeoutMs,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open table store %s: %w", dir, err)
	}

	// Single connection: the writer is a single-holder object and one
	// connection keeps exactly one WAL writer active.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(
		"CREATE TABLE IF NOT EXISTS rows (ts INTEGER NOT NULL, payload BLOB); " +
			"CREATE INDEX IF NOT EXISTS rows_ts ON rows (ts)",
	); err != nil {
		cerr := db.Close()
		return nil, errors.Join(fmt.Errorf("create table schema in %s: %w", dir, err), cerr)
	}

	return db, nil
}

// TableName returns the table this writer serves.
func (w *Writer) TableName() string {
	return w.name
}

// AppendRow stages one row in the open transaction, beginning one if
// needed. Rows become durable on Commit (or Tick with force) and disappear
// on Rollback.
func (w *Writer) AppendRow(ts int64, payload []byte) error {
	if w.closed {
		return fmt.Errorf("%w: table %q", ErrWriterClosed, w.name)
	}

	if w.tx == nil {
		tx, err := w.db.Begin()
		if err != nil {
			return fmt.Errorf("begin append transaction for table %q: %w", w.name, err)
		}
		w.tx = tx
		w.txRows = 0
	}

	if _, err := w.tx.Stmt(w.insert).Exec(ts, payload); err != nil {
		return fmt.Errorf("append row to table %q: %w", w.name, err)
	}
	w.txRows++
	return nil
}

// Commit makes staged rows durable and ends the open transaction.
func (w *Writer) Commit() error {
	if w.closed {
		return fmt.Errorf("%w: table %q", ErrWriterClosed, w.name)
	}
	if w.tx == nil {
		return nil
	}

	tx, n := w.tx, w.txRows
	w.tx = nil
	w.txRows = 0
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit table %q: %w", w.name, err)
	}
	w.metrics.AddRowsCommitted(n)
	return nil
}

// Rollback discards staged rows. Safe to call with no open transaction.
func (w *Writer) Rollback() error {
	if w.tx == nil {
		return nil
	}

	tx := w.tx
	w.tx = nil
	w.txRows = 0
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback table %q: %w", w.name, err)
	}
	return nil
}

// Tick drains the inbound command queue, applying each published command on
// the calling (holder's) goroutine, and commits the open transaction when
// force is true. The pool calls Tick(true) on every return to the pool so
// structural commands queued during a tenure are applied before the writer
// is cached.
func (w *Writer) Tick(force bool) error {
	if w.closed {
		return fmt.Errorf("%w: table %q", ErrWriterClosed, w.name)
	}

	for {
		select {
		case cmd := <-w.cmds:
			if err := cmd(w); err != nil {
				return fmt.Errorf("apply command on table %q: %w", w.name, err)
			}
			w.announceCommandApplied()
		default:
			if force {
				return w.Commit()
			}
			return nil
		}
	}
}

// announceCommandApplied publishes a structural-change notification on the
// engine bus. Best effort: a bus failure must not fail the command that
// already applied.
func (w *Writer) announceCommandApplied() {
	if w.bus == nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), []byte(w.name))
	msg.Metadata.Set("table", w.name)
	if err := w.bus.Publish(TopicCommandApplied, msg); err != nil {
		core.Logger().Warn("publishing command-applied notification", "table", w.name, "error", err)
	}
}

// ProcessCommandAsync enqueues cmd on the inbound queue. This is the one
// method callable by goroutines that do not hold the writer. Returns
// ErrCommandQueueFull (wrapped) when the queue has no room.
func (w *Writer) ProcessCommandAsync(cmd core.WriterCommand) error {
	select {
	case w.cmds <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: table %q", ErrCommandQueueFull, w.name)
	}
}

// TransferLock hands the writer an already-held advisory lock, releasing
// any lock the writer previously held (construction always acquires one,
// so an installed writer from the create-table path swaps rather than
// accumulates).
func (w *Writer) TransferLock(lk *fslock.Lock) {
	if w.lock != nil && w.lock != lk {
		if err := w.lock.Release(); err != nil {
			core.Logger().Warn("releasing superseded table lock", "table", w.name, "error", err)
		}
	}
	w.lock = lk
}

// SetLifecycleManager installs the close-callback target; nil restores
// default teardown behaviour.
func (w *Writer) SetLifecycleManager(m core.LifecycleManager) {
	w.lc = m
}

// Close routes through the lifecycle manager: when the manager reports it
// retained the writer (the pool cached it), Close returns nil without
// tearing down. Otherwise the writer rolls back staged rows, closes its
// store, and releases the table lock. Teardown is idempotent.
func (w *Writer) Close() error {
	if w.lc != nil && !w.lc.OnWriterClose() {
		return nil
	}
	return w.teardown()
}

// teardown releases every resource the writer holds. Idempotent because
// the pool's destroy paths and a caller's deferred Close can both land here.
func (w *Writer) teardown() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.Rollback(); err != nil {
		errs = append(errs, err)
	}
	if err := w.insert.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close insert statement for table %q: %w", w.name, err))
	}
	if err := w.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store for table %q: %w", w.name, err))
	}
	if w.lock != nil {
		if err := w.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		w.lock = nil
	}
	return errors.Join(errs...)
}
