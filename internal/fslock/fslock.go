package fslock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/meridian-db/meridian/internal/fileutil"
	"github.com/meridian-db/meridian/internal/sentinel"
)

// ErrLockBusy is returned by TryLock when the lock file is already held,
// by this process or another one.
const ErrLockBusy = sentinel.Error("lock file is held")

// Lock is a held exclusive advisory lock on a table name. The zero value is
// not usable; obtain a Lock through TryLock. A Lock is owned by exactly one
// holder at a time and is not safe for concurrent use.
type Lock struct {
	fl *flock.Flock
}

// LockPath returns the advisory lock file path for a table under root.
// The file lives next to the table directory rather than inside it, so a
// dropped table leaves no directory behind just to host its lock.
func LockPath(root, table string) string {
	return filepath.Join(root, table+".lock")
}

// TryLock makes a single non-blocking attempt to acquire an exclusive
// advisory lock on path, creating parent directories as needed. It returns
// ErrLockBusy (wrapped) when another holder has the lock. There is no retry
// or back-off here: the pool's locking operations are non-blocking by
// contract and the caller decides whether to retry.
func TryLock(path string) (*Lock, error) {
	if err := fileutil.EnsureDirForFile(path); err != nil {
		return nil, err
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: %w", path, ErrLockBusy)
	}

	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release unlocks and closes the file descriptor. The lock file is
// intentionally left on disk to avoid a race where removing it could
// invalidate a lock concurrently acquired by another process on the same
// path. Close calls Unlock internally, so no explicit Unlock is needed.
func (l *Lock) Release() error {
	if err := l.fl.Close(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// Remove deletes the lock file and then releases the lock. Used when a table
// name is freed for re-creation. The unlink happens while the lock is still
// held: a concurrent TryLock after the unlink creates a fresh file, so the
// removal can never invalidate a lock another process just acquired.
func (l *Lock) Remove() error {
	path := l.fl.Path()
	rmErr := fileutil.RemoveIfExists(path)
	if err := l.fl.Close(); err != nil {
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	return rmErr
}
