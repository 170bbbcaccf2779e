package meridian

import "github.com/meridian-db/meridian/internal/core"

// Sentinel errors for error inspection with errors.Is.
//
// These use the sentinel.Error const pattern instead of errors.New vars.
// sentinel.Error is a string type implementing error, allowing errors to be
// declared as const. This prevents accidental reassignment and enables
// compile-time immutability, while remaining compatible with errors.Is
// through Go's default == comparison on comparable types.
const (
	// ErrPoolClosed is returned by Get, GetOrPublish, and Lock when the
	// pool is shutting down. Non-retryable.
	ErrPoolClosed = core.ErrPoolClosed

	// ErrEntryUnavailable is returned when another goroutine owns the
	// writer for the requested table. Retryable after back-off; the error
	// message carries the holder's ownership reason.
	ErrEntryUnavailable = core.ErrEntryUnavailable

	// ErrEntryLocked is returned by Get when the calling goroutine's own
	// entry is administratively locked.
	ErrEntryLocked = core.ErrEntryLocked

	// ErrNotLocked is returned by Unlock when the table is not in the
	// administratively locked state.
	ErrNotLocked = core.ErrNotLocked

	// ErrNotLockOwner is returned by Unlock when the calling goroutine
	// does not hold the administrative lock.
	ErrNotLockOwner = core.ErrNotLockOwner
)
