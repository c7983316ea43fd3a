// Package coeerr defines the error taxonomy shared by every package in this
// module (see spec.md §7). Callers should compare against the sentinel
// values with errors.Is; wrapping is done with github.com/pkg/errors so a
// stack trace survives into logs without every call site needing to add one.
package coeerr

import "github.com/pkg/errors"

var (
	// ErrNotInitialized is returned when an API is called before root or
	// process init has completed.
	ErrNotInitialized = errors.New("coeruntime: not initialized")

	// ErrInvalidArg is returned for null handles, empty names, and other
	// arguments that are structurally invalid regardless of state.
	ErrInvalidArg = errors.New("coeruntime: invalid argument")

	// ErrInvalidState is returned when an operation is attempted in a
	// process-handle or mutex state that forbids it (configure after run,
	// destroy after destroy, ...).
	ErrInvalidState = errors.New("coeruntime: invalid state")

	// ErrResourceExhausted is returned when the allocator is out of
	// untypeds, slots, or virtual address range.
	ErrResourceExhausted = errors.New("coeruntime: resource exhausted")

	// ErrCapCopyFailed is returned when the kernel refuses a capability
	// copy or mint operation.
	ErrCapCopyFailed = errors.New("coeruntime: capability copy failed")

	// ErrMapFailed is returned when a page-directory installation fails.
	ErrMapFailed = errors.New("coeruntime: page mapping failed")

	// ErrConflict is returned for operations that would violate an
	// invariant without changing any state: freeing a referenced
	// connection object, double self-mapping shared memory.
	ErrConflict = errors.New("coeruntime: conflict")

	// ErrNotHolder is returned when a recursive lock is unlocked by a
	// thread that is not its current holder.
	ErrNotHolder = errors.New("coeruntime: not the lock holder")

	// ErrAlreadyDestroyed is returned by a second Destroy call on an
	// already-destroyed process handle.
	ErrAlreadyDestroyed = errors.New("coeruntime: already destroyed")
)

// Wrap attaches caller-supplied context to a sentinel error while
// preserving errors.Is matching against it.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, message)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
