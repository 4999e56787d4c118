package errdefs

import "errors"

var (
	// ErrNotFound signals that the requested object doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists signals that the content is already present in the
	// store. On the write path this is the cache-hit case, not a failure.
	ErrAlreadyExists = errors.New("already exists")

	// ErrLeaseHeld signals that a lease with the same reference label is
	// still open. Callers use it to tell in-flight duplicates apart from
	// real failures.
	ErrLeaseHeld = errors.New("lease already held")

	// ErrVerification signals that committed content did not match the
	// expected digest or byte count. Never downgraded to a warning.
	ErrVerification = errors.New("content verification failed")

	// ErrInvalidParameter signals that the user input is invalid.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrUnavailable signals that the daemon or one of its services could
	// not be reached.
	ErrUnavailable = errors.New("unavailable")

	// ErrUnsupported indicates that the action was not supported.
	ErrUnsupported = errors.New("unsupported")
)
