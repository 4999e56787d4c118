// Package errdefs defines the sentinel errors shared across the client
// packages and the helpers that attach call-site context to them.
package errdefs

import (
	"errors"
	"fmt"
)

// Newf joins base with a formatted error, so the result matches the
// sentinel under errors.Is while carrying the formatted detail.
func Newf(base error, format string, args ...any) error {
	return errors.Join(base, fmt.Errorf(format, args...))
}

// NewE joins base with err. An err that already matches base is returned
// unchanged, so repeated wrapping never stacks the same sentinel.
func NewE(base error, err error) error {
	if err == nil || errors.Is(err, base) {
		return err
	}
	return errors.Join(base, err)
}
