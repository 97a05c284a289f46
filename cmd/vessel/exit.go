//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/lock"
	"github.com/calvinalkan/vessel/vessel"
)

// Exit codes, following sysexits.h where one fits.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 64
	exitNoInput     = 66
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
	exitInterrupted = 130
)

// errUsage marks errors caused by how the command was invoked.
var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// childExitError carries the sandboxed program's exit status.
type childExitError struct {
	code int
}

func (e *childExitError) Error() string {
	return fmt.Sprintf("sandboxed command exited with status %d", e.code)
}

func isChildExit(err error) bool {
	var childErr *childExitError

	return errors.As(err, &childErr)
}

func exitCodeFor(err error) int {
	var childErr *childExitError

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &childErr):
		return childErr.code
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, lock.ErrBusy):
		return exitTempFail
	case errors.Is(err, vessel.ErrUnsupportedArchitecture):
		return exitUnavailable
	case errors.Is(err, graphics.ErrCaptureHelperFailed):
		return exitSoftware
	case errors.Is(err, vessel.ErrNotFound), errors.Is(err, vessel.ErrNotADirectory):
		return exitNoInput
	default:
		return exitFailure
	}
}
