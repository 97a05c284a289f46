//go:build linux

package vessel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the runtime, or a file the runtime must
	// contain, does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotADirectory is returned when the runtime or its usr/ is not a
	// directory.
	ErrNotADirectory = errors.New("not a directory")

	// ErrUnsupportedArchitecture is wrapped by [UnsupportedArchitectureError].
	ErrUnsupportedArchitecture = errors.New("no supported architecture")

	// ErrInconsistentLibc is logged, never returned, when some architectures
	// use the host's libc and others the runtime's.
	ErrInconsistentLibc = errors.New("libc taken from the host for some architectures only")
)

// UnsupportedArchitectureError reports a runtime without a dynamic linker
// for any architecture this build supports.
type UnsupportedArchitectureError struct {
	Runtime string
	Tried   []string
}

func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("runtime %q: no dynamic linker for any supported architecture (tried %s)",
		e.Runtime, strings.Join(e.Tried, ", "))
}

func (e *UnsupportedArchitectureError) Unwrap() error {
	return ErrUnsupportedArchitecture
}
