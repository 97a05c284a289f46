//go:build linux

package sandbox

import "fmt"

// internalErrorf reports a broken invariant inside this package. Callers
// cannot fix these by changing their input.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Errorf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %w", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %w", op, detail)
}
