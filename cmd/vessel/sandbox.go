//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExecuteSandbox starts cmd, calls started once it is running and waits for
// it. Returns the exit code of the sandboxed process.
//
// When the context is cancelled, SIGTERM is sent to the process to allow
// graceful shutdown. The process may exit with any code; context cancellation
// is signaled separately through ctx.
func ExecuteSandbox(ctx context.Context, cmd *exec.Cmd, started func()) (int, error) {
	err := cmd.Start()
	if err != nil {
		return 1, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	if started != nil {
		started()
	}

	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		case <-done:
		}
	}()

	err = cmd.Wait()

	close(done)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return 128 + int(status.Signal()), nil
			}

			return exitErr.ExitCode(), nil
		}

		return 1, fmt.Errorf("waiting for %s: %w", cmd.Path, err)
	}

	return 0, nil
}
