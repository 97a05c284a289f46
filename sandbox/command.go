//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

const firstExtraFD = 3

// DefaultExecutor is the sandbox executor looked up in PATH when Command is
// given an empty executor.
const DefaultExecutor = "bwrap"

// Command consumes the plan and constructs an unstarted [exec.Cmd] that runs
// argv inside the sandbox. The returned cleanup function must be called to
// close the anonymous files backing ro-bind-data mounts; it is safe to call
// more than once.
//
// The sync file, if any, is passed to the child but stays owned by the caller.
// A plan can be turned into a command only once.
func (p *Plan) Command(ctx context.Context, executor string, argv []string) (*exec.Cmd, func() error, error) {
	noop := func() error { return nil }

	if len(argv) == 0 {
		return nil, noop, errors.New("sandbox: no command provided")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consumed {
		return nil, noop, errors.New("sandbox: plan already consumed")
	}

	if executor == "" {
		executor = DefaultExecutor
	}

	executorPath, err := exec.LookPath(executor)
	if err != nil {
		return nil, noop, fmt.Errorf("sandbox: executor %q not found: %w", executor, err)
	}

	planArgs, dataMounts, err := p.render()
	if err != nil {
		return nil, noop, err
	}

	p.consumed = true

	files, err := roBindDataFiles(dataMounts)
	if err != nil {
		return nil, noop, err
	}

	cleanup := closeFilesOnce(files)

	extraFiles := files
	if p.syncFile != nil {
		extraFiles = append(extraFiles, p.syncFile)
	}

	args := make([]string, 0, len(planArgs)+1+len(argv))
	args = append(args, planArgs...)
	args = append(args, "--")
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, executorPath, args...)
	if len(extraFiles) > 0 {
		cmd.ExtraFiles = extraFiles
	}

	return cmd, cleanup, nil
}

func closeFilesOnce(files []*os.File) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			outErr = closeFiles(files...)
		})

		return outErr
	}
}

func closeFiles(files ...*os.File) error {
	var errs []error

	for _, f := range files {
		if f == nil {
			continue
		}

		err := f.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// roBindDataFiles allocates one rewound backing file per mount, in order.
func roBindDataFiles(mounts []Mount) ([]*os.File, error) {
	files := make([]*os.File, 0, len(mounts))

	closeOnError := func(cause error) error {
		closeErr := closeFiles(files...)

		return errors.Join(cause, closeErr)
	}

	for i, mount := range mounts {
		backingFile, err := newRoBindDataBackingFile()
		if err != nil {
			return nil, closeOnError(fmt.Errorf("create ro-bind-data backing file for %q (mount %d): %w", mount.Dst, i, err))
		}

		files = append(files, backingFile)

		_, err = backingFile.Write(mount.Data)
		if err != nil {
			return nil, closeOnError(fmt.Errorf("write ro-bind-data for %q (mount %d): %w", mount.Dst, i, err))
		}

		_, err = backingFile.Seek(0, 0)
		if err != nil {
			return nil, closeOnError(fmt.Errorf("rewind ro-bind-data for %q (mount %d): %w", mount.Dst, i, err))
		}
	}

	return files, nil
}

func newRoBindDataBackingFile() (*os.File, error) {
	fd, err := unix.MemfdCreate("vessel-ro-bind-data", unix.MFD_CLOEXEC)
	if err == nil {
		memFile := os.NewFile(uintptr(fd), "vessel-ro-bind-data")
		if memFile == nil {
			closeErr := unix.Close(fd)

			return nil, errors.Join(
				internalErrorf("newRoBindDataBackingFile", "os.NewFile returned nil"),
				closeErr,
			)
		}

		return memFile, nil
	}

	// The executor reads the content through the inherited descriptor, so an
	// unlinked temp file works as well.
	tempFile, tmpErr := os.CreateTemp("", "vessel-ro-bind-data-*")
	if tmpErr != nil {
		return nil, errors.Join(
			fmt.Errorf("memfd_create: %w", err),
			fmt.Errorf("create temp file: %w", tmpErr),
		)
	}

	_ = os.Remove(tempFile.Name())

	return tempFile, nil
}
